/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fake

import (
	"context"
	"fmt"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/samber/lo"

	sdk "github.com/vigilsec/vigil/pkg/aws"
)

// STSBehavior must be reset between tests otherwise tests will
// pollute each other.
type STSBehavior struct {
	AssumeRoleBehavior        MockedFunction[sts.AssumeRoleInput, sts.AssumeRoleOutput]
	GetCallerIdentityBehavior MockedFunction[sts.GetCallerIdentityInput, sts.GetCallerIdentityOutput]
}

type STSAPI struct {
	sdk.STSAPI
	STSBehavior
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (s *STSAPI) Reset() {
	s.AssumeRoleBehavior.Reset()
	s.GetCallerIdentityBehavior.Reset()
}

func (s *STSAPI) AssumeRole(_ context.Context, input *sts.AssumeRoleInput, _ ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	return s.AssumeRoleBehavior.Invoke(input, func(input *sts.AssumeRoleInput) (*sts.AssumeRoleOutput, error) {
		return &sts.AssumeRoleOutput{
			Credentials: &types.Credentials{
				AccessKeyId:     lo.ToPtr("ASIA" + randomdata.Alphanumeric(16)),
				SecretAccessKey: lo.ToPtr(randomdata.Alphanumeric(40)),
				SessionToken:    lo.ToPtr(randomdata.Alphanumeric(64)),
				Expiration:      lo.ToPtr(time.Now().Add(time.Hour)),
			},
			AssumedRoleUser: &types.AssumedRoleUser{
				Arn:           lo.ToPtr(fmt.Sprintf("%s/%s", lo.FromPtr(input.RoleArn), lo.FromPtr(input.RoleSessionName))),
				AssumedRoleId: lo.ToPtr(randomdata.Alphanumeric(21)),
			},
		}, nil
	})
}

func (s *STSAPI) GetCallerIdentity(_ context.Context, input *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return s.GetCallerIdentityBehavior.Invoke(input, func(_ *sts.GetCallerIdentityInput) (*sts.GetCallerIdentityOutput, error) {
		return &sts.GetCallerIdentityOutput{
			Account: lo.ToPtr("000000000000"),
			Arn:     lo.ToPtr("arn:aws:iam::000000000000:role/vigil-scanner"),
		}, nil
	})
}
