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
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/samber/lo"

	sdk "github.com/vigilsec/vigil/pkg/aws"
)

// SSMAPI keeps parameters in memory. The Parameters map may be seeded
// directly; behaviors override individual calls when armed.
type SSMAPI struct {
	sdk.SSMAPI
	SSMBehavior

	mu         sync.RWMutex
	Parameters map[string]string
}

// SSMBehavior must be reset between tests otherwise tests will
// pollute each other.
type SSMBehavior struct {
	GetParameterBehavior    MockedFunction[ssm.GetParameterInput, ssm.GetParameterOutput]
	PutParameterBehavior    MockedFunction[ssm.PutParameterInput, ssm.PutParameterOutput]
	DeleteParameterBehavior MockedFunction[ssm.DeleteParameterInput, ssm.DeleteParameterOutput]
}

func NewSSMAPI() *SSMAPI {
	return &SSMAPI{Parameters: map[string]string{}}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (a *SSMAPI) Reset() {
	a.GetParameterBehavior.Reset()
	a.PutParameterBehavior.Reset()
	a.DeleteParameterBehavior.Reset()
	a.mu.Lock()
	a.Parameters = map[string]string{}
	a.mu.Unlock()
}

func (a *SSMAPI) GetParameter(_ context.Context, input *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	return a.GetParameterBehavior.Invoke(input, func(input *ssm.GetParameterInput) (*ssm.GetParameterOutput, error) {
		a.mu.RLock()
		defer a.mu.RUnlock()
		value, ok := a.Parameters[lo.FromPtr(input.Name)]
		if !ok {
			return nil, &types.ParameterNotFound{Message: lo.ToPtr("parameter not found")}
		}
		return &ssm.GetParameterOutput{
			Parameter: &types.Parameter{
				Name:  input.Name,
				Value: lo.ToPtr(value),
				Type:  types.ParameterTypeSecureString,
			},
		}, nil
	})
}

func (a *SSMAPI) PutParameter(_ context.Context, input *ssm.PutParameterInput, _ ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	return a.PutParameterBehavior.Invoke(input, func(input *ssm.PutParameterInput) (*ssm.PutParameterOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.Parameters[lo.FromPtr(input.Name)] = lo.FromPtr(input.Value)
		return &ssm.PutParameterOutput{Version: 1}, nil
	})
}

func (a *SSMAPI) DeleteParameter(_ context.Context, input *ssm.DeleteParameterInput, _ ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error) {
	return a.DeleteParameterBehavior.Invoke(input, func(input *ssm.DeleteParameterInput) (*ssm.DeleteParameterOutput, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if _, ok := a.Parameters[lo.FromPtr(input.Name)]; !ok {
			return nil, &types.ParameterNotFound{Message: lo.ToPtr("parameter not found")}
		}
		delete(a.Parameters, lo.FromPtr(input.Name))
		return &ssm.DeleteParameterOutput{}, nil
	})
}

func (a *SSMAPI) GetParametersByPath(_ context.Context, input *ssm.GetParametersByPathInput, _ ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return &ssm.GetParametersByPathOutput{
		Parameters: lo.FilterMap(lo.Entries(a.Parameters), func(p lo.Entry[string, string], _ int) (types.Parameter, bool) {
			if !strings.HasPrefix(p.Key, lo.FromPtr(input.Path)) {
				return types.Parameter{}, false
			}
			return types.Parameter{
				Name:  lo.ToPtr(p.Key),
				Value: lo.ToPtr(p.Value),
				Type:  types.ParameterTypeSecureString,
			}, true
		}),
	}, nil
}
