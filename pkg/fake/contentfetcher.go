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

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/providers/rulesource"
)

type FetchInput struct {
	Source core.RuleSource
	Secret string
}

type FetchOutput struct {
	Files []rulesource.RuleFile
}

// ContentFetcher is a behavior-mocked rule source origin. The default
// answer is an empty file set, which makes a sync fail; tests arm
// FetchBehavior.Output with the files they need.
type ContentFetcher struct {
	FetchBehavior MockedFunction[FetchInput, FetchOutput]
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (c *ContentFetcher) Reset() {
	c.FetchBehavior.Reset()
}

func (c *ContentFetcher) Fetch(_ context.Context, source core.RuleSource, accessSecret string) ([]rulesource.RuleFile, error) {
	out, err := c.FetchBehavior.Invoke(&FetchInput{Source: source, Secret: accessSecret}, func(_ *FetchInput) (*FetchOutput, error) {
		return &FetchOutput{}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.Files, nil
}
