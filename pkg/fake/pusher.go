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
	"sync"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/reports"
)

// PushedReport captures one delivery a fake pusher accepted.
type PushedReport struct {
	Integration *core.Integration
	Artifact    *reports.Artifact
	Payload     []byte
}

// Pusher records pushes instead of calling an integration endpoint. Arm
// Error to make it fail; by default every push is accepted.
type Pusher struct {
	Error AtomicError

	mu     sync.Mutex
	pushes []PushedReport
}

func (p *Pusher) Push(_ context.Context, integration *core.Integration, artifact *reports.Artifact, payload []byte) error {
	if err := p.Error.Get(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = append(p.pushes, PushedReport{
		Integration: integration,
		Artifact:    artifact,
		Payload:     append([]byte(nil), payload...),
	})
	return nil
}

// Pushed returns every delivery recorded since the last reset.
func (p *Pusher) Pushed() []PushedReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PushedReport(nil), p.pushes...)
}

func (p *Pusher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushes = nil
	p.Error.Reset()
}
