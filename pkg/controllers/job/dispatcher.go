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

package job

import (
	"context"

	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/providers/credentials"
)

// Assignment hands one admitted job to a worker. Credentials ride along in
// memory when the submission supplied them and are never persisted; a worker
// that receives none resolves its own through the credential chain.
type Assignment struct {
	JobID       string
	Credentials *credentials.Credentials
}

// Dispatcher moves admitted jobs to whatever executes them. The local pool
// runs scans in-process; remote runners implement the same contract.
type Dispatcher interface {
	Dispatch(assignment Assignment)
}

// LocalPool executes assignments on a fixed number of in-process workers.
type LocalPool struct {
	queue chan Assignment
}

func NewLocalPool(depth int) *LocalPool {
	return &LocalPool{queue: make(chan Assignment, depth)}
}

// Dispatch enqueues the assignment. It blocks when the queue is full so
// submission backpressure reaches callers instead of dropping jobs.
func (p *LocalPool) Dispatch(assignment Assignment) {
	p.queue <- assignment
}

// Start launches the pool workers and returns. The runner is handed in here
// rather than at construction so the pool can be built before the controller
// that feeds it.
func (p *LocalPool) Start(ctx context.Context, workers int, run func(ctx context.Context, assignment Assignment)) {
	for i := 0; i < workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case assignment := <-p.queue:
					run(ctx, assignment)
				}
			}
		}()
	}
	logging.FromContext(ctx).With("workers", workers).Debugf("started local job pool")
}
