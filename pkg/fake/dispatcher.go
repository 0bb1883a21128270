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
	"sync"

	"github.com/vigilsec/vigil/pkg/controllers/job"
)

// JobDispatcher records assignments instead of executing them so tests can
// drive the worker side synchronously.
type JobDispatcher struct {
	mu          sync.Mutex
	assignments []job.Assignment
}

func (d *JobDispatcher) Dispatch(assignment job.Assignment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assignments = append(d.assignments, assignment)
}

// Dispatched returns every assignment recorded since the last reset.
func (d *JobDispatcher) Dispatched() []job.Assignment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]job.Assignment(nil), d.assignments...)
}

func (d *JobDispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assignments = nil
}
