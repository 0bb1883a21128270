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

package document

import (
	"context"
)

// Key identifies a single document. Tables use one or two key attributes;
// the map carries whichever the table defines.
type Key map[string]any

// Condition guards a write. Every clause must hold or the write is rejected
// with a CONFLICT error and no mutation takes place.
type Condition struct {
	// AttributeNotExists requires the named attributes to be absent.
	AttributeNotExists []string
	// Equals requires current attribute values to match exactly.
	Equals map[string]any
	// GreaterThan requires current numeric attribute values to exceed the
	// given ones. Guards counters like license balances.
	GreaterThan map[string]int64
}

// Update mutates named attributes in place. Set overwrites, Add applies an
// atomic numeric delta, Remove drops attributes entirely.
type Update struct {
	Set    map[string]any
	Add    map[string]int64
	Remove []string
}

// QueryInput selects documents matching key equality conditions, optionally
// narrowed by a sort key prefix and by non-key equality filters. Index names
// a secondary index; key conditions then refer to the index keys.
type QueryInput struct {
	Table      string
	Index      string
	Equals     Key
	BeginsWith map[string]string
	Filter     map[string]any
	Limit      int32
	NextToken  string
	Descending bool
}

// ScanInput walks a whole table, optionally narrowed by equality filters.
type ScanInput struct {
	Table     string
	Filter    map[string]any
	Limit     int32
	NextToken string
}

// Store is the durable document API the control plane persists through.
// Implementations surface NOT_FOUND for missing documents and CONFLICT for
// failed conditional writes so callers branch on error kind alone. Query and
// Scan decode into out, a pointer to a slice, and return an opaque token for
// the next page, empty when the result set is exhausted.
type Store interface {
	Put(ctx context.Context, table string, item any, cond *Condition) error
	Get(ctx context.Context, table string, key Key, out any) error
	Delete(ctx context.Context, table string, key Key, cond *Condition) error
	Update(ctx context.Context, table string, key Key, update Update, cond *Condition) error
	Query(ctx context.Context, in QueryInput, out any) (string, error)
	Scan(ctx context.Context, in ScanInput, out any) (string, error)
}
