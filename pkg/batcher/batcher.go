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

package batcher

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/logging"
)

const (
	// DefaultMaxItems caps how many requests one window may gather before it
	// executes regardless of timers.
	DefaultMaxItems = 500
	// DefaultMaxRequestWorkers bounds how many gathered batches execute
	// concurrently.
	DefaultMaxRequestWorkers = 100
)

// Options configures a Batcher. IdleTimeout closes the window once the
// request stream goes quiet; MaxTimeout closes it unconditionally; MaxItems
// closes it by volume. Requests hashing to different buckets never share an
// executor call.
type Options[T any, U any] struct {
	Name              string
	IdleTimeout       time.Duration
	MaxTimeout        time.Duration
	MaxItems          int
	MaxRequestWorkers int
	RequestHasher     RequestHasher[T]
	BatchExecutor     BatchExecutor[T, U]
}

// BatchExecutor turns one window's worth of inputs into one result per
// input, in input order.
type BatchExecutor[T any, U any] func(ctx context.Context, inputs []*T) []Result[U]

// RequestHasher buckets inputs so only compatible requests coalesce.
type RequestHasher[T any] func(ctx context.Context, input *T) uint64

// Result carries one caller's share of a batched call.
type Result[U any] struct {
	Output *U
	Err    error
}

// Batcher coalesces concurrent single-item requests into bulk calls. Callers
// block in Add until their batch executes; the window stays open while
// requests keep arriving, up to MaxTimeout or MaxItems.
type Batcher[T any, U any] struct {
	ctx     context.Context
	options Options[T, U]
	trigger chan *request[T, U]
	workers chan struct{}
}

type request[T any, U any] struct {
	ctx       context.Context
	hash      uint64
	input     *T
	requestor chan Result[U]
}

// NewBatcher starts the window loop. It runs until ctx is cancelled, after
// which every Add returns the context's error.
func NewBatcher[T any, U any](ctx context.Context, options Options[T, U]) *Batcher[T, U] {
	if options.MaxItems <= 0 {
		options.MaxItems = DefaultMaxItems
	}
	if options.MaxRequestWorkers <= 0 {
		options.MaxRequestWorkers = DefaultMaxRequestWorkers
	}
	b := &Batcher[T, U]{
		ctx:     ctx,
		options: options,
		trigger: make(chan *request[T, U], options.MaxItems),
		workers: make(chan struct{}, options.MaxRequestWorkers),
	}
	go b.run()
	return b
}

// Add queues one input and blocks until its batch ran.
func (b *Batcher[T, U]) Add(ctx context.Context, input *T) Result[U] {
	req := &request[T, U]{
		ctx:   ctx,
		hash:  b.options.RequestHasher(ctx, input),
		input: input,
		// Buffered so the executor can always hand off the result, even when
		// the caller already gave up on its own context.
		requestor: make(chan Result[U], 1),
	}
	select {
	case b.trigger <- req:
	case <-b.ctx.Done():
		return Result[U]{Err: b.ctx.Err()}
	}
	select {
	case result := <-req.requestor:
		return result
	case <-b.ctx.Done():
		return Result[U]{Err: b.ctx.Err()}
	}
}

func (b *Batcher[T, U]) run() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case first := <-b.trigger:
			b.window(first)
		}
	}
}

// window gathers requests until the stream idles, the hard deadline passes
// or the volume cap is reached, then executes every bucket it collected.
func (b *Batcher[T, U]) window(first *request[T, U]) {
	start := time.Now()
	idle := time.NewTimer(b.options.IdleTimeout)
	expired := time.NewTimer(b.options.MaxTimeout)
	defer idle.Stop()
	defer expired.Stop()

	buckets := map[uint64][]*request[T, U]{first.hash: {first}}
	count := 1
	for count < b.options.MaxItems {
		select {
		case req := <-b.trigger:
			idle.Reset(b.options.IdleTimeout)
			buckets[req.hash] = append(buckets[req.hash], req)
			count++
			continue
		case <-idle.C:
		case <-expired.C:
		}
		break
	}
	batchWindowDuration.WithLabelValues(b.options.Name).Observe(time.Since(start).Seconds())
	for _, requests := range buckets {
		b.execute(requests)
	}
}

func (b *Batcher[T, U]) execute(requests []*request[T, U]) {
	select {
	case b.workers <- struct{}{}:
	case <-b.ctx.Done():
		for _, req := range requests {
			req.requestor <- Result[U]{Err: b.ctx.Err()}
		}
		return
	}
	go func() {
		defer func() { <-b.workers }()
		batchSize.WithLabelValues(b.options.Name).Observe(float64(len(requests)))
		inputs := lo.Map(requests, func(r *request[T, U], _ int) *T { return r.input })
		results := b.options.BatchExecutor(requests[0].ctx, inputs)
		if len(results) != len(requests) {
			for _, req := range requests {
				req.requestor <- Result[U]{Err: fmt.Errorf("expected %d results from batch, got %d", len(requests), len(results))}
			}
			return
		}
		for i, req := range requests {
			req.requestor <- results[i]
		}
	}()
}

// DefaultHasher buckets requests by their full contents.
func DefaultHasher[T any](ctx context.Context, input *T) uint64 {
	hash, err := hashstructure.Hash(input, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		logging.FromContext(ctx).Errorf("hashing batch input: %s", err)
	}
	return hash
}
