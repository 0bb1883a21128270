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
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"

	sdk "github.com/vigilsec/vigil/pkg/aws"
	"github.com/vigilsec/vigil/pkg/logging"
)

// BatchEntryLimit is the most entries one SendMessageBatch call accepts.
const BatchEntryLimit = 10

// SendMessageBatcher coalesces concurrent single publishes into
// SendMessageBatch calls. Report delivery fans out per partition, so the
// sends of one dispatch round share calls instead of hitting the bus one
// message at a time.
type SendMessageBatcher struct {
	batcher        *Batcher[sqs.SendMessageInput, sqs.SendMessageOutput]
	maxRequestSize int
}

func NewSendMessageBatcher(ctx context.Context, sqsapi sdk.SQSAPI, maxRequestSize int) *SendMessageBatcher {
	b := &SendMessageBatcher{maxRequestSize: maxRequestSize}
	b.batcher = NewBatcher(ctx, Options[sqs.SendMessageInput, sqs.SendMessageOutput]{
		Name:          "send_message",
		IdleTimeout:   50 * time.Millisecond,
		MaxTimeout:    1 * time.Second,
		MaxItems:      100,
		RequestHasher: QueueHasher,
		BatchExecutor: b.exec(sqsapi),
	})
	return b
}

func (b *SendMessageBatcher) SendMessage(ctx context.Context, input *sqs.SendMessageInput) (*sqs.SendMessageOutput, error) {
	result := b.batcher.Add(ctx, input)
	return result.Output, result.Err
}

// QueueHasher groups sends by destination queue. Bodies stay out of the
// hash; any message may share a call with any other bound for the same
// queue.
func QueueHasher(ctx context.Context, input *sqs.SendMessageInput) uint64 {
	hash, err := hashstructure.Hash(input.QueueUrl, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		logging.FromContext(ctx).Errorf("hashing queue url: %s", err)
	}
	return hash
}

func (b *SendMessageBatcher) exec(sqsapi sdk.SQSAPI) BatchExecutor[sqs.SendMessageInput, sqs.SendMessageOutput] {
	return func(ctx context.Context, inputs []*sqs.SendMessageInput) []Result[sqs.SendMessageOutput] {
		results := make([]Result[sqs.SendMessageOutput], len(inputs))
		for _, pack := range b.pack(inputs) {
			// The entry id carries the input index so each outcome finds its
			// requestor again.
			out, err := sqsapi.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
				QueueUrl: inputs[pack[0]].QueueUrl,
				Entries: lo.Map(pack, func(idx int, _ int) types.SendMessageBatchRequestEntry {
					return types.SendMessageBatchRequestEntry{
						Id:                lo.ToPtr(strconv.Itoa(idx)),
						MessageBody:       inputs[idx].MessageBody,
						MessageAttributes: inputs[idx].MessageAttributes,
					}
				}),
			})
			if err != nil {
				for _, idx := range pack {
					results[idx] = Result[sqs.SendMessageOutput]{Err: err}
				}
				continue
			}
			for _, idx := range pack {
				results[idx] = Result[sqs.SendMessageOutput]{Err: fmt.Errorf("bus did not acknowledge the message")}
			}
			for _, entry := range out.Successful {
				if idx, ok := entryIndex(entry.Id, len(results)); ok {
					results[idx] = Result[sqs.SendMessageOutput]{Output: &sqs.SendMessageOutput{
						MessageId:        entry.MessageId,
						MD5OfMessageBody: entry.MD5OfMessageBody,
						SequenceNumber:   entry.SequenceNumber,
					}}
				}
			}
			for _, entry := range out.Failed {
				if idx, ok := entryIndex(entry.Id, len(results)); ok {
					results[idx] = Result[sqs.SendMessageOutput]{
						Err: fmt.Errorf("bus rejected the message: %s %s", lo.FromPtr(entry.Code), lo.FromPtr(entry.Message)),
					}
				}
			}
		}
		return results
	}
}

// pack splits queued sends into calls honoring both the entry count limit
// and the bus request size cap. A single body over the cap still ships
// alone; rejecting it is the service's call, not the batcher's.
func (b *SendMessageBatcher) pack(inputs []*sqs.SendMessageInput) [][]int {
	var packs [][]int
	var current []int
	size := 0
	for i, input := range inputs {
		bodyLen := len(lo.FromPtr(input.MessageBody))
		if len(current) > 0 && (len(current) == BatchEntryLimit || size+bodyLen > b.maxRequestSize) {
			packs = append(packs, current)
			current, size = nil, 0
		}
		current = append(current, i)
		size += bodyLen
	}
	if len(current) > 0 {
		packs = append(packs, current)
	}
	return packs
}

func entryIndex(id *string, bound int) (int, bool) {
	idx, err := strconv.Atoi(lo.FromPtr(id))
	if err != nil || idx < 0 || idx >= bound {
		return 0, false
	}
	return idx, true
}
