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

package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/samber/lo"

	sdk "github.com/vigilsec/vigil/pkg/aws"
	"github.com/vigilsec/vigil/pkg/batcher"
)

// MaxRequestSize is the default bus request ceiling. Reports larger than
// what fits in one request ship as an ordered chunk sequence.
const MaxRequestSize = 1 << 20

// Chunk is the bus envelope for one slice of a report artifact. Consumers
// reassemble by (ReportID, Seq) and know they are done at Seq == Total.
type Chunk struct {
	ReportID string `json:"report_id"`
	Customer string `json:"customer"`
	Seq      int    `json:"seq"`
	Total    int    `json:"total"`
	Data     []byte `json:"data,omitempty"`
}

// BusSink publishes report artifacts onto the message bus, splitting
// payloads that exceed the request ceiling. Publishes ride the send batcher
// so concurrent reports coalesce into shared requests.
type BusSink struct {
	client    sdk.SQSAPI
	sender    *batcher.SendMessageBatcher
	queueName string
	maxSize   int

	mu  sync.Mutex
	url string
}

func NewBusSink(client sdk.SQSAPI, sender *batcher.SendMessageBatcher, queueName string, maxSize int) *BusSink {
	if maxSize <= 0 {
		maxSize = MaxRequestSize
	}
	return &BusSink{client: client, sender: sender, queueName: queueName, maxSize: maxSize}
}

// Send publishes one artifact, chunked to the request ceiling. Chunks go out
// in order; a failed chunk aborts the rest so consumers never see a gap in
// the middle of a sequence.
func (s *BusSink) Send(ctx context.Context, reportID, customer string, payload []byte) error {
	url, err := s.queueURL(ctx)
	if err != nil {
		return err
	}
	chunks, err := s.chunks(reportID, customer, payload)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		body, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("encoding chunk %d of %d, %w", chunk.Seq, chunk.Total, err)
		}
		if _, err := s.sender.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    lo.ToPtr(url),
			MessageBody: lo.ToPtr(string(body)),
		}); err != nil {
			return fmt.Errorf("publishing chunk %d of %d, %w", chunk.Seq, chunk.Total, err)
		}
	}
	return nil
}

// chunks slices the payload so every marshaled envelope stays under the
// request ceiling. Data is base64 on the wire, so each chunk carries three
// quarters of the budget left after the envelope in raw bytes. The probe
// carries one data byte, worth exactly four encoded characters.
func (s *BusSink) chunks(reportID, customer string, payload []byte) ([]Chunk, error) {
	probe, err := json.Marshal(Chunk{ReportID: reportID, Customer: customer, Seq: 1 << 30, Total: 1 << 30, Data: []byte{0}})
	if err != nil {
		return nil, fmt.Errorf("sizing chunk envelope, %w", err)
	}
	budget := (s.maxSize - len(probe) + 4) / 4 * 3
	if budget <= 0 {
		return nil, fmt.Errorf("bus request limit %d cannot carry report %s", s.maxSize, reportID)
	}
	total := (len(payload) + budget - 1) / budget
	if total == 0 {
		total = 1
	}
	chunks := make([]Chunk, 0, total)
	for seq := 1; seq <= total; seq++ {
		end := seq * budget
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, Chunk{
			ReportID: reportID,
			Customer: customer,
			Seq:      seq,
			Total:    total,
			Data:     payload[(seq-1)*budget : end],
		})
	}
	return chunks, nil
}

func (s *BusSink) queueURL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.url != "" {
		return s.url, nil
	}
	out, err := s.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: lo.ToPtr(s.queueName)})
	if err != nil {
		return "", fmt.Errorf("fetching url of queue %s, %w", s.queueName, err)
	}
	s.url = lo.FromPtr(out.QueueUrl)
	return s.url, nil
}
