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

package delivery_test

import (
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/samber/lo"

	"github.com/vigilsec/vigil/pkg/delivery"
	"github.com/vigilsec/vigil/pkg/test"
)

var _ = Describe("BusSink", func() {
	bodies := func() []string {
		var out []string
		env.SQSAPI.SendMessageBatchBehavior.CalledWithInput.ForEach(func(in *sqs.SendMessageBatchInput) {
			for _, entry := range in.Entries {
				out = append(out, lo.FromPtr(entry.MessageBody))
			}
		})
		return out
	}

	It("should carry a small report in a single request", func() {
		sink := delivery.NewBusSink(env.SQSAPI, env.SendBatcher, test.ReportsQueue, 8<<10)
		Expect(sink.Send(ctx, "acme#2026-03-17#tenant#prod", "acme", []byte(`{"score":82}`))).To(Succeed())

		sent := bodies()
		Expect(sent).To(HaveLen(1))
		chunk := delivery.Chunk{}
		Expect(json.Unmarshal([]byte(sent[0]), &chunk)).To(Succeed())
		Expect(chunk.ReportID).To(Equal("acme#2026-03-17#tenant#prod"))
		Expect(chunk.Customer).To(Equal("acme"))
		Expect(chunk.Seq).To(Equal(1))
		Expect(chunk.Total).To(Equal(1))
		Expect(string(chunk.Data)).To(Equal(`{"score":82}`))
	})
	It("should keep every request under the configured ceiling", func() {
		const ceiling = 600
		payload := []byte(strings.Repeat("0123456789", 120))
		sink := delivery.NewBusSink(env.SQSAPI, env.SendBatcher, test.ReportsQueue, ceiling)
		Expect(sink.Send(ctx, "acme#2026-03-17#tenant#prod", "acme", payload)).To(Succeed())

		sent := bodies()
		Expect(len(sent)).To(BeNumerically(">", 1))
		var reassembled []byte
		for i, body := range sent {
			Expect(len(body)).To(BeNumerically("<=", ceiling))
			chunk := delivery.Chunk{}
			Expect(json.Unmarshal([]byte(body), &chunk)).To(Succeed())
			Expect(chunk.Seq).To(Equal(i + 1))
			Expect(chunk.Total).To(Equal(len(sent)))
			reassembled = append(reassembled, chunk.Data...)
		}
		Expect(reassembled).To(Equal(payload))
	})
	It("should refuse a ceiling too small for the envelope", func() {
		sink := delivery.NewBusSink(env.SQSAPI, env.SendBatcher, test.ReportsQueue, 50)
		err := sink.Send(ctx, "acme#2026-03-17#tenant#prod", "acme", []byte("payload"))
		Expect(err).To(MatchError(ContainSubstring("cannot carry report")))
		Expect(bodies()).To(BeEmpty())
	})
	It("should send empty payloads as one terminal chunk", func() {
		sink := delivery.NewBusSink(env.SQSAPI, env.SendBatcher, test.ReportsQueue, 8<<10)
		Expect(sink.Send(ctx, "acme#2026-03-17#tenant#prod", "acme", nil)).To(Succeed())

		sent := bodies()
		Expect(sent).To(HaveLen(1))
		chunk := delivery.Chunk{}
		Expect(json.Unmarshal([]byte(sent[0]), &chunk)).To(Succeed())
		Expect(chunk.Seq).To(Equal(1))
		Expect(chunk.Total).To(Equal(1))
		Expect(chunk.Data).To(BeEmpty())
	})
})
