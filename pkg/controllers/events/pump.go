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

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	sdk "github.com/vigilsec/vigil/pkg/aws"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/logging"
)

// Pump moves raw event notifications from the cloud's queue into the
// controller. Messages that can never ingest are deleted so they do not
// wedge the queue; transient failures leave the message for redelivery.
type Pump struct {
	client     sdk.SQSAPI
	controller *Controller
	queueName  string

	mu  sync.Mutex
	url string
}

func NewPump(client sdk.SQSAPI, queueName string, controller *Controller) *Pump {
	return &Pump{client: client, controller: controller, queueName: queueName}
}

// Poll receives one batch of messages and ingests them, returning how many
// events were accepted.
func (p *Pump) Poll(ctx context.Context) (int, error) {
	url, err := p.queueURL(ctx)
	if err != nil {
		return 0, err
	}
	out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            lo.ToPtr(url),
		MaxNumberOfMessages: 10,
		VisibilityTimeout:   20,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return 0, fmt.Errorf("receiving event messages, %w", err)
	}
	log := logging.FromContext(ctx)
	ingested := 0
	var errs error
	for _, message := range out.Messages {
		envelope := Envelope{}
		if err := json.Unmarshal([]byte(lo.FromPtr(message.Body)), &envelope); err != nil {
			log.Errorf("parsing event message: %s", err)
			errs = multierr.Append(errs, p.delete(ctx, url, message))
			continue
		}
		if _, err := p.controller.Ingest(ctx, envelope); err != nil {
			// Unknown accounts and malformed envelopes never get better on
			// redelivery.
			if vigilerrors.IsNotFound(err) || vigilerrors.IsValidation(err) {
				log.Debugf("dropping event message: %s", err)
				errs = multierr.Append(errs, p.delete(ctx, url, message))
				continue
			}
			errs = multierr.Append(errs, err)
			continue
		}
		ingested++
		errs = multierr.Append(errs, p.delete(ctx, url, message))
	}
	return ingested, errs
}

func (p *Pump) queueURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.url != "" {
		return p.url, nil
	}
	out, err := p.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: lo.ToPtr(p.queueName)})
	if err != nil {
		return "", fmt.Errorf("fetching url of queue %s, %w", p.queueName, err)
	}
	p.url = lo.FromPtr(out.QueueUrl)
	return p.url, nil
}

func (p *Pump) delete(ctx context.Context, url string, message types.Message) error {
	if _, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      lo.ToPtr(url),
		ReceiptHandle: message.ReceiptHandle,
	}); err != nil {
		return fmt.Errorf("deleting event message, %w", err)
	}
	return nil
}
