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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/reports"
	"github.com/vigilsec/vigil/pkg/storage/secret"
)

// PushTimeout caps a single round trip to an integration endpoint.
const PushTimeout = 30 * time.Second

// Pusher ships one artifact to one activated integration. Implementations
// mark definitive endpoint rejections with retry.Unrecoverable so the
// dispatcher stops burning attempts on them.
type Pusher interface {
	Push(ctx context.Context, target *core.Integration, artifact *reports.Artifact, payload []byte) error
}

// DojoPusher imports report artifacts into a Defect-Dojo-like collector.
// The API token lives in the secret store under the integration's
// SecretRef and is resolved fresh on every push so rotations take effect
// without a restart.
type DojoPusher struct {
	secrets secret.Store
	client  *http.Client
}

func NewDojoPusher(secrets secret.Store) *DojoPusher {
	return &DojoPusher{secrets: secrets, client: &http.Client{Timeout: PushTimeout}}
}

func (p *DojoPusher) Push(ctx context.Context, target *core.Integration, artifact *reports.Artifact, payload []byte) error {
	token, err := p.secrets.Get(ctx, target.SecretRef)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("loading credential of integration %s, %w", target.ID, err))
	}
	body, err := json.Marshal(map[string]any{
		"product_name":    artifact.Customer,
		"engagement_name": artifact.Subject,
		"scan_date":       artifact.Date,
		"scan_type":       "Vigil Compliance Report",
		"report":          json.RawMessage(payload),
	})
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("encoding import request, %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(target.Endpoint, "/")+"/api/v2/import-scan/", bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+token)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	return checkResponse(resp)
}

// ChroniclePusher forwards report artifacts to a Chronicle-like SIEM as
// unstructured log entries.
type ChroniclePusher struct {
	secrets secret.Store
	client  *http.Client
}

func NewChroniclePusher(secrets secret.Store) *ChroniclePusher {
	return &ChroniclePusher{secrets: secrets, client: &http.Client{Timeout: PushTimeout}}
}

func (p *ChroniclePusher) Push(ctx context.Context, target *core.Integration, artifact *reports.Artifact, payload []byte) error {
	key, err := p.secrets.Get(ctx, target.SecretRef)
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("loading credential of integration %s, %w", target.ID, err))
	}
	body, err := json.Marshal(map[string]any{
		"customer_id": artifact.Customer,
		"log_type":    "VIGIL_COMPLIANCE",
		"entries": []map[string]any{{
			"log_text":  string(payload),
			"timestamp": artifact.Date,
		}},
	})
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("encoding log entries, %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(target.Endpoint, "/")+"/v2/unstructuredlogentries:batchCreate", bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", key)
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	return checkResponse(resp)
}

// checkResponse maps endpoint answers onto the retry policy. Client errors
// are definitive rejections; everything else is worth another attempt.
func checkResponse(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	detail := strings.TrimSpace(string(data))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return retry.Unrecoverable(fmt.Errorf("integration rejected the report with status %d: %s", resp.StatusCode, detail))
	}
	return fmt.Errorf("integration responded %d: %s", resp.StatusCode, detail)
}
