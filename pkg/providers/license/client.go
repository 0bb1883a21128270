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

package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/sony/gobreaker"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
)

const (
	// RequestTimeout caps a single License Manager round trip.
	RequestTimeout = 10 * time.Second
	// RequestAttempts is how often a transient manager failure is retried
	// before the call surfaces UNAVAILABLE.
	RequestAttempts = 3
)

// Grant is what the License Manager says a license key entitles a customer
// to. Mirrored locally on activate and sync.
type Grant struct {
	LicenseManagerID string       `json:"license_manager_id"`
	AllowedRulesets  []string     `json:"allowed_rulesets"`
	AllowedClouds    []core.Cloud `json:"allowed_clouds"`
	Quota            int          `json:"quota"`
	Expiration       time.Time    `json:"expiration"`
}

// Decision is the manager's verdict on one admission request.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Handle  string `json:"handle,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Notification reports a licensed job's terminal status back to the manager.
type Notification struct {
	Handle     string         `json:"handle"`
	Status     core.JobStatus `json:"status"`
	Statistics map[string]int `json:"statistics,omitempty"`
}

type admitPayload struct {
	JobID       string   `json:"job_id"`
	Customer    string   `json:"customer"`
	Tenant      string   `json:"tenant"`
	Cloud       string   `json:"cloud"`
	Rulesets    []string `json:"rulesets,omitempty"`
	LicenseKeys []string `json:"license_keys"`
}

type activatePayload struct {
	LicenseKey string `json:"license_key"`
	Customer   string `json:"customer"`
}

// ManagerClient is the wire contract to the remote License Manager. The
// default implementation signs every request; tests replace it with a fake.
type ManagerClient interface {
	Activate(ctx context.Context, license *core.License) (*Grant, error)
	Fetch(ctx context.Context, license *core.License) (*Grant, error)
	Admit(ctx context.Context, license *core.License, payload AdmitRequest) (*Decision, error)
	Notify(ctx context.Context, license *core.License, notification Notification) error
}

// HTTPManager talks to the License Manager over signed HTTP. Transient
// failures are retried a fixed number of times; a circuit breaker sheds
// calls entirely while the manager is misbehaving. Whatever survives both is
// classified UNAVAILABLE so callers can apply their own retry window.
type HTTPManager struct {
	endpoint string
	signer   *Signer
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

func NewHTTPManager(endpoint string, signer *Signer) *HTTPManager {
	return &HTTPManager{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		signer:   signer,
		client:   &http.Client{Timeout: RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "license-manager",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (m *HTTPManager) Activate(ctx context.Context, license *core.License) (*Grant, error) {
	grant := &Grant{}
	payload := activatePayload{LicenseKey: license.LicenseKey, Customer: license.Customer}
	if err := m.call(ctx, license, http.MethodPost, "/v1/activations", payload, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

func (m *HTTPManager) Fetch(ctx context.Context, license *core.License) (*Grant, error) {
	grant := &Grant{}
	if err := m.call(ctx, license, http.MethodGet, "/v1/licenses/"+license.LicenseKey, nil, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

func (m *HTTPManager) Admit(ctx context.Context, license *core.License, req AdmitRequest) (*Decision, error) {
	decision := &Decision{}
	payload := admitPayload{
		JobID:       req.JobID,
		Customer:    req.Customer,
		Tenant:      req.Tenant,
		Cloud:       string(req.Cloud),
		Rulesets:    req.Rulesets,
		LicenseKeys: req.LicenseKeys,
	}
	if err := m.call(ctx, license, http.MethodPost, "/v1/admissions", payload, decision); err != nil {
		return nil, err
	}
	return decision, nil
}

func (m *HTTPManager) Notify(ctx context.Context, license *core.License, notification Notification) error {
	return m.call(ctx, license, http.MethodPost, "/v1/notifications", notification, nil)
}

// call runs one signed request against the manager. Every attempt is signed
// afresh so retries never reuse a nonce.
func (m *HTTPManager) call(ctx context.Context, license *core.License, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encoding license manager request, %w", err)
		}
	}
	err := retry.Do(
		func() error { return m.do(ctx, license, method, path, body, out) },
		retry.Attempts(RequestAttempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return vigilerrors.Wrap(vigilerrors.KindUnavailable, err, "license manager circuit open")
	}
	if vigilerrors.KindOf(err) == vigilerrors.KindInternal {
		return vigilerrors.Wrap(vigilerrors.KindUnavailable, err, "license manager unreachable")
	}
	return err
}

func (m *HTTPManager) do(ctx context.Context, license *core.License, method, path string, body []byte, out any) error {
	header, err := m.signer.Header(ctx, license, method, path, body)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", header)

	resp, err := m.breaker.Execute(func() (interface{}, error) {
		res, err := m.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("license manager responded %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
		}
		return &managerResponse{status: res.StatusCode, body: data}, nil
	})
	if err != nil {
		return err
	}
	return decode(resp.(*managerResponse), out)
}

type managerResponse struct {
	status int
	body   []byte
}

// decode maps definitive manager answers. Non-5xx failures are final; they
// are not worth retrying.
func decode(resp *managerResponse, out any) error {
	switch {
	case resp.status >= 200 && resp.status < 300:
		if out == nil || len(resp.body) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.body, out); err != nil {
			return retry.Unrecoverable(fmt.Errorf("decoding license manager response, %w", err))
		}
		return nil
	case resp.status == http.StatusUnauthorized:
		return retry.Unrecoverable(vigilerrors.Newf(vigilerrors.KindUnauthorized, "license manager rejected the signature"))
	case resp.status == http.StatusForbidden:
		return retry.Unrecoverable(vigilerrors.Newf(vigilerrors.KindForbidden, "license manager refused the request"))
	case resp.status == http.StatusNotFound:
		return retry.Unrecoverable(vigilerrors.Newf(vigilerrors.KindNotFound, "license is unknown to the license manager"))
	default:
		return retry.Unrecoverable(vigilerrors.Newf(vigilerrors.KindValidation, "license manager rejected the request with status %d", resp.status))
	}
}
