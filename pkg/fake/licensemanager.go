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
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vigilsec/vigil/pkg/apis/core"
	"github.com/vigilsec/vigil/pkg/providers/license"
)

// LicenseManagerInput records which license a manager call was signed under
// together with its payload.
type LicenseManagerInput struct {
	LicenseKey   string
	Admission    *license.AdmitRequest
	Notification *license.Notification
}

// LicenseManager is a permissive in-memory License Manager. By default it
// grants a generous quota and admits everything; tests arm outputs or errors
// to exercise denial and outage paths.
type LicenseManager struct {
	ActivateBehavior MockedFunction[LicenseManagerInput, license.Grant]
	FetchBehavior    MockedFunction[LicenseManagerInput, license.Grant]
	AdmitBehavior    MockedFunction[LicenseManagerInput, license.Decision]
	NotifyBehavior   MockedFunction[LicenseManagerInput, struct{}]

	handles atomic.Int64
}

func (m *LicenseManager) Reset() {
	m.ActivateBehavior.Reset()
	m.FetchBehavior.Reset()
	m.AdmitBehavior.Reset()
	m.NotifyBehavior.Reset()
	m.handles.Store(0)
}

func (m *LicenseManager) defaultGrant() *license.Grant {
	return &license.Grant{
		LicenseManagerID: "lm-grant-1",
		Quota:            100,
		Expiration:       time.Now().UTC().Add(365 * 24 * time.Hour),
	}
}

func (m *LicenseManager) Activate(_ context.Context, lic *core.License) (*license.Grant, error) {
	return m.ActivateBehavior.Invoke(&LicenseManagerInput{LicenseKey: lic.LicenseKey},
		func(*LicenseManagerInput) (*license.Grant, error) {
			return m.defaultGrant(), nil
		})
}

func (m *LicenseManager) Fetch(_ context.Context, lic *core.License) (*license.Grant, error) {
	return m.FetchBehavior.Invoke(&LicenseManagerInput{LicenseKey: lic.LicenseKey},
		func(*LicenseManagerInput) (*license.Grant, error) {
			return m.defaultGrant(), nil
		})
}

func (m *LicenseManager) Admit(_ context.Context, lic *core.License, req license.AdmitRequest) (*license.Decision, error) {
	return m.AdmitBehavior.Invoke(&LicenseManagerInput{LicenseKey: lic.LicenseKey, Admission: &req},
		func(*LicenseManagerInput) (*license.Decision, error) {
			return &license.Decision{Allowed: true, Handle: fmt.Sprintf("handle-%d", m.handles.Add(1))}, nil
		})
}

func (m *LicenseManager) Notify(_ context.Context, lic *core.License, notification license.Notification) error {
	_, err := m.NotifyBehavior.Invoke(&LicenseManagerInput{LicenseKey: lic.LicenseKey, Notification: &notification},
		func(*LicenseManagerInput) (*struct{}, error) {
			return &struct{}{}, nil
		})
	return err
}
