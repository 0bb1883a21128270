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

// Package license coordinates with the remote License Manager: it mirrors
// grants locally, pre-flights job admissions against quota and activation,
// and reports licensed job outcomes back. It never gates jobs that carry no
// licensed ruleset.
package license

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilcache "github.com/vigilsec/vigil/pkg/cache"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/storage/document"
)

// AdmitRequest asks the License Manager to admit one job under the listed
// licenses before the job is dispatched.
type AdmitRequest struct {
	JobID       string
	Customer    string
	Tenant      string
	Cloud       core.Cloud
	Rulesets    []string
	LicenseKeys []string
}

// Admission is the outcome of an admission attempt. A denial is a definitive
// answer, not an error; transient manager trouble surfaces as an UNAVAILABLE
// error instead so callers can retry within their window.
type Admission struct {
	Allowed    bool
	Handle     string
	LicenseKey string
	Reason     string
}

// Allowance is the effective licensed surface of one tenant on one cloud:
// every ruleset name its active, unexpired licenses grant.
type Allowance struct {
	Rulesets    []string
	LicenseKeys []string
}

// Covers reports whether the allowance grants the ruleset name.
func (a Allowance) Covers(name string) bool {
	return lo.Contains(a.Rulesets, name)
}

type Provider interface {
	Activate(ctx context.Context, license *core.License) (*core.License, error)
	Get(ctx context.Context, licenseKey string) (*core.License, error)
	List(ctx context.Context, customer string) ([]*core.License, error)
	Delete(ctx context.Context, licenseKey string) error
	Sync(ctx context.Context, licenseKey string) (*core.License, error)
	SyncDue(ctx context.Context, olderThan time.Duration) (int, error)

	SetActivation(ctx context.Context, activation *core.Activation) error
	GetActivation(ctx context.Context, licenseKey string) (*core.Activation, error)
	DeleteActivation(ctx context.Context, licenseKey string) error

	Admit(ctx context.Context, req AdmitRequest) (*Admission, error)
	Notify(ctx context.Context, job *core.Job, statistics map[string]int) error
	Allowance(ctx context.Context, customer, tenant string, cloud core.Cloud) (*Allowance, error)
}

type DefaultProvider struct {
	store            document.Store
	manager          ManagerClient
	licensesTable    string
	activationsTable string
	allowances       *cache.Cache
	clk              clock.Clock
}

func NewDefaultProvider(store document.Store, manager ManagerClient,
	licensesTable, activationsTable string, allowances *cache.Cache, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{
		store:            store,
		manager:          manager,
		licensesTable:    licensesTable,
		activationsTable: activationsTable,
		allowances:       allowances,
		clk:              clk,
	}
}

// Activate registers the license key with the manager and stores the granted
// mirror. The fresh balance equals the granted quota. Activation implicitly
// covers all of the customer's tenants until narrowed.
func (p *DefaultProvider) Activate(ctx context.Context, license *core.License) (*core.License, error) {
	if license.LicenseKey == "" {
		return nil, vigilerrors.Validation("license key is required", "license_key")
	}
	if license.Customer == "" {
		return nil, vigilerrors.Validation("customer is required", "customer")
	}
	if license.Algorithm == "" {
		license.Algorithm = "ed25519"
	}
	if license.SigningKeyRef == "" {
		license.SigningKeyRef = fmt.Sprintf("licenses/%s/signing-key", license.Customer)
	}
	grant, err := p.manager.Activate(ctx, license)
	if err != nil {
		return nil, fmt.Errorf("activating license %s, %w", license.LicenseKey, err)
	}
	now := p.clk.Now().UTC()
	license.AllowedRulesets = grant.AllowedRulesets
	license.AllowedClouds = grant.AllowedClouds
	license.Quota = grant.Quota
	license.Balance = grant.Quota
	license.Expiration = grant.Expiration
	license.LicenseManagerID = grant.LicenseManagerID
	license.SyncedAt = now

	// The signer may have left a nonce floor stub under this key, so the guard
	// is on the customer attribute rather than the key itself.
	if err := p.store.Put(ctx, p.licensesTable, license, &document.Condition{AttributeNotExists: []string{"customer"}}); err != nil {
		if vigilerrors.IsConflict(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindConflict, "license %s is already activated", license.LicenseKey)
		}
		return nil, err
	}
	if err := p.SetActivation(ctx, &core.Activation{
		LicenseKey: license.LicenseKey,
		Customer:   license.Customer,
		AllTenants: true,
	}); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).With("customer", license.Customer, "license", license.LicenseKey).Infof("activated license")
	return license, nil
}

func (p *DefaultProvider) Get(ctx context.Context, licenseKey string) (*core.License, error) {
	license := &core.License{}
	if err := p.store.Get(ctx, p.licensesTable, document.Key{"license_key": licenseKey}, license); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "license %s not found", licenseKey)
		}
		return nil, err
	}
	return license, nil
}

func (p *DefaultProvider) List(ctx context.Context, customer string) ([]*core.License, error) {
	var licenses []*core.License
	token := ""
	for {
		var page []*core.License
		next, err := p.store.Query(ctx, document.QueryInput{
			Table:     p.licensesTable,
			Index:     "customer",
			Equals:    document.Key{"customer": customer},
			NextToken: token,
		}, &page)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, page...)
		if next == "" {
			return licenses, nil
		}
		token = next
	}
}

func (p *DefaultProvider) Delete(ctx context.Context, licenseKey string) error {
	if err := p.store.Delete(ctx, p.licensesTable, document.Key{"license_key": licenseKey}, nil); err != nil {
		return err
	}
	if err := p.DeleteActivation(ctx, licenseKey); err != nil && !vigilerrors.IsNotFound(err) {
		return err
	}
	p.allowances.Flush()
	return nil
}

// Sync refreshes the local mirror from the manager. A quota change shifts the
// remaining balance by the same delta, clamped to the new quota; the write is
// guarded on the balance it was computed from so a concurrent admission debit
// is never silently undone.
func (p *DefaultProvider) Sync(ctx context.Context, licenseKey string) (*core.License, error) {
	license, err := p.Get(ctx, licenseKey)
	if err != nil {
		return nil, err
	}
	grant, err := p.manager.Fetch(ctx, license)
	if err != nil {
		return nil, fmt.Errorf("fetching license %s from manager, %w", licenseKey, err)
	}
	for attempt := 0; ; attempt++ {
		balance := license.Balance
		if grant.Quota != license.Quota {
			balance = lo.Clamp(balance+grant.Quota-license.Quota, 0, grant.Quota)
		}
		now := p.clk.Now().UTC()
		err = p.store.Update(ctx, p.licensesTable,
			document.Key{"license_key": licenseKey},
			document.Update{Set: map[string]any{
				"allowed_rulesets":   grant.AllowedRulesets,
				"allowed_clouds":     grant.AllowedClouds,
				"quota":              grant.Quota,
				"balance":            balance,
				"expiration":         grant.Expiration,
				"license_manager_id": grant.LicenseManagerID,
				"synced_at":          now,
			}},
			&document.Condition{Equals: map[string]any{"balance": license.Balance}},
		)
		if err == nil {
			license.AllowedRulesets = grant.AllowedRulesets
			license.AllowedClouds = grant.AllowedClouds
			license.Quota = grant.Quota
			license.Balance = balance
			license.Expiration = grant.Expiration
			license.LicenseManagerID = grant.LicenseManagerID
			license.SyncedAt = now
			p.allowances.Flush()
			logging.FromContext(ctx).With("license", licenseKey, "quota", grant.Quota, "balance", balance).Infof("synced license")
			return license, nil
		}
		if !vigilerrors.IsConflict(err) || attempt >= 2 {
			return nil, fmt.Errorf("updating mirror of license %s, %w", licenseKey, err)
		}
		if license, err = p.Get(ctx, licenseKey); err != nil {
			return nil, err
		}
	}
}

// SyncDue walks every mirrored license and resyncs the ones whose last sync
// is older than the given age. One license failing does not stop the walk;
// the collected errors come back with the count so the schedule can log and
// move on. Nonce floor stubs carry no customer and are skipped.
func (p *DefaultProvider) SyncDue(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := p.clk.Now().UTC().Add(-olderThan)
	synced := 0
	var errs error
	token := ""
	for {
		var page []*core.License
		next, err := p.store.Scan(ctx, document.ScanInput{Table: p.licensesTable, NextToken: token}, &page)
		if err != nil {
			return synced, fmt.Errorf("scanning licenses, %w", err)
		}
		for _, license := range page {
			if license.Customer == "" || license.SyncedAt.After(cutoff) {
				continue
			}
			if _, err := p.Sync(ctx, license.LicenseKey); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("resyncing license %s, %w", license.LicenseKey, err))
				continue
			}
			synced++
		}
		if next == "" {
			return synced, errs
		}
		token = next
	}
}

func (p *DefaultProvider) SetActivation(ctx context.Context, activation *core.Activation) error {
	if activation.LicenseKey == "" {
		return vigilerrors.Validation("license key is required", "license_key")
	}
	if !activation.AllTenants && len(activation.Tenants) == 0 {
		return vigilerrors.Validation("activation needs tenant names or all_tenants", "tenants")
	}
	activation.UpdatedAt = p.clk.Now().UTC()
	if err := p.store.Put(ctx, p.activationsTable, activation, nil); err != nil {
		return err
	}
	p.allowances.Flush()
	return nil
}

func (p *DefaultProvider) GetActivation(ctx context.Context, licenseKey string) (*core.Activation, error) {
	activation := &core.Activation{}
	if err := p.store.Get(ctx, p.activationsTable, document.Key{"license_key": licenseKey}, activation); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "license %s has no activation", licenseKey)
		}
		return nil, err
	}
	return activation, nil
}

func (p *DefaultProvider) DeleteActivation(ctx context.Context, licenseKey string) error {
	if err := p.store.Delete(ctx, p.activationsTable, document.Key{"license_key": licenseKey}, nil); err != nil {
		return err
	}
	p.allowances.Flush()
	return nil
}

// Admit pre-flights a job: every named license must be unexpired, activated
// for the tenant and have balance left. Balances are debited before the
// manager is asked and refunded whenever admission does not end in an allow.
// Execution failures after an allow never refund.
func (p *DefaultProvider) Admit(ctx context.Context, req AdmitRequest) (*Admission, error) {
	if len(req.LicenseKeys) == 0 {
		return nil, vigilerrors.Validation("admission needs at least one license key", "license_keys")
	}
	now := p.clk.Now()
	licenses := make([]*core.License, 0, len(req.LicenseKeys))
	for _, key := range lo.Uniq(req.LicenseKeys) {
		license, err := p.Get(ctx, key)
		if err != nil {
			if vigilerrors.IsNotFound(err) {
				return deny("license %s is not activated", key), nil
			}
			return nil, err
		}
		if license.Expired(now) {
			return deny("license %s expired on %s", key, license.Expiration.Format("2006-01-02")), nil
		}
		if len(license.AllowedClouds) > 0 && !lo.Contains(license.AllowedClouds, req.Cloud) {
			return deny("license %s does not cover cloud %s", key, req.Cloud), nil
		}
		activation, err := p.GetActivation(ctx, key)
		if err != nil {
			if vigilerrors.IsNotFound(err) {
				return deny("license %s is not active for tenant %s", key, req.Tenant), nil
			}
			return nil, err
		}
		if !activation.Covers(req.Tenant) {
			return deny("license %s is not active for tenant %s", key, req.Tenant), nil
		}
		licenses = append(licenses, license)
	}

	var debited []string
	refund := func() {
		for _, key := range debited {
			p.refund(ctx, key)
		}
	}
	for _, license := range licenses {
		if err := p.store.Update(ctx, p.licensesTable,
			document.Key{"license_key": license.LicenseKey},
			document.Update{Add: map[string]int64{"balance": -1}},
			&document.Condition{GreaterThan: map[string]int64{"balance": 0}},
		); err != nil {
			refund()
			if vigilerrors.IsConflict(err) {
				return deny("license %s quota exhausted", license.LicenseKey), nil
			}
			return nil, err
		}
		debited = append(debited, license.LicenseKey)
	}

	primary := licenses[0]
	decision, err := p.manager.Admit(ctx, primary, req)
	if err != nil {
		refund()
		return nil, err
	}
	if !decision.Allowed {
		refund()
		return &Admission{Allowed: false, Reason: decision.Reason}, nil
	}
	logging.FromContext(ctx).With("job", req.JobID, "license", primary.LicenseKey, "handle", decision.Handle).Debugf("license manager admitted job")
	return &Admission{Allowed: true, Handle: decision.Handle, LicenseKey: primary.LicenseKey}, nil
}

func (p *DefaultProvider) refund(ctx context.Context, licenseKey string) {
	if err := p.store.Update(ctx, p.licensesTable,
		document.Key{"license_key": licenseKey},
		document.Update{Add: map[string]int64{"balance": 1}},
		nil,
	); err != nil {
		logging.FromContext(ctx).With("license", licenseKey).Errorf("refunding admission debit: %s", err)
	}
}

// Notify reports a licensed job's terminal status to the manager. Delivery
// is at-least-once; the transport retries transient failures. Jobs without a
// license handle are silently skipped so the unlicensed path never talks to
// the manager.
func (p *DefaultProvider) Notify(ctx context.Context, job *core.Job, statistics map[string]int) error {
	if !job.IsLicensed || job.LMJobHandle == "" {
		return nil
	}
	license, err := p.Get(ctx, job.LicenseKey)
	if err != nil {
		return err
	}
	if err := p.manager.Notify(ctx, license, Notification{
		Handle:     job.LMJobHandle,
		Status:     job.Status,
		Statistics: statistics,
	}); err != nil {
		return fmt.Errorf("notifying license manager about job %s, %w", job.ID, err)
	}
	return nil
}

// Allowance unions the ruleset names the tenant's licenses grant on the
// cloud. Served from cache between license writes.
func (p *DefaultProvider) Allowance(ctx context.Context, customer, tenant string, cloud core.Cloud) (*Allowance, error) {
	cacheKey := fmt.Sprintf("%s#%s#%s", customer, tenant, cloud)
	if cached, ok := p.allowances.Get(cacheKey); ok {
		return cached.(*Allowance), nil
	}
	licenses, err := p.List(ctx, customer)
	if err != nil {
		return nil, err
	}
	now := p.clk.Now()
	allowance := &Allowance{}
	for _, license := range licenses {
		if license.Expired(now) {
			continue
		}
		if len(license.AllowedClouds) > 0 && !lo.Contains(license.AllowedClouds, cloud) {
			continue
		}
		activation, err := p.GetActivation(ctx, license.LicenseKey)
		if err != nil {
			if vigilerrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if !activation.Covers(tenant) {
			continue
		}
		allowance.LicenseKeys = append(allowance.LicenseKeys, license.LicenseKey)
		allowance.Rulesets = append(allowance.Rulesets, license.AllowedRulesets...)
	}
	allowance.Rulesets = lo.Uniq(allowance.Rulesets)
	sort.Strings(allowance.Rulesets)
	p.allowances.Set(cacheKey, allowance, vigilcache.AllowanceTTL)
	return allowance, nil
}

func deny(format string, args ...interface{}) *Admission {
	return &Admission{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}
