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

package tenant

import (
	"context"
	"fmt"

	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/storage/document"
)

// Provider manages tenant records and the tenant-job lock. A tenant is
// locked while a job id sits in its current_job attribute, and every lock
// mutation is a conditional write so two jobs can never hold it at once.
type Provider interface {
	Create(ctx context.Context, tenant *core.Tenant) error
	Get(ctx context.Context, customer, name string) (*core.Tenant, error)
	List(ctx context.Context, customer string, limit int32, nextToken string) ([]*core.Tenant, string, error)
	ListAll(ctx context.Context) ([]*core.Tenant, error)
	Update(ctx context.Context, tenant *core.Tenant) error
	Delete(ctx context.Context, customer, name string) error
	Lock(ctx context.Context, customer, name, jobID string) error
	Unlock(ctx context.Context, customer, name, jobID string) error
	ForceUnlock(ctx context.Context, customer, name string) error
}

type DefaultProvider struct {
	store document.Store
	table string
	cache *cache.Cache
	clk   clock.Clock
}

func NewDefaultProvider(store document.Store, table string, cache *cache.Cache, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{store: store, table: table, cache: cache, clk: clk}
}

func (p *DefaultProvider) Create(ctx context.Context, tenant *core.Tenant) error {
	if err := validate(tenant); err != nil {
		return err
	}
	existing, err := p.listCustomer(ctx, tenant.Customer)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.Cloud == tenant.Cloud && other.CloudIdentifier == tenant.CloudIdentifier {
			return vigilerrors.Newf(vigilerrors.KindConflict, "cloud identifier %s is already registered by tenant %s", tenant.CloudIdentifier, other.Name)
		}
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = p.clk.Now().UTC()
	}
	tenant.CurrentJob = ""
	if err := p.store.Put(ctx, p.table, tenant, &document.Condition{AttributeNotExists: []string{"name"}}); err != nil {
		if vigilerrors.IsConflict(err) {
			return vigilerrors.Newf(vigilerrors.KindConflict, "tenant %s already exists", tenant.Name)
		}
		return err
	}
	p.cache.Delete(cacheKey(tenant.Customer, tenant.Name))
	logging.FromContext(ctx).With("customer", tenant.Customer, "tenant", tenant.Name, "cloud", tenant.Cloud).Debugf("created tenant")
	return nil
}

func (p *DefaultProvider) Get(ctx context.Context, customer, name string) (*core.Tenant, error) {
	if cached, ok := p.cache.Get(cacheKey(customer, name)); ok {
		return cached.(*core.Tenant), nil
	}
	tenant := &core.Tenant{}
	if err := p.store.Get(ctx, p.table, document.Key{"customer": customer, "name": name}, tenant); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "tenant %s not found", name)
		}
		return nil, err
	}
	p.cache.SetDefault(cacheKey(customer, name), tenant)
	return tenant, nil
}

func (p *DefaultProvider) List(ctx context.Context, customer string, limit int32, nextToken string) ([]*core.Tenant, string, error) {
	var tenants []*core.Tenant
	token, err := p.store.Query(ctx, document.QueryInput{
		Table:     p.table,
		Equals:    document.Key{"customer": customer},
		Limit:     limit,
		NextToken: nextToken,
	}, &tenants)
	if err != nil {
		return nil, "", err
	}
	return tenants, token, nil
}

func (p *DefaultProvider) ListAll(ctx context.Context) ([]*core.Tenant, error) {
	var tenants []*core.Tenant
	token := ""
	for {
		var page []*core.Tenant
		next, err := p.store.Scan(ctx, document.ScanInput{Table: p.table, NextToken: token}, &page)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, page...)
		if next == "" {
			return tenants, nil
		}
		token = next
	}
}

// Update rewrites every tenant attribute except the lock. The write is
// guarded on the lock state observed at read time so a concurrent Lock or
// Unlock surfaces as CONFLICT instead of being silently overwritten.
func (p *DefaultProvider) Update(ctx context.Context, tenant *core.Tenant) error {
	if err := validate(tenant); err != nil {
		return err
	}
	existing, err := p.Get(ctx, tenant.Customer, tenant.Name)
	if err != nil {
		return err
	}
	tenant.CurrentJob = existing.CurrentJob
	tenant.CreatedAt = existing.CreatedAt
	if err := p.store.Put(ctx, p.table, tenant, lockGuard(existing.CurrentJob)); err != nil {
		if vigilerrors.IsConflict(err) {
			return vigilerrors.Newf(vigilerrors.KindConflict, "tenant %s changed concurrently", tenant.Name)
		}
		return err
	}
	p.cache.Delete(cacheKey(tenant.Customer, tenant.Name))
	return nil
}

// Delete refuses to remove a locked tenant: a running job still owns its
// shards.
func (p *DefaultProvider) Delete(ctx context.Context, customer, name string) error {
	if err := p.store.Delete(ctx, p.table, document.Key{"customer": customer, "name": name}, &document.Condition{AttributeNotExists: []string{"current_job"}}); err != nil {
		if vigilerrors.IsConflict(err) {
			return vigilerrors.Newf(vigilerrors.KindConflict, "tenant %s has a job in flight", name)
		}
		return err
	}
	p.cache.Delete(cacheKey(customer, name))
	logging.FromContext(ctx).With("customer", customer, "tenant", name).Debugf("deleted tenant")
	return nil
}

func (p *DefaultProvider) Lock(ctx context.Context, customer, name, jobID string) error {
	err := p.store.Update(ctx, p.table,
		document.Key{"customer": customer, "name": name},
		document.Update{Set: map[string]any{"current_job": jobID}},
		&document.Condition{AttributeNotExists: []string{"current_job"}},
	)
	p.cache.Delete(cacheKey(customer, name))
	if err != nil {
		if vigilerrors.IsConflict(err) {
			return vigilerrors.Newf(vigilerrors.KindConflict, "tenant %s already has a job in flight", name)
		}
		return err
	}
	return nil
}

func (p *DefaultProvider) Unlock(ctx context.Context, customer, name, jobID string) error {
	err := p.store.Update(ctx, p.table,
		document.Key{"customer": customer, "name": name},
		document.Update{Remove: []string{"current_job"}},
		&document.Condition{Equals: map[string]any{"current_job": jobID}},
	)
	p.cache.Delete(cacheKey(customer, name))
	if err != nil {
		if vigilerrors.IsConflict(err) {
			return vigilerrors.Newf(vigilerrors.KindConflict, "tenant %s is not locked by job %s", name, jobID)
		}
		return err
	}
	return nil
}

// ForceUnlock clears the lock regardless of owner. Reserved for the timeout
// sweeper, which has already moved the owning job to a terminal state.
func (p *DefaultProvider) ForceUnlock(ctx context.Context, customer, name string) error {
	err := p.store.Update(ctx, p.table,
		document.Key{"customer": customer, "name": name},
		document.Update{Remove: []string{"current_job"}},
		nil,
	)
	p.cache.Delete(cacheKey(customer, name))
	return err
}

func (p *DefaultProvider) listCustomer(ctx context.Context, customer string) ([]*core.Tenant, error) {
	var tenants []*core.Tenant
	token := ""
	for {
		page, next, err := p.List(ctx, customer, 0, token)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, page...)
		if next == "" {
			return tenants, nil
		}
		token = next
	}
}

func validate(tenant *core.Tenant) error {
	if tenant.Customer == "" {
		return vigilerrors.Validation("customer is required", "customer")
	}
	if tenant.Name == "" {
		return vigilerrors.Validation("name is required", "name")
	}
	if !tenant.Cloud.Valid() {
		return vigilerrors.Validation(fmt.Sprintf("unknown cloud %q", tenant.Cloud), "cloud")
	}
	if tenant.CloudIdentifier == "" {
		return vigilerrors.Validation("cloud identifier is required", "cloud_identifier")
	}
	return nil
}

func lockGuard(currentJob string) *document.Condition {
	if currentJob == "" {
		return &document.Condition{AttributeNotExists: []string{"current_job"}}
	}
	return &document.Condition{Equals: map[string]any{"current_job": currentJob}}
}

func cacheKey(customer, name string) string {
	return customer + "/" + name
}
