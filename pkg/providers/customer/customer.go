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

package customer

import (
	"context"

	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/storage/document"
)

// Provider manages customer records. Customers arrive from an external
// onboarding flow; here they mostly carry settings the pipeline consults,
// like the send_reports toggle.
type Provider interface {
	Create(ctx context.Context, customer *core.Customer) error
	Get(ctx context.Context, name string) (*core.Customer, error)
	ListAll(ctx context.Context) ([]*core.Customer, error)
	Update(ctx context.Context, customer *core.Customer) error
	Delete(ctx context.Context, name string) error
	// SendReports resolves the delivery toggle, defaulting to false when the
	// customer record is missing.
	SendReports(ctx context.Context, name string) bool
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

func (p *DefaultProvider) Create(ctx context.Context, customer *core.Customer) error {
	if customer.Name == "" {
		return vigilerrors.Validation("name is required", "name")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = p.clk.Now().UTC()
	}
	if err := p.store.Put(ctx, p.table, customer, &document.Condition{AttributeNotExists: []string{"name"}}); err != nil {
		if vigilerrors.IsConflict(err) {
			return vigilerrors.Newf(vigilerrors.KindConflict, "customer %s already exists", customer.Name)
		}
		return err
	}
	p.cache.Delete(customer.Name)
	return nil
}

func (p *DefaultProvider) Get(ctx context.Context, name string) (*core.Customer, error) {
	if cached, ok := p.cache.Get(name); ok {
		return cached.(*core.Customer), nil
	}
	customer := &core.Customer{}
	if err := p.store.Get(ctx, p.table, document.Key{"name": name}, customer); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "customer %s not found", name)
		}
		return nil, err
	}
	p.cache.SetDefault(name, customer)
	return customer, nil
}

func (p *DefaultProvider) ListAll(ctx context.Context) ([]*core.Customer, error) {
	var customers []*core.Customer
	token := ""
	for {
		var page []*core.Customer
		next, err := p.store.Scan(ctx, document.ScanInput{Table: p.table, NextToken: token}, &page)
		if err != nil {
			return nil, err
		}
		customers = append(customers, page...)
		if next == "" {
			return customers, nil
		}
		token = next
	}
}

func (p *DefaultProvider) Update(ctx context.Context, customer *core.Customer) error {
	existing, err := p.Get(ctx, customer.Name)
	if err != nil {
		return err
	}
	customer.CreatedAt = existing.CreatedAt
	if err := p.store.Put(ctx, p.table, customer, nil); err != nil {
		return err
	}
	p.cache.Delete(customer.Name)
	return nil
}

func (p *DefaultProvider) Delete(ctx context.Context, name string) error {
	if err := p.store.Delete(ctx, p.table, document.Key{"name": name}, nil); err != nil {
		return err
	}
	p.cache.Delete(name)
	return nil
}

func (p *DefaultProvider) SendReports(ctx context.Context, name string) bool {
	customer, err := p.Get(ctx, name)
	if err != nil {
		return false
	}
	return customer.SendReports
}
