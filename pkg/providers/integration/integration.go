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

// Package integration manages the activation records that bind push
// endpoints to tenants. Delivery consults them to decide which rendered
// reports leave the platform over HTTP.
package integration

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/storage/document"
)

type Provider interface {
	Create(ctx context.Context, integration *core.Integration) error
	Get(ctx context.Context, customer, id string) (*core.Integration, error)
	List(ctx context.Context, customer string) ([]*core.Integration, error)
	// Active filters to integrations that are currently enabled.
	Active(ctx context.Context, customer string) ([]*core.Integration, error)
	Delete(ctx context.Context, customer, id string) error
}

type DefaultProvider struct {
	store document.Store
	table string
	clk   clock.Clock
}

func NewDefaultProvider(store document.Store, table string, clk clock.Clock) *DefaultProvider {
	return &DefaultProvider{store: store, table: table, clk: clk}
}

func (p *DefaultProvider) Create(ctx context.Context, integration *core.Integration) error {
	if integration.Customer == "" {
		return vigilerrors.Validation("customer is required", "customer")
	}
	if !lo.Contains([]core.IntegrationKind{core.IntegrationDojo, core.IntegrationChronicle}, integration.Kind) {
		return vigilerrors.Validation("unknown integration kind", "kind")
	}
	if !strings.HasPrefix(integration.Endpoint, "http://") && !strings.HasPrefix(integration.Endpoint, "https://") {
		return vigilerrors.Validation("endpoint must be an http(s) url", "endpoint")
	}
	if integration.ID == "" {
		integration.ID = uuid.NewString()
	}
	if integration.CreatedAt.IsZero() {
		integration.CreatedAt = p.clk.Now().UTC()
	}
	return p.store.Put(ctx, p.table, integration, &document.Condition{AttributeNotExists: []string{"id"}})
}

func (p *DefaultProvider) Get(ctx context.Context, customer, id string) (*core.Integration, error) {
	integration := &core.Integration{}
	if err := p.store.Get(ctx, p.table, document.Key{"customer": customer, "id": id}, integration); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "integration %s not found", id)
		}
		return nil, err
	}
	return integration, nil
}

func (p *DefaultProvider) List(ctx context.Context, customer string) ([]*core.Integration, error) {
	var integrations []*core.Integration
	token := ""
	for {
		var page []*core.Integration
		next, err := p.store.Query(ctx, document.QueryInput{
			Table:     p.table,
			Equals:    document.Key{"customer": customer},
			NextToken: token,
		}, &page)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, page...)
		if next == "" {
			return integrations, nil
		}
		token = next
	}
}

func (p *DefaultProvider) Active(ctx context.Context, customer string) ([]*core.Integration, error) {
	integrations, err := p.List(ctx, customer)
	if err != nil {
		return nil, err
	}
	return lo.Filter(integrations, func(i *core.Integration, _ int) bool { return i.Enabled }), nil
}

func (p *DefaultProvider) Delete(ctx context.Context, customer, id string) error {
	return p.store.Delete(ctx, p.table, document.Key{"customer": customer, "id": id}, nil)
}
