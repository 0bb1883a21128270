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

package application

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/storage/document"
)

// Provider manages credentials-access applications: the records linking a
// tenant or a whole customer to static keys in the secret store or to an
// assumable role.
type Provider interface {
	Create(ctx context.Context, app *core.Application) error
	Get(ctx context.Context, customer, id string) (*core.Application, error)
	List(ctx context.Context, customer string) ([]*core.Application, error)
	// ForTenant returns applications usable by a tenant, tenant-linked first,
	// then customer-wide ones, all filtered to the tenant's cloud.
	ForTenant(ctx context.Context, tenant *core.Tenant) ([]*core.Application, error)
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

func (p *DefaultProvider) Create(ctx context.Context, app *core.Application) error {
	if app.Customer == "" {
		return vigilerrors.Validation("customer is required", "customer")
	}
	if !app.Cloud.Valid() {
		return vigilerrors.Validation(fmt.Sprintf("unknown cloud %q", app.Cloud), "cloud")
	}
	switch app.Type {
	case core.ApplicationTypeStaticKeys:
		if app.SecretName == "" {
			return vigilerrors.Validation("static key applications need a secret name", "secret_name")
		}
	case core.ApplicationTypeRoleARN:
		if app.RoleARN == "" {
			return vigilerrors.Validation("role applications need a role arn", "role_arn")
		}
	default:
		return vigilerrors.Validation(fmt.Sprintf("unknown application type %q", app.Type), "type")
	}
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = p.clk.Now().UTC()
	}
	return p.store.Put(ctx, p.table, app, &document.Condition{AttributeNotExists: []string{"id"}})
}

func (p *DefaultProvider) Get(ctx context.Context, customer, id string) (*core.Application, error) {
	app := &core.Application{}
	if err := p.store.Get(ctx, p.table, document.Key{"customer": customer, "id": id}, app); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "application %s not found", id)
		}
		return nil, err
	}
	return app, nil
}

func (p *DefaultProvider) List(ctx context.Context, customer string) ([]*core.Application, error) {
	var apps []*core.Application
	token := ""
	for {
		var page []*core.Application
		next, err := p.store.Query(ctx, document.QueryInput{
			Table:     p.table,
			Equals:    document.Key{"customer": customer},
			NextToken: token,
		}, &page)
		if err != nil {
			return nil, err
		}
		apps = append(apps, page...)
		if next == "" {
			return apps, nil
		}
		token = next
	}
}

func (p *DefaultProvider) ForTenant(ctx context.Context, tenant *core.Tenant) ([]*core.Application, error) {
	apps, err := p.List(ctx, tenant.Customer)
	if err != nil {
		return nil, err
	}
	apps = lo.Filter(apps, func(app *core.Application, _ int) bool {
		return app.Cloud == tenant.Cloud && (app.Tenant == "" || app.Tenant == tenant.Name)
	})
	// Tenant-linked applications outrank customer-wide ones
	return append(
		lo.Filter(apps, func(app *core.Application, _ int) bool { return app.Tenant == tenant.Name }),
		lo.Filter(apps, func(app *core.Application, _ int) bool { return app.Tenant == "" })...,
	), nil
}

func (p *DefaultProvider) Delete(ctx context.Context, customer, id string) error {
	return p.store.Delete(ctx, p.table, document.Key{"customer": customer, "id": id}, nil)
}
