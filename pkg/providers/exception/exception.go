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

package exception

import (
	"context"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/storage/document"
)

// Provider manages report exceptions. The metrics pipeline asks for the
// active set per customer and suppresses matching findings while
// aggregating.
type Provider interface {
	Create(ctx context.Context, exception *core.Exception) error
	Get(ctx context.Context, customer, id string) (*core.Exception, error)
	List(ctx context.Context, customer string) ([]*core.Exception, error)
	// Active filters out exceptions that have already expired.
	Active(ctx context.Context, customer string) ([]*core.Exception, error)
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

func (p *DefaultProvider) Create(ctx context.Context, exception *core.Exception) error {
	if exception.Customer == "" {
		return vigilerrors.Validation("customer is required", "customer")
	}
	if exception.ResourceSelector == "" && len(exception.RuleIDs) == 0 {
		return vigilerrors.Validation("an exception needs a resource selector or rule ids", "resource_selector")
	}
	if exception.ID == "" {
		exception.ID = uuid.NewString()
	}
	return p.store.Put(ctx, p.table, exception, &document.Condition{AttributeNotExists: []string{"id"}})
}

func (p *DefaultProvider) Get(ctx context.Context, customer, id string) (*core.Exception, error) {
	exception := &core.Exception{}
	if err := p.store.Get(ctx, p.table, document.Key{"customer": customer, "id": id}, exception); err != nil {
		if vigilerrors.IsNotFound(err) {
			return nil, vigilerrors.Newf(vigilerrors.KindNotFound, "exception %s not found", id)
		}
		return nil, err
	}
	return exception, nil
}

func (p *DefaultProvider) List(ctx context.Context, customer string) ([]*core.Exception, error) {
	var exceptions []*core.Exception
	token := ""
	for {
		var page []*core.Exception
		next, err := p.store.Query(ctx, document.QueryInput{
			Table:     p.table,
			Equals:    document.Key{"customer": customer},
			NextToken: token,
		}, &page)
		if err != nil {
			return nil, err
		}
		exceptions = append(exceptions, page...)
		if next == "" {
			return exceptions, nil
		}
		token = next
	}
}

func (p *DefaultProvider) Active(ctx context.Context, customer string) ([]*core.Exception, error) {
	exceptions, err := p.List(ctx, customer)
	if err != nil {
		return nil, err
	}
	now := p.clk.Now()
	return lo.Filter(exceptions, func(e *core.Exception, _ int) bool {
		return e.Expiration.IsZero() || now.Before(e.Expiration)
	}), nil
}

func (p *DefaultProvider) Delete(ctx context.Context, customer, id string) error {
	return p.store.Delete(ctx, p.table, document.Key{"customer": customer, "id": id}, nil)
}
