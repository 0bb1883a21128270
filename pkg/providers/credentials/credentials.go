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

package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"go.uber.org/multierr"

	"github.com/vigilsec/vigil/pkg/apis/core"
	sdk "github.com/vigilsec/vigil/pkg/aws"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/providers/application"
	"github.com/vigilsec/vigil/pkg/storage/secret"
)

// ReasonUnresolved is the human-readable reason stamped on a job when every
// step of the credential chain fails.
const ReasonUnresolved = "Could not resolve any credentials"

// Source records which chain step produced a credential set.
type Source string

const (
	SourceRequest     Source = "request"
	SourceApplication Source = "application"
	SourceHost        Source = "host"
)

// Credentials is a short-lived credential set for one scan. Never persisted.
type Credentials struct {
	AccessKeyID  string     `json:"access_key_id"`
	SecretKey    string     `json:"secret_key"`
	SessionToken string     `json:"session_token,omitempty"`
	Expiration   *time.Time `json:"expiration,omitempty"`
	Source       Source     `json:"-"`
}

// Provider resolves credentials for a (tenant, cloud) by walking the chain:
// request-supplied, tenant-linked application, customer-linked application,
// host default.
type Provider interface {
	Resolve(ctx context.Context, tenant *core.Tenant, override *Credentials) (*Credentials, error)
}

type DefaultProvider struct {
	sts     sdk.STSAPI
	secrets secret.Store
	apps    application.Provider
	host    aws.CredentialsProvider
}

func NewDefaultProvider(sts sdk.STSAPI, secrets secret.Store, apps application.Provider, host aws.CredentialsProvider) *DefaultProvider {
	return &DefaultProvider{sts: sts, secrets: secrets, apps: apps, host: host}
}

func (p *DefaultProvider) Resolve(ctx context.Context, tenant *core.Tenant, override *Credentials) (*Credentials, error) {
	if override != nil {
		override.Source = SourceRequest
		return override, nil
	}
	apps, err := p.apps.ForTenant(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("listing credential applications, %w", err)
	}
	var errs error
	for _, app := range apps {
		creds, err := p.fromApplication(ctx, app, tenant)
		if err != nil {
			logging.FromContext(ctx).With("tenant", tenant.Name, "application", app.ID).Debugf("credential application failed, %s", err)
			errs = multierr.Append(errs, fmt.Errorf("application %s, %w", app.ID, err))
			continue
		}
		return creds, nil
	}
	if p.host != nil {
		hostCreds, err := p.host.Retrieve(ctx)
		if err == nil {
			return &Credentials{
				AccessKeyID:  hostCreds.AccessKeyID,
				SecretKey:    hostCreds.SecretAccessKey,
				SessionToken: hostCreds.SessionToken,
				Source:       SourceHost,
			}, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("host credentials, %w", err))
	}
	return nil, vigilerrors.Wrap(vigilerrors.KindUnavailable, errs, ReasonUnresolved)
}

func (p *DefaultProvider) fromApplication(ctx context.Context, app *core.Application, tenant *core.Tenant) (*Credentials, error) {
	switch app.Type {
	case core.ApplicationTypeStaticKeys:
		raw, err := p.secrets.Get(ctx, app.SecretName)
		if err != nil {
			return nil, fmt.Errorf("reading application secret, %w", err)
		}
		creds := &Credentials{}
		if err := json.Unmarshal([]byte(raw), creds); err != nil {
			return nil, fmt.Errorf("unmarshaling application secret, %w", err)
		}
		creds.Source = SourceApplication
		return creds, nil
	case core.ApplicationTypeRoleARN:
		return p.assumeRole(ctx, app, tenant)
	default:
		return nil, fmt.Errorf("unsupported application type %q", app.Type)
	}
}

// assumeRole exchanges the host identity for the application role, with the
// tenant's cloud identifier substituted into the ARN template.
func (p *DefaultProvider) assumeRole(ctx context.Context, app *core.Application, tenant *core.Tenant) (*Credentials, error) {
	arn := strings.ReplaceAll(app.RoleARN, "{cloud_identifier}", tenant.CloudIdentifier)
	provider := stscreds.NewAssumeRoleProvider(p.sts, arn, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = sessionName(tenant)
	})
	assumed, err := provider.Retrieve(ctx)
	if err != nil {
		return nil, fmt.Errorf("assuming role %s, %w", arn, err)
	}
	creds := &Credentials{
		AccessKeyID:  assumed.AccessKeyID,
		SecretKey:    assumed.SecretAccessKey,
		SessionToken: assumed.SessionToken,
		Source:       SourceApplication,
	}
	if assumed.CanExpire {
		creds.Expiration = &assumed.Expires
	}
	return creds, nil
}

// sessionName squeezes customer and tenant into the 64 characters STS
// allows.
func sessionName(tenant *core.Tenant) string {
	name := fmt.Sprintf("vigil-%s-%s", tenant.Customer, tenant.Name)
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}
