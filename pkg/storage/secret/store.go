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

package secret

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	sdk "github.com/vigilsec/vigil/pkg/aws"
	vigilcache "github.com/vigilsec/vigil/pkg/cache"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/logging"
)

// Store holds tenant credentials and signing material. Secrets expire: a
// read past the recorded expiry behaves exactly like a missing secret.
type Store interface {
	Put(ctx context.Context, name, value string, ttl time.Duration) error
	Get(ctx context.Context, name string) (string, error)
	Delete(ctx context.Context, name string) error
}

// envelope wraps every stored value so expiry travels with the secret
// rather than living in a side table.
type envelope struct {
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SSMStore implements Store on SSM SecureString parameters. Reads are cached
// briefly; writes to the same name serialize on a per-name lock so
// concurrent rotations settle on a single winner.
type SSMStore struct {
	sync.Mutex

	api   sdk.SSMAPI
	cache *cache.Cache
	clk   clock.Clock
	locks map[string]*sync.Mutex
}

func NewSSMStore(api sdk.SSMAPI, cache *cache.Cache, clk clock.Clock) *SSMStore {
	return &SSMStore{
		api:   api,
		cache: cache,
		clk:   clk,
		locks: map[string]*sync.Mutex{},
	}
}

func (s *SSMStore) Put(ctx context.Context, name, value string, ttl time.Duration) error {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = lo.ToPtr(s.clk.Now().UTC().Add(ttl))
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling secret %q, %w", name, err)
	}
	if _, err = s.api.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      lo.ToPtr(name),
		Value:     lo.ToPtr(string(raw)),
		Type:      types.ParameterTypeSecureString,
		Overwrite: lo.ToPtr(true),
	}); err != nil {
		return fmt.Errorf("putting secret %q, %w", name, vigilerrors.FromAWS(err))
	}
	s.cache.Set(name, env, s.cacheTTL(env))
	return nil
}

func (s *SSMStore) Get(ctx context.Context, name string) (string, error) {
	if cached, ok := s.cache.Get(name); ok {
		return s.open(ctx, name, cached.(envelope))
	}
	resp, err := s.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           lo.ToPtr(name),
		WithDecryption: lo.ToPtr(true),
	})
	if err != nil {
		translated := vigilerrors.FromAWS(err)
		if vigilerrors.IsNotFound(translated) {
			return "", vigilerrors.Newf(vigilerrors.KindNotFound, "secret %s not found", name)
		}
		return "", fmt.Errorf("getting secret %q, %w", name, translated)
	}
	var env envelope
	if err = json.Unmarshal([]byte(lo.FromPtr(resp.Parameter.Value)), &env); err != nil {
		return "", fmt.Errorf("unmarshaling secret %q, %w", name, err)
	}
	s.cache.Set(name, env, s.cacheTTL(env))
	return s.open(ctx, name, env)
}

func (s *SSMStore) Delete(ctx context.Context, name string) error {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	s.cache.Delete(name)
	if _, err := s.api.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: lo.ToPtr(name)}); err != nil {
		translated := vigilerrors.FromAWS(err)
		if vigilerrors.IsNotFound(translated) {
			return nil
		}
		return fmt.Errorf("deleting secret %q, %w", name, translated)
	}
	return nil
}

// open unwraps an envelope, purging it lazily when the expiry has passed.
func (s *SSMStore) open(ctx context.Context, name string, env envelope) (string, error) {
	if env.ExpiresAt != nil && !s.clk.Now().Before(*env.ExpiresAt) {
		s.cache.Delete(name)
		if _, err := s.api.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: lo.ToPtr(name)}); err != nil {
			logging.FromContext(ctx).With("secret", name).Debugf("purging expired secret, %s", err)
		}
		return "", vigilerrors.Newf(vigilerrors.KindNotFound, "secret %s not found", name)
	}
	return env.Value, nil
}

// cacheTTL keeps cached copies from outliving the secret itself.
func (s *SSMStore) cacheTTL(env envelope) time.Duration {
	ttl := vigilcache.SecretTTL
	if env.ExpiresAt != nil {
		if remaining := env.ExpiresAt.Sub(s.clk.Now()); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

func (s *SSMStore) lockFor(name string) *sync.Mutex {
	s.Lock()
	defer s.Unlock()
	if lock, ok := s.locks[name]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[name] = lock
	return lock
}
