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
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/storage/document"
	"github.com/vigilsec/vigil/pkg/storage/secret"
)

// Signer produces Authorization headers for License Manager requests. Every
// signature carries a strictly increasing unix-millisecond nonce per license
// key; the floor is persisted on the license record so a restart cannot fall
// behind a nonce the manager has already seen.
type Signer struct {
	secrets secret.Store
	store   document.Store
	table   string
	keys    *cache.Cache
	clk     clock.Clock

	mu     sync.Mutex
	floors map[string]int64
}

func NewSigner(secrets secret.Store, store document.Store, table string, keys *cache.Cache, clk clock.Clock) *Signer {
	return &Signer{
		secrets: secrets,
		store:   store,
		table:   table,
		keys:    keys,
		clk:     clk,
		floors:  map[string]int64{},
	}
}

// Header signs method, path and body under the license's key and returns the
// Authorization value, of the form "<alg> <keyid>:<nonce>:<signature>".
func (s *Signer) Header(ctx context.Context, license *core.License, method, path string, body []byte) (string, error) {
	key, err := s.signingKey(ctx, license)
	if err != nil {
		return "", err
	}
	nonce, err := s.nonce(ctx, license)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(body)
	message := fmt.Sprintf("%d\n%s\n%s\n%s", nonce, method, path, hex.EncodeToString(digest[:]))
	signature := ed25519.Sign(key, []byte(message))
	return fmt.Sprintf("%s %s:%d:%s",
		license.Algorithm, license.LicenseKey, nonce, base64.RawStdEncoding.EncodeToString(signature)), nil
}

// Floor returns the highest nonce issued for the key so far, so mirror writes
// can carry it forward instead of clobbering it with a stale value.
func (s *Signer) Floor(licenseKey string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.floors[licenseKey]
}

func (s *Signer) signingKey(ctx context.Context, license *core.License) (ed25519.PrivateKey, error) {
	if license.SigningKeyRef == "" {
		return nil, vigilerrors.Newf(vigilerrors.KindValidation, "license %s has no signing key reference", license.LicenseKey)
	}
	if cached, ok := s.keys.Get(license.SigningKeyRef); ok {
		return cached.(ed25519.PrivateKey), nil
	}
	encoded, err := s.secrets.Get(ctx, license.SigningKeyRef)
	if err != nil {
		return nil, fmt.Errorf("loading signing key %q, %w", license.SigningKeyRef, err)
	}
	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding signing key %q, %w", license.SigningKeyRef, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, vigilerrors.Newf(vigilerrors.KindValidation, "signing key %s is not a %d-byte ed25519 seed", license.SigningKeyRef, ed25519.SeedSize)
	}
	key := ed25519.NewKeyFromSeed(seed)
	s.keys.SetDefault(license.SigningKeyRef, key)
	return key, nil
}

// nonce hands out the next nonce for the license: the current unix-milli
// clock, bumped past the floor when the clock has not advanced. The new floor
// is written through before the signature leaves the process.
func (s *Signer) nonce(ctx context.Context, license *core.License) (int64, error) {
	s.mu.Lock()
	floor := s.floors[license.LicenseKey]
	if floor < license.NonceFloor {
		floor = license.NonceFloor
	}
	next := s.clk.Now().UnixMilli()
	if next <= floor {
		next = floor + 1
	}
	s.floors[license.LicenseKey] = next
	s.mu.Unlock()

	if err := s.store.Update(ctx, s.table,
		document.Key{"license_key": license.LicenseKey},
		document.Update{Set: map[string]any{"nonce_floor": next}},
		nil,
	); err != nil {
		return 0, fmt.Errorf("persisting nonce floor for license %s, %w", license.LicenseKey, err)
	}
	return next, nil
}
