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

package cache

import "time"

const (
	// DefaultTTL restricts the default lifetime of provider caches.
	DefaultTTL = time.Minute
	// DefaultCleanupInterval triggers cache cleanup to remove expired entries.
	DefaultCleanupInterval = 10 * time.Minute

	// SecretTTL bounds how long resolved secrets are served from memory.
	SecretTTL = 5 * time.Minute
	// AllowanceTTL bounds cached License Manager allowances between syncs.
	AllowanceTTL = 10 * time.Minute
	// NonceReplayTTL is how long the License Manager treats an already-seen
	// nonce as idempotent; replays inside it are accepted, not re-signed.
	NonceReplayTTL = 5 * time.Minute
	// BundleTTL bounds cached ruleset bundles loaded by workers.
	BundleTTL = 15 * time.Minute
	// TenantTTL bounds cached tenant records used on read-mostly paths.
	TenantTTL = time.Minute
)
