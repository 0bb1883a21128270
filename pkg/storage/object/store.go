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

package object

import (
	"context"
	"time"
)

// PutOptions tune a single write. Gzip compresses the payload before upload
// and stamps the content encoding so Get can transparently decompress.
type PutOptions struct {
	ContentType string
	Gzip        bool
	Metadata    map[string]string
}

// Object describes one stored blob for listings.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the blob API for shards, bundles and rendered reports. Get
// returns NOT_FOUND for missing keys and decompresses gzip uploads
// transparently.
type Store interface {
	Put(ctx context.Context, key string, data []byte, opts *PutOptions) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, fromKey, toKey string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}
