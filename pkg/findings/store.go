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

package findings

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
	"github.com/vigilsec/vigil/pkg/logging"
	"github.com/vigilsec/vigil/pkg/storage/object"
)

const (
	prefix        = "findings"
	archivePrefix = "archive"
	// DateLayout buckets shards by scan day.
	DateLayout = "2006-01-02"
)

// Store reads and writes a tenant's findings shards. One job mutates one
// tenant at a time (the tenant-job lock guarantees it), so writes never
// contend.
type Store struct {
	objects object.Store
	shards  int
}

func NewStore(objects object.Store, shards int) *Store {
	return &Store{objects: objects, shards: shards}
}

// ShardCount exposes the configured shard fan-out N.
func (s *Store) ShardCount() int {
	return s.shards
}

// Write replaces the dated shard set for a tenant with the given findings.
// Shards with no findings are not stored; leftovers from a previous write of
// the same day are deleted so the key set always mirrors the content.
func (s *Store) Write(ctx context.Context, tenant string, cloud core.Cloud, date string, findings []Finding) error {
	existing, err := s.objects.List(ctx, dayPrefix(tenant, cloud, date))
	if err != nil {
		return err
	}
	buckets := Split(findings, s.shards)
	if len(buckets) == 0 {
		// A clean scan still writes one empty shard so the day bucket exists;
		// readers can tell remediated-to-zero apart from never-scanned.
		buckets = map[int][]Finding{0: nil}
	}
	written := map[string]struct{}{}
	for key, bucket := range buckets {
		raw, err := Encode(bucket)
		if err != nil {
			return err
		}
		objectKey := shardPath(tenant, cloud, date, key)
		if err := s.objects.Put(ctx, objectKey, raw, &object.PutOptions{Gzip: true, ContentType: "application/json"}); err != nil {
			return err
		}
		written[objectKey] = struct{}{}
	}
	// Stale shards from a previous write of the same day would resurrect
	// remediated findings on read.
	for _, obj := range existing {
		if _, ok := written[obj.Key]; !ok {
			if err := s.objects.Delete(ctx, obj.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Read loads every shard of one dated bucket back into a canonical slice.
func (s *Store) Read(ctx context.Context, tenant string, cloud core.Cloud, date string) ([]Finding, error) {
	objects, err := s.objects.List(ctx, dayPrefix(tenant, cloud, date))
	if err != nil {
		return nil, err
	}
	var all []Finding
	for _, obj := range objects {
		raw, err := s.objects.Get(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		findings, err := Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding shard %q, %w", obj.Key, err)
		}
		all = append(all, findings...)
	}
	return Canonicalize(all), nil
}

// LatestDate returns the most recent dated bucket a tenant has shards for.
func (s *Store) LatestDate(ctx context.Context, tenant string, cloud core.Cloud) (string, bool, error) {
	objects, err := s.objects.List(ctx, path.Join(prefix, tenant)+"/")
	if err != nil {
		return "", false, err
	}
	var dates []string
	seen := map[string]struct{}{}
	for _, obj := range objects {
		date, objCloud, ok := parseShardPath(obj.Key)
		if !ok || objCloud != cloud {
			continue
		}
		if _, dup := seen[date]; !dup {
			seen[date] = struct{}{}
			dates = append(dates, date)
		}
	}
	if len(dates) == 0 {
		return "", false, nil
	}
	sort.Strings(dates)
	return dates[len(dates)-1], true, nil
}

// ReadLatest loads the most recent shard set, empty when the tenant has
// never been scanned.
func (s *Store) ReadLatest(ctx context.Context, tenant string, cloud core.Cloud) ([]Finding, error) {
	date, ok, err := s.LatestDate(ctx, tenant, cloud)
	if err != nil || !ok {
		return nil, err
	}
	return s.Read(ctx, tenant, cloud, date)
}

// MergeInto folds one successful job's findings into the tenant's previous
// state and writes the result under now's date bucket.
func (s *Store) MergeInto(ctx context.Context, tenant string, cloud core.Cloud, incoming []Finding, executed PairSet, now time.Time) error {
	previous, err := s.ReadLatest(ctx, tenant, cloud)
	if err != nil {
		return fmt.Errorf("reading previous findings for tenant %s, %w", tenant, err)
	}
	merged := Merge(previous, incoming, executed, now)
	if err := s.Write(ctx, tenant, cloud, now.UTC().Format(DateLayout), merged); err != nil {
		return fmt.Errorf("writing merged findings for tenant %s, %w", tenant, err)
	}
	logging.FromContext(ctx).With("tenant", tenant, "cloud", cloud, "findings", len(merged)).Debugf("merged findings shards")
	return nil
}

// Archive moves every shard of a tenant under the archive prefix. Archived
// shards keep their keys so unarchiving is a reverse copy.
func (s *Store) Archive(ctx context.Context, tenant string) error {
	objects, err := s.objects.List(ctx, path.Join(prefix, tenant)+"/")
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := s.objects.Copy(ctx, obj.Key, path.Join(archivePrefix, obj.Key)); err != nil {
			return fmt.Errorf("archiving shard %q, %w", obj.Key, err)
		}
		if err := s.objects.Delete(ctx, obj.Key); err != nil {
			return fmt.Errorf("removing archived shard %q, %w", obj.Key, err)
		}
	}
	if len(objects) > 0 {
		logging.FromContext(ctx).With("tenant", tenant, "shards", len(objects)).Infof("archived findings")
	}
	return nil
}

// Archived reports whether a tenant's findings live under the archive
// prefix only.
func (s *Store) Archived(ctx context.Context, tenant string) (bool, error) {
	live, err := s.objects.List(ctx, path.Join(prefix, tenant)+"/")
	if err != nil {
		return false, err
	}
	if len(live) > 0 {
		return false, nil
	}
	archived, err := s.objects.List(ctx, path.Join(archivePrefix, prefix, tenant)+"/")
	if err != nil {
		return false, err
	}
	return len(archived) > 0, nil
}

func dayPrefix(tenant string, cloud core.Cloud, date string) string {
	return path.Join(prefix, tenant, date, string(cloud)) + "/"
}

func shardPath(tenant string, cloud core.Cloud, date string, key int) string {
	return path.Join(prefix, tenant, date, string(cloud), strconv.Itoa(key)+".json.gz")
}

// parseShardPath splits findings/<tenant>/<date>/<cloud>/<shard>.json.gz.
func parseShardPath(key string) (date string, cloud core.Cloud, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 || parts[0] != prefix {
		return "", "", false
	}
	if _, err := time.Parse(DateLayout, parts[2]); err != nil {
		return "", "", false
	}
	return parts[2], core.Cloud(parts[3]), true
}

// ValidateDate rejects malformed date buckets before they become keys.
func ValidateDate(date string) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return vigilerrors.Validation(fmt.Sprintf("date %q is not of the form YYYY-MM-DD", date), "date")
	}
	return nil
}
