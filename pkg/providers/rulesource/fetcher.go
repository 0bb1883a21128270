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

package rulesource

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/vigilsec/vigil/pkg/apis/core"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
)

const (
	// FetchTimeout caps one archive download end to end.
	FetchTimeout = 60 * time.Second
	// maxArchiveSize bounds how much of a hostile archive we will read.
	maxArchiveSize = 64 << 20
	// maxRuleFileSize bounds a single rule definition file.
	maxRuleFileSize = 1 << 20
)

// ArchiveFetcher pulls rule content as a gzipped tarball over HTTPS. It
// speaks the archive convention most forges share: <git_url>/archive/<ref>
// .tar.gz, with the release tag taking precedence over the ref. The access
// secret rides as a bearer token. Only YAML files under the source's prefix
// survive extraction; everything else in the archive is skipped.
type ArchiveFetcher struct {
	client *http.Client
}

func NewArchiveFetcher() *ArchiveFetcher {
	return &ArchiveFetcher{client: &http.Client{Timeout: FetchTimeout}}
}

func (f *ArchiveFetcher) Fetch(ctx context.Context, source core.RuleSource, accessSecret string) ([]RuleFile, error) {
	ref := source.ReleaseTag
	if ref == "" {
		ref = source.GitRef
	}
	url := fmt.Sprintf("%s/archive/%s.tar.gz", strings.TrimSuffix(source.GitURL, "/"), ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building archive request for rule source %s, %w", source.ID, err)
	}
	if accessSecret != "" {
		req.Header.Set("Authorization", "Bearer "+accessSecret)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, vigilerrors.Wrap(vigilerrors.KindUnavailable, err, fmt.Sprintf("downloading archive of rule source %s", source.ID))
	}
	defer resp.Body.Close()
	if err := checkArchiveResponse(resp, source.ID); err != nil {
		return nil, err
	}
	return extract(resp.Body, source.GitPrefix)
}

func checkArchiveResponse(resp *http.Response, sourceID string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return vigilerrors.Newf(vigilerrors.KindUnauthorized, "rule source %s rejected the access secret", sourceID)
	case resp.StatusCode == http.StatusForbidden:
		return vigilerrors.Newf(vigilerrors.KindForbidden, "rule source %s refused the download", sourceID)
	case resp.StatusCode == http.StatusNotFound:
		return vigilerrors.Newf(vigilerrors.KindNotFound, "rule source %s has no archive at the requested ref", sourceID)
	default:
		return vigilerrors.Newf(vigilerrors.KindUnavailable, "rule source %s responded %d", sourceID, resp.StatusCode)
	}
}

// extract walks the tarball and keeps YAML entries under the prefix. Forge
// archives nest everything under a single top-level directory named after
// the repository and ref; that component is stripped so prefixes and rule
// file paths stay stable across refs.
func extract(body io.Reader, prefix string) ([]RuleFile, error) {
	gz, err := gzip.NewReader(io.LimitReader(body, maxArchiveSize))
	if err != nil {
		return nil, vigilerrors.Wrap(vigilerrors.KindValidation, err, "archive is not gzip encoded")
	}
	defer gz.Close()

	var files []RuleFile
	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, vigilerrors.Wrap(vigilerrors.KindValidation, err, "reading archive")
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		name := stripRoot(header.Name)
		if prefix != "" && !strings.HasPrefix(name, strings.Trim(prefix, "/")+"/") {
			continue
		}
		if ext := path.Ext(name); ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(reader, maxRuleFileSize+1))
		if err != nil {
			return nil, vigilerrors.Wrap(vigilerrors.KindValidation, err, fmt.Sprintf("reading %s from archive", name))
		}
		if len(data) > maxRuleFileSize {
			return nil, vigilerrors.Newf(vigilerrors.KindValidation, "rule file %s exceeds %d bytes", name, maxRuleFileSize)
		}
		files = append(files, RuleFile{Path: name, Data: data})
	}
}

func stripRoot(name string) string {
	name = strings.TrimPrefix(path.Clean(name), "/")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}
