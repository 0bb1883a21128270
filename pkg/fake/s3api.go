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

package fake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/samber/lo"
)

// S3API is a functional in-memory bucket. Bodies are buffered on write so
// reads can replay them any number of times.
type S3API struct {
	mu      sync.RWMutex
	objects map[string]s3Object

	NextError AtomicError
}

type s3Object struct {
	data            []byte
	contentType     string
	contentEncoding string
	metadata        map[string]string
	lastModified    time.Time
}

func NewS3API() *S3API {
	return &S3API{objects: map[string]s3Object{}}
}

func (s *S3API) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = map[string]s3Object{}
	s.NextError.Reset()
}

// Keys returns every stored key in lexical order.
func (s *S3API) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := lo.Keys(s.objects)
	sort.Strings(keys)
	return keys
}

func (s *S3API) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[lo.FromPtr(input.Key)] = s3Object{
		data:            data,
		contentType:     lo.FromPtr(input.ContentType),
		contentEncoding: lo.FromPtr(input.ContentEncoding),
		metadata:        input.Metadata,
		lastModified:    time.Now().UTC(),
	}
	return &s3.PutObjectOutput{}, nil
}

func (s *S3API) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	object, ok := s.objects[lo.FromPtr(input.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: lo.ToPtr("The specified key does not exist.")}
	}
	out := &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(object.data)),
		ContentLength: lo.ToPtr(int64(len(object.data))),
		LastModified:  lo.ToPtr(object.lastModified),
		Metadata:      object.metadata,
	}
	if object.contentType != "" {
		out.ContentType = lo.ToPtr(object.contentType)
	}
	if object.contentEncoding != "" {
		out.ContentEncoding = lo.ToPtr(object.contentEncoding)
	}
	return out, nil
}

func (s *S3API) HeadObject(_ context.Context, input *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	object, ok := s.objects[lo.FromPtr(input.Key)]
	if !ok {
		return nil, &types.NotFound{Message: lo.ToPtr("Not Found")}
	}
	return &s3.HeadObjectOutput{
		ContentLength: lo.ToPtr(int64(len(object.data))),
		LastModified:  lo.ToPtr(object.lastModified),
	}, nil
}

func (s *S3API) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, lo.FromPtr(input.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (s *S3API) CopyObject(_ context.Context, input *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// CopySource is bucket/key
	source := lo.FromPtr(input.CopySource)
	if i := strings.Index(source, "/"); i >= 0 {
		source = source[i+1:]
	}
	object, ok := s.objects[source]
	if !ok {
		return nil, &types.NoSuchKey{Message: lo.ToPtr("The specified key does not exist.")}
	}
	object.lastModified = time.Now().UTC()
	s.objects[lo.FromPtr(input.Key)] = object
	return &s3.CopyObjectOutput{}, nil
}

func (s *S3API) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := lo.Filter(lo.Keys(s.objects), func(key string, _ int) bool {
		return strings.HasPrefix(key, lo.FromPtr(input.Prefix))
	})
	sort.Strings(matched)
	if token := lo.FromPtr(input.ContinuationToken); token != "" {
		matched = lo.DropWhile(matched, func(key string) bool { return key <= token })
	}
	// Page size is deliberately small so pagination paths get exercised
	const pageSize = 2
	truncated := len(matched) > pageSize
	if truncated {
		matched = matched[:pageSize]
	}
	out := &s3.ListObjectsV2Output{
		Contents: lo.Map(matched, func(key string, _ int) types.Object {
			object := s.objects[key]
			return types.Object{
				Key:          lo.ToPtr(key),
				Size:         lo.ToPtr(int64(len(object.data))),
				LastModified: lo.ToPtr(object.lastModified),
			}
		}),
		IsTruncated: lo.ToPtr(truncated),
	}
	if truncated {
		out.NextContinuationToken = lo.ToPtr(matched[len(matched)-1])
	}
	return out, nil
}

// S3PresignAPI fabricates presigned URLs without signing anything.
type S3PresignAPI struct {
	CalledWithKeys AtomicPtrSlice[string]

	NextError AtomicError
}

func (s *S3PresignAPI) Reset() {
	s.CalledWithKeys.Reset()
	s.NextError.Reset()
}

func (s *S3PresignAPI) PresignGetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if err := s.NextError.Get(); err != nil {
		return nil, err
	}
	s.CalledWithKeys.Add(input.Key)
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://%s.s3.amazonaws.com/%s?X-Amz-Expires=900", lo.FromPtr(input.Bucket), lo.FromPtr(input.Key)),
		Method: "GET",
	}, nil
}
