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
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/samber/lo"

	sdk "github.com/vigilsec/vigil/pkg/aws"
	vigilerrors "github.com/vigilsec/vigil/pkg/errors"
)

const contentEncodingGzip = "gzip"

// S3Store implements Store on a single S3 bucket with AES256 server-side
// encryption on every write.
type S3Store struct {
	api     sdk.S3API
	presign sdk.S3PresignAPI
	bucket  string
}

func NewS3Store(api sdk.S3API, presign sdk.S3PresignAPI, bucket string) *S3Store {
	return &S3Store{api: api, presign: presign, bucket: bucket}
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, opts *PutOptions) error {
	defer observe("put", time.Now())
	input := &s3.PutObjectInput{
		Bucket:               lo.ToPtr(s.bucket),
		Key:                  lo.ToPtr(key),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}
	if opts != nil {
		if opts.ContentType != "" {
			input.ContentType = lo.ToPtr(opts.ContentType)
		}
		if len(opts.Metadata) > 0 {
			input.Metadata = opts.Metadata
		}
		if opts.Gzip {
			compressed, err := compress(data)
			if err != nil {
				return fmt.Errorf("compressing object %q, %w", key, err)
			}
			data = compressed
			input.ContentEncoding = lo.ToPtr(contentEncodingGzip)
		}
	}
	input.Body = bytes.NewReader(data)
	if _, err := s.api.PutObject(ctx, input); err != nil {
		countError("put", err)
		return fmt.Errorf("putting object %q, %w", key, vigilerrors.FromAWS(err))
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	defer observe("get", time.Now())
	resp, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: lo.ToPtr(s.bucket),
		Key:    lo.ToPtr(key),
	})
	if err != nil {
		countError("get", err)
		return nil, fmt.Errorf("getting object %q, %w", key, vigilerrors.FromAWS(err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q, %w", key, err)
	}
	if lo.FromPtr(resp.ContentEncoding) == contentEncodingGzip {
		if data, err = decompress(data); err != nil {
			return nil, fmt.Errorf("decompressing object %q, %w", key, err)
		}
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	defer observe("head", time.Now())
	if _, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: lo.ToPtr(s.bucket),
		Key:    lo.ToPtr(key),
	}); err != nil {
		if vigilerrors.IsNotFound(vigilerrors.FromAWS(err)) {
			return false, nil
		}
		countError("head", err)
		return false, fmt.Errorf("heading object %q, %w", key, vigilerrors.FromAWS(err))
	}
	return true, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	defer observe("delete", time.Now())
	if _, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: lo.ToPtr(s.bucket),
		Key:    lo.ToPtr(key),
	}); err != nil {
		countError("delete", err)
		return fmt.Errorf("deleting object %q, %w", key, vigilerrors.FromAWS(err))
	}
	return nil
}

func (s *S3Store) Copy(ctx context.Context, fromKey, toKey string) error {
	defer observe("copy", time.Now())
	if _, err := s.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:               lo.ToPtr(s.bucket),
		Key:                  lo.ToPtr(toKey),
		CopySource:           lo.ToPtr(fmt.Sprintf("%s/%s", s.bucket, fromKey)),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}); err != nil {
		countError("copy", err)
		return fmt.Errorf("copying object %q to %q, %w", fromKey, toKey, vigilerrors.FromAWS(err))
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	defer observe("list", time.Now())
	var objects []Object
	var continuation *string
	for {
		resp, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            lo.ToPtr(s.bucket),
			Prefix:            lo.ToPtr(prefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			countError("list", err)
			return nil, fmt.Errorf("listing objects under %q, %w", prefix, vigilerrors.FromAWS(err))
		}
		objects = append(objects, lo.Map(resp.Contents, func(o types.Object, _ int) Object {
			return Object{
				Key:          lo.FromPtr(o.Key),
				Size:         lo.FromPtr(o.Size),
				LastModified: lo.FromPtr(o.LastModified),
			}
		})...)
		if !lo.FromPtr(resp.IsTruncated) {
			return objects, nil
		}
		continuation = resp.NextContinuationToken
	}
}

func (s *S3Store) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	defer observe("presign", time.Now())
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: lo.ToPtr(s.bucket),
		Key:    lo.ToPtr(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		countError("presign", err)
		return "", fmt.Errorf("presigning object %q, %w", key, vigilerrors.FromAWS(err))
	}
	return req.URL, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
