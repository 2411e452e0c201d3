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

package sharding

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/gzip"

	"github.com/epam/ecc/pkg/aws/sdk"
)

// S3IO persists one collection binding in a bucket. Keys come from the
// report layout builders; a missing key reads as an empty shard.
type S3IO struct {
	api      sdk.S3API
	bucket   string
	shardKey func(index int) string
	metaKey  string
}

func NewS3IO(api sdk.S3API, bucket string, shardKey func(index int) string, metaKey string) *S3IO {
	return &S3IO{api: api, bucket: bucket, shardKey: shardKey, metaKey: metaKey}
}

func (s *S3IO) ReadShard(ctx context.Context, index int) ([]Part, error) {
	var parts []Part
	ok, err := s.read(ctx, s.shardKey(index), &parts)
	if err != nil || !ok {
		return nil, err
	}
	return parts, nil
}

func (s *S3IO) WriteShard(ctx context.Context, index int, parts []Part) error {
	return s.write(ctx, s.shardKey(index), parts)
}

func (s *S3IO) ReadMeta(ctx context.Context) (map[string]RuleMeta, error) {
	if s.metaKey == "" {
		return nil, nil
	}
	var meta map[string]RuleMeta
	ok, err := s.read(ctx, s.metaKey, &meta)
	if err != nil || !ok {
		return nil, err
	}
	return meta, nil
}

func (s *S3IO) WriteMeta(ctx context.Context, meta map[string]RuleMeta) error {
	if s.metaKey == "" {
		return nil
	}
	return s.write(ctx, s.metaKey, meta)
}

func (s *S3IO) read(ctx context.Context, key string, out any) (bool, error) {
	resp, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: awssdk.String(s.bucket),
		Key:    awssdk.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return false, nil
		}
		return false, fmt.Errorf("getting s3://%s/%s, %w", s.bucket, key, err)
	}
	defer resp.Body.Close()
	br := bufio.NewReader(resp.Body)
	var body io.Reader = br
	// meta.json predating compression is plain JSON; sniff the magic bytes
	if magic, _ := br.Peek(2); len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return false, fmt.Errorf("reading s3://%s/%s, %w", s.bucket, key, err)
		}
		defer gz.Close()
		body = gz
	}
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return false, fmt.Errorf("decoding s3://%s/%s, %w", s.bucket, key, err)
	}
	return true, nil
}

func (s *S3IO) write(ctx context.Context, key string, value any) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(value); err != nil {
		return fmt.Errorf("encoding s3://%s/%s, %w", s.bucket, key, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compressing s3://%s/%s, %w", s.bucket, key, err)
	}
	if _, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          awssdk.String(s.bucket),
		Key:             awssdk.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     awssdk.String("application/json"),
		ContentEncoding: awssdk.String("gzip"),
	}); err != nil {
		return fmt.Errorf("putting s3://%s/%s, %w", s.bucket, key, err)
	}
	return nil
}
