// Package offload implements the blob-offload side channel (A6 in
// SPEC_FULL.md) that routes oversized payloads around the chunker entirely,
// resolving spec §9's "unbounded fan-out" open question.
package offload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
)

// S3API is the subset of the S3 client the offloader calls, so tests can
// substitute a fake without standing up a real bucket.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Offloader implements store.BlobOffloader against S3-compatible object
// storage, lz4-compressing every blob (SPEC_FULL.md §3: "offload pointer
// shape ... codec:lz4").
type Offloader struct {
	client    S3API
	bucket    string
	threshold int
}

// New creates an Offloader. Values whose virtual length exceeds threshold
// are routed here instead of through C2 chunking.
func New(client S3API, bucket string, threshold int) *Offloader {
	if threshold <= 0 {
		threshold = 500000
	}
	return &Offloader{client: client, bucket: bucket, threshold: threshold}
}

// ShouldOffload implements store.BlobOffloader.
func (o *Offloader) ShouldOffload(virtualLen int) bool {
	return virtualLen > o.threshold
}

// Put implements store.BlobOffloader: it JSON-encodes value, lz4-compresses
// it, uploads it under a key derived from rid, and returns the pointer
// object to store in the fragment's data field.
func (o *Offloader) Put(ctx context.Context, rid string, value any) (map[string]any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("offload: encode value: %w", err)
	}

	var compressed bytes.Buffer
	w := lz4.NewWriter(&compressed)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("offload: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("offload: flush compressor: %w", err)
	}

	key := fmt.Sprintf("%s/%s", rid, uuid.NewString())
	_, err = o.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(compressed.Bytes()),
	})
	if err != nil {
		return nil, fmt.Errorf("offload: put object: %w", err)
	}

	return map[string]any{
		"offload": "s3",
		"bucket":  o.bucket,
		"key":     key,
		"codec":   "lz4",
	}, nil
}

// Get implements store.BlobOffloader, resolving a pointer object back to
// the original value.
func (o *Offloader) Get(ctx context.Context, pointer map[string]any) (any, error) {
	bucket, _ := pointer["bucket"].(string)
	key, _ := pointer["key"].(string)
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("offload: malformed pointer %v", pointer)
	}

	resp, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("offload: get object: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(lz4.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("offload: decompress: %w", err)
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("offload: decode value: %w", err)
	}
	return value, nil
}
