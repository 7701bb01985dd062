// Package objectstore is the Node's S3-compatible object-store adapter
// (spec §4.6): multipart upload, presigned GET for restore, explicit
// delete. Grounded on storj-storj's mirroring/pkg/object_layer/s3compat,
// which wraps minio-go for S3-compatible transport; here it is built on the
// modern minio-go/v7 client instead of the pack's older v1 API.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Credentials are the unsealed access/secret pair for one provider. They
// live only as long as one call and are never cached beyond it (spec §4.4).
type Credentials struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Client wraps one provider's minio-go client for the duration of a single
// upload/download/delete call.
type Client struct {
	mc     *minio.Client
	bucket string
}

// Dial builds a Client from unsealed credentials. The adapter is the only
// place in the Node process that sees plaintext credentials.
func Dial(creds Credentials) (*Client, error) {
	mc, err := minio.New(creds.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(creds.AccessKey, creds.SecretKey, ""),
		Secure: creds.UseSSL,
		Region: creds.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: dial: %w", err)
	}
	return &Client{mc: mc, bucket: creds.Bucket}, nil
}

// ProgressReader wraps a reader so the governor's bandwidth limiter and the
// pipeline's progress accounting can observe bytes as they're handed to the
// transport (spec §4.1 upload stage, §4.2 bandwidth cap).
type ProgressReader struct {
	io.Reader
	OnRead func(n int)
}

func (p *ProgressReader) Read(buf []byte) (int, error) {
	n, err := p.Reader.Read(buf)
	if n > 0 && p.OnRead != nil {
		p.OnRead(n)
	}
	return n, err
}

// Upload performs a multipart put of r (size known) to key, reporting bytes
// read via onRead as they're streamed.
func (c *Client) Upload(ctx context.Context, key string, r io.Reader, size int64, onRead func(n int)) error {
	wrapped := &ProgressReader{Reader: r, OnRead: onRead}
	_, err := c.mc.PutObject(ctx, c.bucket, key, wrapped, size, minio.PutObjectOptions{
		ContentType: "application/zstd",
	})
	if err != nil {
		return fmt.Errorf("objectstore: upload %s: %w", key, err)
	}
	return nil
}

// PresignedGet returns a presigned GET URL valid for the given duration
// (spec §4.6: restore downloads, validity 1 hour).
func (c *Client) PresignedGet(ctx context.Context, key string, validity time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, validity, nil)
	if err != nil {
		return "", fmt.Errorf("objectstore: presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Delete removes an object explicitly (used by the retention deletion
// worker and by restore-path cleanup).
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	return nil
}

// ListPrefix lists every object under a prefix, used by reconciliation
// (spec §4.5 Drift reconciliation) to diff object-store reality against the
// Backup table.
func (c *Client) ListPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return out, nil
}

// ObjectInfo is a minimal listing record used by reconciliation.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Key builds the object-store path from opaque ids only, never human
// names (spec §6.5, §9 re-architecture guidance).
func Key(nodeUUID, siteUUID, filename string) string {
	return fmt.Sprintf("%s/%s/%s", nodeUUID, siteUUID, filename)
}
