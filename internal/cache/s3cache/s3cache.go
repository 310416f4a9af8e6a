// Package s3cache stores cache items in an S3-compatible object store.
// Each item is one object; directory trees are packed into a tar stream
// and flagged through object metadata so fetches can unpack them.
package s3cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/blockwork-eda/blockwork/internal/cache"
)

const metaDirectory = "X-Amz-Meta-Bw-Directory"

// Cache is an object-store backend. The remote store provides its own
// durability and concurrency guarantees; puts are atomic per object.
type Cache struct {
	name   string
	client *minio.Client
	bucket string
	region string
	prefix string

	initOnce sync.Once
	initErr  error
}

// New opens an S3 backend from cfg.Options: endpoint, bucket,
// access_key, secret_key, and optionally region, prefix and use_ssl.
// Missing credentials fall back to AWS_ACCESS_KEY_ID and
// AWS_SECRET_ACCESS_KEY.
func New(cfg cache.BackendConfig) (cache.Backend, error) {
	opt := func(key string) string { return strings.TrimSpace(cfg.Options[key]) }

	endpoint := opt("endpoint")
	if endpoint == "" {
		return nil, fmt.Errorf("s3 cache %q: endpoint is required", cfg.Name)
	}
	bucket := opt("bucket")
	if bucket == "" {
		return nil, fmt.Errorf("s3 cache %q: bucket is required", cfg.Name)
	}
	access := opt("access_key")
	secret := opt("secret_key")
	if access == "" {
		access = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if secret == "" {
		secret = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 cache %q: access_key and secret_key are required", cfg.Name)
	}
	region := opt("region")
	if region == "" {
		region = "us-east-1"
	}
	useSSL := true
	if raw := opt("use_ssl"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("s3 cache %q: bad use_ssl %q", cfg.Name, raw)
		}
		useSSL = parsed
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 cache %q: %w", cfg.Name, err)
	}

	prefix := strings.Trim(opt("prefix"), "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Cache{
		name:   cfg.Name,
		client: client,
		bucket: bucket,
		region: region,
		prefix: prefix,
	}, nil
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) objectKey(key string) string { return c.prefix + key }

func (c *Cache) ensureBucket(ctx context.Context) error {
	c.initOnce.Do(func() {
		exists, err := c.client.BucketExists(ctx, c.bucket)
		if err != nil {
			c.initErr = err
			return
		}
		if exists {
			return
		}
		c.initErr = c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: c.region})
	})
	return c.initErr
}

func (c *Cache) StoreItem(key, src string) (bool, error) {
	ctx := context.Background()
	if err := c.ensureBucket(ctx); err != nil {
		return false, err
	}

	object := c.objectKey(key)
	if _, err := c.client.StatObject(ctx, c.bucket, object, minio.StatObjectOptions{}); err == nil {
		return true, nil
	}

	info, err := os.Lstat(src)
	if err != nil {
		return false, err
	}

	upload := src
	isDir := info.IsDir()
	if isDir {
		packed, err := packDir(src)
		if err != nil {
			return false, err
		}
		defer os.Remove(packed)
		upload = packed
	}

	_, err = c.client.FPutObject(ctx, c.bucket, object, upload, minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{"Bw-Directory": strconv.FormatBool(isDir)},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) FetchItem(key, dst string) (bool, error) {
	ctx := context.Background()
	if err := c.ensureBucket(ctx); err != nil {
		return false, err
	}

	object := c.objectKey(key)
	stat, err := c.client.StatObject(ctx, c.bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return false, nil
		}
		return false, err
	}
	isDir, _ := strconv.ParseBool(stat.Metadata.Get(metaDirectory))

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, err
	}
	if !isDir {
		if err := c.client.FGetObject(ctx, c.bucket, object, dst, minio.GetObjectOptions{}); err != nil {
			return false, err
		}
		return true, nil
	}

	packed, err := os.CreateTemp("", "bw-s3-*")
	if err != nil {
		return false, err
	}
	packed.Close()
	defer os.Remove(packed.Name())
	if err := c.client.FGetObject(ctx, c.bucket, object, packed.Name(), minio.GetObjectOptions{}); err != nil {
		return false, err
	}
	if err := unpackDir(packed.Name(), dst); err != nil {
		os.RemoveAll(dst)
		return false, err
	}
	return true, nil
}

func (c *Cache) DropItem(key string) error {
	ctx := context.Background()
	if err := c.ensureBucket(ctx); err != nil {
		return err
	}
	return c.client.RemoveObject(ctx, c.bucket, c.objectKey(key), minio.RemoveObjectOptions{})
}

func (c *Cache) Keys() ([]string, error) {
	ctx := context.Background()
	if err := c.ensureBucket(ctx); err != nil {
		return nil, err
	}
	var keys []string
	for obj := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    c.prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, c.prefix))
	}
	return keys, nil
}
