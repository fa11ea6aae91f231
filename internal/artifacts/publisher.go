// Package artifacts uploads rendered PDFs and page previews to MinIO or any
// S3-compatible store.
package artifacts

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"paperhub/internal/errs"
)

// Config holds the object store connection.
type Config struct {
	// Endpoint is the server host:port, e.g. "localhost:9000".
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Region skips bucket location lookups when set.
	Region string
	// Prefix namespaces every key.
	Prefix string

	// Client, when set, replaces Endpoint and credentials.
	Client *minio.Client
}

func (c *Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.Client != nil {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when client is not provided")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("access key and secret key are required when client is not provided")
	}
	return nil
}

type Publisher struct {
	client *minio.Client
	bucket string
	region string
	prefix string
}

func New(cfg Config) (*Publisher, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid artifact store config: %w", err)
	}
	client := cfg.Client
	if client == nil {
		var err error
		client, err = minio.New(cfg.Endpoint, &minio.Options{
			Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure:       cfg.UseSSL,
			Region:       cfg.Region,
			BucketLookup: minio.BucketLookupPath,
		})
		if err != nil {
			return nil, fmt.Errorf("create minio client: %w", err)
		}
	}
	return &Publisher{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (p *Publisher) key(name string) string {
	name = strings.TrimLeft(name, "/")
	if p.prefix == "" {
		return name
	}
	return p.prefix + "/" + name
}

// EnsureBucket creates the bucket unless it exists.
func (p *Publisher) EnsureBucket(ctx context.Context) error {
	ok, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return errs.Wrap(errs.ErrRemoteAPI, err, "check bucket %s", p.bucket)
	}
	if ok {
		return nil
	}
	if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{Region: p.region}); err != nil {
		return errs.Wrap(errs.ErrRemoteAPI, err, "create bucket %s", p.bucket)
	}
	return nil
}

// Publish uploads the file at localPath under key and returns its
// bucket-qualified location.
func (p *Publisher) Publish(ctx context.Context, key, localPath, contentType string) (string, error) {
	objectKey := p.key(key)
	_, err := p.client.FPutObject(ctx, p.bucket, objectKey, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", errs.Wrap(errs.ErrRemoteAPI, err, "upload %s", objectKey)
	}
	return p.bucket + "/" + objectKey, nil
}
