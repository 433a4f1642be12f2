// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package objstore

import (
	"context"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
)

var mon = monkit.Package()

// MinioConfig configures the S3 client.
type MinioConfig struct {
	Endpoint  string // host:port, empty means AWS S3
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Insecure  bool // plain http, for local test stores
}

// MinioClient implements Client on top of the minio S3 SDK.
type MinioClient struct {
	log    *zap.Logger
	client *minio.Client
	bucket string
}

// NewMinioClient dials the configured endpoint.
func NewMinioClient(log *zap.Logger, config MinioConfig) (*MinioClient, error) {
	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
	}

	var creds *credentials.Credentials
	if config.AccessKey != "" {
		creds = credentials.NewStaticV4(config.AccessKey, config.SecretKey, "")
	} else {
		// Fall back to the usual environment / IAM chain.
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: !config.Insecure,
		Region: config.Region,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	return &MinioClient{
		log:    log,
		client: client,
		bucket: config.Bucket,
	}, nil
}

// Walk implements Client.
func (c *MinioClient) Walk(ctx context.Context, fn func(ObjectInfo) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Recursive: true,
	})
	for object := range objects {
		if object.Err != nil {
			return Error.Wrap(object.Err)
		}
		err := fn(ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Get implements Client.
func (c *MinioClient) Get(ctx context.Context, key string) (_ io.ReadCloser, _ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	object, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, Error.Wrap(err)
	}
	stat, err := object.Stat()
	if err != nil {
		_ = object.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, 0, ErrNotFound.New("%s", key)
		}
		return nil, 0, Error.Wrap(err)
	}
	return object, stat.Size, nil
}

// Put implements Client.
func (c *MinioClient) Put(ctx context.Context, key string, body io.Reader, size int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = c.client.PutObject(ctx, c.bucket, key, body, size, minio.PutObjectOptions{})
	return Error.Wrap(err)
}

// Delete implements Client.
func (c *MinioClient) Delete(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}))
}

// Stat implements Client.
func (c *MinioClient) Stat(ctx context.Context, key string) (_ ObjectInfo, _ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	stat, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ObjectInfo{}, false, nil
		}
		return ObjectInfo{}, false, Error.Wrap(err)
	}
	return ObjectInfo{
		Key:          stat.Key,
		Size:         stat.Size,
		LastModified: stat.LastModified,
	}, true, nil
}

// BucketReachable implements Client.
func (c *MinioClient) BucketReachable(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return Error.Wrap(err)
	}
	if !exists {
		return Error.New("bucket %q does not exist", c.bucket)
	}
	return nil
}
