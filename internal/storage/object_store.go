package storage

import (
	"context"
	"io"
)

// ObjectStore abstracts where datasets and model artifacts live: the local
// filesystem in single-process deployments, S3 (or MinIO) otherwise.
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)

	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error
}
