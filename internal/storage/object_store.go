package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

type Object struct {
	Name string
	Size int64
}

type ObjectIterator func(yield func(obj Object, err error) bool)

// ObjectStore holds model snapshots, datasets and run artifacts.
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	DeleteObjects(ctx context.Context, bucket, prefix string) error

	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error
}

const S3Scheme = "s3://"

// URI addresses a directory in an object store.
type URI struct {
	Bucket string
	Prefix string
}

func (u URI) String() string {
	return S3Scheme + u.Bucket + "/" + u.Prefix
}

func IsURI(location string) bool {
	return strings.HasPrefix(location, S3Scheme)
}

// ParseURI parses s3://bucket/prefix.
func ParseURI(location string) (URI, error) {
	if !IsURI(location) {
		return URI{}, fmt.Errorf("location %q is not an %s uri", location, S3Scheme)
	}
	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(location, S3Scheme), "/")
	if bucket == "" {
		return URI{}, fmt.Errorf("location %q has no bucket", location)
	}
	return URI{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}
