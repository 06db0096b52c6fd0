package documentstore

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/makr-code/polyglot-coordinator/backend"
	"github.com/makr-code/polyglot-coordinator/errs"
)

// BlobStore is the collaborator the document adapter delegates
// put_blob/get_blob/delete_blob to, matching the reference corpus's
// injectable S3Client interface pattern (storage/s3_interface.go) so
// tests can substitute a fake without a real bucket.
type BlobStore interface {
	Put(ctx context.Context, key string, stream backend.BlobReader) error
	Get(ctx context.Context, key string) (backend.BlobReader, error)
	Delete(ctx context.Context, key string) error
}

// s3Client is the subset of the AWS SDK v2 S3 client the blob store
// needs, mirroring storage/s3_interface.go's narrow S3Client interface.
type s3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3BlobStore stores blob content in an S3-compatible bucket, using the
// SDK's multipart manager.Uploader for large chunked content the same
// way the reference corpus's Hetzner/LakeFS upload helpers do.
type S3BlobStore struct {
	client   s3Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3BlobStore wraps an already-configured S3 client.
func NewS3BlobStore(client *s3.Client, bucket, prefix string) *S3BlobStore {
	return &S3BlobStore{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (s *S3BlobStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3BlobStore) Put(ctx context.Context, key string, stream backend.BlobReader) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   stream,
	})
	if err != nil {
		return errs.Wrap(errs.KindTransient, "s3 upload", err).WithBackend("document")
	}
	return nil
}

func (s *S3BlobStore) Get(ctx context.Context, key string) (backend.BlobReader, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.objectKey(key))})
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, "s3 get", err).WithBackend("document")
	}
	defer out.Body.Close()
	buf, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, "read s3 body", err).WithBackend("document")
	}
	return bytes.NewReader(buf), nil
}

func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(s.objectKey(key))})
	if err != nil {
		return errs.Wrap(errs.KindTransient, "s3 delete", err).WithBackend("document")
	}
	return nil
}

// Health pings the bucket, matching storage/s3_interface.go's HeadBucket use.
func (s *S3BlobStore) Health(ctx context.Context) backend.Health {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return backend.HealthDown
	}
	return backend.HealthOk
}
