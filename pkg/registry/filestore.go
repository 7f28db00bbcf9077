package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// FileStore abstracts where the registry JSON file lives. The core never
// assumes a filesystem; local disk and S3 both satisfy this.
type FileStore interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// LocalFileStore reads/writes the registry file from local disk. This is
// the default, and the store cmd/router uses.
type LocalFileStore struct {
	Path string
}

func (s LocalFileStore) Read(_ context.Context) ([]byte, error) {
	return os.ReadFile(s.Path)
}

func (s LocalFileStore) Write(_ context.Context, data []byte) error {
	return os.WriteFile(s.Path, data, 0o644)
}

// S3Client is the subset of the AWS SDK's S3 client the store needs,
// narrowed for testability.
type S3Client interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3FileStore loads/saves the registry file from an S3 bucket, for
// deployments that centrally host the catalog (spec §6.2 supplement).
type S3FileStore struct {
	Client S3Client
	Bucket string
	Key    string
}

func (s S3FileStore) Read(ctx context.Context) ([]byte, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("registry: s3 get %s/%s: %w", s.Bucket, s.Key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s S3FileStore) Write(ctx context.Context, data []byte) error {
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("registry: s3 put %s/%s: %w", s.Bucket, s.Key, err)
	}
	return nil
}
