// Package storage resolves remote model artifacts to local cache paths.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectFetcher streams one object from remote storage. The cache consumes
// this interface; tests substitute a counting fake.
type ObjectFetcher interface {
	FetchObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// S3Fetcher fetches objects with the AWS SDK using the default credential
// chain (env, shared config, IAM role).
type S3Fetcher struct {
	client *s3.Client
}

// NewS3Fetcher builds a fetcher for the given region.
func NewS3Fetcher(ctx context.Context, region string) (*S3Fetcher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Fetcher{client: s3.NewFromConfig(cfg)}, nil
}

// FetchObject returns the object body; the caller closes it.
func (f *S3Fetcher) FetchObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}
