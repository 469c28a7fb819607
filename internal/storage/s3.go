package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
)

// Default timeout for s3 operations
const DefaultS3Timeout = 30 * time.Second

// Client wraps the S3 client used to publish artifacts.
type Client struct {
	*s3.Client
}

// NewS3Client loads the default AWS configuration for region and returns an
// instrumented S3 client.
func NewS3Client(ctx context.Context, region string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}

	otelaws.AppendMiddlewares(&cfg.APIOptions)

	return &Client{s3.NewFromConfig(cfg)}, nil
}

// PresignGetURL returns a time-limited download link for an object.
func (c *Client) PresignGetURL(ctx context.Context, bucket, key string, lifetime time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	presignClient := s3.NewPresignClient(c.Client)

	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = lifetime
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign request: %w", err)
	}

	return req.URL, nil
}
