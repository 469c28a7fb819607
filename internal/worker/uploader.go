package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/reel-pipeline/internal/metrics"
	"github.com/amillerrr/reel-pipeline/pkg/models"
)

// LinkLifetime is how long a presigned artifact link stays valid.
const LinkLifetime = 7 * 24 * time.Hour

// ObjectPutter is the subset of the S3 client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// URLSigner produces shareable links for uploaded objects.
type URLSigner interface {
	PresignGetURL(ctx context.Context, bucket, key string, lifetime time.Duration) (string, error)
}

// Uploader mirrors finished artifacts to an S3 bucket.
type Uploader struct {
	client ObjectPutter
	signer URLSigner
	bucket string
	prefix string
	log    *slog.Logger
}

// NewUploader creates a new Uploader. signer may be nil, in which case the
// returned location is an s3:// URI.
func NewUploader(client ObjectPutter, signer URLSigner, bucket, prefix string, log *slog.Logger) *Uploader {
	return &Uploader{
		client: client,
		signer: signer,
		bucket: bucket,
		prefix: prefix,
		log:    log,
	}
}

// Key returns the object key for an artifact.
func (u *Uploader) Key(artifactPath string) string {
	return path.Join(u.prefix, filepath.Base(artifactPath))
}

// Upload puts the artifact in the bucket and returns its location.
func (u *Uploader) Upload(ctx context.Context, job models.Job, artifactPath string) (string, error) {
	ctx, span := tracer.Start(ctx, "publish-artifact")
	defer span.End()

	start := time.Now()
	key := u.Key(artifactPath)

	file, err := os.Open(artifactPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", models.ErrPublishFailed, filepath.Base(artifactPath), err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: stat: %v", models.ErrPublishFailed, err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("video/mp4"),
		Metadata: map[string]string{
			"job-id": job.ID,
			"origin": string(job.Origin),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: upload %s: %v", models.ErrPublishFailed, key, err)
	}

	metrics.PublishDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("s3.key", key),
		attribute.Int64("bytes.total", info.Size()),
	)

	location := fmt.Sprintf("s3://%s/%s", u.bucket, key)
	if u.signer != nil {
		url, err := u.signer.PresignGetURL(ctx, u.bucket, key, LinkLifetime)
		if err != nil {
			u.log.WarnContext(ctx, "Failed to presign artifact link", "key", key, "error", err)
		} else {
			location = url
		}
	}

	u.log.InfoContext(ctx, "Artifact published",
		"jobId", job.ID,
		"key", key,
		"sizeBytes", info.Size(),
	)

	return location, nil
}
