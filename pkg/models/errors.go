package models

import "errors"

// Sentinel errors for pipeline operations.
var (
	// Staging errors
	ErrClaimFailed   = errors.New("failed to claim file")
	ErrSourceMissing = errors.New("source file missing")
	ErrCrossDevice   = errors.New("rename crosses storage volumes and is not atomic")
	ErrRouteFailed   = errors.New("failed to route file to terminal directory")
	ErrNoArtifact    = errors.New("no artifact found")

	// Processing errors
	ErrEncodeFailed   = errors.New("failed to encode video")
	ErrFFmpegFailed   = errors.New("ffmpeg execution failed")
	ErrFFmpegNotFound = errors.New("ffmpeg not found")
	ErrPublishFailed  = errors.New("failed to publish artifact")
	ErrQueueClosed    = errors.New("job queue closed")

	// Ingestion errors
	ErrDownloadFailed   = errors.New("failed to download image")
	ErrUnsupportedImage = errors.New("unsupported image type")
	ErrFilenameTooLong  = errors.New("filename too long")

	// Tracking errors
	ErrJobNotFound = errors.New("job not found")
)
