package models

import (
	"path/filepath"
	"strings"
	"time"
)

// SupportedExtensions lists the still-image extensions the pipeline accepts.
var SupportedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".bmp":  true,
}

// IsSupportedImage reports whether the path has a recognized image extension.
// The comparison is case-insensitive.
func IsSupportedImage(path string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// Origin identifies the producer that claimed a file.
type Origin string

const (
	OriginWatcher  Origin = "watcher"
	OriginChat     Origin = "chat"
	OriginHTTP     Origin = "http"
	OriginRecovery Origin = "recovery"
)

// JobStatus represents the processing status of a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal returns true once no further processing will happen for the job.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job references one claimed source file awaiting encoding.
type Job struct {
	ID           string    `json:"id"`
	SourcePath   string    `json:"sourcePath"`
	OriginalName string    `json:"originalName"`
	Origin       Origin    `json:"origin"`
	Temporary    bool      `json:"temporary"`
	ClaimedAt    time.Time `json:"claimedAt"`
}

// JobState is the tracked view of a job as it moves through the pipeline.
type JobState struct {
	Job          Job       `json:"job"`
	Status       JobStatus `json:"status"`
	ArtifactPath string    `json:"artifactPath,omitempty"`
	FinalPath    string    `json:"finalPath,omitempty"`
	PublishedURL string    `json:"publishedUrl,omitempty"`
	Error        string    `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Result is reported by the worker once a job reaches a terminal directory.
type Result struct {
	Job          Job
	Status       JobStatus
	ArtifactPath string
	FinalPath    string
	PublishedURL string
	Err          error
}
