// Package chat binds a chat platform to the pipeline. Images sent by users
// are claimed into the work directory like any other producer, and the
// finished video for that job is sent back to the requester.
package chat

import (
	"context"
	"path/filepath"
	"strings"
)

// Messenger is the platform surface the handler needs.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, replyTo int, text string) error
	SendVideo(ctx context.Context, chatID int64, replyTo int, path, caption string) error
	Download(ctx context.Context, fileID, dst string) error
}

// Message is an inbound chat message reduced to what the handler uses.
type Message struct {
	ChatID    int64
	MessageID int
	FromID    int64
	Username  string
	Command   string
	Text      string
	Image     *ImageRef
}

// ImageRef points at an image attachment stored on the chat platform.
type ImageRef struct {
	FileID   string
	FileName string
	MimeType string
}

// Ext returns the extension the downloaded file should carry.
// Photos and nameless documents default to .jpg.
func (r ImageRef) Ext() string {
	if ext := strings.ToLower(filepath.Ext(r.FileName)); ext != "" {
		return ext
	}
	return ".jpg"
}
