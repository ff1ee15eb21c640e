// Package media stores uploaded images and videos and hands back a URL.
package media

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"path"
	"strings"
)

const MaxUploadBytes = 16 << 20

var (
	ErrNotFound = errors.New("media not found")
	ErrTooLarge = errors.New("media exceeds size limit")
	ErrEmpty    = errors.New("media is empty")
)

// Store accepts uploads and returns a public URL for them. Upload keeps the
// object until it is deleted; UploadExpiring lets the store drop it after
// its configured TTL.
type Store interface {
	Upload(ctx context.Context, data []byte, name string) (string, error)
	UploadExpiring(ctx context.Context, data []byte, name string) (string, error)
}

// Metadata describes a stored object.
type Metadata struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// KindOf reports "image", "video" or "" for a content type.
func KindOf(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	}
	return ""
}

func detectContentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(name))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}
