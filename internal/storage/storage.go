// Package storage keeps chat attachments, either in an S3 bucket or in a
// local directory.
package storage

import (
	"context"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"rdv-chat/internal/chat"
)

// Object is an open stored attachment. The caller closes Body.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

type FileStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
}

// NewKey returns a fresh object key that keeps the extension of filename.
func NewKey(filename string) string {
	return uuid.NewString() + strings.ToLower(filepath.Ext(filename))
}

// ValidKey rejects keys that could escape the store, such as "../x" or "a/b".
func ValidKey(key string) error {
	if key == "" || key != path.Base(key) || key == "." || key == ".." || strings.ContainsAny(key, `/\`) {
		return chat.ErrInvalidInput
	}
	return nil
}
