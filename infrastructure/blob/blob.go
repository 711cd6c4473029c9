package blob

import (
	"context"
	"errors"
	"io"
)

var (
	ErrNotFound = errors.New("blob: not found")
	ErrFinished = errors.New("blob: upload already committed or aborted")
)

// Store is a chunked blob store addressed by opaque ids.
type Store interface {
	OpenUpload(ctx context.Context, name, mimeType string, size int64) (Writer, error)
	Open(ctx context.Context, id string) (*Reader, error)
}

// Writer receives the blob bytes. Nothing is visible through Open until
// Commit; Abort releases whatever was written.
type Writer interface {
	io.Writer
	ID() string
	Commit() error
	Abort() error
}

type Reader struct {
	io.ReadCloser
	Id       string
	Name     string
	MimeType string
	Size     int64
}
