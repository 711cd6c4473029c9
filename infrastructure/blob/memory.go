package blob

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string]memoryBlob
}

type memoryBlob struct {
	name     string
	mimeType string
	data     []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string]memoryBlob)}
}

func (s *MemoryStore) OpenUpload(ctx context.Context, name, mimeType string, size int64) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := &memoryWriter{store: s, id: uuid.NewString(), name: name, mimeType: mimeType}
	if size > 0 {
		w.buf.Grow(int(size))
	}
	return w, nil
}

func (s *MemoryStore) Open(ctx context.Context, id string) (*Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	b, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &Reader{
		ReadCloser: io.NopCloser(bytes.NewReader(b.data)),
		Id:         id,
		Name:       b.name,
		MimeType:   b.mimeType,
		Size:       int64(len(b.data)),
	}, nil
}

// Len reports how many committed blobs are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

type memoryWriter struct {
	store    *MemoryStore
	id       string
	name     string
	mimeType string
	buf      bytes.Buffer
	finished bool
}

func (w *memoryWriter) ID() string { return w.id }

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.finished {
		return 0, ErrFinished
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Commit() error {
	if w.finished {
		return ErrFinished
	}
	w.finished = true
	w.store.mu.Lock()
	w.store.blobs[w.id] = memoryBlob{name: w.name, mimeType: w.mimeType, data: w.buf.Bytes()}
	w.store.mu.Unlock()
	return nil
}

func (w *memoryWriter) Abort() error {
	if w.finished {
		return ErrFinished
	}
	w.finished = true
	w.buf.Reset()
	return nil
}
