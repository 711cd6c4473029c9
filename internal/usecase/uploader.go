package usecase

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"jobtalk/infrastructure/blob"
	"jobtalk/internal/entity"
)

const (
	DefaultMaxAttachmentBytes = 25 << 20
	DefaultUploadChunkSize    = 256 << 10
	sniffLen                  = 3072
	uploadEventBuffer         = 16
)

type UploaderConfig struct {
	BaseURL   string
	MaxBytes  int64
	ChunkSize int
}

// LocalFile is a file the user picked. Size may be zero when unknown.
type LocalFile struct {
	Name     string
	Size     int64
	MimeType string
	Reader   io.Reader
}

// UploadEvent is either progress, the finished attachment, or the failure
// that ended the upload. The channel closes after the terminal event.
type UploadEvent struct {
	Progress   *entity.ProgressEvent
	Attachment *entity.Attachment
	Err        error
}

type uploadState int

const (
	uploadRunning uploadState = iota
	uploadDone
	uploadFailed
	uploadCanceled
	uploadClaimed
)

// Upload is one in-flight transfer. Its attachment can be used in a message
// only through Claim, and never once Cancel has been called.
type Upload struct {
	Id     string
	Name   string
	events chan UploadEvent
	cancel context.CancelFunc

	mu    sync.Mutex
	state uploadState
	ref   entity.Attachment
	err   error
}

func (u *Upload) Events() <-chan UploadEvent {
	return u.events
}

// Cancel stops the transfer. A finished but unclaimed attachment is
// invalidated as well.
func (u *Upload) Cancel() {
	u.mu.Lock()
	if u.state == uploadRunning || u.state == uploadDone {
		u.state = uploadCanceled
	}
	u.mu.Unlock()
	u.cancel()
}

// Claim hands out the attachment of a finished upload. It fails while the
// upload runs and forever after a cancel or failure.
func (u *Upload) Claim() (entity.Attachment, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch u.state {
	case uploadDone, uploadClaimed:
		u.state = uploadClaimed
		return u.ref, nil
	case uploadCanceled:
		return entity.Attachment{}, ErrUploadCanceled
	case uploadFailed:
		return entity.Attachment{}, u.err
	default:
		return entity.Attachment{}, ErrAttachmentNotReady
	}
}

func (u *Upload) finish(ref entity.Attachment) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != uploadRunning {
		return false
	}
	u.state = uploadDone
	u.ref = ref
	return true
}

func (u *Upload) fail(err error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == uploadCanceled {
		return ErrUploadCanceled
	}
	u.state = uploadFailed
	u.err = err
	return err
}

// progress never blocks: it keeps the last buffer slot free for the
// terminal event and drops progress the consumer has not kept up with.
func (u *Upload) progress(p entity.ProgressEvent) {
	if len(u.events) >= cap(u.events)-1 {
		return
	}
	u.events <- UploadEvent{Progress: &p}
}

type AttachmentUploader struct {
	store blob.Store
	cfg   UploaderConfig
	log   zerolog.Logger
}

func NewAttachmentUploader(store blob.Store, cfg UploaderConfig, log zerolog.Logger) *AttachmentUploader {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxAttachmentBytes
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultUploadChunkSize
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &AttachmentUploader{
		store: store,
		cfg:   cfg,
		log:   log.With().Str("component", "uploader").Logger(),
	}
}

// AttachmentURL is the retrieval URL of a stored blob.
func (a *AttachmentUploader) AttachmentURL(blobId string) string {
	return a.cfg.BaseURL + "/attachments/" + blobId
}

// Upload starts streaming file to the blob store. Progress and the outcome
// are delivered on the returned Upload's event channel.
func (a *AttachmentUploader) Upload(ctx context.Context, file LocalFile) *Upload {
	ctx, cancel := context.WithCancel(ctx)
	u := &Upload{
		Id:     uuid.NewString(),
		Name:   file.Name,
		events: make(chan UploadEvent, uploadEventBuffer),
		cancel: cancel,
	}
	go a.run(ctx, u, file)
	return u
}

func (a *AttachmentUploader) run(ctx context.Context, u *Upload, file LocalFile) {
	defer close(u.events)
	defer u.cancel()

	log := a.log.With().Str("upload_id", u.Id).Str("name", file.Name).Logger()

	ref, err := a.transfer(ctx, u, file)
	if err == nil && u.finish(ref) {
		log.Debug().Str("blob_id", ref.BlobId).Int64("size", ref.Size).Msg("Upload finished")
		u.events <- UploadEvent{Attachment: &ref}
		return
	}
	if err == nil {
		err = ErrUploadCanceled
	}
	err = u.fail(err)
	log.Info().Err(err).Msg("Upload ended without attachment")
	u.events <- UploadEvent{Err: err}
}

func (a *AttachmentUploader) transfer(ctx context.Context, u *Upload, file LocalFile) (entity.Attachment, error) {
	if file.Reader == nil {
		return entity.Attachment{}, errors.New("upload: no file content")
	}
	if file.Size > a.cfg.MaxBytes {
		return entity.Attachment{}, ErrUploadTooLarge
	}

	r := bufio.NewReaderSize(file.Reader, max(sniffLen, a.cfg.ChunkSize))
	mimeType := file.MimeType
	if mimeType == "" {
		head, _ := r.Peek(sniffLen)
		mimeType = mimetype.Detect(head).String()
	}

	w, err := a.store.OpenUpload(ctx, file.Name, mimeType, file.Size)
	if err != nil {
		return entity.Attachment{}, fmt.Errorf("upload: open: %w", err)
	}

	sent, err := a.copy(ctx, u, w, r, file.Size)
	if err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			a.log.Warn().Err(abortErr).Str("upload_id", u.Id).Msg("Abort partial blob")
		}
		return entity.Attachment{}, err
	}
	if err := w.Commit(); err != nil {
		return entity.Attachment{}, fmt.Errorf("upload: commit: %w", err)
	}

	return entity.Attachment{
		BlobId:   w.ID(),
		URL:      a.AttachmentURL(w.ID()),
		MimeType: mimeType,
		Name:     file.Name,
		Size:     sent,
	}, nil
}

func (a *AttachmentUploader) copy(ctx context.Context, u *Upload, w blob.Writer, r io.Reader, total int64) (int64, error) {
	buf := make([]byte, a.cfg.ChunkSize)
	var sent int64
	for {
		if ctx.Err() != nil {
			return sent, ErrUploadCanceled
		}

		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			sent += int64(n)
			if sent > a.cfg.MaxBytes {
				return sent, ErrUploadTooLarge
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return sent, fmt.Errorf("upload: write: %w", err)
			}
			bytesTotal := total
			if bytesTotal < sent {
				bytesTotal = 0
			}
			u.progress(entity.ProgressEvent{UploadId: u.Id, BytesSent: sent, BytesTotal: bytesTotal})
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			if ctx.Err() != nil {
				return sent, ErrUploadCanceled
			}
			return sent, nil
		default:
			return sent, fmt.Errorf("upload: read: %w", readErr)
		}
	}
}
