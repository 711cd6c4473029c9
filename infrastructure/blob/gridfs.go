package blob

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// GridFSStore keeps attachments in a MongoDB GridFS bucket.
type GridFSStore struct {
	bucket *gridfs.Bucket
}

type gridfsMetadata struct {
	ContentType  string `bson:"contentType"`
	DeclaredSize int64  `bson:"declaredSize"`
}

func NewGridFSStore(db *mongo.Database, bucketName string, chunkSize int32) (*GridFSStore, error) {
	opts := options.GridFSBucket().SetName(bucketName)
	if chunkSize > 0 {
		opts.SetChunkSizeBytes(chunkSize)
	}
	bucket, err := gridfs.NewBucket(db, opts)
	if err != nil {
		return nil, fmt.Errorf("blob: gridfs bucket: %w", err)
	}
	return &GridFSStore{bucket: bucket}, nil
}

func (s *GridFSStore) OpenUpload(ctx context.Context, name, mimeType string, size int64) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := options.GridFSUpload().SetMetadata(gridfsMetadata{ContentType: mimeType, DeclaredSize: size})
	stream, err := s.bucket.OpenUploadStream(name, opts)
	if err != nil {
		return nil, fmt.Errorf("blob: open upload: %w", err)
	}
	return &gridfsWriter{stream: stream}, nil
}

func (s *GridFSStore) Open(ctx context.Context, id string) (*Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	stream, err := s.bucket.OpenDownloadStream(oid)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: open download: %w", err)
	}

	file := stream.GetFile()
	var meta gridfsMetadata
	if len(file.Metadata) > 0 {
		_ = bson.Unmarshal(file.Metadata, &meta)
	}
	return &Reader{
		ReadCloser: stream,
		Id:         id,
		Name:       file.Name,
		MimeType:   meta.ContentType,
		Size:       file.Length,
	}, nil
}

type gridfsWriter struct {
	stream *gridfs.UploadStream
}

func (w *gridfsWriter) ID() string {
	if oid, ok := w.stream.FileID.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprint(w.stream.FileID)
}

func (w *gridfsWriter) Write(p []byte) (int, error) {
	return w.stream.Write(p)
}

func (w *gridfsWriter) Commit() error {
	return w.stream.Close()
}

// Abort deletes the chunks already written.
func (w *gridfsWriter) Abort() error {
	return w.stream.Abort()
}
