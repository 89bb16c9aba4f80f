// Package storage archives raw call audio to MinIO. Chunks are written
// under calls/{callID}/{speakerID}/ so a call's audio can be listed and
// replayed in submission order.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"talklink-backend/pkg/config"
	"talklink-backend/pkg/resilience"
)

// Service handles audio-chunk archival
type Service struct {
	client  *minio.Client
	bucket  string
	breaker *resilience.Breaker
}

// NewService creates the MinIO-backed archive and ensures the bucket
// exists
func NewService(cfg config.MinIOConfig) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Service{
		client:  client,
		bucket:  cfg.Bucket,
		breaker: resilience.NewBreaker("minio", 10*time.Second),
	}, nil
}

// ArchiveChunk stores one audio chunk. Object names embed a nanosecond
// timestamp so chunks list back in submission order.
func (s *Service) ArchiveChunk(ctx context.Context, callID, speakerID uuid.UUID, chunk []byte) error {
	objectName := fmt.Sprintf("calls/%s/%s/%020d.pcm", callID, speakerID, time.Now().UnixNano())

	return s.breaker.Execute(ctx, "put_object", func() error {
		_, err := s.client.PutObject(ctx, s.bucket, objectName,
			bytes.NewReader(chunk), int64(len(chunk)),
			minio.PutObjectOptions{ContentType: "audio/pcm"})
		return err
	})
}

// ListCallChunks returns the object names of a call's archived audio in
// submission order
func (s *Service) ListCallChunks(ctx context.Context, callID uuid.UUID) ([]string, error) {
	prefix := fmt.Sprintf("calls/%s/", callID)

	var names []string
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list call audio: %w", object.Err)
		}
		names = append(names, object.Key)
	}
	return names, nil
}

// ReadChunk streams one archived chunk back
func (s *Service) ReadChunk(ctx context.Context, objectName string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read archived chunk: %w", err)
	}
	return object, nil
}

// PresignedChunkURL returns a short-lived download URL for one chunk
func (s *Service) PresignedChunkURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to presign chunk URL: %w", err)
	}
	return u.String(), nil
}

// DeleteCallAudio removes every archived chunk of a call
func (s *Service) DeleteCallAudio(ctx context.Context, callID uuid.UUID) error {
	names, err := s.ListCallChunks(ctx, callID)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.client.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to delete archived chunk %s: %w", name, err)
		}
	}
	return nil
}
