//go:build gcp

package audit

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSCold implements ColdStore using Google Cloud Storage.
type GCSCold struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds configuration for GCSCold.
type GCSConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSCold creates a GCS-backed cold store. The client uses ADC.
func NewGCSCold(ctx context.Context, cfg GCSConfig) (*GCSCold, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSCold{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Put uploads a rolled segment, skipping objects that already exist.
func (g *GCSCold) Put(ctx context.Context, name string, data []byte) error {
	obj := g.client.Bucket(g.bucket).Object(g.prefix + name)
	if _, err := obj.Attrs(ctx); err == nil {
		// Already rolled
		return nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

// Get downloads a rolled segment.
func (g *GCSCold) Get(ctx context.Context, name string) ([]byte, error) {
	reader, err := g.client.Bucket(g.bucket).Object(g.prefix + name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", name, err)
	}
	defer func() { _ = reader.Close() }()

	return io.ReadAll(reader)
}

// Delete removes a pruned segment.
func (g *GCSCold) Delete(ctx context.Context, name string) error {
	err := g.client.Bucket(g.bucket).Object(g.prefix + name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs delete failed for %s: %w", name, err)
	}
	return nil
}

// Close closes the GCS client.
func (g *GCSCold) Close() error {
	return g.client.Close()
}
