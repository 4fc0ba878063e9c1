package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

const defaultPublicBaseURL = "https://storage.googleapis.com"

// CloudStorage is the Cloud Storage ObjectStore.
type CloudStorage struct {
	client  *storage.Client
	baseURL string
	logger  *zap.Logger
}

// NewCloudStorage opens a Cloud Storage client. publicBaseURL prefixes the
// returned object URLs; empty means the public googleapis host.
func NewCloudStorage(ctx context.Context, credentialsPath, publicBaseURL string, logger *zap.Logger) (*CloudStorage, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing Cloud Storage client: %w", err)
	}
	if publicBaseURL == "" {
		publicBaseURL = defaultPublicBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudStorage{
		client:  client,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:  logger.Named("storage"),
	}, nil
}

// Close closes the Cloud Storage client.
func (s *CloudStorage) Close() error {
	return s.client.Close()
}

// Upload writes data to bucket/path. Without overwrite the write is
// conditioned on the object not existing yet.
func (s *CloudStorage) Upload(ctx context.Context, bucket, path string, data []byte, contentType string, overwrite bool) (string, error) {
	if bucket == "" || path == "" {
		return "", fmt.Errorf("%w: empty bucket or path", ErrInvalid)
	}
	obj := s.client.Bucket(bucket).Object(path)
	if !overwrite {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=3600"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", path, err)
	}

	s.logger.Debug("object uploaded", zap.String("bucket", bucket), zap.String("path", path), zap.Int("bytes", len(data)))
	return PublicURL(s.baseURL, bucket, path), nil
}

// RemoveObject deletes bucket/path, ignoring objects that are already gone.
func (s *CloudStorage) RemoveObject(ctx context.Context, bucket, path string) error {
	err := s.client.Bucket(bucket).Object(path).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// PublicURL builds the public URL of bucket/path under baseURL.
func PublicURL(baseURL, bucket, path string) string {
	return strings.TrimRight(baseURL, "/") + "/" + bucket + "/" + escapePath(path)
}
