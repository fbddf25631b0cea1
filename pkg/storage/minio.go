package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig holds MinIO client configuration.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// MinIO uploads recordings to a MinIO or other S3-compatible server.
type MinIO struct {
	client *minio.Client
	cfg    MinIOConfig
	logger *zap.Logger
}

// NewMinIO creates a client and makes sure the bucket exists.
func NewMinIO(ctx context.Context, cfg MinIOConfig, logger *zap.Logger) (*MinIO, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bucket == "" {
		return nil, errors.New("minio: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logger.Info("created bucket", zap.String("bucket", cfg.Bucket))
	}
	logger.Info("MinIO client connected", zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.Bucket))
	return &MinIO{client: client, cfg: cfg, logger: logger}, nil
}

// Upload streams the local file to the bucket.
func (m *MinIO) Upload(ctx context.Context, localPath, key string) (string, error) {
	f, size, err := openLocal(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := m.client.PutObject(ctx, m.cfg.Bucket, key, f, size, minio.PutObjectOptions{
		ContentType: ContentTypeForFilename(localPath),
	})
	if err != nil {
		return "", classifyMinIOError(fmt.Errorf("minio upload %s: %w", key, err))
	}
	m.logger.Debug("object uploaded", zap.String("bucket", m.cfg.Bucket), zap.String("key", key), zap.Int64("size", info.Size))
	return m.ObjectURL(key), nil
}

// ObjectURL returns the path-style URL of an object.
func (m *MinIO) ObjectURL(key string) string {
	return strings.TrimSuffix(m.client.EndpointURL().String(), "/") + "/" + m.cfg.Bucket + "/" + key
}

// Ping checks the bucket is reachable.
func (m *MinIO) Ping(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	return err
}

func classifyMinIOError(err error) error {
	if classified := classifyCommon(err); classified != nil {
		return classified
	}
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return Transient(err)
	}
	if permanentS3Codes[resp.Code] {
		return Permanent(err)
	}
	if resp.StatusCode != 0 && !retryableStatus(resp.StatusCode) {
		return Permanent(err)
	}
	return Transient(err)
}
