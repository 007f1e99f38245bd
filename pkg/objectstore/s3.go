package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures the minio-go backed Writer.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// S3Writer uploads to an S3-compatible bucket via minio-go.
type S3Writer struct {
	client *minio.Client
	bucket string
}

// NewS3Writer builds a Writer backed by cfg.
func NewS3Writer(cfg S3Config) (*S3Writer, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating s3 client: %w", err)
	}

	return &S3Writer{client: client, bucket: cfg.Bucket}, nil
}

// Put implements Writer.
func (w *S3Writer) Put(ctx context.Context, teamID int64, sessionID string, partition int32, lowest, highest, createdAtUnixMs int64, body []byte, meta Metadata) (string, error) {
	key := Key(teamID, sessionID, partition, lowest, highest, createdAtUnixMs)

	userMeta := map[string]string{
		"team-id":        strconv.FormatInt(meta.TeamID, 10),
		"session-id":     meta.SessionID,
		"lowest-offset":  strconv.FormatInt(meta.LowestOff, 10),
		"highest-offset": strconv.FormatInt(meta.HighestOff, 10),
		"event-count":    strconv.Itoa(meta.EventCount),
	}

	_, err := w.client.PutObject(ctx, w.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:  "application/gzip",
		UserMetadata: userMeta,
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s: %w", key, err)
	}

	return key, nil
}
