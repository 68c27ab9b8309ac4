package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"lead-engine/internal/config"
	"lead-engine/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver writes health metric rollups as JSON documents, to S3 when a
// bucket is configured and to a local directory otherwise.
type Archiver struct {
	dest uploader
}

// NewArchiver chooses the destination from config.
func NewArchiver(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ReportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archiver{dest: &s3Uploader{client: client, bucket: cfg.ReportS3Bucket}}, nil
	}
	baseDir := cfg.ReportOutputDir
	if baseDir == "" {
		baseDir = "./reports"
	}
	return &Archiver{dest: &localUploader{baseDir: baseDir}}, nil
}

// NewLocalArchiver writes under baseDir.
func NewLocalArchiver(baseDir string) *Archiver {
	return &Archiver{dest: &localUploader{baseDir: baseDir}}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ReportS3PathStyle
		if cfg.ReportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReportS3Endpoint)
		}
	}), nil
}

// Key returns the object key for a rollup: health/<period>/<window end>.json.
func Key(m models.HealthMetrics) string {
	return fmt.Sprintf("health/%s/%s.json", m.Period, m.WindowEnd.UTC().Format("20060102T150405Z"))
}

// Archive stores one rollup and returns where it went.
func (a *Archiver) Archive(ctx context.Context, m models.HealthMetrics) (string, error) {
	body, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal health metrics: %w", err)
	}
	return a.dest.Upload(ctx, Key(m), body, "application/json")
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
