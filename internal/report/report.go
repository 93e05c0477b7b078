// Package report persists a JSON summary of each finished run, either on
// local disk or in an S3 bucket.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/endorse-tools/endorse/internal/aggregator"
)

// Report is the document written for one run.
type Report struct {
	RunID      string           `json:"run_id"`
	Target     string           `json:"target,omitempty"`
	Relay      string           `json:"relay,omitempty"`
	Method     string           `json:"method"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Aborted    string           `json:"aborted,omitempty"`
	Tally      aggregator.Tally `json:"tally"`
}

// Key is the object key a report is stored under.
func (r Report) Key() string {
	day := r.StartedAt.UTC().Format("2006-01-02")
	return sanitizeKey(fmt.Sprintf("runs/%s/%s.json", day, r.RunID))
}

// Options selects where reports go. An S3 bucket takes precedence over Dir.
type Options struct {
	Dir        string
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	PathStyle  bool
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Publisher writes reports through the configured uploader.
type Publisher struct {
	up uploader
}

// New constructs a Publisher. It returns nil, nil when no destination is
// configured; a nil Publisher discards reports.
func New(ctx context.Context, opts Options) (*Publisher, error) {
	switch {
	case opts.S3Bucket != "":
		client, err := newS3Client(ctx, opts)
		if err != nil {
			return nil, err
		}
		return &Publisher{up: &s3Uploader{client: client, bucket: opts.S3Bucket}}, nil
	case opts.Dir != "":
		return &Publisher{up: &localUploader{baseDir: opts.Dir}}, nil
	default:
		return nil, nil
	}
}

func newS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	if opts.S3Region == "" {
		return nil, errors.New("report.s3_region is required with report.s3_bucket")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.S3Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	}), nil
}

// Publish stores r and returns where it went.
func (p *Publisher) Publish(ctx context.Context, r Report) (string, error) {
	if p == nil {
		return "", nil
	}
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	loc, err := p.up.Upload(ctx, r.Key(), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	return loc, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
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
