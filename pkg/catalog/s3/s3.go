// Package s3 serves catalog images from an S3 bucket (or any S3 compatible
// object store). Every object under the configured prefix is one image;
// "directory" placeholder keys ending in "/" are skipped.
package s3

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/marmos91/imgpull/internal/logger"
	"github.com/marmos91/imgpull/pkg/catalog"
)

// Client is the subset of the S3 API used by the source.
type Client interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Metrics observes S3 calls made by the source.
type S3Metrics interface {
	ObserveOperation(operation string, duration time.Duration, err error)
	RecordBytes(operation string, bytes int64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, time.Duration, error) {}
func (noopMetrics) RecordBytes(string, int64)                     {}

// S3SourceConfig configures an S3 catalog source.
type S3SourceConfig struct {
	Client  Client
	Bucket  string
	Prefix  string
	Metrics S3Metrics
}

// S3Source lists objects in key order.
type S3Source struct {
	client  Client
	bucket  string
	prefix  string
	metrics S3Metrics
}

// NewS3Source validates cfg and returns a source. It makes no network call.
func NewS3Source(cfg S3SourceConfig) (*S3Source, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 catalog: client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 catalog: bucket is required")
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &S3Source{client: cfg.Client, bucket: cfg.Bucket, prefix: cfg.Prefix, metrics: cfg.Metrics}, nil
}

func (s *S3Source) List(ctx context.Context) ([]catalog.Item, error) {
	start := time.Now()
	var items []catalog.Item

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.metrics.ObserveOperation("ListObjectsV2", time.Since(start), err)
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			items = append(items, catalog.Item{Name: name, Size: aws.ToInt64(obj.Size)})
		}
	}
	s.metrics.ObserveOperation("ListObjectsV2", time.Since(start), nil)
	logger.Debug("S3 catalog: %d image(s) under s3://%s/%s", len(items), s.bucket, s.prefix)
	return items, nil
}

func (s *S3Source) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + name),
	})
	s.metrics.ObserveOperation("GetObject", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s%s: %w", s.bucket, s.prefix, name, err)
	}
	return &metricsReadCloser{ReadCloser: out.Body, metrics: s.metrics, operation: "GetObject"}, nil
}

// metricsReadCloser counts the bytes read from an object body.
type metricsReadCloser struct {
	io.ReadCloser
	metrics   S3Metrics
	operation string
	bytesRead int64
}

func (m *metricsReadCloser) Read(p []byte) (int, error) {
	n, err := m.ReadCloser.Read(p)
	m.bytesRead += int64(n)
	return n, err
}

func (m *metricsReadCloser) Close() error {
	err := m.ReadCloser.Close()
	if m.bytesRead > 0 {
		m.metrics.RecordBytes(m.operation, m.bytesRead)
	}
	return err
}
