package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dvloznov/ckexport/internal/config"
	"github.com/dvloznov/ckexport/internal/gcsuploader"
	"google.golang.org/api/option"
)

// Sink stores a rendered file and returns where it ended up.
type Sink interface {
	Put(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// FileSink writes into a local directory.
type FileSink struct {
	Dir string
}

func (s FileSink) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", p, err)
	}
	return p, nil
}

// GCSSink uploads into a bucket under Prefix.
type GCSSink struct {
	Uploader *gcsuploader.Uploader
	Prefix   string
}

func (s GCSSink) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	return s.Uploader.Upload(ctx, path.Join(s.Prefix, name), contentType, bytes.NewReader(data))
}

// MultiSink stores into every sink and reports the last location.
type MultiSink []Sink

func (m MultiSink) Put(ctx context.Context, name, contentType string, data []byte) (string, error) {
	var loc string
	for _, s := range m {
		l, err := s.Put(ctx, name, contentType, data)
		if err != nil {
			return loc, err
		}
		loc = l
	}
	return loc, nil
}

// NewSink builds the sink cfg describes: the local directory, plus a bucket
// when GCSBucket is set. GCSBucket may also be gs://bucket/prefix, whose
// path replaces GCSPrefix. The returned close func releases the storage
// client.
func NewSink(ctx context.Context, cfg config.ExportConfig) (Sink, func() error, error) {
	local := FileSink{Dir: cfg.Dir}
	if cfg.GCSBucket == "" {
		return local, func() error { return nil }, nil
	}

	bucket, prefix := cfg.GCSBucket, cfg.GCSPrefix
	if strings.HasPrefix(bucket, "gs://") {
		if b, object, err := gcsuploader.ParseURI(bucket); err == nil {
			bucket, prefix = b, object
		} else {
			bucket = strings.Trim(strings.TrimPrefix(bucket, "gs://"), "/")
		}
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	uploader, err := gcsuploader.NewUploader(ctx, bucket, opts...)
	if err != nil {
		return nil, nil, err
	}
	return MultiSink{local, GCSSink{Uploader: uploader, Prefix: prefix}}, uploader.Close, nil
}
