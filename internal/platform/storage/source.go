// Package storage opens configuration objects that may live on local disk or in Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const gcsScheme = "gs://"

// ErrInvalidURI is returned for malformed gs:// locations.
var ErrInvalidURI = errors.New("storage: invalid object uri")

// ObjectReader opens Cloud Storage objects.
type ObjectReader interface {
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// GCSReader reads objects through the Cloud Storage client.
type GCSReader struct {
	client *gcs.Client
}

// NewGCSReader dials Cloud Storage with application default credentials unless opts override them.
func NewGCSReader(ctx context.Context, opts ...option.ClientOption) (*GCSReader, error) {
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create client: %w", err)
	}
	return &GCSReader{client: client}, nil
}

func (r *GCSReader) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	reader, err := r.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: open gs://%s/%s: %w", bucket, object, err)
	}
	return reader, nil
}

// Close releases the underlying client.
func (r *GCSReader) Close() error {
	return r.client.Close()
}

// IsRemote reports whether location names a Cloud Storage object.
func IsRemote(location string) bool {
	return strings.HasPrefix(strings.TrimSpace(location), gcsScheme)
}

// ParseURI splits gs://bucket/path/to/object.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), gcsScheme)
	if !ok {
		return "", "", fmt.Errorf("%w: %q lacks gs:// prefix", ErrInvalidURI, uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || strings.Trim(object, "/") == "" {
		return "", "", fmt.Errorf("%w: %q must name a bucket and an object", ErrInvalidURI, uri)
	}
	return bucket, object, nil
}

// Open returns a reader for a local path or a gs:// object. A nil reader dials Cloud Storage for
// the single read and closes the client with the returned ReadCloser.
func Open(ctx context.Context, location string, reader ObjectReader) (io.ReadCloser, error) {
	location = strings.TrimSpace(location)
	if !IsRemote(location) {
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return f, nil
	}

	bucket, object, err := ParseURI(location)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		return reader.NewReader(ctx, bucket, object)
	}
	gcsReader, err := NewGCSReader(ctx)
	if err != nil {
		return nil, err
	}
	rc, err := gcsReader.NewReader(ctx, bucket, object)
	if err != nil {
		_ = gcsReader.Close()
		return nil, err
	}
	return &closeBoth{ReadCloser: rc, client: gcsReader}, nil
}

type closeBoth struct {
	io.ReadCloser
	client *GCSReader
}

func (c *closeBoth) Close() error {
	return errors.Join(c.ReadCloser.Close(), c.client.Close())
}
