package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeReader struct {
	objects map[string]string
	bucket  string
	object  string
}

func (f *fakeReader) NewReader(_ context.Context, bucket, object string) (io.ReadCloser, error) {
	f.bucket, f.object = bucket, object
	body, ok := f.objects[bucket+"/"+object]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri, bucket, object string
		wantErr             bool
	}{
		{uri: "gs://larder-config/catalog.yaml", bucket: "larder-config", object: "catalog.yaml"},
		{uri: " gs://larder-config/2026/spring/catalog.yaml ", bucket: "larder-config", object: "2026/spring/catalog.yaml"},
		{uri: "gs://larder-config", wantErr: true},
		{uri: "gs://larder-config/", wantErr: true},
		{uri: "gs:///catalog.yaml", wantErr: true},
		{uri: "/etc/larder/catalog.yaml", wantErr: true},
	}
	for _, tc := range tests {
		bucket, object, err := ParseURI(tc.uri)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidURI) {
				t.Fatalf("%q: expected ErrInvalidURI, got %v", tc.uri, err)
			}
			continue
		}
		if err != nil || bucket != tc.bucket || object != tc.object {
			t.Fatalf("%q: got (%q, %q, %v)", tc.uri, bucket, object, err)
		}
	}
}

func TestOpenLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("products: []\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	rc, err := Open(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "products: []\n" {
		t.Fatalf("unexpected content %q", data)
	}

	if _, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), nil); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}
}

func TestOpenRemoteObject(t *testing.T) {
	reader := &fakeReader{objects: map[string]string{"larder-config/catalog.yaml": "products: []\n"}}
	rc, err := Open(context.Background(), "gs://larder-config/catalog.yaml", reader)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	if reader.bucket != "larder-config" || reader.object != "catalog.yaml" {
		t.Fatalf("unexpected object %s/%s", reader.bucket, reader.object)
	}

	if _, err := Open(context.Background(), "gs://larder-config", reader); !errors.Is(err, ErrInvalidURI) {
		t.Fatalf("expected ErrInvalidURI, got %v", err)
	}
}
