package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/dygrag/pkg/store"
)

var (
	_ Bucket = (*LocalBucket)(nil)
	_ Bucket = (*S3Bucket)(nil)
)

func TestLocalBucket(t *testing.T) {
	ctx := context.Background()
	b, err := NewLocalBucket(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBucket() error = %v", err)
	}

	if _, err := b.Get(ctx, "missing.json"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := b.Put(ctx, "ns/a.json", []byte("one")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := b.Put(ctx, "ns/a.json", []byte("two")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := b.Put(ctx, "other.json", []byte("x")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := b.Get(ctx, "ns/a.json")
	if err != nil || string(got) != "two" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	keys, err := b.List(ctx, "ns/")
	if err != nil || !slices.Equal(keys, []string{"ns/a.json"}) {
		t.Fatalf("List() = %v, %v", keys, err)
	}

	if err := b.DeletePrefix(ctx, "ns/"); err != nil {
		t.Fatalf("DeletePrefix() error = %v", err)
	}
	if _, err := b.Get(ctx, "ns/a.json"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := b.Delete(ctx, "ns/a.json"); err != nil {
		t.Fatalf("Delete() of missing key error = %v", err)
	}
}

func TestLocalBucket_KeyStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	b, _ := NewLocalBucket(root)
	p, err := b.path("../../etc/passwd")
	if err != nil {
		t.Fatalf("path() error = %v", err)
	}
	if !strings.HasPrefix(p, root) {
		t.Fatalf("path escaped root: %s", p)
	}
}

// fakeS3 serves path-style GET, PUT and DELETE on /<bucket>/<key>.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		_, _ = w.Write(body)
	case http.MethodDelete:
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Bucket_RoundTrip(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	b, err := NewS3Bucket(ctx, S3Params{
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		AccessKey: "test",
		SecretKey: "test",
		Bucket:    "graphs",
		Prefix:    "dev/",
	})
	if err != nil {
		t.Fatalf("NewS3Bucket() error = %v", err)
	}

	if err := b.Put(ctx, "graph_x.msgpack", []byte("payload")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok := fake.objects["/graphs/dev/graph_x.msgpack"]; !ok {
		t.Fatalf("object not stored under prefixed key: %v", fake.objects)
	}

	got, err := b.Get(ctx, "graph_x.msgpack")
	if err != nil || string(got) != "payload" {
		t.Fatalf("Get() = %q, %v", got, err)
	}

	if err := b.Delete(ctx, "graph_x.msgpack"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := b.Get(ctx, "graph_x.msgpack"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
