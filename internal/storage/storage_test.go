package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLocalPutGet(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	src := filepath.Join(t.TempDir(), "site.zip")
	writeFile(t, src, "zip-bytes")

	ctx := context.Background()
	if err := store.Put(ctx, "uploads/site.zip", src); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "downloaded.zip")
	if err := store.Get(ctx, "uploads/site.zip", dst); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(data) != "zip-bytes" {
		t.Fatalf("downloaded content = %q", data)
	}
}

func TestLocalGetMissing(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	err = store.Get(context.Background(), "uploads/missing.zip", filepath.Join(t.TempDir(), "x.zip"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get error = %v, want ErrNotFound", err)
	}
}

func TestLocalRejectsEscapingKey(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	src := filepath.Join(t.TempDir(), "a.txt")
	writeFile(t, src, "a")
	if err := store.Put(context.Background(), "../outside.txt", src); err == nil {
		t.Fatal("expected error for key escaping root")
	}
}

func TestLocalPublicURL(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "https://cdn.example.com/")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	got := store.PublicURL("previews/job-42/index.html")
	if got != "https://cdn.example.com/previews/job-42/index.html" {
		t.Fatalf("PublicURL = %q", got)
	}
	if store.PublicURL("previews/job-42/index.html") != got {
		t.Fatal("PublicURL is not deterministic")
	}
}

func TestUploadDirPreservesStructure(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocal(root, "")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}

	site := t.TempDir()
	writeFile(t, filepath.Join(site, "index.html"), "<html></html>")
	writeFile(t, filepath.Join(site, "assets", "style.css"), "body{}")
	writeFile(t, filepath.Join(site, "assets", "img", "logo.svg"), "<svg/>")

	result, err := UploadDir(context.Background(), store, site, "/previews/job-42/", 2)
	if err != nil {
		t.Fatalf("UploadDir returned error: %v", err)
	}
	expected := []string{
		"previews/job-42/assets/img/logo.svg",
		"previews/job-42/assets/style.css",
		"previews/job-42/index.html",
	}
	if !reflect.DeepEqual(result.Keys, expected) {
		t.Fatalf("keys = %#v, want %#v", result.Keys, expected)
	}
	if result.Bytes != int64(len("<html></html>")+len("body{}")+len("<svg/>")) {
		t.Fatalf("bytes = %d", result.Bytes)
	}
	for _, key := range expected {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(key))); err != nil {
			t.Fatalf("uploaded object %s missing: %v", key, err)
		}
	}
}

type failingStore struct {
	Local
	failKey string
}

func (f *failingStore) Put(ctx context.Context, key, localPath string) error {
	if key == f.failKey {
		return errors.New("connection reset")
	}
	return f.Local.Put(ctx, key, localPath)
}

func TestUploadDirReportsFailure(t *testing.T) {
	local, err := NewLocal(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	store := &failingStore{Local: *local, failKey: "p/b.txt"}

	site := t.TempDir()
	writeFile(t, filepath.Join(site, "a.txt"), "a")
	writeFile(t, filepath.Join(site, "b.txt"), "b")

	_, err = UploadDir(context.Background(), store, site, "p", 1)
	if err == nil || !strings.Contains(err.Error(), "p/b.txt") {
		t.Fatalf("UploadDir error = %v, want failure for p/b.txt", err)
	}
}

func TestJoinKey(t *testing.T) {
	if got := JoinKey("/previews/", "job-1", "", "assets/a.css"); got != "previews/job-1/assets/a.css" {
		t.Fatalf("JoinKey = %q", got)
	}
}

func TestContentType(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"index.html": "text/html",
		"style.css":  "text/css",
		"noext":      "text/plain",
	}
	for name, want := range cases {
		p := filepath.Join(dir, name)
		writeFile(t, p, "plain text content")
		got := ContentType(p)
		if !strings.HasPrefix(got, want) {
			t.Fatalf("ContentType(%s) = %q, want prefix %q", name, got, want)
		}
	}
}

func TestPublicURLBase(t *testing.T) {
	cases := []struct {
		name string
		cfg  S3Config
		want string
	}{
		{
			name: "aws",
			cfg:  S3Config{Endpoint: "s3.amazonaws.com", Region: "ap-south-1", Bucket: "s8-templates", UseSSL: true},
			want: "https://s8-templates.s3.ap-south-1.amazonaws.com",
		},
		{
			name: "minio",
			cfg:  S3Config{Endpoint: "localhost:9000", Bucket: "templates"},
			want: "http://localhost:9000/templates",
		},
		{
			name: "explicit base",
			cfg:  S3Config{Endpoint: "s3.amazonaws.com", Bucket: "b", PublicBaseURL: "https://cdn.example.com/"},
			want: "https://cdn.example.com",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PublicURLBase(tc.cfg); got != tc.want {
				t.Fatalf("PublicURLBase = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestS3PublicURL(t *testing.T) {
	s := &S3{urlBase: "https://b.s3.us-east-1.amazonaws.com"}
	got := s.PublicURL("previews/job 1/index.html")
	if got != "https://b.s3.us-east-1.amazonaws.com/previews/job%201/index.html" {
		t.Fatalf("PublicURL = %q", got)
	}
}
