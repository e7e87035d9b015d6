package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testS3Config(endpoint string) S3Config {
	return S3Config{
		Bucket:          "test-bucket",
		Region:          "us-east-1",
		Endpoint:        endpoint,
		Prefix:          "corpora/spa/",
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
	}
}

func TestNewS3Storage(t *testing.T) {
	cfg := testS3Config("http://localhost:4566")

	storage, err := NewS3Storage(context.Background(), t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("NewS3Storage() error = %v", err)
	}

	if storage.bucket != cfg.Bucket {
		t.Errorf("bucket = %v, want %v", storage.bucket, cfg.Bucket)
	}
	if storage.region != cfg.Region {
		t.Errorf("region = %v, want %v", storage.region, cfg.Region)
	}
	if !storage.Remote() {
		t.Error("expected remote storage")
	}
	if got := storage.Key("a.jsonl.gz"); got != "corpora/spa/a.jsonl.gz" {
		t.Errorf("Key() = %v", got)
	}
}

func TestS3Storage_URL(t *testing.T) {
	cfg := testS3Config("")
	storage, err := NewS3Storage(context.Background(), t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("NewS3Storage() error = %v", err)
	}

	want := "https://test-bucket.s3.us-east-1.amazonaws.com/k"
	if got := storage.URL("k"); got != want {
		t.Errorf("URL() = %v, want %v", got, want)
	}
}

func TestS3Storage_InheritsLocalStorage(t *testing.T) {
	storage, err := NewS3Storage(context.Background(), t.TempDir(), testS3Config("http://localhost:4566"))
	if err != nil {
		t.Fatalf("NewS3Storage() error = %v", err)
	}

	p := filepath.Join(storage.Root(), "x.zst")
	writeFile(t, p)
	if err := storage.Cleanup(context.Background(), []string{p}); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Error("expected file to be removed")
	}
}

func TestS3Storage_Publish_MockServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT method, got %s", r.Method)
		}

		if !strings.HasSuffix(r.URL.Path, "/test-bucket/corpora/spa/manifests/spa_feats_train.jsonl.gz") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("failed to read body: %v", err)
		}
		if !bytes.Contains(body, []byte("manifest content")) {
			t.Errorf("unexpected body: %s", string(body))
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	storage, err := NewS3Storage(context.Background(), t.TempDir(), testS3Config(server.URL))
	if err != nil {
		t.Fatalf("NewS3Storage() error = %v", err)
	}

	local := filepath.Join(storage.Root(), "spa_feats_train.jsonl.gz")
	if err := os.WriteFile(local, []byte("manifest content"), 0o600); err != nil {
		t.Fatal(err)
	}

	url, err := storage.Publish(context.Background(), "manifests/spa_feats_train.jsonl.gz", local)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	expectedURL := server.URL + "/test-bucket/corpora/spa/manifests/spa_feats_train.jsonl.gz"
	if url != expectedURL {
		t.Errorf("url = %v, want %v", url, expectedURL)
	}
}

func TestS3Storage_Publish_MissingFile(t *testing.T) {
	storage, err := NewS3Storage(context.Background(), t.TempDir(), testS3Config("http://localhost:4566"))
	if err != nil {
		t.Fatalf("NewS3Storage() error = %v", err)
	}
	if _, err := storage.Publish(context.Background(), "k", filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
