package artifact

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryBlobStore_UploadDownload(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()

	key, err := store.Upload(ctx, []byte("hello"), "artifacts/t1/e1/Screenshot/x.png", "image/png", nil)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	data, err := store.Download(ctx, key)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", data)
	}
}

func TestInMemoryBlobStore_DownloadMissing(t *testing.T) {
	store := NewInMemoryBlobStore()
	if _, err := store.Download(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestInMemoryBlobStore_ListByPrefix(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()
	store.Upload(ctx, []byte("a"), "artifacts/t1/e1/Screenshot/a.png", "image/png", nil)
	store.Upload(ctx, []byte("b"), "artifacts/t1/e1/DomSnapshot/a.html", "text/html", nil)
	store.Upload(ctx, []byte("c"), "artifacts/t2/e2/Screenshot/a.png", "image/png", nil)

	keys, err := store.List(ctx, "artifacts/t1/e1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}

func TestInMemoryBlobStore_DeleteThenMissing(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()
	key, _ := store.Upload(ctx, []byte("x"), "artifacts/t1/e1/Screenshot/a.png", "image/png", nil)

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Download(ctx, key); err == nil {
		t.Fatal("expected error after delete")
	}
}

func TestInMemoryBlobStore_SignedURL(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()
	key, _ := store.Upload(ctx, []byte("x"), "artifacts/t1/e1/Screenshot/a.png", "image/png", nil)

	url, err := store.SignedURL(ctx, key, 5*time.Minute)
	if err != nil {
		t.Fatalf("signed url: %v", err)
	}
	if url != "memblob://"+key {
		t.Fatalf("unexpected signed url: %s", url)
	}

	if _, err := store.SignedURL(ctx, "missing", time.Minute); err == nil {
		t.Fatal("expected error for missing key")
	}
}
