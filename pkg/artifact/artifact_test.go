package artifact

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/autoqa/controlplane/pkg/clock"
)

type memStore struct {
	mu   sync.Mutex
	blobs map[string][]byte
}

func newMemStore() *memStore { return &memStore{blobs: make(map[string][]byte)} }

func (m *memStore) Upload(ctx context.Context, data []byte, key, contentType string, metadata map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = data
	return key, nil
}

func (m *memStore) Download(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blobs[key], nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://blobs.invalid/" + key, nil
}

type fakePage struct {
	viewport Viewport
	dom      string
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, Viewport, error) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes(), p.viewport, nil
}

func (p *fakePage) DOM(ctx context.Context) (string, error) {
	return p.dom, nil
}

func TestCapture_ScreenshotFallsBackToDefaultViewport(t *testing.T) {
	store := newMemStore()
	ac := New(store, Config{}, clock.NewManual(time.Now()), nil)
	page := &fakePage{}

	a := ac.CaptureScreenshot(context.Background(), page, "test-1", "exec-1", "step1")
	if a == nil {
		t.Fatalf("expected artifact")
	}
	if a.Metadata["viewport"] != DefaultViewport {
		t.Fatalf("expected default viewport fallback, got %v", a.Metadata["viewport"])
	}
	if !strings.HasPrefix(a.BlobKey, "artifacts/test-1/exec-1/Screenshot/") {
		t.Fatalf("unexpected blob key: %s", a.BlobKey)
	}
}

func TestCapture_DomSnapshotCompression(t *testing.T) {
	store := newMemStore()
	ac := New(store, Config{CompressDOM: true}, clock.NewManual(time.Now()), nil)
	page := &fakePage{dom: "<html>   <body>   <p>hi</p>   </body>   </html>"}

	a := ac.CaptureDomSnapshot(context.Background(), page, "test-1", "exec-1", nil)
	if a == nil {
		t.Fatalf("expected artifact")
	}
	data, _ := store.Download(context.Background(), a.BlobKey)
	if strings.Contains(string(data), ">   <") {
		t.Fatalf("expected whitespace collapsed between tags, got %q", string(data))
	}
}

func TestCapture_NetworkLogsAsHAR(t *testing.T) {
	store := newMemStore()
	ac := New(store, Config{}, clock.NewManual(time.Now()), nil)

	ac.RecordRequest("test-1", "exec-1", "https://example.com/api", "GET", 200, nil, nil, "", time.Now(), 50*time.Millisecond)

	a := ac.CaptureNetworkLogs(context.Background(), "test-1", "exec-1")
	if a == nil {
		t.Fatalf("expected artifact")
	}
	data, _ := store.Download(context.Background(), a.BlobKey)
	if !strings.Contains(string(data), `"version":"1.2"`) {
		t.Fatalf("expected HAR 1.2 version, got %s", data)
	}
	if !strings.Contains(string(data), "AutoQA Artifact Capture") {
		t.Fatalf("expected creator name, got %s", data)
	}
}

func TestCapture_DeleteArtifactsParallel(t *testing.T) {
	store := newMemStore()
	ac := New(store, Config{}, clock.NewManual(time.Now()), nil)
	page := &fakePage{}

	ac.CaptureScreenshot(context.Background(), page, "test-1", "exec-1", "s1")
	ac.CaptureDomSnapshot(context.Background(), page, "test-1", "exec-1", nil)

	failures := ac.DeleteArtifacts(context.Background(), "test-1", "exec-1")
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	remaining, _ := store.List(context.Background(), "artifacts/test-1/exec-1/")
	if len(remaining) != 0 {
		t.Fatalf("expected all artifacts deleted, got %d remaining", len(remaining))
	}
}
