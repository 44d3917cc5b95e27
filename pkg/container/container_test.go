package container

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/autoqa/controlplane/pkg/apperrors"
)

// fakeRuntime is an in-memory BrowserRuntime double. Each pod gets its own
// isolated metrics bucket so cross-contamination would be detectable.
type fakeRuntime struct {
	mu   sync.Mutex
	pods map[string]ContainerHandle
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{pods: make(map[string]ContainerHandle)}
}

func (f *fakeRuntime) CreatePod(ctx context.Context, spec PodSpec) (ContainerHandle, error) {
	h := ContainerHandle{
		ContainerID: spec.ContainerID,
		PodName:     spec.PodName,
		Namespace:   "autoqa",
		CreatedAt:   time.Now(),
	}
	f.mu.Lock()
	f.pods[h.ContainerID] = h
	f.mu.Unlock()
	return h, nil
}

func (f *fakeRuntime) Status(ctx context.Context, handle ContainerHandle) (PodStatus, Metrics, error) {
	return PodRunning, Metrics{ContainerID: handle.ContainerID, MemoryUsage: 1024, CPUUsage: 10, NetworkRequests: 1}, nil
}

func (f *fakeRuntime) Collect(ctx context.Context, handle ContainerHandle) (Result, error) {
	return Result{Success: true, Output: "ok for " + handle.ContainerID, Metrics: Metrics{ContainerID: handle.ContainerID}}, nil
}

func (f *fakeRuntime) Destroy(ctx context.Context, handle ContainerHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pods, handle.ContainerID)
	return nil
}

// TestManager_IsolationAndCleanup mirrors scenario S5: 3 concurrent
// executions get 3 distinct containerId/podName pairs; after cleanup,
// getStatus returns NotFound and activePodCount is 0.
func TestManager_IsolationAndCleanup(t *testing.T) {
	rt := newFakeRuntime()
	mgr := New(rt, DefaultIsolationPolicy(), nil, nil, 0)
	ctx := context.Background()

	var mu sync.Mutex
	handles := make([]ContainerHandle, 0, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := mgr.ExecuteTest(ctx, "script.js", 30*time.Second)
			if err != nil {
				t.Errorf("ExecuteTest: %v", err)
				return
			}
			mu.Lock()
			handles = append(handles, h)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(handles) != 3 {
		t.Fatalf("expected 3 handles, got %d", len(handles))
	}
	seenContainer := make(map[string]bool)
	seenPod := make(map[string]bool)
	for _, h := range handles {
		if seenContainer[h.ContainerID] {
			t.Fatalf("duplicate containerId %s", h.ContainerID)
		}
		if seenPod[h.PodName] {
			t.Fatalf("duplicate podName %s", h.PodName)
		}
		seenContainer[h.ContainerID] = true
		seenPod[h.PodName] = true
	}

	if mgr.ActivePodCount() != 3 {
		t.Fatalf("expected activePodCount 3, got %d", mgr.ActivePodCount())
	}

	for _, h := range handles {
		result, err := mgr.CollectResults(ctx, h.ContainerID)
		if err != nil {
			t.Fatalf("CollectResults: %v", err)
		}
		if result.Output != "ok for "+h.ContainerID {
			t.Fatalf("cross-contaminated result: %q", result.Output)
		}
		if err := mgr.Cleanup(ctx, h.ContainerID); err != nil {
			t.Fatalf("Cleanup: %v", err)
		}
	}

	for _, h := range handles {
		if _, _, err := mgr.GetStatus(ctx, h.ContainerID); apperrors.KindOf(err) != apperrors.NotFound {
			t.Fatalf("expected NotFound after cleanup, got %v", err)
		}
	}

	if mgr.ActivePodCount() != 0 {
		t.Fatalf("expected activePodCount 0, got %d", mgr.ActivePodCount())
	}
}

func TestManager_CleanupIdempotent(t *testing.T) {
	rt := newFakeRuntime()
	mgr := New(rt, DefaultIsolationPolicy(), nil, nil, 0)
	ctx := context.Background()

	h, err := mgr.ExecuteTest(ctx, "script.js", time.Second)
	if err != nil {
		t.Fatalf("ExecuteTest: %v", err)
	}
	if err := mgr.Cleanup(ctx, h.ContainerID); err != nil {
		t.Fatalf("first cleanup: %v", err)
	}
	if err := mgr.Cleanup(ctx, h.ContainerID); err != nil {
		t.Fatalf("second cleanup should be a no-op, got: %v", err)
	}
}

func TestManager_CleanupAll(t *testing.T) {
	rt := newFakeRuntime()
	mgr := New(rt, DefaultIsolationPolicy(), nil, nil, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := mgr.ExecuteTest(ctx, "script.js", time.Second); err != nil {
			t.Fatalf("ExecuteTest: %v", err)
		}
	}
	mgr.CleanupAll(ctx)
	if mgr.ActivePodCount() != 0 {
		t.Fatalf("expected activePodCount 0 after cleanupAll, got %d", mgr.ActivePodCount())
	}
}
