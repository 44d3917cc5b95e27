package container

import (
	"context"
	"sync"
	"time"
)

// InMemoryRuntime is a BrowserRuntime implementation that never touches a
// real cluster. It exists for embedding tools and demo binaries that have
// not wired a production runtime yet; every pod it "creates" immediately
// reports PodExited with a canned successful Result.
type InMemoryRuntime struct {
	mu   sync.Mutex
	pods map[string]ContainerHandle
}

// NewInMemoryRuntime creates an empty InMemoryRuntime.
func NewInMemoryRuntime() *InMemoryRuntime {
	return &InMemoryRuntime{pods: make(map[string]ContainerHandle)}
}

func (r *InMemoryRuntime) CreatePod(ctx context.Context, spec PodSpec) (ContainerHandle, error) {
	h := ContainerHandle{
		ContainerID: spec.ContainerID,
		PodName:     spec.PodName,
		Namespace:   "autoqa",
		CreatedAt:   time.Now(),
	}
	r.mu.Lock()
	r.pods[h.ContainerID] = h
	r.mu.Unlock()
	return h, nil
}

func (r *InMemoryRuntime) Status(ctx context.Context, handle ContainerHandle) (PodStatus, Metrics, error) {
	return PodExited, Metrics{ContainerID: handle.ContainerID}, nil
}

func (r *InMemoryRuntime) Collect(ctx context.Context, handle ContainerHandle) (Result, error) {
	return Result{Success: true, Output: "ok", Metrics: Metrics{ContainerID: handle.ContainerID}}, nil
}

func (r *InMemoryRuntime) Destroy(ctx context.Context, handle ContainerHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pods, handle.ContainerID)
	return nil
}
