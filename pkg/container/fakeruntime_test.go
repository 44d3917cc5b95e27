package container

import (
	"context"
	"testing"
)

func TestInMemoryRuntime_CreateStatusCollectDestroy(t *testing.T) {
	rt := NewInMemoryRuntime()
	ctx := context.Background()

	handle, err := rt.CreatePod(ctx, PodSpec{ContainerID: "c1", PodName: "pod-c1"})
	if err != nil {
		t.Fatalf("create pod: %v", err)
	}
	if handle.ContainerID != "c1" || handle.PodName != "pod-c1" {
		t.Fatalf("unexpected handle: %+v", handle)
	}

	status, _, err := rt.Status(ctx, handle)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != PodExited {
		t.Fatalf("expected PodExited, got %v", status)
	}

	result, err := rt.Collect(ctx, handle)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !result.Success {
		t.Fatal("expected successful result")
	}

	if err := rt.Destroy(ctx, handle); err != nil {
		t.Fatalf("destroy: %v", err)
	}
}

func TestInMemoryRuntime_DistinctContainerIDs(t *testing.T) {
	rt := NewInMemoryRuntime()
	ctx := context.Background()

	h1, _ := rt.CreatePod(ctx, PodSpec{ContainerID: "a", PodName: "pod-a"})
	h2, _ := rt.CreatePod(ctx, PodSpec{ContainerID: "b", PodName: "pod-b"})

	if h1.ContainerID == h2.ContainerID {
		t.Fatal("expected distinct container ids")
	}
}
