package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/autoqa/controlplane/pkg/clock"
	"github.com/autoqa/controlplane/pkg/container"
	"github.com/autoqa/controlplane/pkg/flowcontrol"
	"github.com/autoqa/controlplane/pkg/pubsub"
)

type fakeRuntime struct{}

func (fakeRuntime) CreatePod(ctx context.Context, spec container.PodSpec) (container.ContainerHandle, error) {
	return container.ContainerHandle{ContainerID: spec.ContainerID, PodName: spec.PodName, Namespace: "autoqa", CreatedAt: time.Now()}, nil
}

func (fakeRuntime) Status(ctx context.Context, handle container.ContainerHandle) (container.PodStatus, container.Metrics, error) {
	return container.PodExited, container.Metrics{ContainerID: handle.ContainerID}, nil
}

func (fakeRuntime) Collect(ctx context.Context, handle container.ContainerHandle) (container.Result, error) {
	return container.Result{Success: true, Output: "ok"}, nil
}

func (fakeRuntime) Destroy(ctx context.Context, handle container.ContainerHandle) error { return nil }

func newTestOrchestrator() *Orchestrator {
	fc := flowcontrol.New(flowcontrol.Config{
		MaxBufferSize:  100,
		MaxMemoryUsage: 1 << 20,
		HighWaterMark:  0.9,
		LowWaterMark:   0.5,
	}, clock.NewManual(time.Now()))
	cm := container.New(fakeRuntime{}, container.DefaultIsolationPolicy(), nil, nil, 4)
	bus := pubsub.New(pubsub.Config{MaxSubscriptionsPerUser: 10, MaxSubscriptionsPerChannel: 10}, nil, nil)
	return New(Config{Concurrency: 4}, fc, cm, bus, nil, nil)
}

func TestOrchestrator_SubmitRunsToCompletion(t *testing.T) {
	o := newTestOrchestrator()
	id, err := o.Submit(context.Background(), Request{UserID: "u1", ScenarioID: "s1", TestScript: "test()", Priority: 5, Timeout: time.Second})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := o.GetStatus(id)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if exec.Status == Completed {
			return
		}
		if exec.Status == Failed || exec.Status == TimedOut {
			t.Fatalf("expected Completed, got %s", exec.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution did not reach a terminal state in time")
}

func TestOrchestrator_SubmitRejectsMissingFields(t *testing.T) {
	o := newTestOrchestrator()
	if _, err := o.Submit(context.Background(), Request{}); err == nil {
		t.Fatalf("expected validation error for empty request")
	}
}

func TestOrchestrator_CancelIsIdempotent(t *testing.T) {
	o := newTestOrchestrator()
	id, err := o.Submit(context.Background(), Request{UserID: "u1", ScenarioID: "s1", TestScript: "test()", Priority: 0})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Give the execution a moment to finish naturally; cancel may race a
	// terminal transition either way, which is fine: only the boolean
	// contract under repeated calls is being verified here.
	time.Sleep(20 * time.Millisecond)
	first := o.CancelExecution(context.Background(), id)
	second := o.CancelExecution(context.Background(), id)
	if second {
		t.Fatalf("second cancel on an already-terminal execution should return false")
	}
	_ = first
}

func TestOrchestrator_GetStatusNotFound(t *testing.T) {
	o := newTestOrchestrator()
	if _, err := o.GetStatus("does-not-exist"); err == nil {
		t.Fatalf("expected NotFound error")
	}
}

func TestOrchestrator_QueueStatsReflectCompletion(t *testing.T) {
	o := newTestOrchestrator()
	id, err := o.Submit(context.Background(), Request{UserID: "u1", ScenarioID: "s1", TestScript: "test()", Priority: 9})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		exec, _ := o.GetStatus(id)
		if exec.Status == Completed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stats := o.GetQueueStats()
	if stats.Completed != 1 {
		t.Fatalf("expected 1 completed execution, got %d", stats.Completed)
	}
}
