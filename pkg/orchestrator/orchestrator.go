// Package orchestrator implements the Orchestrator: it submits
// ExecutionRequests, drives the status state machine, and wires
// FlowController, ContainerManager and SubscriptionBus together.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/autoqa/controlplane/pkg/apperrors"
	"github.com/autoqa/controlplane/pkg/clock"
	"github.com/autoqa/controlplane/pkg/container"
	"github.com/autoqa/controlplane/pkg/flowcontrol"
	"github.com/autoqa/controlplane/pkg/pubsub"
)

// Status is the canonical execution status state machine.
type Status string

const (
	Pending   Status = "Pending"
	Running   Status = "Running"
	Completed Status = "Completed"
	Failed    Status = "Failed"
	TimedOut  Status = "TimedOut"
	Cancelled Status = "Cancelled"
)

func (s Status) terminal() bool {
	switch s {
	case Completed, Failed, TimedOut, Cancelled:
		return true
	default:
		return false
	}
}

// Request is an ExecutionRequest.
type Request struct {
	UserID     string
	ScenarioID string
	TestScript string
	Priority   int // 0-10, mapped to a FlowController lane
	Timeout    time.Duration
}

// Execution is a point-in-time snapshot of one tracked execution.
type Execution struct {
	ID          string
	Request     Request
	Status      Status
	ContainerID string
	PodName     string
	SubmittedAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time
}

// executionState is the live, mutex-guarded record; Execution is the
// snapshot callers see through GetStatus.
type executionState struct {
	mu sync.Mutex
	Execution
}

func (e *executionState) snapshot() Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Execution
}

func (e *executionState) transition(to Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Status = to
}

// QueueStats mirrors getQueueStats().
type QueueStats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int
}

// Config bounds the Orchestrator's worker pool.
type Config struct {
	Concurrency int
}

// Orchestrator is the top-level driver.
type Orchestrator struct {
	cfg Config
	fc  *flowcontrol.FlowController
	cm  *container.Manager
	bus *pubsub.Bus
	clk clock.Clock
	log *slog.Logger

	mu         sync.Mutex
	executions map[string]*executionState
	completed  int
	failed     int

	wg   sync.WaitGroup
	sem  chan struct{}
	stop chan struct{}
}

// New wires an Orchestrator on top of the given components. Submit
// creates each execution's private channel on bus itself.
func New(cfg Config, fc *flowcontrol.FlowController, cm *container.Manager, bus *pubsub.Bus, clk clock.Clock, logger *slog.Logger) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		fc:         fc,
		cm:         cm,
		bus:        bus,
		clk:        clk,
		log:        logger,
		executions: make(map[string]*executionState),
		sem:        make(chan struct{}, cfg.Concurrency),
		stop:       make(chan struct{}),
	}
}

// channelFor names the per-execution pubsub channel.
func channelFor(executionID string) string { return "execution:" + executionID }

// Submit admits req and, once popped from the FlowController, runs it on a
// bounded worker.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	if req.UserID == "" || req.ScenarioID == "" {
		return "", apperrors.New(apperrors.ValidationFailed, "userId and scenarioId are required")
	}

	executionID := clock.NewExecutionID()
	exec := &executionState{Execution: Execution{
		ID:          executionID,
		Request:     req,
		Status:      Pending,
		SubmittedAt: o.clk.Now(),
	}}

	o.mu.Lock()
	o.executions[executionID] = exec
	o.mu.Unlock()

	o.bus.CreateChannel(pubsub.Channel{ID: channelFor(executionID), Name: channelFor(executionID), Kind: pubsub.Private})
	o.publish(executionID, "executionSubmitted", nil)

	priority := flowcontrol.PriorityForScore(req.Priority)
	err := o.fc.Enqueue(flowcontrol.Message{
		ID:       executionID,
		Priority: priority,
		Size:     int64(len(req.TestScript)),
		Payload:  executionID,
	})
	if err != nil {
		exec.transition(Failed)
		return "", err
	}

	o.wg.Add(1)
	go o.runOne(ctx, executionID)

	return executionID, nil
}

func (o *Orchestrator) publish(executionID, kind string, content map[string]any) {
	if content == nil {
		content = map[string]any{}
	}
	content["executionId"] = executionID
	content["kind"] = kind
	o.bus.Publish(pubsub.Message{ChannelID: channelFor(executionID), Content: content})
}

// runOne pops the message this execution enqueued (dispatcher loop
// granularity is per-execution in this implementation: each Submit spawns
// its own worker bounded by the Orchestrator's semaphore, while the
// FlowController's Pop ordering still governs which one actually proceeds
// first within the pool).
func (o *Orchestrator) runOne(ctx context.Context, executionID string) {
	defer o.wg.Done()

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		o.finish(executionID, Cancelled)
		return
	}
	defer func() { <-o.sem }()

	msg, ok := o.fc.Pop()
	if !ok {
		return
	}
	if msg.ID != executionID {
		// Another worker already claimed this slot's message; re-enqueue
		// and let the owning worker pick it up on its own turn.
		_ = o.fc.Enqueue(msg)
	}

	exec := o.get(executionID)
	if exec == nil {
		return
	}
	if exec.snapshot().Status == Cancelled {
		return
	}

	exec.transition(Running)
	exec.mu.Lock()
	exec.StartedAt = o.clk.Now()
	exec.mu.Unlock()
	o.publish(executionID, "executionRunning", nil)

	runCtx := ctx
	var cancel context.CancelFunc
	if exec.Request.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, exec.Request.Timeout)
		defer cancel()
	}

	handle, err := o.cm.ExecuteTest(runCtx, exec.Request.TestScript, exec.Request.Timeout)
	if err != nil {
		o.finish(executionID, Failed)
		return
	}

	exec.mu.Lock()
	exec.ContainerID = handle.ContainerID
	exec.PodName = handle.PodName
	exec.mu.Unlock()

	defer o.cm.Cleanup(context.Background(), handle.ContainerID)

	result, err := o.cm.CollectResults(runCtx, handle.ContainerID)
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		o.finish(executionID, TimedOut)
	case err != nil:
		o.finish(executionID, Failed)
	case !result.Success:
		o.finish(executionID, Failed)
	default:
		o.finish(executionID, Completed)
	}
}

func (o *Orchestrator) finish(executionID string, status Status) {
	exec := o.get(executionID)
	if exec == nil {
		return
	}
	exec.mu.Lock()
	if exec.Status.terminal() {
		exec.mu.Unlock()
		return
	}
	exec.Status = status
	exec.EndedAt = o.clk.Now()
	exec.mu.Unlock()

	o.mu.Lock()
	if status == Completed {
		o.completed++
	} else if status == Failed || status == TimedOut {
		o.failed++
	}
	o.mu.Unlock()

	kind := map[Status]string{
		Completed: "execution-completed",
		Failed:    "execution-failed",
		TimedOut:  "execution-failed",
		Cancelled: "execution-cancelled",
	}[status]
	o.publish(executionID, kind, map[string]any{"status": string(status)})
}

func (o *Orchestrator) get(executionID string) *executionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.executions[executionID]
}

// GetStatus returns a snapshot of executionID's current state.
func (o *Orchestrator) GetStatus(executionID string) (Execution, error) {
	exec := o.get(executionID)
	if exec == nil {
		return Execution{}, apperrors.New(apperrors.NotFound, "execution not found")
	}
	return exec.snapshot(), nil
}

// CancelExecution transitions executionID to Cancelled from any
// non-terminal state, returning whether a transition actually occurred
//.
func (o *Orchestrator) CancelExecution(ctx context.Context, executionID string) bool {
	exec := o.get(executionID)
	if exec == nil {
		return false
	}

	exec.mu.Lock()
	if exec.Status.terminal() {
		exec.mu.Unlock()
		return false
	}
	containerID := exec.ContainerID
	exec.Status = Cancelled
	exec.EndedAt = o.clk.Now()
	exec.mu.Unlock()

	if containerID != "" {
		_ = o.cm.Cleanup(ctx, containerID)
	}
	o.publish(executionID, "execution-cancelled", map[string]any{"status": string(Cancelled)})
	return true
}

// GetQueueStats returns {waiting, active, completed, failed, delayed}
// derived from the FlowController and live container registry.
func (o *Orchestrator) GetQueueStats() QueueStats {
	fcStats := o.fc.Stats()

	o.mu.Lock()
	completed, failed := o.completed, o.failed
	o.mu.Unlock()

	return QueueStats{
		Waiting:   fcStats.High + fcStats.Normal + fcStats.Low,
		Active:    o.cm.ActivePodCount(),
		Completed: completed,
		Failed:    failed,
		Delayed:   0,
	}
}

// Shutdown waits for in-flight executions to finish (bounded by ctx) and
// guarantees every registered container is cleaned up.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	close(o.stop)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	o.cm.CleanupAll(context.Background())
	return nil
}
