// Package container implements the ContainerManager: per-execution
// isolated browser runtime lifecycle, resource caps, and guaranteed cleanup.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autoqa/controlplane/pkg/apperrors"
	"github.com/autoqa/controlplane/pkg/clock"
)

// IsolationPolicy is the fixed pod-security policy applied to every
// provisioned container.
type IsolationPolicy struct {
	NonRootUser         bool
	ReadOnlyRootFS      bool
	WritablePaths       []string
	DroppedCapabilities []string
	MemoryCapBytes      int64
	CPUCapMillis        int64
	EgressDenyCIDRs     []string
	EgressAllowPublic   bool
}

// DefaultIsolationPolicy returns the control plane's default pod-isolation policy.
func DefaultIsolationPolicy() IsolationPolicy {
	return IsolationPolicy{
		NonRootUser:         true,
		ReadOnlyRootFS:      true,
		WritablePaths:       []string{"/app/screenshots", "/app/reports"},
		DroppedCapabilities: []string{"ALL"},
		MemoryCapBytes:      2 << 30, // 2 GiB
		CPUCapMillis:        2000,
		EgressDenyCIDRs:     []string{"169.254.0.0/16", "127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
		EgressAllowPublic:   true,
	}
}

// PodSpec is what ContainerManager asks the Browser Runtime to create.
type PodSpec struct {
	ContainerID string
	PodName     string
	Policy      IsolationPolicy
	Timeout     time.Duration
	TestScript  string
}

// ContainerHandle identifies one provisioned pod, owned by exactly one
// Execution.
type ContainerHandle struct {
	ContainerID string
	PodName     string
	Namespace   string
	CreatedAt   time.Time
}

// PodStatus is the running/exited state reported by the Browser Runtime.
type PodStatus string

const (
	PodRunning PodStatus = "running"
	PodExited  PodStatus = "exited"
)

// Metrics is the live resource usage of one pod.
type Metrics struct {
	ContainerID     string
	MemoryUsage     int64
	CPUUsage        float64 // 0-100
	NetworkRequests int
}

// Result is the outcome of a finished test run.
type Result struct {
	Success     bool
	Output      string
	Screenshots []string
	Artifacts   []string
	Metrics     Metrics
}

// BrowserRuntime is the consumed collaborator: createPod/status/collect/destroy.
type BrowserRuntime interface {
	CreatePod(ctx context.Context, spec PodSpec) (ContainerHandle, error)
	Status(ctx context.Context, handle ContainerHandle) (PodStatus, Metrics, error)
	Collect(ctx context.Context, handle ContainerHandle) (Result, error)
	Destroy(ctx context.Context, handle ContainerHandle) error
}

type registered struct {
	handle  ContainerHandle
	spec    PodSpec
	cleaned bool
}

// Manager is the ContainerManager.
type Manager struct {
	mu          sync.Mutex
	runtime     BrowserRuntime
	clk         clock.Clock
	log         *slog.Logger
	policy      IsolationPolicy
	concurrency int

	containers map[string]*registered
}

// New creates a Manager backed by runtime. concurrency bounds parallel
// CleanupAll teardown; 0 defaults to 4.
func New(runtime BrowserRuntime, policy IsolationPolicy, clk clock.Clock, logger *slog.Logger, concurrency int) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Manager{
		runtime:     runtime,
		clk:         clk,
		log:         logger,
		policy:      policy,
		concurrency: concurrency,
		containers:  make(map[string]*registered),
	}
}

// ExecuteTest provisions an isolated pod for testScript and registers its
// handle.
func (m *Manager) ExecuteTest(ctx context.Context, testScript string, timeout time.Duration) (ContainerHandle, error) {
	containerID := clock.NewContainerID()
	podName := clock.NewPodName()

	spec := PodSpec{
		ContainerID: containerID,
		PodName:     podName,
		Policy:      m.policy,
		Timeout:     timeout,
		TestScript:  testScript,
	}

	handle, err := m.runtime.CreatePod(ctx, spec)
	if err != nil {
		return ContainerHandle{}, apperrors.Wrap(apperrors.ContainerCreationFailed, err)
	}

	m.mu.Lock()
	m.containers[containerID] = &registered{handle: handle, spec: spec}
	m.mu.Unlock()

	m.log.Info("container provisioned", "containerId", containerID, "podName", podName)
	return handle, nil
}

func (m *Manager) lookup(containerID string) (*registered, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.containers[containerID]
	if !ok || r.cleaned {
		return nil, apperrors.New(apperrors.NotFound, fmt.Sprintf("container %q not found", containerID))
	}
	return r, nil
}

// GetStatus returns the pod's live status and metrics.
func (m *Manager) GetStatus(ctx context.Context, containerID string) (PodStatus, Metrics, error) {
	r, err := m.lookup(containerID)
	if err != nil {
		return "", Metrics{}, err
	}
	status, metrics, err := m.runtime.Status(ctx, r.handle)
	if err != nil {
		return "", Metrics{}, apperrors.Wrap(apperrors.ContainerRuntimeError, err)
	}
	return status, metrics, nil
}

// CollectResults returns the test's outcome without removing the container
//.
func (m *Manager) CollectResults(ctx context.Context, containerID string) (Result, error) {
	r, err := m.lookup(containerID)
	if err != nil {
		return Result{}, err
	}
	result, err := m.runtime.Collect(ctx, r.handle)
	if err != nil {
		return Result{}, apperrors.Wrap(apperrors.ContainerRuntimeError, err)
	}
	return result, nil
}

// Cleanup tears down containerID's pod. Idempotent: a second call on the
// same key, or a call after the container was already cleaned, is a no-op
//.
func (m *Manager) Cleanup(ctx context.Context, containerID string) error {
	m.mu.Lock()
	r, ok := m.containers[containerID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if r.cleaned {
		m.mu.Unlock()
		return nil
	}
	r.cleaned = true
	handle := r.handle
	m.mu.Unlock()

	if err := m.runtime.Destroy(ctx, handle); err != nil {
		m.log.Warn("container destroy failed", "containerId", containerID, "error", err)
		return apperrors.Wrap(apperrors.ContainerRuntimeError, err)
	}
	m.log.Info("container cleaned up", "containerId", containerID)
	return nil
}

// CleanupAll tears down every currently registered container. Guaranteed to
// be invoked on shutdown.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.containers))
	for id, r := range m.containers {
		if !r.cleaned {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.Cleanup(gctx, id); err != nil {
				m.log.Warn("cleanupAll: container cleanup failed", "containerId", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ActivePodCount returns the number of containers not yet cleaned up.
func (m *Manager) ActivePodCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.containers {
		if !r.cleaned {
			count++
		}
	}
	return count
}
