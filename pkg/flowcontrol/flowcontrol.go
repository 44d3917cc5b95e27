// Package flowcontrol implements the FlowController: three priority FIFO
// queues with memory- and count-bounded admission and
// watermark-driven backpressure signaling.
package flowcontrol

import (
	"container/list"
	"sync"
	"time"

	"github.com/autoqa/controlplane/pkg/apperrors"
	"github.com/autoqa/controlplane/pkg/clock"
)

// Priority is one of the three FIFO lanes.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// Message is the unit of admission. Payload is opaque to the controller.
type Message struct {
	ID       string
	Priority Priority
	Size     int64 // bytes, counted against maxMemoryUsage
	Payload  any
}

// SignalKind enumerates the backpressure signals the controller emits.
type SignalKind string

const (
	SignalDropMessages       SignalKind = "drop_messages"
	SignalPause              SignalKind = "pause"
	SignalSlowDown           SignalKind = "slow_down"
	SignalResume             SignalKind = "resume"
	SignalSlowConsumerDetect SignalKind = "slow_consumer_detected"
)

// Signal is a backpressure notification pushed to Signals().
type Signal struct {
	Kind        SignalKind
	Reason      string
	Utilization float64
	At          time.Time
}

// Config enumerates every recognized FlowController option.
type Config struct {
	MaxBufferSize         int           // total count across all three queues
	MaxMemoryUsage        int64         // byte budget
	HighWaterMark         float64       // percent threshold, e.g. 0.8
	LowWaterMark          float64       // percent threshold, e.g. 0.5
	ProcessingRate        float64       // messages per second; stored only, Pop is not paced by it
	SlowConsumerThreshold time.Duration
}

type queue struct {
	msgs *list.List // of *Message
}

func newQueue() *queue { return &queue{msgs: list.New()} }

// FlowController is the priority admission queue with backpressure.
type FlowController struct {
	mu   sync.Mutex
	cfg  Config
	clk  clock.Clock
	high *queue
	norm *queue
	low  *queue

	currentBytes int64
	currentCount int

	backpressureActive bool
	lastPop            time.Time

	signals chan Signal
}

// New creates a FlowController from cfg.
func New(cfg Config, clk clock.Clock) *FlowController {
	if clk == nil {
		clk = clock.System{}
	}
	return &FlowController{
		cfg:     cfg,
		clk:     clk,
		high:    newQueue(),
		norm:    newQueue(),
		low:     newQueue(),
		lastPop: clk.Now(),
		signals: make(chan Signal, 256),
	}
}

// Signals returns the channel of backpressure signals. Callers should drain
// it continuously; the channel is buffered but not unbounded.
func (f *FlowController) Signals() <-chan Signal {
	return f.signals
}

func (f *FlowController) emit(kind SignalKind, reason string, utilization float64) {
	sig := Signal{Kind: kind, Reason: reason, Utilization: utilization, At: f.clk.Now()}
	select {
	case f.signals <- sig:
	default:
		// Signals channel full: drop this new signal rather than stall
		// the admission path under flood.
	}
}

func (f *FlowController) queueFor(p Priority) *queue {
	switch p {
	case High:
		return f.high
	case Low:
		return f.low
	default:
		return f.norm
	}
}

func (f *FlowController) utilizationLocked() float64 {
	byCount := float64(f.currentCount) / float64(max(f.cfg.MaxBufferSize, 1))
	byBytes := float64(f.currentBytes) / float64(max(int(f.cfg.MaxMemoryUsage), 1))
	if byBytes > byCount {
		return byBytes
	}
	return byCount
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Enqueue admits msg per the controller's admission policy, or rejects it.
func (f *FlowController) Enqueue(msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.currentBytes+msg.Size > f.cfg.MaxMemoryUsage {
		f.dropAllLocked(f.low)
		util := f.utilizationLocked()
		f.emit(SignalDropMessages, "memory_pressure", util)
		f.emit(SignalPause, "", util) // memory pressure also pauses producers
		return apperrors.NewBackpressureRejected("MemoryPressure")
	}

	if f.currentCount >= f.cfg.MaxBufferSize {
		f.dropOldestLocked(f.norm, 100)
		util := f.utilizationLocked()
		f.emit(SignalPause, "buffer_overflow", util)
		return apperrors.NewBackpressureRejected("BufferOverflow")
	}

	q := f.queueFor(msg.Priority)
	m := msg
	q.msgs.PushBack(&m)
	f.currentBytes += msg.Size
	f.currentCount++

	f.reevaluateWatermarksLocked()
	return nil
}

// dropAllLocked drops every message in q, re-crediting bytes/count.
func (f *FlowController) dropAllLocked(q *queue) {
	for e := q.msgs.Front(); e != nil; {
		next := e.Next()
		m := e.Value.(*Message)
		f.currentBytes -= m.Size
		f.currentCount--
		q.msgs.Remove(e)
		e = next
	}
}

// dropOldestLocked drops up to n oldest messages from q.
func (f *FlowController) dropOldestLocked(q *queue, n int) {
	for i := 0; i < n; i++ {
		e := q.msgs.Front()
		if e == nil {
			return
		}
		m := e.Value.(*Message)
		f.currentBytes -= m.Size
		f.currentCount--
		q.msgs.Remove(e)
	}
}

// reevaluateWatermarksLocked emits slow_down/resume transitions.
func (f *FlowController) reevaluateWatermarksLocked() {
	util := f.utilizationLocked()
	if !f.backpressureActive && util >= f.cfg.HighWaterMark {
		f.backpressureActive = true
		f.emit(SignalSlowDown, "high_water_mark", util)
	} else if f.backpressureActive && util < f.cfg.LowWaterMark {
		f.backpressureActive = false
		f.emit(SignalResume, "low_water_mark", util)
	}
}

// Pop removes and returns the next message in priority order
// (high > normal > low). ok is false when all queues are empty.
func (f *FlowController) Pop() (Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var e *list.Element
	var q *queue
	for _, cand := range []*queue{f.high, f.norm, f.low} {
		if cand.msgs.Len() > 0 {
			q = cand
			e = cand.msgs.Front()
			break
		}
	}
	if e == nil {
		f.checkSlowConsumerLocked()
		return Message{}, false
	}

	m := q.msgs.Remove(e).(*Message)
	f.currentBytes -= m.Size
	f.currentCount--
	f.lastPop = f.clk.Now()
	f.reevaluateWatermarksLocked()
	return *m, true
}

func (f *FlowController) checkSlowConsumerLocked() {
	if f.cfg.SlowConsumerThreshold <= 0 {
		return
	}
	since := f.clk.Now().Sub(f.lastPop)
	if since > f.cfg.SlowConsumerThreshold {
		f.emit(SignalSlowConsumerDetect, "", f.utilizationLocked())
		f.emit(SignalSlowDown, "slow_consumer", f.utilizationLocked())
		f.lastPop = f.clk.Now() // avoid re-emitting every Pop until another cycle elapses
	}
}

// Stats reports the queue depths and byte usage for GetQueueStats.
type Stats struct {
	High, Normal, Low int
	CurrentBytes      int64
	CurrentCount      int
}

// Stats returns a snapshot of the controller's current state.
func (f *FlowController) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Stats{
		High:         f.high.msgs.Len(),
		Normal:       f.norm.msgs.Len(),
		Low:          f.low.msgs.Len(),
		CurrentBytes: f.currentBytes,
		CurrentCount: f.currentCount,
	}
}

// Recredit returns size bytes to the byte budget on cancellation; the
// message count is left unchanged.
func (f *FlowController) Recredit(size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentBytes -= size
	if f.currentBytes < 0 {
		f.currentBytes = 0
	}
	f.reevaluateWatermarksLocked()
}

// PriorityForScore maps a 0-10 request priority to a queue lane, the way
// the Orchestrator does: 0-3 → low, 4-7 → normal, 8-10 → high.
func PriorityForScore(score int) Priority {
	switch {
	case score >= 8:
		return High
	case score >= 4:
		return Normal
	default:
		return Low
	}
}
