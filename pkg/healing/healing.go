// Package healing implements the HealingEngine: an ordered set of
// locator-recovery strategies, each attempt logged before the next starts,
// surfacing success/failure as user Notifications.
package healing

import (
	"context"
	"log/slog"
	"time"

	"github.com/autoqa/controlplane/pkg/apperrors"
	"github.com/autoqa/controlplane/pkg/clock"
)

// Strategy identifies one locator-recovery technique.
type Strategy string

const (
	CssSelector        Strategy = "CssSelector"
	XPath              Strategy = "XPath"
	TextContent        Strategy = "TextContent"
	VisualRecognition  Strategy = "VisualRecognition"
	StructuralAnalysis Strategy = "StructuralAnalysis"
)

// DefaultStrategies is the engine's default strategy ordering.
func DefaultStrategies() []Strategy {
	return []Strategy{CssSelector, XPath, TextContent, VisualRecognition, StructuralAnalysis}
}

// LastKnownLocation carries the healing context a strategy reasons from.
type LastKnownLocation struct {
	Selector   string
	VisualHash string
}

// Context is the per-heal-call input.
type Context struct {
	OldSelector       string
	LastKnownLocation LastKnownLocation
	Screenshot        []byte
	DOM               string
}

// Candidate is what a strategy produces when it runs.
type Candidate struct {
	Selector   string
	Confidence float64
	Success    bool
	Err        error
}

// StrategyFunc executes one Strategy against ctx.
type StrategyFunc func(ctx context.Context, healCtx Context) Candidate

// Attempt is one logged entry in the attempt log.
type Attempt struct {
	Strategy        Strategy
	Selector        string
	Confidence      float64
	Success         bool
	Error           string
	ExecutionTimeMs int64
}

// Notification mirrors the control plane's notification taxonomy; its
// feed is the production consumer.
type Notification struct {
	ID        string
	UserID    string
	Kind      string
	Title     string
	Message   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// HealingEvent is emitted once per heal() call.
type HealingEvent struct {
	ID         string
	Success    bool
	Strategy   Strategy
	Selector   string
	Confidence float64
	AttemptLog []Attempt
	Timestamp  time.Time
}

// Config configures the engine.
type Config struct {
	Strategies          []Strategy
	MaxAttempts         int
	ConfidenceThreshold float64
}

// Sink receives HealingEvents and Notifications as they are produced.
type Sink interface {
	OnHealingEvent(HealingEvent)
	OnNotification(Notification)
}

// Engine is the HealingEngine, bound to a single userId for the
// lifetime of its Notifications.
type Engine struct {
	cfg        Config
	userID     string
	strategies map[Strategy]StrategyFunc
	clk        clock.Clock
	log        *slog.Logger
	sink       Sink

	lastTimestamp time.Time
}

// New creates an Engine for userID. strategies maps each Strategy named in
// cfg.Strategies to its implementation; an unregistered strategy is skipped
// with a logged warning.
func New(cfg Config, userID string, strategies map[Strategy]StrategyFunc, clk clock.Clock, logger *slog.Logger, sink Sink) *Engine {
	if cfg.Strategies == nil {
		cfg.Strategies = DefaultStrategies()
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, userID: userID, strategies: strategies, clk: clk, log: logger, sink: sink}
}

// Heal runs the configured strategies in order, logging every attempt
// before the next strategy starts, and emits the resulting HealingEvent and
// Notification.
func (e *Engine) Heal(ctx context.Context, healCtx Context) HealingEvent {
	var log []Attempt
	attempts := 0

	for _, strat := range e.cfg.Strategies {
		if attempts >= e.cfg.MaxAttempts {
			break
		}
		fn, ok := e.strategies[strat]
		if !ok {
			e.log.Warn("healing strategy not registered, skipping", "strategy", strat)
			continue
		}

		attempts++
		start := e.clk.Now()
		cand := e.runStrategy(ctx, strat, fn, healCtx)
		elapsed := e.clk.Now().Sub(start)

		attempt := Attempt{
			Strategy:        strat,
			Selector:        cand.Selector,
			Confidence:      cand.Confidence,
			Success:         cand.Success,
			ExecutionTimeMs: elapsed.Milliseconds(),
		}
		if cand.Err != nil {
			attempt.Error = cand.Err.Error()
		}
		log = append(log, attempt)

		if cand.Success && cand.Confidence >= e.cfg.ConfidenceThreshold {
			return e.emitSuccess(healCtx, strat, cand, log)
		}
	}

	return e.emitFailure(log)
}

func (e *Engine) runStrategy(ctx context.Context, strat Strategy, fn StrategyFunc, healCtx Context) Candidate {
	if strat == VisualRecognition {
		if healCtx.LastKnownLocation.VisualHash == "" && len(healCtx.Screenshot) == 0 {
			return Candidate{Success: false, Err: apperrors.New(apperrors.InsufficientVisualData, "no visual hash or screenshot available")}
		}
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("healing strategy panicked", "strategy", strat, "panic", r)
		}
	}()
	return fn(ctx, healCtx)
}

func (e *Engine) nextTimestamp() time.Time {
	now := e.clk.Now()
	if !now.After(e.lastTimestamp) {
		now = e.lastTimestamp.Add(time.Nanosecond)
	}
	e.lastTimestamp = now
	return now
}

func (e *Engine) emitSuccess(healCtx Context, strat Strategy, cand Candidate, log []Attempt) HealingEvent {
	event := HealingEvent{
		ID:         clock.NewHealingEventID(),
		Success:    true,
		Strategy:   strat,
		Selector:   cand.Selector,
		Confidence: cand.Confidence,
		AttemptLog: log,
		Timestamp:  e.nextTimestamp(),
	}
	if e.sink != nil {
		e.sink.OnHealingEvent(event)
		e.sink.OnNotification(Notification{
			ID:     clock.NewNotificationID(),
			UserID: e.userID,
			Kind:   "HealingEvent",
			Title:  "Self-Healing Success",
			Metadata: map[string]any{
				"oldSelector":   healCtx.OldSelector,
				"newSelector":   cand.Selector,
				"strategy":      string(strat),
				"confidence":    cand.Confidence,
				"attemptsCount": len(log),
			},
			CreatedAt: event.Timestamp,
		})
	}
	return event
}

func (e *Engine) emitFailure(log []Attempt) HealingEvent {
	var total int64
	strategies := make([]string, 0, len(log))
	for _, a := range log {
		total += a.ExecutionTimeMs
		strategies = append(strategies, string(a.Strategy))
	}
	event := HealingEvent{
		ID:         clock.NewHealingEventID(),
		Success:    false,
		AttemptLog: log,
		Timestamp:  e.nextTimestamp(),
	}
	if e.sink != nil {
		e.sink.OnHealingEvent(event)
		e.sink.OnNotification(Notification{
			ID:     clock.NewNotificationID(),
			UserID: e.userID,
			Kind:   "HealingEvent",
			Title:  "Self-Healing Failed",
			Metadata: map[string]any{
				"strategiesTried":    strategies,
				"attemptsCount":      len(log),
				"totalExecutionTime": total,
			},
			CreatedAt: event.Timestamp,
		})
	}
	return event
}

// SystemAlert reports an internal error not attributable to any strategy's
// declared failure.
func (e *Engine) SystemAlert(err error) {
	e.log.Error("healing engine internal error", "error", err)
	if e.sink != nil {
		e.sink.OnNotification(Notification{
			ID:        clock.NewNotificationID(),
			UserID:    e.userID,
			Kind:      "SystemAlert",
			Title:     "Healing Engine Error",
			Message:   err.Error(),
			CreatedAt: e.nextTimestamp(),
		})
	}
}
