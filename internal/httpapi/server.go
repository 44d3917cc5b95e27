// Package httpapi exposes the Orchestrator's Control-Plane RPC as
// HTTP+JSON over chi, with global middleware for request ID, structured
// logging, Prometheus metrics, panic recovery, and CORS.
package httpapi

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autoqa/controlplane/pkg/apperrors"
	"github.com/autoqa/controlplane/pkg/artifact"
	"github.com/autoqa/controlplane/pkg/clock"
	"github.com/autoqa/controlplane/pkg/healing"
	"github.com/autoqa/controlplane/pkg/notification"
	"github.com/autoqa/controlplane/pkg/orchestrator"
	"github.com/autoqa/controlplane/pkg/provider"
	"github.com/autoqa/controlplane/pkg/ratelimit"
	"github.com/autoqa/controlplane/pkg/report"
)

// Server holds the HTTP server dependencies.
type Server struct {
	Router  *chi.Mux
	logger  *slog.Logger
	orch    *orchestrator.Orchestrator
	pool    *provider.Pool
	tokens  *ratelimit.TokenBucket
	capture *artifact.Capture
	feed    *notification.Feed
	healCfg healing.Config
	clk     clock.Clock

	startedAt time.Time
}

// NewServer creates an HTTP server exposing orch's Control-Plane RPC and
// the health/metrics endpoints. pool, tokens, capture and feed may be nil
// when the corresponding subsystem is not configured.
func NewServer(corsOrigins []string, logger *slog.Logger, orch *orchestrator.Orchestrator, pool *provider.Pool, tokens *ratelimit.TokenBucket, capture *artifact.Capture, feed *notification.Feed, healCfg healing.Config, clk clock.Clock, metricsReg *prometheus.Registry) *Server {
	if clk == nil {
		clk = clock.System{}
	}
	s := &Server{
		Router:    chi.NewRouter(),
		logger:    logger,
		orch:      orch,
		pool:      pool,
		tokens:    tokens,
		capture:   capture,
		feed:      feed,
		healCfg:   healCfg,
		clk:       clk,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/api/v1", func(r chi.Router) {
		r.Post("/executions", s.handleSubmit)
		r.Get("/executions/{executionID}", s.handleGetStatus)
		r.Post("/executions/{executionID}/cancel", s.handleCancel)
		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/providers", s.handleProviderStatus)
		r.Post("/providers/generate", s.handleProviderGenerate)
		r.Post("/heal", s.handleHeal)
		r.Post("/artifacts/capture", s.handleCaptureArtifacts)
		r.Delete("/artifacts/{testID}/{executionID}", s.handleDeleteArtifacts)
		r.Get("/notifications/{userID}", s.handleNotifications)
		r.Post("/reports", s.handleRenderReport)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]any{
		"status": "ready",
		"uptime": time.Since(s.startedAt).Truncate(time.Second).String(),
	})
}

// executionRequest is the wire shape of an ExecutionRequest.
type executionRequest struct {
	UserID        string `json:"userId" validate:"required"`
	ScenarioID    string `json:"scenarioId" validate:"required"`
	TestScript    string `json:"testScript" validate:"required"`
	Priority      int    `json:"priority" validate:"gte=0,lte=10"`
	TimeoutSecond int    `json:"timeoutSeconds" validate:"gte=0"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req executionRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	executionID, err := s.orch.Submit(r.Context(), orchestrator.Request{
		UserID:     req.UserID,
		ScenarioID: req.ScenarioID,
		TestScript: req.TestScript,
		Priority:   req.Priority,
		Timeout:    time.Duration(req.TimeoutSecond) * time.Second,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	Respond(w, http.StatusAccepted, map[string]string{"executionId": executionID})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	exec, err := s.orch.GetStatus(executionID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, exec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	cancelled := s.orch.CancelExecution(r.Context(), executionID)
	Respond(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	Respond(w, http.StatusOK, s.orch.GetQueueStats())
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		Respond(w, http.StatusOK, map[string]provider.ProviderStatus{})
		return
	}
	Respond(w, http.StatusOK, s.pool.Status())
}

// generateRequest is the wire shape of a ProviderPool.Generate call,
// gated by the TokenBucket before it reaches the pool.
type generateRequest struct {
	Prompt      string  `json:"prompt" validate:"required"`
	MaxTokens   int     `json:"maxTokens" validate:"gte=0"`
	Temperature float64 `json:"temperature" validate:"gte=0,lte=2"`
	Model       string  `json:"model"`
	Timeout     int     `json:"timeoutSeconds" validate:"gte=0"`
}

func (s *Server) handleProviderGenerate(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		RespondError(w, http.StatusServiceUnavailable, string(apperrors.InvariantViolation), "no providers registered")
		return
	}

	var req generateRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	if s.tokens != nil {
		if err := s.tokens.ConsumeRequest(1); err != nil {
			s.respondErr(w, err)
			return
		}
		estimated := ratelimit.EstimateTokens(len(req.Prompt), req.MaxTokens)
		if err := s.tokens.ConsumeTokens(estimated); err != nil {
			s.respondErr(w, err)
			return
		}
	}

	result, err := s.pool.Generate(r.Context(), req.Prompt, provider.Options{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Model:       req.Model,
		Timeout:     req.Timeout,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	Respond(w, http.StatusOK, result)
}

// healRequest is the wire shape of a HealingEngine.Heal invocation: the
// configured strategies run in order against one captured locator-failure
// context.
type healRequest struct {
	UserID              string `json:"userId" validate:"required"`
	OldSelector         string `json:"oldSelector"`
	LastKnownSelector   string `json:"lastKnownSelector"`
	LastKnownVisualHash string `json:"lastKnownVisualHash"`
	ScreenshotBase64    string `json:"screenshotBase64"`
	DOM                 string `json:"dom"`
}

func (s *Server) handleHeal(w http.ResponseWriter, r *http.Request) {
	var req healRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	var screenshot []byte
	if req.ScreenshotBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.ScreenshotBase64)
		if err != nil {
			RespondError(w, http.StatusBadRequest, string(apperrors.BadRequest), "screenshotBase64 is not valid base64")
			return
		}
		screenshot = decoded
	}

	var sink healing.Sink
	if s.feed != nil {
		sink = notification.HealingSink{Feed: s.feed}
	}
	eng := healing.New(s.healCfg, req.UserID, healing.DefaultStrategyFuncs(), s.clk, s.logger, sink)
	event := eng.Heal(r.Context(), healing.Context{
		OldSelector: req.OldSelector,
		LastKnownLocation: healing.LastKnownLocation{
			Selector:   req.LastKnownSelector,
			VisualHash: req.LastKnownVisualHash,
		},
		Screenshot: screenshot,
		DOM:        req.DOM,
	})
	Respond(w, http.StatusOK, event)
}

// staticPage adapts a single already-captured screenshot/DOM pair to
// artifact.Page, for callers that hand the control plane finished capture
// data over HTTP rather than a live browser handle.
type staticPage struct {
	png []byte
	dom string
}

func (p staticPage) Screenshot(context.Context) ([]byte, artifact.Viewport, error) {
	return p.png, artifact.DefaultViewport, nil
}

func (p staticPage) DOM(context.Context) (string, error) {
	return p.dom, nil
}

// captureRequest is the wire shape of one ArtifactCapture.CaptureAll call.
type captureRequest struct {
	TestID           string `json:"testId" validate:"required"`
	ExecutionID      string `json:"executionId" validate:"required"`
	StepName         string `json:"stepName"`
	ScreenshotBase64 string `json:"screenshotBase64"`
	DOM              string `json:"dom"`
	StepError        string `json:"stepError"`
}

func (s *Server) handleCaptureArtifacts(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}
	if s.capture == nil {
		RespondError(w, http.StatusServiceUnavailable, string(apperrors.InvariantViolation), "artifact capture is not configured")
		return
	}

	var png []byte
	if req.ScreenshotBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.ScreenshotBase64)
		if err != nil {
			RespondError(w, http.StatusBadRequest, string(apperrors.BadRequest), "screenshotBase64 is not valid base64")
			return
		}
		png = decoded
	}

	var stepErr error
	if req.StepError != "" {
		stepErr = apperrors.New(apperrors.TestExecutionFailed, req.StepError)
	}

	result := s.capture.CaptureAll(r.Context(), staticPage{png: png, dom: req.DOM}, req.TestID, req.ExecutionID, req.StepName, stepErr)
	Respond(w, http.StatusOK, result)
}

func (s *Server) handleDeleteArtifacts(w http.ResponseWriter, r *http.Request) {
	if s.capture == nil {
		RespondError(w, http.StatusServiceUnavailable, string(apperrors.InvariantViolation), "artifact capture is not configured")
		return
	}
	testID := chi.URLParam(r, "testID")
	executionID := chi.URLParam(r, "executionID")
	failures := s.capture.DeleteArtifacts(r.Context(), testID, executionID)
	Respond(w, http.StatusOK, map[string]any{"failures": failures})
}

// reportRequest is the wire shape of a ReportAssembler.Assemble call; the
// rendered format is selected by the "format" query parameter (html, pdf,
// json — default json).
type reportRequest struct {
	ExecutionID    string                 `json:"executionId" validate:"required"`
	ScenarioID     string                 `json:"scenarioId" validate:"required"`
	UserID         string                 `json:"userId" validate:"required"`
	Start          time.Time              `json:"start"`
	End            time.Time              `json:"end"`
	TotalSteps     int                    `json:"totalSteps" validate:"gte=0"`
	CompletedSteps int                    `json:"completedSteps" validate:"gte=0"`
	Status         report.Status          `json:"status" validate:"oneof=passed failed skipped"`
	Timeline       []report.TimelineEvent `json:"timeline"`
	Artifacts      []artifact.Artifact    `json:"artifacts"`
}

func (s *Server) handleRenderReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	format := report.OutputFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = report.FormatJSON
	}

	rep := report.Assemble(report.Bundle{
		ExecutionID:    req.ExecutionID,
		ScenarioID:     req.ScenarioID,
		UserID:         req.UserID,
		Start:          req.Start,
		End:            req.End,
		TotalSteps:     req.TotalSteps,
		CompletedSteps: req.CompletedSteps,
		Status:         req.Status,
		Timeline:       req.Timeline,
		Artifacts:      req.Artifacts,
	})

	data, err := report.Render(rep, format)
	if err != nil {
		RespondError(w, http.StatusBadRequest, string(apperrors.BadRequest), err.Error())
		return
	}

	switch format {
	case report.FormatHTML:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
	case report.FormatPDF:
		w.Header().Set("Content-Type", "application/pdf")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		Respond(w, http.StatusOK, []notification.Notification{})
		return
	}
	userID := chi.URLParam(r, "userID")
	Respond(w, http.StatusOK, s.feed.ForUser(userID))
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.KindOf(err) {
	case apperrors.ValidationFailed, apperrors.BadRequest:
		status = http.StatusBadRequest
	case apperrors.NotFound:
		status = http.StatusNotFound
	case apperrors.PermissionDenied:
		status = http.StatusForbidden
	case apperrors.RateLimited, apperrors.BackpressureRejected, apperrors.CircuitOpen:
		status = http.StatusTooManyRequests
	}
	RespondError(w, status, string(apperrors.KindOf(err)), err.Error())
}
