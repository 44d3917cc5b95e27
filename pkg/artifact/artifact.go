// Package artifact implements ArtifactCapture: screenshot, DOM and
// network-log capture with optional compression, uploaded to a BlobStore
// under a fixed artifacts/{testID}/{executionID}/{kind}/ key schema.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/autoqa/controlplane/pkg/clock"
)

// Kind is one of the three artifact classes.
type Kind string

const (
	Screenshot  Kind = "Screenshot"
	DomSnapshot Kind = "DomSnapshot"
	NetworkLog  Kind = "NetworkLog"
)

func (k Kind) extension() string {
	switch k {
	case Screenshot:
		return "png"
	case NetworkLog:
		return "har"
	default:
		return "html"
	}
}

// Viewport is the page dimensions recorded with a Screenshot.
type Viewport struct {
	Width, Height int
}

// DefaultViewport is used when the real viewport is unknown.
var DefaultViewport = Viewport{Width: 1920, Height: 1080}

// Artifact is the metadata record returned by every capture call.
type Artifact struct {
	ID          string
	ExecutionID string
	Kind        Kind
	Timestamp   time.Time
	BlobKey     string
	Size        int
	Metadata    map[string]any
}

// BlobStore is the consumed collaborator.
type BlobStore interface {
	Upload(ctx context.Context, data []byte, key, contentType string, metadata map[string]string) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Page is the minimal browser-page surface ArtifactCapture depends on.
// The production implementation wraps the Browser Runtime's page handle;
// tests use an in-memory fake.
type Page interface {
	Screenshot(ctx context.Context) ([]byte, Viewport, error)
	DOM(ctx context.Context) (string, error)
}

// Config toggles compression.
type Config struct {
	CompressScreenshots bool
	CompressDOM         bool
}

type networkEntry struct {
	URL             string
	Method          string
	Status          int
	RequestHeaders  map[string]string
	ResponseHeaders map[string]string
	RequestBody     string
	Timestamp       time.Time
	Duration        time.Duration
}

// Capture is ArtifactCapture.
type Capture struct {
	store BlobStore
	cfg   Config
	clk   clock.Clock
	log   *slog.Logger

	mu      sync.Mutex
	network map[string][]networkEntry // keyed by testId/executionId
}

// New creates a Capture backed by store.
func New(store BlobStore, cfg Config, clk clock.Clock, logger *slog.Logger) *Capture {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Capture{store: store, cfg: cfg, clk: clk, log: logger, network: make(map[string][]networkEntry)}
}

func blobKey(testID, executionID string, kind Kind, at time.Time) string {
	return fmt.Sprintf("artifacts/%s/%s/%s/%s.%s", testID, executionID, kind, clock.SortableTimestamp(at), kind.extension())
}

// CaptureScreenshot fetches a full-page PNG and uploads it. Any error is
// swallowed: the method returns nil rather than propagating a failure that
// would otherwise fail the test.
func (c *Capture) CaptureScreenshot(ctx context.Context, page Page, testID, executionID, stepName string) *Artifact {
	raw, viewport, err := page.Screenshot(ctx)
	if err != nil {
		c.log.Warn("screenshot capture failed", "testId", testID, "executionId", executionID, "error", err)
		return nil
	}
	if viewport == (Viewport{}) {
		viewport = DefaultViewport
	}

	data := raw
	if c.cfg.CompressScreenshots {
		if recompressed, ok := recompressPNG(raw); ok {
			data = recompressed
		}
	}

	at := c.clk.Now()
	key := blobKey(testID, executionID, Screenshot, at)
	if _, err := c.store.Upload(ctx, data, key, "image/png", map[string]string{"stepName": stepName}); err != nil {
		c.log.Warn("screenshot upload failed", "testId", testID, "executionId", executionID, "error", err)
		return nil
	}

	return &Artifact{
		ID:          clock.NewArtifactID(),
		ExecutionID: executionID,
		Kind:        Screenshot,
		Timestamp:   at,
		BlobKey:     key,
		Size:        len(data),
		Metadata:    map[string]any{"stepName": stepName, "viewport": viewport},
	}
}

// recompressPNG decodes raw and re-encodes it as PNG at
// png.BestCompression. The re-encode is lossless: pixel data is unchanged
// and no quality level is applied.
func recompressPNG(raw []byte) ([]byte, bool) {
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, false
	}
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

var whitespaceRun = regexp.MustCompile(`>\s+<`)

// CaptureDomSnapshot fetches the page HTML and uploads it.
func (c *Capture) CaptureDomSnapshot(ctx context.Context, page Page, testID, executionID string, captureErr error) *Artifact {
	html, err := page.DOM(ctx)
	if err != nil {
		c.log.Warn("dom capture failed", "testId", testID, "executionId", executionID, "error", err)
		return nil
	}

	data := html
	if c.cfg.CompressDOM {
		data = whitespaceRun.ReplaceAllString(data, "><")
	}

	at := c.clk.Now()
	key := blobKey(testID, executionID, DomSnapshot, at)
	if _, err := c.store.Upload(ctx, []byte(data), key, "text/html", nil); err != nil {
		c.log.Warn("dom upload failed", "testId", testID, "executionId", executionID, "error", err)
		return nil
	}

	meta := map[string]any{}
	if captureErr != nil {
		meta["error"] = captureErr.Error()
	}
	return &Artifact{
		ID:          clock.NewArtifactID(),
		ExecutionID: executionID,
		Kind:        DomSnapshot,
		Timestamp:   at,
		BlobKey:     key,
		Size:        len(data),
		Metadata:    meta,
	}
}

func networkKey(testID, executionID string) string { return testID + "/" + executionID }

// RecordRequest appends one resolved request/response pair to the
// in-flight network log for testID/executionID; CaptureNetworkLogs
// serializes whatever has been recorded for that pair.
func (c *Capture) RecordRequest(testID, executionID, url, method string, status int, reqHeaders, respHeaders map[string]string, reqBody string, at time.Time, duration time.Duration) {
	key := networkKey(testID, executionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.network[key] = append(c.network[key], networkEntry{
		URL: url, Method: method, Status: status,
		RequestHeaders: reqHeaders, ResponseHeaders: respHeaders,
		RequestBody: reqBody, Timestamp: at, Duration: duration,
	})
}

// harLog mirrors the subset of HAR 1.2 this capture pipeline produces.
type harLog struct {
	Log harBody `json:"log"`
}

type harBody struct {
	Version string      `json:"version"`
	Creator harCreator  `json:"creator"`
	Entries []harEntry  `json:"entries"`
}

type harCreator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type harEntry struct {
	StartedDateTime string      `json:"startedDateTime"`
	Time            float64     `json:"time"`
	Request         harRequest  `json:"request"`
	Response        harResponse `json:"response"`
}

type harRequest struct {
	Method  string     `json:"method"`
	URL     string     `json:"url"`
	Headers []harHeader `json:"headers"`
	PostData *harPostData `json:"postData,omitempty"`
}

type harResponse struct {
	Status  int        `json:"status"`
	Headers []harHeader `json:"headers"`
}

type harHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type harPostData struct {
	Text string `json:"text"`
}

func toHeaders(m map[string]string) []harHeader {
	out := make([]harHeader, 0, len(m))
	for k, v := range m {
		out = append(out, harHeader{Name: k, Value: v})
	}
	return out
}

// CaptureNetworkLogs serializes the recorded request/response pairs for
// testID/executionID as HAR 1.2 and uploads them.
func (c *Capture) CaptureNetworkLogs(ctx context.Context, testID, executionID string) *Artifact {
	key := networkKey(testID, executionID)
	c.mu.Lock()
	entries := append([]networkEntry(nil), c.network[key]...)
	c.mu.Unlock()

	har := harLog{Log: harBody{
		Version: "1.2",
		Creator: harCreator{Name: "AutoQA Artifact Capture", Version: "1.0.0"},
	}}
	for _, e := range entries {
		var postData *harPostData
		if e.RequestBody != "" {
			postData = &harPostData{Text: e.RequestBody}
		}
		har.Log.Entries = append(har.Log.Entries, harEntry{
			StartedDateTime: e.Timestamp.UTC().Format(time.RFC3339Nano),
			Time:            float64(e.Duration.Milliseconds()),
			Request: harRequest{
				Method: e.Method, URL: e.URL,
				Headers:  toHeaders(e.RequestHeaders),
				PostData: postData,
			},
			Response: harResponse{Status: e.Status, Headers: toHeaders(e.ResponseHeaders)},
		})
	}

	data, err := json.Marshal(har)
	if err != nil {
		c.log.Warn("har marshal failed", "testId", testID, "executionId", executionID, "error", err)
		return nil
	}

	at := c.clk.Now()
	blobKeyStr := blobKey(testID, executionID, NetworkLog, at)
	if _, err := c.store.Upload(ctx, data, blobKeyStr, "application/json", nil); err != nil {
		c.log.Warn("har upload failed", "testId", testID, "executionId", executionID, "error", err)
		return nil
	}

	return &Artifact{
		ID:          clock.NewArtifactID(),
		ExecutionID: executionID,
		Kind:        NetworkLog,
		Timestamp:   at,
		BlobKey:     blobKeyStr,
		Size:        len(data),
		Metadata:    map[string]any{"requestCount": len(entries)},
	}
}

// AllResult is the outcome of CaptureAll.
type AllResult struct {
	Success   bool
	Artifacts []Artifact
	Errors    []string
}

// CaptureAll composes screenshot, DOM and network-log capture.
func (c *Capture) CaptureAll(ctx context.Context, page Page, testID, executionID, stepName string, stepErr error) AllResult {
	var result AllResult
	result.Success = true

	if a := c.CaptureScreenshot(ctx, page, testID, executionID, stepName); a != nil {
		result.Artifacts = append(result.Artifacts, *a)
	} else {
		result.Errors = append(result.Errors, "screenshot capture failed")
	}

	if a := c.CaptureDomSnapshot(ctx, page, testID, executionID, stepErr); a != nil {
		result.Artifacts = append(result.Artifacts, *a)
	} else {
		result.Errors = append(result.Errors, "dom snapshot capture failed")
	}

	if a := c.CaptureNetworkLogs(ctx, testID, executionID); a != nil {
		result.Artifacts = append(result.Artifacts, *a)
	}

	if len(result.Errors) > 0 {
		result.Success = false
	}
	return result
}

// DeleteArtifacts lists by prefix and deletes in parallel; partial failures
// are reported but do not undo earlier deletions.
func (c *Capture) DeleteArtifacts(ctx context.Context, testID, executionID string) []string {
	prefix := fmt.Sprintf("artifacts/%s/%s/", testID, executionID)
	keys, err := c.store.List(ctx, prefix)
	if err != nil {
		return []string{err.Error()}
	}

	var mu sync.Mutex
	var failures []string
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			if err := c.store.Delete(ctx, k); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", k, err))
				mu.Unlock()
			}
		}(key)
	}
	wg.Wait()

	c.mu.Lock()
	delete(c.network, networkKey(testID, executionID))
	c.mu.Unlock()

	return failures
}
