package report

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/autoqa/controlplane/pkg/artifact"
)

func testBundle() Bundle {
	start := time.Date(2026, 7, 29, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	return Bundle{
		ExecutionID:    "exec-1",
		ScenarioID:     "scenario-1",
		UserID:         "user-1",
		Start:          start,
		End:            end,
		TotalSteps:     4,
		CompletedSteps: 4,
		Status:         Passed,
		Timeline: []TimelineEvent{
			{At: start.Add(30 * time.Second), Kind: "step", Message: "clicked button"},
		},
		Artifacts: []artifact.Artifact{
			{ID: "a1", Kind: artifact.Screenshot, BlobKey: "artifacts/scenario-1/exec-1/Screenshot/x.png"},
			{ID: "a2", Kind: artifact.Screenshot, BlobKey: "artifacts/scenario-1/exec-1/Screenshot/y.png"},
			{ID: "a3", Kind: artifact.NetworkLog, BlobKey: "artifacts/scenario-1/exec-1/NetworkLog/z.har"},
		},
	}
}

func TestAssemble_TimelineGetsStartAndEnd(t *testing.T) {
	r := Assemble(testBundle())
	if len(r.Timeline) != 3 {
		t.Fatalf("expected 3 timeline events (synthesized start + original + synthesized end), got %d", len(r.Timeline))
	}
	if r.Timeline[0].Kind != "start" {
		t.Fatalf("expected first event to be start, got %s", r.Timeline[0].Kind)
	}
	if r.Timeline[len(r.Timeline)-1].Kind != "end" {
		t.Fatalf("expected last event to be end, got %s", r.Timeline[len(r.Timeline)-1].Kind)
	}
	for i := 1; i < len(r.Timeline); i++ {
		if r.Timeline[i].At.Before(r.Timeline[i-1].At) {
			t.Fatalf("timeline not chronologically non-decreasing at index %d", i)
		}
	}
}

// TestRender_SemanticIdentityAcrossFormats checks that summary, timeline
// length, and per-kind artifact counts match across rendered formats.
func TestRender_SemanticIdentityAcrossFormats(t *testing.T) {
	r := Assemble(testBundle())

	jsonBytes, err := Render(r, FormatJSON)
	if err != nil {
		t.Fatalf("render json: %v", err)
	}
	htmlBytes, err := Render(r, FormatHTML)
	if err != nil {
		t.Fatalf("render html: %v", err)
	}
	pdfBytes, err := Render(r, FormatPDF)
	if err != nil {
		t.Fatalf("render pdf: %v", err)
	}

	var decoded jsonView
	if err := json.Unmarshal(jsonBytes, &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if decoded.ExecutionID != r.ExecutionID || decoded.Summary.Status != r.Summary.Status {
		t.Fatalf("json view lost fields: %+v", decoded)
	}
	if len(decoded.Timeline) != len(r.Timeline) {
		t.Fatalf("json timeline length mismatch: %d vs %d", len(decoded.Timeline), len(r.Timeline))
	}

	counts := r.ArtifactCountsByKind()
	if counts[artifact.Screenshot] != 2 || counts[artifact.NetworkLog] != 1 {
		t.Fatalf("unexpected artifact counts: %v", counts)
	}

	if !strings.Contains(string(htmlBytes), r.ExecutionID) {
		t.Fatalf("html render missing executionId")
	}
	if !strings.Contains(string(htmlBytes), string(r.Summary.Status)) {
		t.Fatalf("html render missing status")
	}
	if !strings.Contains(string(pdfBytes), "%PDF-1.4") {
		t.Fatalf("expected well-formed PDF header")
	}
}

func TestRender_UnsupportedFormat(t *testing.T) {
	r := Assemble(testBundle())
	if _, err := Render(r, OutputFormat("xml")); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}
