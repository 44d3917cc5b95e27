// Package report implements the ReportAssembler: it turns a finalized
// artifact bundle into a Report and renders it in one of three
// output formats while preserving semantic identity across all of them.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"sort"
	"time"

	"github.com/autoqa/controlplane/pkg/artifact"
)

// Status is the canonical execution status set, distinct from the
// per-subsystem vocabularies the source intermixed.
type Status string

const (
	Passed  Status = "passed"
	Failed  Status = "failed"
	Skipped Status = "skipped"
)

// TimelineEvent is one chronological entry.
type TimelineEvent struct {
	At      time.Time
	Kind    string
	Message string
}

// Summary is the executionSummary block.
type Summary struct {
	Start          time.Time
	End            time.Time
	Duration       time.Duration
	TotalSteps     int
	CompletedSteps int
	Status         Status
}

// Metadata is the fixed metadata block.
type Metadata struct {
	ReportVersion    string
	GeneratorVersion string
}

const (
	reportVersion    = "1.0"
	generatorVersion = "autoqa-controlplane/1.0"
)

// Report is the fully assembled document.
type Report struct {
	ExecutionID string
	ScenarioID  string
	UserID      string
	Summary     Summary
	Timeline    []TimelineEvent
	Artifacts   []artifact.Artifact
	Metadata    Metadata
}

// ArtifactCountsByKind returns the per-kind artifact counts used for
// cross-format identity checks.
func (r Report) ArtifactCountsByKind() map[artifact.Kind]int {
	counts := make(map[artifact.Kind]int)
	for _, a := range r.Artifacts {
		counts[a.Kind]++
	}
	return counts
}

// Bundle is the finalized input ArtifactCapture/Orchestrator hand the
// assembler.
type Bundle struct {
	ExecutionID    string
	ScenarioID     string
	UserID         string
	Start          time.Time
	End            time.Time
	TotalSteps     int
	CompletedSteps int
	Status         Status
	Timeline       []TimelineEvent
	Artifacts      []artifact.Artifact
}

// Assemble builds a Report from bundle, ensuring the timeline is
// chronologically non-decreasing and contains at minimum a start and an
// end event.
func Assemble(bundle Bundle) Report {
	timeline := append([]TimelineEvent(nil), bundle.Timeline...)
	sort.SliceStable(timeline, func(i, j int) bool { return timeline[i].At.Before(timeline[j].At) })

	hasStart, hasEnd := false, false
	for _, e := range timeline {
		if e.Kind == "start" {
			hasStart = true
		}
		if e.Kind == "end" {
			hasEnd = true
		}
	}
	if !hasStart {
		timeline = append([]TimelineEvent{{At: bundle.Start, Kind: "start", Message: "execution started"}}, timeline...)
	}
	if !hasEnd {
		timeline = append(timeline, TimelineEvent{At: bundle.End, Kind: "end", Message: "execution finished"})
	}

	return Report{
		ExecutionID: bundle.ExecutionID,
		ScenarioID:  bundle.ScenarioID,
		UserID:      bundle.UserID,
		Summary: Summary{
			Start:          bundle.Start,
			End:            bundle.End,
			Duration:       bundle.End.Sub(bundle.Start),
			TotalSteps:     bundle.TotalSteps,
			CompletedSteps: bundle.CompletedSteps,
			Status:         bundle.Status,
		},
		Timeline:  timeline,
		Artifacts: bundle.Artifacts,
		Metadata:  Metadata{ReportVersion: reportVersion, GeneratorVersion: generatorVersion},
	}
}

// OutputFormat is one of the three rendering targets.
type OutputFormat string

const (
	FormatHTML OutputFormat = "html"
	FormatPDF  OutputFormat = "pdf"
	FormatJSON OutputFormat = "json"
)

// jsonView is the wire shape used by both the JSON format and as the data
// model fed to the HTML template, so that identical fields render
// identically regardless of format.
type jsonView struct {
	ExecutionID string                 `json:"executionId"`
	ScenarioID  string                 `json:"scenarioId"`
	UserID      string                 `json:"userId"`
	Summary     Summary                `json:"summary"`
	Timeline    []TimelineEvent        `json:"timeline"`
	Artifacts   []artifact.Artifact    `json:"artifacts"`
	Metadata    Metadata               `json:"metadata"`
}

func (r Report) view() jsonView {
	return jsonView{
		ExecutionID: r.ExecutionID,
		ScenarioID:  r.ScenarioID,
		UserID:      r.UserID,
		Summary:     r.Summary,
		Timeline:    r.Timeline,
		Artifacts:   r.Artifacts,
		Metadata:    r.Metadata,
	}
}

var htmlTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><title>Execution Report {{.ExecutionID}}</title></head>
<body>
<h1>Execution {{.ExecutionID}}</h1>
<p>Scenario: {{.ScenarioID}} — User: {{.UserID}}</p>
<h2>Summary</h2>
<ul>
<li>Status: {{.Summary.Status}}</li>
<li>Steps: {{.Summary.CompletedSteps}}/{{.Summary.TotalSteps}}</li>
<li>Duration: {{.Summary.Duration}}</li>
</ul>
<h2>Timeline</h2>
<ul>
{{range .Timeline}}<li>{{.At}} — {{.Kind}}: {{.Message}}</li>
{{end}}
</ul>
<h2>Artifacts</h2>
<ul>
{{range .Artifacts}}<li>{{.Kind}} — {{.BlobKey}}</li>
{{end}}
</ul>
<p>{{.Metadata.ReportVersion}} / {{.Metadata.GeneratorVersion}}</p>
</body>
</html>
`))

// Render produces bytes for the requested format. html/template renders
// the HTML document; detailed HTML/PDF report design is out of scope —
// only the assembler's own data feeds the template.
// PDF rendering is approximated as a minimal single-page PDF whose one
// text line carries the summary, the timeline length and the per-kind
// artifact counts, since no PDF library or rendering pipeline ships in
// the example pack.
func Render(r Report, format OutputFormat) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(r.view(), "", "  ")
	case FormatHTML:
		var buf bytes.Buffer
		if err := htmlTemplate.Execute(&buf, r.view()); err != nil {
			return nil, fmt.Errorf("render html: %w", err)
		}
		return buf.Bytes(), nil
	case FormatPDF:
		return renderMinimalPDF(r), nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

// renderMinimalPDF emits a single-page PDF containing the summary text.
// It is deliberately minimal: real PDF generation is an out-of-scope
// rendering concern; this exists only so that
// outputFormat=pdf round-trips to well-formed bytes carrying the same
// semantic content as the other two formats.
func renderMinimalPDF(r Report) []byte {
	text := fmt.Sprintf("Execution %s (%s) status=%s steps=%d/%d duration=%s timeline=%d artifacts=%d kinds=%v",
		r.ExecutionID, r.ScenarioID, r.Summary.Status, r.Summary.CompletedSteps, r.Summary.TotalSteps,
		r.Summary.Duration, len(r.Timeline), len(r.Artifacts), r.ArtifactCountsByKind())

	content := fmt.Sprintf("BT /F1 12 Tf 36 750 Td (%s) Tj ET", pdfEscape(text))
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	buf.WriteString("1 0 obj<</Type/Catalog/Pages 2 0 R>>endobj\n")
	buf.WriteString("2 0 obj<</Type/Pages/Kids[3 0 R]/Count 1>>endobj\n")
	buf.WriteString("3 0 obj<</Type/Page/Parent 2 0 R/MediaBox[0 0 612 792]/Contents 4 0 R/Resources<</Font<</F1 5 0 R>>>>>>endobj\n")
	fmt.Fprintf(&buf, "4 0 obj<</Length %d>>stream\n%s\nendstream endobj\n", len(content), content)
	buf.WriteString("5 0 obj<</Type/Font/Subtype/Type1/BaseFont/Helvetica>>endobj\n")
	buf.WriteString("trailer<</Root 1 0 R>>\n%%EOF")
	return buf.Bytes()
}

func pdfEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', ')', '\\':
			out = append(out, '\\', s[i])
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
