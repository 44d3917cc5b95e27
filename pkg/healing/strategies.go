package healing

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/autoqa/controlplane/pkg/apperrors"
)

// DefaultStrategyFuncs implements the five strategies named by
// DefaultStrategies against a captured DOM snapshot and, for
// VisualRecognition, a screenshot hash. Production wiring binds these to an
// Engine; tests substitute narrower fakes.
func DefaultStrategyFuncs() map[Strategy]StrategyFunc {
	return map[Strategy]StrategyFunc{
		CssSelector:        cssSelectorStrategy,
		XPath:              xpathStrategy,
		TextContent:        textContentStrategy,
		VisualRecognition:  visualRecognitionStrategy,
		StructuralAnalysis: structuralAnalysisStrategy,
	}
}

func parseDOM(dom string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(dom))
}

// cssSelectorStrategy tries the old selector verbatim, then falls back to
// the last known location's selector.
func cssSelectorStrategy(_ context.Context, hc Context) Candidate {
	doc, err := parseDOM(hc.DOM)
	if err != nil {
		return Candidate{Err: apperrors.WrapMessage(apperrors.InvariantViolation, "parsing dom snapshot", err)}
	}

	if hc.OldSelector != "" && doc.Find(hc.OldSelector).Length() == 1 {
		return Candidate{Selector: hc.OldSelector, Confidence: 0.98, Success: true}
	}

	if fallback := hc.LastKnownLocation.Selector; fallback != "" && fallback != hc.OldSelector {
		if doc.Find(fallback).Length() == 1 {
			return Candidate{Selector: fallback, Confidence: 0.8, Success: true}
		}
	}
	return Candidate{Success: false}
}

// xpathStrategy rebuilds a stable-ish selector from the first element's
// id/data-testid attribute, expressed as an XPath.
func xpathStrategy(_ context.Context, hc Context) Candidate {
	doc, err := parseDOM(hc.DOM)
	if err != nil {
		return Candidate{Err: apperrors.WrapMessage(apperrors.InvariantViolation, "parsing dom snapshot", err)}
	}

	var sel *goquery.Selection
	if hc.OldSelector != "" {
		sel = doc.Find(hc.OldSelector)
	}
	if sel == nil || sel.Length() == 0 {
		if hc.LastKnownLocation.Selector == "" {
			return Candidate{Success: false}
		}
		sel = doc.Find(hc.LastKnownLocation.Selector)
	}
	if sel.Length() != 1 {
		return Candidate{Success: false}
	}

	node := sel.First()
	if testID, ok := node.Attr("data-testid"); ok && testID != "" {
		return Candidate{Selector: fmt.Sprintf("//*[@data-testid=%q]", testID), Confidence: 0.9, Success: true}
	}
	if id, ok := node.Attr("id"); ok && id != "" {
		return Candidate{Selector: fmt.Sprintf("//*[@id=%q]", id), Confidence: 0.85, Success: true}
	}
	return Candidate{Success: false}
}

// textContentStrategy anchors on the element's own visible text, which
// survives most markup restructurings that break id/class selectors.
func textContentStrategy(_ context.Context, hc Context) Candidate {
	doc, err := parseDOM(hc.DOM)
	if err != nil {
		return Candidate{Err: apperrors.WrapMessage(apperrors.InvariantViolation, "parsing dom snapshot", err)}
	}

	var anchor *goquery.Selection
	if hc.OldSelector != "" {
		anchor = doc.Find(hc.OldSelector)
	}
	if anchor == nil || anchor.Length() == 0 {
		if hc.LastKnownLocation.Selector == "" {
			return Candidate{Success: false}
		}
		anchor = doc.Find(hc.LastKnownLocation.Selector)
	}
	text := strings.TrimSpace(anchor.First().Text())
	if text == "" {
		return Candidate{Success: false}
	}

	var match *goquery.Selection
	doc.Find("button, a, [role=button], label, span, div").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) == text {
			match = s
			return false
		}
		return true
	})
	if match == nil {
		return Candidate{Success: false}
	}
	return Candidate{Selector: fmt.Sprintf(`%s:contains(%q)`, goquery.NodeName(match), text), Confidence: 0.72, Success: true}
}

// visualRecognitionStrategy compares the captured screenshot's content hash
// against the last known visual hash; Engine.runStrategy already rejects
// the call when neither is available.
func visualRecognitionStrategy(_ context.Context, hc Context) Candidate {
	if len(hc.Screenshot) == 0 {
		return Candidate{Success: false}
	}
	sum := sha1.Sum(hc.Screenshot)
	hash := hex.EncodeToString(sum[:])
	if hc.LastKnownLocation.VisualHash != "" && hash == hc.LastKnownLocation.VisualHash {
		return Candidate{Selector: hc.LastKnownLocation.Selector, Confidence: 0.88, Success: true}
	}
	// No exact match: the layout around the last known coordinates is
	// unchanged often enough to warrant a lower-confidence retry of the
	// same selector.
	return Candidate{Selector: hc.LastKnownLocation.Selector, Confidence: 0.5, Success: hc.LastKnownLocation.Selector != ""}
}

// structuralAnalysisStrategy is the last resort: it walks back through the
// last known selector's prefixes to the longest one that still resolves
// to exactly one element with children, and re-derives a position-based
// first-child selector, tolerant of attribute churn but brittle to
// reordering.
func structuralAnalysisStrategy(_ context.Context, hc Context) Candidate {
	doc, err := parseDOM(hc.DOM)
	if err != nil {
		return Candidate{Err: apperrors.WrapMessage(apperrors.InvariantViolation, "parsing dom snapshot", err)}
	}

	parentSel := hc.LastKnownLocation.Selector
	if parentSel == "" {
		return Candidate{Success: false}
	}
	// Climb to the longest selector prefix that still resolves uniquely.
	parts := strings.Fields(strings.ReplaceAll(parentSel, ">", " "))
	for i := len(parts) - 1; i >= 0; i-- {
		candidate := strings.Join(parts[:i+1], " ")
		found := doc.Find(candidate)
		if found.Length() == 1 {
			children := found.Children()
			if children.Length() > 0 {
				selector := fmt.Sprintf("%s > %s:nth-child(1)", candidate, goquery.NodeName(children.First()))
				return Candidate{Selector: selector, Confidence: 0.6, Success: true}
			}
		}
	}
	return Candidate{Success: false}
}
