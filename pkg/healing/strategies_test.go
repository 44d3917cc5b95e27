package healing

import (
	"context"
	"crypto/sha1"
	"testing"
)

const sampleDOM = `
<html><body>
  <form id="checkout">
    <button data-testid="submit-btn" class="btn-primary-v2">Submit Order</button>
    <span class="label">Total</span>
  </form>
</body></html>
`

func TestCssSelectorStrategy_FallsBackToLastKnownSelector(t *testing.T) {
	hc := Context{
		OldSelector: "#submit-old",
		LastKnownLocation: LastKnownLocation{
			Selector: `[data-testid="submit-btn"]`,
		},
		DOM: sampleDOM,
	}
	cand := cssSelectorStrategy(context.Background(), hc)
	if !cand.Success {
		t.Fatalf("expected success, got %+v", cand)
	}
	if cand.Selector != hc.LastKnownLocation.Selector {
		t.Fatalf("expected fallback selector, got %q", cand.Selector)
	}
}

func TestXPathStrategy_PrefersDataTestID(t *testing.T) {
	hc := Context{
		LastKnownLocation: LastKnownLocation{Selector: `[data-testid="submit-btn"]`},
		DOM:               sampleDOM,
	}
	cand := xpathStrategy(context.Background(), hc)
	if !cand.Success {
		t.Fatalf("expected success, got %+v", cand)
	}
	if cand.Selector != `//*[@data-testid="submit-btn"]` {
		t.Fatalf("unexpected xpath: %q", cand.Selector)
	}
}

func TestTextContentStrategy_MatchesByVisibleText(t *testing.T) {
	hc := Context{
		LastKnownLocation: LastKnownLocation{Selector: `[data-testid="submit-btn"]`},
		DOM:               sampleDOM,
	}
	cand := textContentStrategy(context.Background(), hc)
	if !cand.Success {
		t.Fatalf("expected success, got %+v", cand)
	}
}

func TestVisualRecognitionStrategy_HashMatch(t *testing.T) {
	screenshot := []byte("fake-png-bytes")
	sum := sha1.Sum(screenshot)
	hash := ""
	for _, b := range sum {
		hash += string("0123456789abcdef"[b>>4]) + string("0123456789abcdef"[b&0xf])
	}

	hc := Context{
		Screenshot: screenshot,
		LastKnownLocation: LastKnownLocation{
			Selector:   "#submit",
			VisualHash: hash,
		},
	}
	cand := visualRecognitionStrategy(context.Background(), hc)
	if !cand.Success || cand.Confidence < 0.8 {
		t.Fatalf("expected high-confidence match, got %+v", cand)
	}
}

func TestVisualRecognitionStrategy_NoHashStillRetriesSelector(t *testing.T) {
	hc := Context{
		Screenshot:        []byte("other-bytes"),
		LastKnownLocation: LastKnownLocation{Selector: "#submit"},
	}
	cand := visualRecognitionStrategy(context.Background(), hc)
	if !cand.Success || cand.Confidence >= 0.8 {
		t.Fatalf("expected low-confidence retry, got %+v", cand)
	}
}

func TestStructuralAnalysisStrategy_ClimbsToUniqueAncestor(t *testing.T) {
	hc := Context{
		LastKnownLocation: LastKnownLocation{Selector: "#checkout button"},
		DOM:               sampleDOM,
	}
	cand := structuralAnalysisStrategy(context.Background(), hc)
	if !cand.Success {
		t.Fatalf("expected success, got %+v", cand)
	}
}

func TestDefaultStrategyFuncs_CoversAllStrategies(t *testing.T) {
	funcs := DefaultStrategyFuncs()
	for _, strat := range DefaultStrategies() {
		if _, ok := funcs[strat]; !ok {
			t.Fatalf("missing strategy func for %v", strat)
		}
	}
}
