// Package detector decides when a page fetched without rendering should be
// re-fetched with proxy-side JavaScript rendering.
package detector

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/pricescan/internal/scan"
)

// Heuristic implements a handful of rule-based render escalations.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("data-server-rendered"),
	[]byte("enable javascript"),
}

// ShouldRender reports whether the outcome looks like a client-rendered shell.
// Failed fetches and non-2xx responses never escalate.
func (h *Heuristic) ShouldRender(outcome scan.FetchOutcome) bool {
	if outcome.Err != nil || outcome.HTTPStatus < 200 || outcome.HTTPStatus > 299 {
		return false
	}
	body := bytes.TrimSpace(outcome.Body)
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range spaMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		gt := strings.IndexByte(lower[start:], '>')
		if gt == -1 {
			covered += total - start
			break
		}
		contentStart := start + gt + 1
		end := total
		if relEnd := strings.Index(lower[contentStart:], closeTag); relEnd != -1 {
			end = contentStart + relEnd + len(closeTag)
		}
		covered += end - start
		pos = end
	}
	return covered*100/total >= 25
}
