// Package normalize turns fetch outcomes and extraction results into
// canonical records.
package normalize

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/JakeFAU/pricescan/internal/scan"
)

// Normalizer builds CanonicalRecords stamped with the clock's time.
type Normalizer struct {
	clock scan.Clock
}

// New returns a Normalizer.
func New(clock scan.Clock) *Normalizer {
	return &Normalizer{clock: clock}
}

// IsFetchable reports whether raw is an absolute http(s) URL with a host.
func IsFetchable(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// NeedsExtraction reports whether the outcome carries a page worth parsing.
func NeedsExtraction(outcome scan.FetchOutcome) bool {
	return outcome.Err == nil && len(bytes.TrimSpace(outcome.Body)) > 0
}

// MissingURL builds the record for a target that never reaches the proxy.
func (n *Normalizer) MissingURL(target scan.Target) scan.CanonicalRecord {
	rec := n.base(target)
	rec.URLStatus = scan.URLStatusMissing
	rec.ErrorMessage = scan.MsgMissingURL
	return rec
}

// Record maps one fetch outcome and its optional extraction result onto a
// record. result is ignored when the fetch failed or the body was empty.
func (n *Normalizer) Record(
	target scan.Target,
	outcome scan.FetchOutcome,
	result *scan.ExtractionResult,
) scan.CanonicalRecord {
	rec := n.base(target)
	rec.ResolvedURL = outcome.ResolvedURL
	rec.HTTPStatus = outcome.HTTPStatus
	rec.ElapsedMS = outcome.Elapsed.Milliseconds()
	rec.Attempts = outcome.Attempts

	switch {
	case outcome.Err != nil:
		rec.URLStatus = scan.URLStatusError
		rec.ErrorMessage = outcome.Err.Message
		return rec
	case len(bytes.TrimSpace(outcome.Body)) == 0:
		rec.URLStatus = scan.URLStatusError
		rec.ErrorMessage = scan.MsgEmptyContent
		return rec
	}

	if result == nil {
		rec.URLStatus = scan.URLStatusError
		rec.ErrorMessage = scan.MsgNoPriceStock
		return rec
	}
	rec.Method = result.Method
	rec.Notes = append([]string(nil), result.Notes...)
	if !result.Found() {
		rec.URLStatus = scan.URLStatusError
		rec.ErrorMessage = scan.MsgNoPriceStock
		return rec
	}
	rec.Price = result.Price
	rec.StockState = result.StockState
	rec.URLStatus = scan.URLStatusOK
	return rec
}

func (n *Normalizer) base(target scan.Target) scan.CanonicalRecord {
	return scan.CanonicalRecord{
		Row:         target.Row,
		ProductID:   target.ProductID,
		RetailerKey: target.RetailerKey,
		Description: target.Description,
		OriginalURL: strings.TrimSpace(target.URL),
		StockState:  scan.StockUnknown,
		Method:      scan.MethodNone,
		ScannedAt:   n.clock.Now(),
	}
}
