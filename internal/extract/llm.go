package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/metrics"
	"github.com/JakeFAU/pricescan/internal/scan"
)

// Completer sends one system and user prompt to a language model and returns
// the raw reply text.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Excerpter reduces a page to the bounded text sent to the model.
type Excerpter interface {
	Excerpt(html string) string
}

const systemPrompt = "You read messy HTML product pages and extract a single product price and stock status. " +
	"Focus only on the main product shown, not related items or ads."

// ErrMalformedReply is returned when the model does not answer with the
// required JSON object.
var ErrMalformedReply = errors.New("malformed model reply")

// ErrBudgetExhausted is returned when the batch has used its model calls.
var ErrBudgetExhausted = errors.New("llm call budget exhausted")

// Budget caps model calls for one batch. A zero limit is unlimited.
type Budget struct {
	limit int64
	used  atomic.Int64
}

// NewBudget returns a budget allowing limit calls.
func NewBudget(limit int) *Budget {
	return &Budget{limit: int64(limit)}
}

// Take reserves one call, reporting false when none remain.
func (b *Budget) Take() bool {
	if b == nil {
		return true
	}
	n := b.used.Add(1)
	if b.limit > 0 && n > b.limit {
		b.used.Add(-1)
		return false
	}
	return true
}

// Used returns how many calls were reserved.
func (b *Budget) Used() int {
	if b == nil {
		return 0
	}
	return int(b.used.Load())
}

// LLMFallback asks a language model for the price and stock of a page.
type LLMFallback struct {
	completer Completer
	excerpter Excerpter
	limiter   scan.Limiter
	logger    *zap.Logger
}

// NewLLMFallback builds the fallback strategy. limiter may be nil.
func NewLLMFallback(completer Completer, excerpter Excerpter, limiter scan.Limiter, logger *zap.Logger) *LLMFallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMFallback{completer: completer, excerpter: excerpter, limiter: limiter, logger: logger}
}

// Extract never fails: service errors, malformed replies and an exhausted
// budget all degrade to an unknown result with a note.
func (l *LLMFallback) Extract(ctx context.Context, p *Page, budget *Budget) scan.ExtractionResult {
	res, err := l.extract(ctx, p, budget)
	if err == nil {
		metrics.ObserveLLMCall("ok")
		return res
	}
	label := "error"
	switch {
	case errors.Is(err, ErrBudgetExhausted):
		label = "budget_exhausted"
	case errors.Is(err, ErrMalformedReply):
		label = "malformed"
	}
	metrics.ObserveLLMCall(label)
	l.logger.Warn("llm fallback failed", zap.String("url", p.URL), zap.Error(err))
	return scan.ExtractionResult{
		StockState: scan.StockUnknown,
		Method:     scan.MethodLLMFailed,
		Notes:      []string{"llm-fallback: " + err.Error()},
	}
}

func (l *LLMFallback) extract(ctx context.Context, p *Page, budget *Budget) (scan.ExtractionResult, error) {
	if !budget.Take() {
		return scan.ExtractionResult{}, ErrBudgetExhausted
	}
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx, "llm"); err != nil {
			return scan.ExtractionResult{}, fmt.Errorf("llm rate limit: %w", err)
		}
	}
	excerpt := p.HTML
	if l.excerpter != nil {
		excerpt = l.excerpter.Excerpt(p.HTML)
	}
	reply, err := l.completer.Complete(ctx, systemPrompt, userPrompt(p, excerpt))
	if err != nil {
		return scan.ExtractionResult{}, fmt.Errorf("llm completion: %w", err)
	}
	return parseReply(reply)
}

func userPrompt(p *Page, excerpt string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Product description (from spreadsheet): %q\n", p.Target.Description)
	fmt.Fprintf(&sb, "Retailer key: %s\n", p.Target.RetailerKey)
	fmt.Fprintf(&sb, "Page URL: %s\n\n", p.URL)
	sb.WriteString("Page content (truncated):\n<BEGIN_PAGE>\n")
	sb.WriteString(excerpt)
	sb.WriteString("\n<END_PAGE>\n\n")
	sb.WriteString("Reply with exactly one JSON object and nothing else:\n")
	sb.WriteString(`{"price": <number in USD or null>, "in_stock": "Y" | "N" | ""}`)
	sb.WriteString("\nUse \"\" for in_stock when the page does not make availability clear.\n")
	return sb.String()
}

// parseReply accepts exactly {"price": number|null, "in_stock": "Y"|"N"|""}.
func parseReply(reply string) (scan.ExtractionResult, error) {
	var raw struct {
		Price   json.RawMessage `json:"price"`
		InStock *string         `json:"in_stock"`
	}
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(reply)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return scan.ExtractionResult{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if dec.More() {
		return scan.ExtractionResult{}, fmt.Errorf("%w: trailing data", ErrMalformedReply)
	}
	if raw.Price == nil || raw.InStock == nil {
		return scan.ExtractionResult{}, fmt.Errorf("%w: missing price or in_stock", ErrMalformedReply)
	}

	res := scan.ExtractionResult{Method: scan.MethodLLMFallback, StockState: scan.StockUnknown}
	switch *raw.InStock {
	case "Y":
		res.StockState = scan.StockInStock
	case "N":
		res.StockState = scan.StockOutOfStock
	case "":
	default:
		return scan.ExtractionResult{}, fmt.Errorf("%w: in_stock %q", ErrMalformedReply, *raw.InStock)
	}

	if !bytes.Equal(raw.Price, []byte("null")) {
		if len(raw.Price) == 0 || raw.Price[0] == '"' {
			return scan.ExtractionResult{}, fmt.Errorf("%w: price must be a number or null", ErrMalformedReply)
		}
		price, err := decimal.NewFromString(string(raw.Price))
		if err != nil || price.IsNegative() {
			return scan.ExtractionResult{}, fmt.Errorf("%w: price %s", ErrMalformedReply, raw.Price)
		}
		if price.IsPositive() {
			res.Price = decimal.NewNullDecimal(price)
		}
	}
	return res, nil
}
