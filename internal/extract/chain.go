// Package extract turns fetched product pages into a price and stock state
// through an ordered chain of strategies.
package extract

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/scan"
)

// StrategyFunc inspects a page. A nil result means the strategy found nothing.
type StrategyFunc func(ctx context.Context, p *Page) (*scan.ExtractionResult, error)

// Strategy is a named step of the chain.
type Strategy struct {
	Method scan.Method
	Run    StrategyFunc
}

// DefaultStrategies returns the pattern strategies in chain order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Method: scan.MethodStructuredData, Run: structuredData},
		{Method: scan.MethodPlatformVariant, Run: platformVariant},
		{Method: scan.MethodHeuristicText, Run: heuristicText},
	}
}

// Config wires the chain. A nil LLM disables the language-model fallback.
type Config struct {
	Strategies []Strategy
	LLM        *LLMFallback
}

// Chain runs strategies in order; the first with a price or stock wins.
type Chain struct {
	strategies []Strategy
	llm        *LLMFallback
	budget     *Budget
	logger     *zap.Logger
}

// New constructs a Chain.
func New(cfg Config, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	strategies := cfg.Strategies
	if strategies == nil {
		strategies = DefaultStrategies()
	}
	return &Chain{strategies: strategies, llm: cfg.LLM, logger: logger}
}

// WithBudget returns a copy of the chain drawing model calls from budget.
func (c *Chain) WithBudget(budget *Budget) *Chain {
	clone := *c
	clone.budget = budget
	return &clone
}

// WithoutLLM returns a copy of the chain with the fallback disabled.
func (c *Chain) WithoutLLM() *Chain {
	clone := *c
	clone.llm = nil
	return &clone
}

// LLMEnabled reports whether the language-model fallback is wired.
func (c *Chain) LLMEnabled() bool {
	return c.llm != nil
}

// Extract returns exactly one result for the page. Panics and parse failures
// degrade to method=error.
func (c *Chain) Extract(ctx context.Context, p *Page) (res scan.ExtractionResult) {
	var notes []string
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("extraction panicked", zap.String("url", p.URL), zap.Any("panic", r))
			res = errorResult(append(notes, fmt.Sprintf("panic: %v", r)))
		}
	}()

	for _, s := range c.strategies {
		found, err := s.Run(ctx, p)
		if err != nil {
			c.logger.Warn("extraction strategy failed",
				zap.String("url", p.URL),
				zap.String("method", string(s.Method)),
				zap.Error(err),
			)
			return errorResult(append(notes, fmt.Sprintf("%s: %v", s.Method, err)))
		}
		if found != nil && found.Found() {
			found.Method = s.Method
			found.Notes = append(notes, found.Notes...)
			return *found
		}
		notes = append(notes, string(s.Method)+": no match")
	}

	if c.llm == nil {
		return scan.ExtractionResult{
			StockState: scan.StockUnknown,
			Method:     scan.MethodChainExhausted,
			Notes:      append(notes, "llm-fallback: disabled"),
		}
	}
	if err := ctx.Err(); err != nil {
		return scan.ExtractionResult{
			StockState: scan.StockUnknown,
			Method:     scan.MethodLLMFailed,
			Notes:      append(notes, "llm-fallback: "+err.Error()),
		}
	}

	llmRes := c.llm.Extract(ctx, p, c.budget)
	llmRes.Notes = append(notes, llmRes.Notes...)
	if llmRes.Method == scan.MethodLLMFallback && !llmRes.Found() {
		llmRes.Method = scan.MethodChainExhausted
		llmRes.Notes = append(llmRes.Notes, "llm-fallback: no signal")
	}
	return llmRes
}

func errorResult(notes []string) scan.ExtractionResult {
	return scan.ExtractionResult{StockState: scan.StockUnknown, Method: scan.MethodError, Notes: notes}
}
