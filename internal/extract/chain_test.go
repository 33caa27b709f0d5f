package extract

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/scan"
)

type fakeCompleter struct {
	calls int32
	reply string
	err   error
	user  string
}

func (f *fakeCompleter) Complete(_ context.Context, _, user string) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	f.user = user
	return f.reply, f.err
}

type passthroughExcerpter struct{}

func (passthroughExcerpter) Excerpt(html string) string { return html }

func page(html string) *Page {
	return NewPage(html, "https://shop.example.com/p/1", scan.Target{
		ProductID:   "SKU-1",
		RetailerKey: "example",
		Description: "Trail Shoe",
	})
}

const productJSONLD = `<html><head><script type="application/ld+json">
{"@context":"https://schema.org","@type":"Product","name":"Trail Shoe",
 "offers":{"@type":"Offer","price":"19.99","priceCurrency":"USD","availability":"https://schema.org/InStock"}}
</script></head><body><p>Was $50.00 Now $39.99</p></body></html>`

func TestChainStructuredDataWinsWithoutLaterStrategies(t *testing.T) {
	t.Parallel()

	var laterCalls int32
	chain := New(Config{Strategies: []Strategy{
		{Method: scan.MethodStructuredData, Run: structuredData},
		{Method: scan.MethodHeuristicText, Run: func(context.Context, *Page) (*scan.ExtractionResult, error) {
			atomic.AddInt32(&laterCalls, 1)
			return nil, nil
		}},
	}}, zap.NewNop())

	res := chain.Extract(context.Background(), page(productJSONLD))

	require.Equal(t, scan.MethodStructuredData, res.Method)
	require.True(t, res.Price.Valid)
	require.Equal(t, "19.99", res.Price.Decimal.StringFixed(2))
	require.Equal(t, scan.StockInStock, res.StockState)
	require.Zero(t, atomic.LoadInt32(&laterCalls))
}

func TestChainHeuristicPrefersSalePrice(t *testing.T) {
	t.Parallel()

	res := New(Config{}, nil).Extract(context.Background(),
		page(`<html><body><div>Was $50.00 Now $39.99 - In Stock</div></body></html>`))

	require.Equal(t, scan.MethodHeuristicText, res.Method)
	require.Equal(t, "39.99", res.Price.Decimal.StringFixed(2))
	require.Equal(t, scan.StockInStock, res.StockState)
}

func TestChainExhaustedWithoutLLM(t *testing.T) {
	t.Parallel()

	chain := New(Config{}, nil)
	res := chain.Extract(context.Background(), page(`<html><body><p>Nothing to see here.</p></body></html>`))

	require.False(t, chain.LLMEnabled())
	require.Equal(t, scan.MethodChainExhausted, res.Method)
	require.False(t, res.Price.Valid)
	require.Equal(t, scan.StockUnknown, res.StockState)
	require.Contains(t, res.Notes, "llm-fallback: disabled")
}

func TestChainLLMFallbackOnlyWhenPatternsFail(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{reply: `{"price": 24.5, "in_stock": "N"}`}
	chain := New(Config{LLM: NewLLMFallback(completer, passthroughExcerpter{}, nil, nil)}, nil)

	res := chain.Extract(context.Background(), page(`<html><body><p>Call for details</p></body></html>`))
	require.Equal(t, scan.MethodLLMFallback, res.Method)
	require.Equal(t, "24.50", res.Price.Decimal.StringFixed(2))
	require.Equal(t, scan.StockOutOfStock, res.StockState)
	require.Contains(t, completer.user, "<BEGIN_PAGE>")
	require.Contains(t, completer.user, `"Trail Shoe"`)

	res = chain.Extract(context.Background(), page(productJSONLD))
	require.Equal(t, scan.MethodStructuredData, res.Method)
	require.EqualValues(t, 1, atomic.LoadInt32(&completer.calls))
}

func TestChainLLMFailuresDegrade(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		reply  string
		err    error
		method scan.Method
	}{
		{name: "service error", err: errors.New("503 from upstream"), method: scan.MethodLLMFailed},
		{name: "malformed", reply: "The price is $12", method: scan.MethodLLMFailed},
		{name: "no signal", reply: `{"price": null, "in_stock": ""}`, method: scan.MethodChainExhausted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			completer := &fakeCompleter{reply: tc.reply, err: tc.err}
			chain := New(Config{LLM: NewLLMFallback(completer, nil, nil, nil)}, nil)

			res := chain.Extract(context.Background(), page(`<html><body><p>Call for details</p></body></html>`))

			require.Equal(t, tc.method, res.Method)
			require.False(t, res.Price.Valid)
			require.Equal(t, scan.StockUnknown, res.StockState)
		})
	}
}

func TestChainLLMBudget(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{reply: `{"price": 5, "in_stock": "Y"}`}
	budget := NewBudget(1)
	chain := New(Config{LLM: NewLLMFallback(completer, nil, nil, nil)}, nil).WithBudget(budget)
	blank := `<html><body><p>Call for details</p></body></html>`

	first := chain.Extract(context.Background(), page(blank))
	second := chain.Extract(context.Background(), page(blank))

	require.Equal(t, scan.MethodLLMFallback, first.Method)
	require.Equal(t, scan.MethodLLMFailed, second.Method)
	require.Contains(t, second.Notes[len(second.Notes)-1], "budget exhausted")
	require.EqualValues(t, 1, atomic.LoadInt32(&completer.calls))
	require.Equal(t, 1, budget.Used())
}

func TestChainRecoversPanicsAndErrors(t *testing.T) {
	t.Parallel()

	panicking := New(Config{Strategies: []Strategy{{
		Method: scan.MethodStructuredData,
		Run: func(context.Context, *Page) (*scan.ExtractionResult, error) {
			panic("bad markup")
		},
	}}}, nil)
	res := panicking.Extract(context.Background(), page("<html></html>"))
	require.Equal(t, scan.MethodError, res.Method)
	require.False(t, res.Price.Valid)

	failing := New(Config{Strategies: []Strategy{{
		Method: scan.MethodPlatformVariant,
		Run: func(context.Context, *Page) (*scan.ExtractionResult, error) {
			return nil, errors.New("decode variants")
		},
	}}}, nil)
	res = failing.Extract(context.Background(), page("<html></html>"))
	require.Equal(t, scan.MethodError, res.Method)
	require.Equal(t, scan.StockUnknown, res.StockState)
}

func TestWithoutLLMDisablesFallback(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{reply: `{"price": 5, "in_stock": "Y"}`}
	chain := New(Config{LLM: NewLLMFallback(completer, nil, nil, nil)}, nil)
	require.True(t, chain.LLMEnabled())
	require.False(t, chain.WithoutLLM().LLMEnabled())
}
