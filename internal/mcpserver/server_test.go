package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/extract"
	"github.com/JakeFAU/pricescan/internal/pipeline"
	"github.com/JakeFAU/pricescan/internal/scan"
)

func TestExtractHTMLReturnsResult(t *testing.T) {
	t.Parallel()

	s := New("test", &fakeScanner{}, extract.New(extract.Config{}, nil), zap.NewNop())
	_, handler := s.extractHTML()

	html := `<html><script type="application/ld+json">
		{"@type":"Product","offers":{"price":"24.50","availability":"https://schema.org/InStock"}}
	</script></html>`
	res, err := handler(context.Background(), callRequest("extract_html", map[string]interface{}{
		"html": html,
		"url":  "https://shop.example.com/p/1",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var got scan.ExtractionResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &got))
	require.Equal(t, scan.MethodStructuredData, got.Method)
	require.Equal(t, scan.StockInStock, got.StockState)
	require.Equal(t, "24.50", got.Price.Decimal.StringFixed(2))
}

func TestExtractHTMLRequiresHTML(t *testing.T) {
	t.Parallel()

	s := New("test", &fakeScanner{}, extract.New(extract.Config{}, nil), nil)
	_, handler := s.extractHTML()

	res, err := handler(context.Background(), callRequest("extract_html", map[string]interface{}{}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestScanURL(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{}
	s := New("test", scanner, extract.New(extract.Config{}, nil), zap.NewNop())
	_, handler := s.scanURL()

	res, err := handler(context.Background(), callRequest("scan_url", map[string]interface{}{
		"url":          "https://www.target.com/p/9",
		"retailer_key": "target",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var rec scan.CanonicalRecord
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &rec))
	require.Equal(t, "https://www.target.com/p/9", rec.OriginalURL)
	require.Equal(t, "target", rec.RetailerKey)
	require.Equal(t, scan.ModeDebug, scanner.mode)
}

func TestScanURLErrors(t *testing.T) {
	t.Parallel()

	scanner := &fakeScanner{err: errors.New("no ids")}
	s := New("test", scanner, extract.New(extract.Config{}, nil), zap.NewNop())
	_, handler := s.scanURL()

	res, err := handler(context.Background(), callRequest("scan_url", map[string]interface{}{"url": "not a url"}))
	require.NoError(t, err)
	require.True(t, res.IsError)

	res, err = handler(context.Background(), callRequest("scan_url", map[string]interface{}{"url": "https://example.com"}))
	require.NoError(t, err)
	require.True(t, res.IsError)
	require.Equal(t, "no ids", resultText(t, res))
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

type fakeScanner struct {
	mode scan.RunMode
	err  error
}

func (f *fakeScanner) Run(_ context.Context, targets []scan.Target, mode scan.RunMode) (*pipeline.Batch, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mode = mode
	t := targets[0]
	return &pipeline.Batch{
		ID:   "batch",
		Mode: mode,
		Records: []scan.CanonicalRecord{{
			ProductID:   t.ProductID,
			RetailerKey: t.RetailerKey,
			OriginalURL: t.URL,
			URLStatus:   scan.URLStatusOK,
		}},
	}, nil
}
