// Package scan defines the types and interfaces shared by the price scanner's
// fetch, extraction and reporting subsystems.
package scan

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockState is the normalized availability of a product.
type StockState string

// Stock states reported by the extraction chain.
const (
	StockUnknown    StockState = "UNKNOWN"
	StockInStock    StockState = "IN_STOCK"
	StockOutOfStock StockState = "OUT_OF_STOCK"
)

// YN renders the stock state the way the workbook expects it.
func (s StockState) YN() string {
	switch s {
	case StockInStock:
		return "Y"
	case StockOutOfStock:
		return "N"
	default:
		return ""
	}
}

// Known reports whether the state carries a determination.
func (s StockState) Known() bool {
	return s == StockInStock || s == StockOutOfStock
}

// Method identifies which extraction strategy produced a result.
type Method string

// Extraction methods.
const (
	MethodStructuredData  Method = "structured-data"
	MethodPlatformVariant Method = "platform-variant"
	MethodHeuristicText   Method = "heuristic-text"
	MethodLLMFallback     Method = "llm-fallback"
	MethodLLMFailed       Method = "llm-fallback-error"
	MethodChainExhausted  Method = "chain-exhausted"
	MethodError           Method = "error"
	// MethodNone marks records where extraction never ran.
	MethodNone Method = ""
)

// URLStatus summarizes the outcome of one product URL.
type URLStatus string

// URL statuses written to the output sink.
const (
	URLStatusOK      URLStatus = "OK"
	URLStatusMissing URLStatus = "MISSING_URL"
	URLStatusError   URLStatus = "ERROR"
)

// Target is one row of the product map.
type Target struct {
	Row         int    `json:"row"`
	ProductID   string `json:"product_id"`
	RetailerKey string `json:"retailer_key"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// FetchRequest captures everything the fetch client needs for one URL.
type FetchRequest struct {
	URL         string
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	RenderJS    bool
}

// FetchOutcome is the single result of a fetch request. Body is nil when absent.
type FetchOutcome struct {
	RequestedURL string
	ResolvedURL  string
	HTTPStatus   int
	Body         []byte
	Err          *FetchError
	Elapsed      time.Duration
	Attempts     int
}

// OK reports whether the fetch completed without a classified error.
func (o FetchOutcome) OK() bool {
	return o.Err == nil
}

// ExtractionResult is produced fresh for every page.
type ExtractionResult struct {
	Price      decimal.NullDecimal `json:"price"`
	StockState StockState          `json:"stock_state"`
	Method     Method              `json:"method"`
	Notes      []string            `json:"notes,omitempty"`
}

// Found reports whether the result carries a price or a stock determination.
func (r ExtractionResult) Found() bool {
	return r.Price.Valid || r.StockState.Known()
}

// CanonicalRecord is the sink-ready representation of one URL's outcome.
type CanonicalRecord struct {
	Row          int                 `json:"row"`
	ProductID    string              `json:"product_id"`
	RetailerKey  string              `json:"retailer_key"`
	Description  string              `json:"description,omitempty"`
	OriginalURL  string              `json:"original_url"`
	ResolvedURL  string              `json:"resolved_url,omitempty"`
	Price        decimal.NullDecimal `json:"price"`
	StockState   StockState          `json:"stock_state"`
	HTTPStatus   int                 `json:"http_status,omitempty"`
	Method       Method              `json:"method"`
	ElapsedMS    int64               `json:"elapsed_ms"`
	Attempts     int                 `json:"attempts"`
	ErrorMessage string              `json:"error_message,omitempty"`
	URLStatus    URLStatus           `json:"url_status"`
	ScannedAt    time.Time           `json:"scanned_at"`
	Notes        []string            `json:"notes,omitempty"`
}

// LogEntry is one decision recorded while running a batch.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Mode      string         `json:"mode"`
	Context   string         `json:"context"`
	Message   string         `json:"message"`
	Extra     map[string]any `json:"extra"`
}

// RunMode tags a batch as debug, test or prod.
type RunMode string

// Run modes.
const (
	ModeDebug RunMode = "debug"
	ModeTest  RunMode = "test"
	ModeProd  RunMode = "prod"
)

// ParseRunMode maps free-form input onto a run mode, defaulting to prod.
func ParseRunMode(s string) RunMode {
	switch RunMode(s) {
	case ModeDebug:
		return ModeDebug
	case ModeTest:
		return ModeTest
	default:
		return ModeProd
	}
}
