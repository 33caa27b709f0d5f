// Package scrapingbee implements scan.Fetcher on top of the ScrapingBee proxy
// using a gocolly collector per attempt.
package scrapingbee

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/metrics"
	"github.com/JakeFAU/pricescan/internal/scan"
)

// DefaultEndpoint is the public ScrapingBee API.
const DefaultEndpoint = "https://app.scrapingbee.com/api/v1/"

// ResolvedURLHeader carries the final URL after redirects.
const ResolvedURLHeader = "Spb-Resolved-Url"

const (
	defaultAttemptTimeout = 60 * time.Second
	maxRequestTimeout     = 10 * time.Minute
)

// Config controls proxy access and transport behavior.
type Config struct {
	APIKey    string
	Endpoint  string
	UserAgent string
	// DebugHTTP wraps the transport in a request/response logger.
	DebugHTTP bool
}

// Fetcher implements scan.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	limiter       scan.Limiter
	logger        *zap.Logger
	sleep         func(ctx context.Context, d time.Duration) error
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithLimiter paces attempts per retailer host.
func WithLimiter(l scan.Limiter) Option {
	return func(f *Fetcher) { f.limiter = l }
}

// WithTransport replaces the shared transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) { f.transport = rt }
}

// New builds a Fetcher. The transport is shared by every attempt.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Fetcher {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
		logger:    logger,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	if cfg.DebugHTTP {
		f.transport = newDebugTransport(f.transport, logger)
	}

	c := colly.NewCollector(colly.Async(false))
	// Clones share the backend client; attempts are bounded by their context.
	c.SetRequestTimeout(maxRequestTimeout)
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = true
	c.WithTransport(f.transport)
	f.baseCollector = c
	return f
}

// attemptResult is what one proxy round trip produced.
type attemptResult struct {
	status   int
	body     []byte
	resolved string
	err      error
}

// Fetch retrieves request.URL through the proxy, retrying transient failures
// with linear backoff. It always returns exactly one outcome.
func (f *Fetcher) Fetch(ctx context.Context, request scan.FetchRequest) scan.FetchOutcome {
	ctx, span := otel.Tracer("pricescan/fetcher").Start(ctx, "scrapingbee.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("target.url", request.URL))

	start := time.Now()
	outcome := f.fetchWithRetries(ctx, request)
	outcome.Elapsed = time.Since(start)
	metrics.ObserveFetch(request.URL, outcome.Elapsed)

	span.SetAttributes(
		attribute.Int("http.status", outcome.HTTPStatus),
		attribute.Int("attempts", outcome.Attempts),
	)
	if outcome.Err != nil {
		span.SetAttributes(attribute.String("error.kind", string(outcome.Err.Kind)))
	}
	return outcome
}

func (f *Fetcher) fetchWithRetries(ctx context.Context, request scan.FetchRequest) scan.FetchOutcome {
	maxAttempts := request.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	outcome := scan.FetchOutcome{RequestedURL: request.URL, ResolvedURL: request.URL}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return f.cancelled(outcome, err)
		}
		if f.limiter != nil {
			waitStart := time.Now()
			if err := f.limiter.Wait(ctx, metrics.SanitizeSite(request.URL)); err != nil {
				return f.cancelled(outcome, err)
			}
			metrics.ObserveRateLimitDelay(metrics.SanitizeSite(request.URL), time.Since(waitStart))
		}

		outcome.Attempts = attempt
		res := f.attempt(ctx, request)
		if ctx.Err() != nil {
			return f.cancelled(outcome, ctx.Err())
		}
		fetchErr := classify(res)
		metrics.ObserveFetchAttempt(request.URL, attemptLabel(res, fetchErr))

		if fetchErr == nil {
			outcome.HTTPStatus = res.status
			outcome.ResolvedURL = res.resolved
			outcome.Body = res.body
			if outcome.Body == nil {
				outcome.Body = []byte{}
			}
			return outcome
		}

		outcome.HTTPStatus = res.status
		if !fetchErr.Kind.Retryable() {
			outcome.Err = fetchErr
			return outcome
		}

		f.logger.Debug("retryable proxy failure",
			zap.String("url", request.URL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.String("error", fetchErr.Message),
		)
		if attempt == maxAttempts {
			outcome.Err = scan.NewFetchError(scan.KindRetriesExhausted, fetchErr, "%s", fetchErr.Message)
			return outcome
		}
		if err := f.sleep(ctx, request.BackoffBase*time.Duration(attempt)); err != nil {
			return f.cancelled(outcome, err)
		}
	}
	return outcome
}

func (f *Fetcher) cancelled(outcome scan.FetchOutcome, cause error) scan.FetchOutcome {
	outcome.Body = nil
	outcome.Err = scan.NewFetchError(scan.KindCancelled, cause, scan.MsgCancelled)
	return outcome
}

func (f *Fetcher) attempt(ctx context.Context, request scan.FetchRequest) attemptResult {
	ctx, span := otel.Tracer("pricescan/fetcher").Start(ctx, "scrapingbee.attempt")
	defer span.End()

	timeout := request.Timeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res attemptResult
	collector := f.buildCollector(attemptCtx, &res)
	proxyURL, err := f.proxyURL(request)
	if err != nil {
		return attemptResult{err: err}
	}
	if err := f.runCollector(attemptCtx, collector, proxyURL, &res); err != nil && res.err == nil {
		res.err = err
	}
	if res.resolved == "" {
		res.resolved = request.URL
	}
	span.SetAttributes(attribute.Int("http.status", res.status))
	return res
}

func (f *Fetcher) buildCollector(ctx context.Context, res *attemptResult) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.IgnoreRobotsTxt = true
	collector.Context = ctx
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}

	f.configureCollectorHooks(collector, res)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, res *attemptResult) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
	})

	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = append([]byte{}, r.Body...)
		if r.Headers != nil {
			res.resolved = r.Headers.Get(ResolvedURLHeader)
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			res.status = r.StatusCode
			res.body = append([]byte{}, r.Body...)
			return
		}
		res.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, res *attemptResult) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		// The request is bound to ctx, so Visit returns promptly; wait for it
		// before the hooks' result is read.
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil && res.status == 0 {
			return err
		}
		return nil
	}
}

func (f *Fetcher) proxyURL(request scan.FetchRequest) (string, error) {
	base, err := url.Parse(f.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse proxy endpoint: %w", err)
	}
	q := base.Query()
	q.Set("api_key", f.cfg.APIKey)
	q.Set("url", request.URL)
	q.Set("render_js", strconv.FormatBool(request.RenderJS))
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// transientStatuses are retried; terminalStatuses are proxy auth/billing faults.
var (
	transientStatuses = map[int]struct{}{429: {}, 500: {}, 502: {}, 503: {}, 504: {}}
	terminalStatuses  = map[int]struct{}{401: {}, 402: {}, 403: {}}
)

func classify(res attemptResult) *scan.FetchError {
	if res.err != nil && res.status == 0 {
		if isTimeout(res.err) {
			return scan.NewFetchError(scan.KindTransientNetwork, res.err, "ScrapingBee timeout: %v", res.err)
		}
		return scan.NewFetchError(scan.KindTransientNetwork, res.err, "ScrapingBee exception: %v", res.err)
	}
	if _, ok := terminalStatuses[res.status]; ok {
		return scan.NewFetchError(scan.KindTerminalProxyAuth, nil, "ScrapingBee error: HTTP %d", res.status)
	}
	if _, ok := transientStatuses[res.status]; ok {
		return scan.NewFetchError(scan.KindTransientHTTP, nil, "ScrapingBee error: HTTP %d", res.status)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func attemptLabel(res attemptResult, fetchErr *scan.FetchError) string {
	if res.status == 0 && fetchErr != nil {
		return string(fetchErr.Kind)
	}
	return fmt.Sprintf("%dxx", res.status/100)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
	}
}
