package scrapingbee

import (
	"net/http"
	"net/url"

	"github.com/motemen/go-loghttp"
	"go.uber.org/zap"
)

// newDebugTransport logs every proxy round trip at debug level.
func newDebugTransport(base http.RoundTripper, logger *zap.Logger) http.RoundTripper {
	return &loghttp.Transport{
		Transport: base,
		LogRequest: func(req *http.Request) {
			logger.Debug("proxy request",
				zap.String("method", req.Method),
				zap.String("url", redactURL(req.URL)),
			)
		},
		LogResponse: func(resp *http.Response) {
			logger.Debug("proxy response",
				zap.Int("status", resp.StatusCode),
				zap.String("url", redactURL(resp.Request.URL)),
				zap.Int64("content_length", resp.ContentLength),
			)
		},
	}
}

func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clone := *u
	q := clone.Query()
	if q.Has("api_key") {
		q.Set("api_key", "REDACTED")
		clone.RawQuery = q.Encode()
	}
	return clone.String()
}
