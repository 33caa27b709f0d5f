// Package decisionlog records the decisions made while scanning one batch
// (fetch outcomes, strategy choices, fallbacks) and exports them as JSONL.
//
// A Log belongs to exactly one batch. It is safe for concurrent use by the
// pipeline's fetch slots.
package decisionlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pricescan/internal/scan"
)

// Contexts used by the pipeline.
const (
	CtxBatch     = "batch"
	CtxPrefilter = "prefilter"
	CtxFetch     = "fetch"
	CtxExtract   = "extract"
	CtxLLM       = "llm"
	CtxRender    = "render"
	CtxSnapshot  = "snapshot"
	CtxSink      = "sink"
)

const exportName = "retail_selector"

// Log buffers entries for one batch.
type Log struct {
	batchID string
	mode    scan.RunMode
	clock   scan.Clock
	logger  *zap.Logger

	mu      sync.Mutex
	entries []scan.LogEntry
	started time.Time
}

// New creates an empty log for batchID.
func New(batchID string, mode scan.RunMode, clock scan.Clock, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		batchID: batchID,
		mode:    mode,
		clock:   clock,
		logger:  logger,
		started: clock.Now(),
	}
}

// BatchID returns the owning batch.
func (l *Log) BatchID() string { return l.batchID }

// Mode returns the batch's run mode.
func (l *Log) Mode() scan.RunMode { return l.mode }

// Record appends an entry. A nil extra is stored as an empty map.
func (l *Log) Record(context, message string, extra map[string]any) {
	if extra == nil {
		extra = map[string]any{}
	}
	entry := scan.LogEntry{
		Timestamp: l.clock.Now(),
		Mode:      string(l.mode),
		Context:   context,
		Message:   message,
		Extra:     extra,
	}
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	fields := []zap.Field{
		zap.String("batch_id", l.batchID),
		zap.String("context", context),
	}
	if len(extra) > 0 {
		fields = append(fields, zap.Any("extra", extra))
	}
	if l.mode == scan.ModeDebug {
		l.logger.Info(message, fields...)
		return
	}
	l.logger.Debug(message, fields...)
}

// Entries returns a copy of every entry in insertion order.
func (l *Log) Entries() []scan.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]scan.LogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Filter returns entries whose context equals ctxName (when non-empty) and
// whose message contains text case-insensitively (when non-empty).
func (l *Log) Filter(ctxName, text string) []scan.LogEntry {
	return FilterEntries(l.Entries(), ctxName, text)
}

// FilterEntries applies the Filter rules to an arbitrary slice.
func FilterEntries(entries []scan.LogEntry, ctxName, text string) []scan.LogEntry {
	needle := strings.ToLower(text)
	var out []scan.LogEntry
	for _, e := range entries {
		if ctxName != "" && e.Context != ctxName {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(e.Message), needle) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Text renders one line per entry: [ts] [mode] [context] message extra={...}.
func (l *Log) Text() string {
	entries := l.Entries()
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		extra := "{}"
		if len(e.Extra) > 0 {
			if raw, err := json.Marshal(e.Extra); err == nil {
				extra = string(raw)
			}
		}
		lines = append(lines, fmt.Sprintf("[%s] [%s] [%s] %s extra=%s",
			e.Timestamp.Format(time.RFC3339Nano), e.Mode, e.Context, e.Message, extra))
	}
	return strings.Join(lines, "\n")
}

// JSONL encodes every entry as one JSON object per line.
func (l *Log) JSONL() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, e := range l.Entries() {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("encode log entry: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// ExportPath returns <prefix>/<mode>/date=YYYY-MM-DD/hour=HH/retail_selector_<batch>.jsonl
// partitioned by the batch start time.
func (l *Log) ExportPath(prefix string) string {
	at := l.started.UTC()
	return path.Join(
		strings.Trim(prefix, "/"),
		string(l.mode),
		"date="+at.Format("2006-01-02"),
		"hour="+at.Format("15"),
		fmt.Sprintf("%s_%s.jsonl", exportName, l.batchID),
	)
}

// Export writes the JSONL rendering to store and returns the object URI.
func (l *Log) Export(ctx context.Context, store scan.BlobStore, prefix string) (string, error) {
	if store == nil {
		return "", fmt.Errorf("export decision log: no blob store configured")
	}
	data, err := l.JSONL()
	if err != nil {
		return "", err
	}
	uri, err := store.PutObject(ctx, l.ExportPath(prefix), "application/x-ndjson", data)
	if err != nil {
		return "", fmt.Errorf("export decision log: %w", err)
	}
	return uri, nil
}
