// Package excerpt reduces product pages to the bounded text handed to the
// language-model fallback.
package excerpt

import (
	"strings"
	"sync"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/pkoukk/tiktoken-go"
)

// Defaults for the excerpt caps.
const (
	DefaultMaxChars  = 16000
	DefaultMaxTokens = 4000
	fallbackEncoding = "cl100k_base"
)

// Config bounds the excerpt. MaxTokens of zero disables token counting.
type Config struct {
	MaxChars  int
	MaxTokens int
	Model     string
}

// Builder converts HTML to compact markdown and caps its size.
type Builder struct {
	cfg       Config
	converter *md.Converter

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// New constructs a Builder.
func New(cfg Config) *Builder {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	return &Builder{cfg: cfg, converter: md.NewConverter("", true, nil)}
}

// Excerpt returns at most MaxTokens tokens and MaxChars characters of the
// page's main content. Conversion failures fall back to the raw HTML.
func (b *Builder) Excerpt(html string) string {
	text := b.markdown(html)
	if enc := b.encoder(); enc != nil && b.cfg.MaxTokens > 0 {
		tokens := enc.Encode(text, nil, nil)
		if len(tokens) > b.cfg.MaxTokens {
			text = enc.Decode(tokens[:b.cfg.MaxTokens])
		}
	}
	return TruncateRunes(text, b.cfg.MaxChars)
}

func (b *Builder) markdown(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, noscript, template, svg, iframe, link, meta, footer").Remove()
	cleaned, err := doc.Html()
	if err != nil {
		return html
	}
	out, err := b.converter.ConvertString(cleaned)
	if err != nil {
		return html
	}
	return strings.TrimSpace(out)
}

// encoder loads the tokenizer for the configured model once, falling back to
// cl100k_base. Token capping is skipped when neither loads.
func (b *Builder) encoder() *tiktoken.Tiktoken {
	if b.cfg.MaxTokens <= 0 {
		return nil
	}
	b.encOnce.Do(func() {
		enc, err := tiktoken.EncodingForModel(b.cfg.Model)
		if err != nil {
			enc, err = tiktoken.GetEncoding(fallbackEncoding)
		}
		if err == nil {
			b.enc = enc
		}
	})
	return b.enc
}

// TruncateRunes cuts s to at most n runes.
func TruncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
