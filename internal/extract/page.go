package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/pricescan/internal/scan"
)

// Page is one fetched document plus the product metadata it was fetched for.
// Parsing is lazy and cached; a Page is not safe for concurrent use.
type Page struct {
	HTML   string
	URL    string
	Target scan.Target

	doc     *goquery.Document
	docErr  error
	parsed  bool
	text    string
	hasText bool
}

// NewPage wraps fetched content.
func NewPage(html, resolvedURL string, target scan.Target) *Page {
	return &Page{HTML: html, URL: resolvedURL, Target: target}
}

// Document returns the parsed DOM.
func (p *Page) Document() (*goquery.Document, error) {
	if !p.parsed {
		p.parsed = true
		p.doc, p.docErr = goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
		if p.docErr != nil {
			p.docErr = fmt.Errorf("parse html: %w", p.docErr)
		}
	}
	return p.doc, p.docErr
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// VisibleText returns the page text with scripts and styles removed and
// whitespace collapsed.
func (p *Page) VisibleText() (string, error) {
	if p.hasText {
		return p.text, nil
	}
	doc, err := p.Document()
	if err != nil {
		return "", err
	}
	body := doc.Selection.Clone()
	body.Find("script, style, noscript, template, svg, iframe").Remove()
	var sb strings.Builder
	var walk func(sel *goquery.Selection)
	walk = func(sel *goquery.Selection) {
		sel.Contents().Each(func(_ int, s *goquery.Selection) {
			switch goquery.NodeName(s) {
			case "#text":
				sb.WriteString(s.Text())
				sb.WriteByte(' ')
			case "#comment":
			default:
				walk(s)
			}
		})
	}
	walk(body)
	p.text = strings.TrimSpace(whitespaceRE.ReplaceAllString(sb.String(), " "))
	p.hasText = true
	return p.text, nil
}
