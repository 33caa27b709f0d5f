package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/JakeFAU/pricescan/internal/scan"
)

// offerFacts accumulates prices and availability found in structured markup.
type offerFacts struct {
	prices []decimal.Decimal
	stock  []scan.StockState
}

func (f *offerFacts) empty() bool {
	return len(f.prices) == 0 && mergeStock(f.stock) == scan.StockUnknown
}

// structuredData reads JSON-LD Product/Offer nodes, then microdata and meta
// tags. It reports the minimum offered price across every offer found.
func structuredData(_ context.Context, p *Page) (*scan.ExtractionResult, error) {
	doc, err := p.Document()
	if err != nil {
		return nil, err
	}

	facts := &offerFacts{}
	var notes []string
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		data, ok := decodeJSONLD(s.Text())
		if !ok {
			notes = append(notes, "skipped malformed json-ld block")
			return
		}
		walkJSONLD(data, facts)
	})
	source := "json-ld"
	if facts.empty() {
		readMicrodata(doc, facts)
		source = "microdata"
	}
	if facts.empty() {
		return nil, nil
	}

	res := &scan.ExtractionResult{StockState: mergeStock(facts.stock)}
	if price, ok := minDecimal(facts.prices); ok {
		res.Price = decimal.NewNullDecimal(price)
	}
	notes = append(notes, "source: "+source)
	if res.Price.Valid && res.StockState == scan.StockUnknown {
		text, err := p.VisibleText()
		if err != nil {
			return nil, err
		}
		if state := stockFromText(text).state(); state.Known() {
			res.StockState = state
			notes = append(notes, "availability from page text")
		}
	}
	res.Notes = notes
	return res, nil
}

// decodeJSONLD parses a JSON-LD block, retrying leniently for the trailing
// commas and comments some templates emit.
func decodeJSONLD(raw string) (any, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err == nil {
		return data, true
	}
	data = nil
	if err := json5.Unmarshal(bytes.TrimSpace([]byte(raw)), &data); err != nil {
		return nil, false
	}
	return data, true
}

func walkJSONLD(node any, facts *offerFacts) {
	switch n := node.(type) {
	case []any:
		for _, item := range n {
			walkJSONLD(item, facts)
		}
	case map[string]any:
		if graph, ok := n["@graph"]; ok {
			walkJSONLD(graph, facts)
		}
		switch {
		case hasType(n, "Product", "ProductModel", "ProductGroup", "IndividualProduct"):
			readProduct(n, facts)
		case hasType(n, "Offer", "AggregateOffer"):
			readOffer(n, facts)
		case hasType(n, "WebPage", "ItemPage"):
			if entity, ok := n["mainEntity"]; ok {
				walkJSONLD(entity, facts)
			}
		}
	}
}

func readProduct(product map[string]any, facts *offerFacts) {
	if offers, ok := product["offers"]; ok {
		forEachObject(offers, func(o map[string]any) { readOffer(o, facts) })
	}
	if variants, ok := product["hasVariant"]; ok {
		forEachObject(variants, func(v map[string]any) { readProduct(v, facts) })
	}
}

func readOffer(offer map[string]any, facts *offerFacts) {
	found := false
	for _, key := range []string{"price", "lowPrice"} {
		if price, ok := parsePrice(offer[key]); ok {
			facts.prices = append(facts.prices, price)
			found = true
			break
		}
	}
	if !found {
		forEachObject(offer["priceSpecification"], func(spec map[string]any) {
			if price, ok := parsePrice(spec["price"]); ok {
				facts.prices = append(facts.prices, price)
			}
		})
	}
	if avail, ok := offer["availability"].(string); ok {
		facts.stock = append(facts.stock, availabilityState(avail))
	}
	if nested, ok := offer["offers"]; ok {
		forEachObject(nested, func(o map[string]any) { readOffer(o, facts) })
	}
}

func readMicrodata(doc *goquery.Document, facts *offerFacts) {
	doc.Find(`[itemprop="price"], meta[property="product:price:amount"], meta[property="og:price:amount"]`).
		Each(func(_ int, s *goquery.Selection) {
			raw, ok := s.Attr("content")
			if !ok {
				raw = s.Text()
			}
			if price, ok := parsePrice(raw); ok {
				facts.prices = append(facts.prices, price)
			}
		})
	if len(facts.prices) == 0 {
		if price, ok := priceSpan(doc); ok {
			facts.prices = append(facts.prices, price)
		}
	}
	doc.Find(`[itemprop="availability"], meta[property="product:availability"], meta[property="og:availability"]`).
		Each(func(_ int, s *goquery.Selection) {
			for _, attr := range []string{"href", "content"} {
				if raw, ok := s.Attr(attr); ok {
					facts.stock = append(facts.stock, availabilityState(raw))
					return
				}
			}
			facts.stock = append(facts.stock, availabilityState(s.Text()))
		})
}

// priceSpan returns the first text-only span whose class mentions price.
func priceSpan(doc *goquery.Document) (decimal.Decimal, bool) {
	var (
		price decimal.Decimal
		found bool
	)
	doc.Find("span[class]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		class, _ := s.Attr("class")
		if !strings.Contains(strings.ToLower(class), "price") || s.Children().Length() > 0 {
			return true
		}
		price, found = parsePrice(s.Text())
		return !found
	})
	return price, found
}

func hasType(node map[string]any, names ...string) bool {
	match := func(v string) bool {
		if i := strings.LastIndexAny(v, "/#:"); i >= 0 {
			v = v[i+1:]
		}
		for _, name := range names {
			if strings.EqualFold(v, name) {
				return true
			}
		}
		return false
	}
	switch t := node["@type"].(type) {
	case string:
		return match(t)
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && match(s) {
				return true
			}
		}
	}
	return false
}

func forEachObject(v any, fn func(map[string]any)) {
	switch t := v.(type) {
	case map[string]any:
		fn(t)
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				fn(m)
			}
		}
	}
}
