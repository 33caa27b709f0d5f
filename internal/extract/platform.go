package extract

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/JakeFAU/pricescan/internal/scan"
)

// Platform names a known storefront template.
type Platform string

// Detected platforms.
const (
	PlatformNone        Platform = ""
	PlatformShopify     Platform = "shopify"
	PlatformWooCommerce Platform = "woocommerce"
	PlatformBigCommerce Platform = "bigcommerce"
)

// DetectPlatform fingerprints the storefront from the host and page markers.
func DetectPlatform(pageURL, html string) Platform {
	if u, err := url.Parse(pageURL); err == nil && strings.HasSuffix(strings.ToLower(u.Hostname()), ".myshopify.com") {
		return PlatformShopify
	}
	switch {
	case strings.Contains(html, "cdn.shopify.com"),
		strings.Contains(html, "Shopify.shop"),
		strings.Contains(html, "ShopifyAnalytics.meta"):
		return PlatformShopify
	case strings.Contains(html, "data-product_variations"),
		strings.Contains(html, "woocommerce"):
		return PlatformWooCommerce
	case strings.Contains(html, "BCData"):
		return PlatformBigCommerce
	default:
		return PlatformNone
	}
}

// variant is the platform-neutral view of one purchasable option.
type variant struct {
	price     decimal.Decimal
	hasPrice  bool
	available *bool
	quantity  *float64
}

func (v variant) stock() scan.StockState {
	switch {
	case v.available != nil && *v.available:
		return scan.StockInStock
	case v.quantity != nil && *v.quantity > 0:
		return scan.StockInStock
	case v.available != nil:
		return scan.StockOutOfStock
	case v.quantity != nil:
		return scan.StockOutOfStock
	default:
		return scan.StockUnknown
	}
}

// platformVariant parses inline variant data for detected storefronts.
func platformVariant(_ context.Context, p *Page) (*scan.ExtractionResult, error) {
	platform := DetectPlatform(p.URL, p.HTML)
	if platform == PlatformNone {
		return nil, nil
	}
	doc, err := p.Document()
	if err != nil {
		return nil, err
	}

	var variants []variant
	switch platform {
	case PlatformShopify:
		variants = shopifyVariants(doc)
	case PlatformWooCommerce:
		variants = wooVariants(doc)
	case PlatformBigCommerce:
		variants = bigCommerceVariants(doc)
	}
	if len(variants) == 0 {
		return nil, nil
	}
	return summarizeVariants(variants, platform), nil
}

// summarizeVariants reports the cheapest available variant, or the cheapest
// overall when none is known to be available.
func summarizeVariants(variants []variant, platform Platform) *scan.ExtractionResult {
	var (
		states       []scan.StockState
		allPrices    []decimal.Decimal
		activePrices []decimal.Decimal
	)
	for _, v := range variants {
		state := v.stock()
		states = append(states, state)
		if !v.hasPrice {
			continue
		}
		allPrices = append(allPrices, v.price)
		if state == scan.StockInStock {
			activePrices = append(activePrices, v.price)
		}
	}
	res := &scan.ExtractionResult{
		StockState: mergeStock(states),
		Notes:      []string{"platform: " + string(platform)},
	}
	prices := activePrices
	if len(prices) == 0 {
		prices = allPrices
	}
	if price, ok := minDecimal(prices); ok {
		res.Price = decimal.NewNullDecimal(price)
	}
	return res
}

func shopifyVariants(doc *goquery.Document) []variant {
	var out []variant
	doc.Find(`script[data-product-json], script[id^="ProductJson"]`).Each(func(_ int, s *goquery.Selection) {
		var product map[string]any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &product); err != nil {
			return
		}
		if inner, ok := product["product"].(map[string]any); ok {
			product = inner
		}
		out = append(out, shopifyProductVariants(product)...)
	})
	if len(out) > 0 {
		return out
	}
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		meta, ok := assignedObject(s.Text(), "ShopifyAnalytics.meta")
		if !ok {
			meta, ok = assignedObject(s.Text(), "var meta")
		}
		if !ok {
			return true
		}
		if product, ok := meta["product"].(map[string]any); ok {
			out = append(out, shopifyProductVariants(product)...)
		}
		return len(out) == 0
	})
	return out
}

func shopifyProductVariants(product map[string]any) []variant {
	var out []variant
	forEachObject(product["variants"], func(v map[string]any) {
		item := variant{available: boolField(v, "available"), quantity: numberField(v, "inventory_quantity")}
		item.price, item.hasPrice = shopifyPrice(v["price"])
		out = append(out, item)
	})
	return out
}

// shopifyPrice reads minor units, except for strings that already carry a
// decimal point (the storefront's formatted major units).
func shopifyPrice(v any) (decimal.Decimal, bool) {
	if s, ok := v.(string); ok && strings.Contains(s, ".") {
		return parsePrice(s)
	}
	return minorToMajor(v)
}

func wooVariants(doc *goquery.Document) []variant {
	var out []variant
	doc.Find("[data-product_variations]").Each(func(_ int, s *goquery.Selection) {
		raw, _ := s.Attr("data-product_variations")
		var variations []map[string]any
		if err := json.Unmarshal([]byte(raw), &variations); err != nil {
			return
		}
		for _, v := range variations {
			item := variant{available: boolField(v, "is_in_stock")}
			item.price, item.hasPrice = parsePrice(v["display_price"])
			out = append(out, item)
		}
	})
	if len(out) > 0 {
		return out
	}
	// Simple products render the stock badge instead of variation data.
	stock := doc.Find("p.stock").First()
	if stock.Length() == 0 {
		return nil
	}
	available := stock.HasClass("in-stock")
	if !available && !stock.HasClass("out-of-stock") {
		return nil
	}
	return []variant{{available: &available}}
}

func bigCommerceVariants(doc *goquery.Document) []variant {
	var out []variant
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		data, ok := assignedObject(s.Text(), "BCData")
		if !ok {
			return true
		}
		attrs, ok := data["product_attributes"].(map[string]any)
		if !ok {
			return true
		}
		item := variant{available: boolField(attrs, "instock"), quantity: numberField(attrs, "stock")}
		if item.available == nil {
			item.available = boolField(attrs, "purchasable")
		}
		if price, ok := attrs["price"].(map[string]any); ok {
			for _, key := range []string{"without_tax", "with_tax"} {
				if tax, ok := price[key].(map[string]any); ok {
					if item.price, item.hasPrice = parsePrice(tax["value"]); item.hasPrice {
						break
					}
				}
			}
		}
		out = append(out, item)
		return false
	})
	return out
}

// assignedObject finds `marker = {...}` (or `marker: {...}`) in inline script
// and parses the object literal leniently.
func assignedObject(script, marker string) (map[string]any, bool) {
	idx := strings.Index(script, marker)
	if idx < 0 {
		return nil, false
	}
	rest := script[idx+len(marker):]
	trimmed := strings.TrimLeft(rest, " \t\r\n")
	if trimmed == "" || (trimmed[0] != '=' && trimmed[0] != ':') {
		return nil, false
	}
	start := strings.IndexByte(trimmed, '{')
	if start < 0 {
		return nil, false
	}
	literal, ok := balancedObject(trimmed[start:])
	if !ok {
		return nil, false
	}
	var out map[string]any
	if err := json5.Unmarshal([]byte(literal), &out); err != nil {
		return nil, false
	}
	return out, true
}

// balancedObject returns the prefix of s up to the brace closing s[0].
func balancedObject(s string) (string, bool) {
	depth := 0
	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

func boolField(m map[string]any, key string) *bool {
	switch v := m[key].(type) {
	case bool:
		return &v
	case string:
		b := strings.EqualFold(v, "true") || v == "1"
		if !b && !strings.EqualFold(v, "false") && v != "0" {
			return nil
		}
		return &b
	default:
		return nil
	}
}

func numberField(m map[string]any, key string) *float64 {
	switch v := m[key].(type) {
	case float64:
		return &v
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}
