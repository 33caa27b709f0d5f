package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/pricescan/internal/excerpt"
	"github.com/JakeFAU/pricescan/internal/scan"
)

// priceScanLimit bounds the text searched for prices; footers and related
// product carousels come later in the page.
const priceScanLimit = 4000

const contextWindow = 32

var (
	currencyPriceRE = regexp.MustCompile(`(?i)(?:US\$|USD\s?|\$)\s*(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`)
	// barePriceRE mirrors a price-shaped number with exactly two decimals.
	barePriceRE = regexp.MustCompile(`(?:^|[^\d.,])(\d{1,4}(?:[.,]\d{3})*[.,]\d{2})(?:[^\d]|$)`)

	discountRE = regexp.MustCompile(`\b(?:you save|save|off|discount|coupon|rebate)\b`)
	originalRE = regexp.MustCompile(`\b(?:was|list|original|reg|regular|msrp|compare at)\b`)
	saleRE     = regexp.MustCompile(`\b(?:now|sale|our price|current|today|deal)\b`)
	offAfterRE = regexp.MustCompile(`^\s*(?:off\b|%)`)
)

// priceBucket classifies a candidate by its surrounding words.
type priceBucket int

const (
	bucketGeneric priceBucket = iota
	bucketSale
	bucketOriginal
	bucketDiscount
)

type priceCandidate struct {
	value  decimal.Decimal
	bucket priceBucket
}

// heuristicText scans visible text for stock keywords and currency-prefixed
// prices, preferring sale prices over generic ones over list prices.
func heuristicText(_ context.Context, p *Page) (*scan.ExtractionResult, error) {
	text, err := p.VisibleText()
	if err != nil {
		return nil, err
	}
	signal := stockFromText(text)
	candidates := priceCandidates(excerpt.TruncateRunes(text, priceScanLimit))
	price, bucket, found := selectPrice(candidates)

	res := &scan.ExtractionResult{StockState: signal.state()}
	if found {
		res.Price = decimal.NewNullDecimal(price)
		res.Notes = append(res.Notes, "price bucket: "+bucket.String())
	}
	switch {
	case signal == signalConflict:
		res.Notes = append(res.Notes, "conflicting stock keywords")
	case found && signal == signalNone:
		res.StockState = scan.StockInStock
		res.Notes = append(res.Notes, "stock inferred from price")
	}
	if !res.Found() {
		return nil, nil
	}
	return res, nil
}

func priceCandidates(text string) []priceCandidate {
	lower := strings.ToLower(text)
	matches := currencyPriceRE.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		matches = barePriceRE.FindAllStringSubmatchIndex(text, -1)
	}

	out := make([]priceCandidate, 0, len(matches))
	prevEnd := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		value, ok := parsePriceText(text[m[2]:m[3]])
		if !ok || !value.IsPositive() {
			prevEnd = end
			continue
		}
		prefixStart := max(prevEnd, start-contextWindow)
		prefix := lower[prefixStart:start]
		suffix := lower[m[3]:min(len(lower), m[3]+contextWindow)]
		out = append(out, priceCandidate{value: value, bucket: classifyContext(prefix, suffix)})
		prevEnd = end
	}
	return out
}

// classifyContext picks the bucket whose keyword sits closest to the price.
func classifyContext(prefix, suffix string) priceBucket {
	if offAfterRE.MatchString(suffix) {
		return bucketDiscount
	}
	best, bestPos := bucketGeneric, -1
	for _, rule := range []struct {
		re     *regexp.Regexp
		bucket priceBucket
	}{
		{discountRE, bucketDiscount},
		{originalRE, bucketOriginal},
		{saleRE, bucketSale},
	} {
		locs := rule.re.FindAllStringIndex(prefix, -1)
		if len(locs) == 0 {
			continue
		}
		if pos := locs[len(locs)-1][0]; pos > bestPos {
			best, bestPos = rule.bucket, pos
		}
	}
	return best
}

func selectPrice(candidates []priceCandidate) (decimal.Decimal, priceBucket, bool) {
	for _, bucket := range []priceBucket{bucketSale, bucketGeneric, bucketOriginal} {
		inBucket := lo.Filter(candidates, func(c priceCandidate, _ int) bool { return c.bucket == bucket })
		if len(inBucket) == 0 {
			continue
		}
		cheapest := lo.MinBy(inBucket, func(a, b priceCandidate) bool { return a.value.LessThan(b.value) })
		return cheapest.value, bucket, true
	}
	return decimal.Decimal{}, bucketGeneric, false
}

func (b priceBucket) String() string {
	switch b {
	case bucketSale:
		return "sale"
	case bucketOriginal:
		return "original"
	case bucketDiscount:
		return "discount"
	default:
		return "generic"
	}
}
