package extract

import (
	"strings"

	"github.com/JakeFAU/pricescan/internal/scan"
)

var (
	stockPositive = []string{
		"in stock",
		"available now",
		"ready to ship",
		"ships today",
		"add to cart",
		"add to basket",
		"add to bag",
	}
	stockNegative = []string{
		"out of stock",
		"sold out",
		"unavailable",
		"backorder",
		"preorder",
		"pre-order",
		"temporarily unavailable",
	}
)

// stockSignal is the keyword verdict over a block of text.
type stockSignal int

const (
	signalNone stockSignal = iota
	signalPositive
	signalNegative
	signalConflict
)

func (s stockSignal) state() scan.StockState {
	switch s {
	case signalPositive:
		return scan.StockInStock
	case signalNegative:
		return scan.StockOutOfStock
	default:
		return scan.StockUnknown
	}
}

func stockFromText(text string) stockSignal {
	lower := strings.ToLower(text)
	pos := containsAny(lower, stockPositive)
	neg := containsAny(lower, stockNegative)
	switch {
	case pos && neg:
		return signalConflict
	case pos:
		return signalPositive
	case neg:
		return signalNegative
	default:
		return signalNone
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// availabilityState maps schema.org availability values (full IRIs or bare
// names, any case) to a stock state.
func availabilityState(raw string) scan.StockState {
	v := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.LastIndexAny(v, "/#"); i >= 0 {
		v = v[i+1:]
	}
	v = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(v)
	switch v {
	case "instock", "instoreonly", "onlineonly", "limitedavailability", "presale", "available", "true":
		return scan.StockInStock
	case "outofstock", "soldout", "discontinued", "backorder", "preorder", "unavailable", "false":
		return scan.StockOutOfStock
	default:
		return scan.StockUnknown
	}
}

// mergeStock folds per-offer states: any in-stock offer wins, otherwise any
// out-of-stock offer, otherwise unknown.
func mergeStock(states []scan.StockState) scan.StockState {
	out := scan.StockUnknown
	for _, s := range states {
		switch s {
		case scan.StockInStock:
			return scan.StockInStock
		case scan.StockOutOfStock:
			out = scan.StockOutOfStock
		}
	}
	return out
}
