package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var numberTokenRE = regexp.MustCompile(`\d[\d.,]*`)

// parsePrice accepts the shapes prices take in structured data: numbers,
// json.Number and strings with currency symbols or thousands separators.
// Non-positive values are treated as absent.
func parsePrice(v any) (decimal.Decimal, bool) {
	var d decimal.Decimal
	switch t := v.(type) {
	case json.Number:
		parsed, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Decimal{}, false
		}
		d = parsed
	case float64:
		d = decimal.NewFromFloat(t)
	case int:
		d = decimal.NewFromInt(int64(t))
	case int64:
		d = decimal.NewFromInt(t)
	case string:
		parsed, ok := parsePriceText(t)
		if !ok {
			return decimal.Decimal{}, false
		}
		d = parsed
	default:
		return decimal.Decimal{}, false
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, false
	}
	return d, true
}

// parsePriceText reads the first numeric token of s, deciding which of ',' and
// '.' is the decimal separator.
func parsePriceText(s string) (decimal.Decimal, bool) {
	token := numberTokenRE.FindString(s)
	token = strings.TrimRight(token, ".,")
	if token == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(normalizeSeparators(token))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func normalizeSeparators(token string) string {
	lastComma := strings.LastIndexByte(token, ',')
	lastDot := strings.LastIndexByte(token, '.')
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			// 1.234,56
			token = strings.ReplaceAll(token, ".", "")
			return strings.Replace(token, ",", ".", 1)
		}
		return strings.ReplaceAll(token, ",", "")
	case lastComma >= 0:
		if strings.Count(token, ",") == 1 && len(token)-lastComma-1 == 2 {
			return strings.Replace(token, ",", ".", 1)
		}
		return strings.ReplaceAll(token, ",", "")
	case strings.Count(token, ".") > 1:
		if len(token)-lastDot-1 == 3 {
			return strings.ReplaceAll(token, ".", "")
		}
		head := strings.ReplaceAll(token[:lastDot], ".", "")
		return head + token[lastDot:]
	default:
		return token
	}
}

// minorToMajor converts an amount in cents to currency units.
func minorToMajor(v any) (decimal.Decimal, bool) {
	d, ok := parsePrice(v)
	if !ok {
		return decimal.Decimal{}, false
	}
	return d.Shift(-2), true
}

func minDecimal(values []decimal.Decimal) (decimal.Decimal, bool) {
	if len(values) == 0 {
		return decimal.Decimal{}, false
	}
	return decimal.Min(values[0], values[1:]...), true
}
