package retailer

import (
	"math"
	"regexp"
	"strconv"
)

var (
	nonNumeric    = regexp.MustCompile(`[^\d.-]`)
	leadingNumber = regexp.MustCompile(`^-?(\d+\.?\d*|\.\d+)`)
)

// ParsePrice strips everything but digits, '.' and '-' and parses the
// leading number. Empty or unparseable text yields nil.
//
//	"$1,299.99" -> 1299.99
//	"Free"      -> nil
func ParsePrice(s string) *float64 {
	clean := nonNumeric.ReplaceAllString(s, "")
	if clean == "" {
		return nil
	}
	num := leadingNumber.FindString(clean)
	if num == "" {
		return nil
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
