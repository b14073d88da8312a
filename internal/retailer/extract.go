package retailer

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Selector keys accepted in a retailer's selectors map.
const (
	SelPrice        = "price"
	SelBuy          = "buy"
	SelSoldOut      = "sold_out"
	SelAvailability = "availability"
	SelTitle        = "title"
)

// Extraction is what a site page tells us about one product.
type Extraction struct {
	PriceText string
	InStock   bool
	Title     string
}

// Extractor reads price and stock from a rendered product page. Stock
// rules are site specific.
type Extractor interface {
	Extract(doc *goquery.Document) Extraction
}

// selectors merges configured overrides over site defaults.
func selectors(defaults, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		k = strings.ToLower(strings.TrimSpace(k))
		if v = strings.TrimSpace(v); k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// firstText returns the trimmed text of the first match, or "".
func firstText(doc *goquery.Document, sel string) string {
	if sel == "" {
		return ""
	}
	return strings.TrimSpace(doc.Find(sel).First().Text())
}

func exists(doc *goquery.Document, sel string) bool {
	if sel == "" {
		return false
	}
	return doc.Find(sel).Length() > 0
}
