package retailer

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Amazon needs the add-to-cart button. When an availability line is
// rendered it must mention neither "unavailable" nor "out of stock".
type Amazon struct {
	sel map[string]string
}

var amazonDefaults = map[string]string{
	SelPrice:        "#priceblock_ourprice, .a-offscreen",
	SelAvailability: "#availability span",
	SelBuy:          "#add-to-cart-button",
	SelTitle:        "#productTitle",
}

func NewAmazon(overrides map[string]string) *Amazon {
	return &Amazon{sel: selectors(amazonDefaults, overrides)}
}

func (a *Amazon) Extract(doc *goquery.Document) Extraction {
	buy := exists(doc, a.sel[SelBuy])
	inStock := buy
	if avail := strings.ToLower(firstText(doc, a.sel[SelAvailability])); avail != "" {
		inStock = buy &&
			!strings.Contains(avail, "unavailable") &&
			!strings.Contains(avail, "out of stock")
	}
	return Extraction{
		PriceText: firstText(doc, a.sel[SelPrice]),
		InStock:   inStock,
		Title:     firstText(doc, a.sel[SelTitle]),
	}
}
