package retailer

import (
	"fmt"

	"github.com/PuerkitoBio/goquery"
)

// Generic reads configured selectors. It is in stock when the buy
// selector matches and the sold-out selector does not.
type Generic struct {
	sel map[string]string
}

// NewGeneric requires the price and buy selectors.
func NewGeneric(sel map[string]string) (*Generic, error) {
	g := &Generic{sel: selectors(nil, sel)}
	for _, k := range []string{SelPrice, SelBuy} {
		if g.sel[k] == "" {
			return nil, fmt.Errorf("generic retailer: missing %q selector", k)
		}
	}
	return g, nil
}

func (g *Generic) Extract(doc *goquery.Document) Extraction {
	return Extraction{
		PriceText: firstText(doc, g.sel[SelPrice]),
		InStock:   exists(doc, g.sel[SelBuy]) && !exists(doc, g.sel[SelSoldOut]),
		Title:     firstText(doc, g.sel[SelTitle]),
	}
}
