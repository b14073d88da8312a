package retailer

import "github.com/PuerkitoBio/goquery"

// BestBuy is in stock when the add-to-cart button is present and no
// disabled button is rendered.
type BestBuy struct {
	sel map[string]string
}

var bestBuyDefaults = map[string]string{
	SelPrice:   ".priceView-customer-price span",
	SelBuy:     ".add-to-cart-button",
	SelSoldOut: ".btn-disabled",
	SelTitle:   ".heading-5.v-fw-regular",
}

func NewBestBuy(overrides map[string]string) *BestBuy {
	return &BestBuy{sel: selectors(bestBuyDefaults, overrides)}
}

func (b *BestBuy) Extract(doc *goquery.Document) Extraction {
	return Extraction{
		PriceText: firstText(doc, b.sel[SelPrice]),
		InStock:   exists(doc, b.sel[SelBuy]) && !exists(doc, b.sel[SelSoldOut]),
		Title:     firstText(doc, b.sel[SelTitle]),
	}
}
