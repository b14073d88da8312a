package domain

import (
	"fmt"
	"time"
)

type AlertType string

const (
	AlertStock AlertType = "stock"
	AlertPrice AlertType = "price"
)

type ScopeKind string

const (
	ScopeProduct  ScopeKind = "product"
	ScopeModel    ScopeKind = "model"
	ScopeRetailer ScopeKind = "retailer"
)

// Alert is a rule scoped to exactly one product, GPU model or retailer.
// PriceThreshold is set iff Type is AlertPrice.
type Alert struct {
	ID             int64     `json:"id"`
	ScopeKind      ScopeKind `json:"scope_kind"`
	ScopeID        int64     `json:"scope_id"`
	Type           AlertType `json:"alert_type"`
	PriceThreshold *float64  `json:"price_threshold,omitempty"`
	ChannelID      int64     `json:"notification_channel_id"`
	Active         bool      `json:"active"`
}

// Firing is an alert whose condition matched a check result.
type Firing struct {
	Alert   Alert
	Product ProductDetails
	Result  CheckResult
	Message string
}

// CooldownKey names the (alert, channel) pair whose last send is tracked.
func CooldownKey(alertID, channelID int64) string {
	return fmt.Sprintf("alert:%d|channel:%d", alertID, channelID)
}

// Payload is the normalized body every channel receives.
type Payload struct {
	Title       string    `json:"title"`
	Price       string    `json:"price"`
	StockStatus string    `json:"stockStatus"`
	Retailer    string    `json:"retailer"`
	URL         string    `json:"url"`
	Timestamp   time.Time `json:"timestamp"`
}

// FormatPrice renders a price as "$650.00", or "N/A" when unknown.
func FormatPrice(p *float64) string {
	if p == nil {
		return "N/A"
	}
	return fmt.Sprintf("$%.2f", *p)
}

// StockLabel renders the in-stock flag for humans.
func StockLabel(inStock bool) string {
	if inStock {
		return "In Stock"
	}
	return "Out of Stock"
}

// NewPayload builds the payload for a firing alert.
func NewPayload(f Firing) Payload {
	title := f.Product.Title
	if title == "" {
		title = f.Result.Title
	}
	url := f.Result.URL
	if url == "" {
		url = f.Product.URL
	}
	ts := f.Result.CheckedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return Payload{
		Title:       title,
		Price:       FormatPrice(f.Result.Price),
		StockStatus: StockLabel(f.Result.InStock),
		Retailer:    f.Product.RetailerName,
		URL:         url,
		Timestamp:   ts,
	}
}
