package domain

import "time"

// CheckResult is produced once per product per cycle and never mutated.
type CheckResult struct {
	ProductID  int64     `json:"id"`
	RetailerID int64     `json:"retailer_id"`
	Title      string    `json:"title"`
	Price      *float64  `json:"price"`
	InStock    bool      `json:"inStock"`
	URL        string    `json:"url"`
	CheckedAt  time.Time `json:"timestamp"`
}

// PriceHistoryEntry is an append-only row; Price is nil when the page had
// no parseable price.
type PriceHistoryEntry struct {
	ID        int64     `json:"id"`
	ProductID int64     `json:"product_id"`
	Price     *float64  `json:"price"`
	InStock   bool      `json:"in_stock"`
	CheckedAt time.Time `json:"checked_at"`
}

// PriceChange compares the oldest and newest rows of a product inside a window.
type PriceChange struct {
	ProductID int64     `json:"product_id"`
	Title     string    `json:"title"`
	Retailer  string    `json:"retailer"`
	OldPrice  *float64  `json:"old_price"`
	NewPrice  *float64  `json:"new_price"`
	InStock   bool      `json:"in_stock"`
	CheckedAt time.Time `json:"checked_at"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
