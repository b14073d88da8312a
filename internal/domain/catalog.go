package domain

import (
	"encoding/json"
	"time"
)

// Retailer is a site we check. Kind selects the adapter; an empty Kind
// falls back to the lowercased Name.
type Retailer struct {
	ID        int64             `json:"id"`
	Name      string            `json:"name"`
	Kind      string            `json:"kind,omitempty"`
	URL       string            `json:"url,omitempty"`
	Active    bool              `json:"active"`
	Selectors map[string]string `json:"selectors,omitempty"`
	Pacing    Pacing            `json:"pacing"`
}

// Pacing overrides an adapter's default request policy. Zero fields keep
// the adapter default.
type Pacing struct {
	MinDelay   time.Duration `json:"min_delay,omitempty"`
	MaxDelay   time.Duration `json:"max_delay,omitempty"`
	MinSpacing time.Duration `json:"min_spacing,omitempty"`
	NavTimeout time.Duration `json:"nav_timeout,omitempty"`
	RetryMax   int           `json:"retry_max,omitempty"`
	RetryDelay time.Duration `json:"retry_delay,omitempty"`
	Backoff    float64       `json:"backoff,omitempty"`
}

type Brand struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type GPUModel struct {
	ID               int64  `json:"id"`
	BrandID          int64  `json:"brand_id"`
	Name             string `json:"name"`
	ModelNumber      string `json:"model_number,omitempty"`
	ChipManufacturer string `json:"chip_manufacturer,omitempty"`
	ChipModel        string `json:"chip_model,omitempty"`
	MemorySize       int    `json:"memory_size,omitempty"`
	MemoryType       string `json:"memory_type,omitempty"`
}

// Product is a single listing. Identity is (RetailerID, ExternalID); only
// Active changes after creation.
type Product struct {
	ID         int64  `json:"id"`
	RetailerID int64  `json:"retailer_id"`
	GPUModelID int64  `json:"gpu_model_id,omitempty"`
	URL        string `json:"url"`
	ExternalID string `json:"external_id"`
	Title      string `json:"title"`
	Active     bool   `json:"active"`
}

// ProductDetails is a product joined with its retailer and model.
type ProductDetails struct {
	Product
	RetailerName string `json:"retailer_name"`
	RetailerURL  string `json:"retailer_url,omitempty"`
	GPUName      string `json:"gpu_name,omitempty"`
	BrandName    string `json:"brand_name,omitempty"`
	MemorySize   int    `json:"memory_size,omitempty"`
	MemoryType   string `json:"memory_type,omitempty"`
}

// NotificationChannel is a configured delivery target. Config is opaque
// to everything but the channel constructor.
type NotificationChannel struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
	Active bool            `json:"active"`
	Retry  *RetryPolicy    `json:"retry,omitempty"`
}

// RetryPolicy is a bounded attempt count with a fixed delay between attempts.
type RetryPolicy struct {
	Max   int           `json:"max"`
	Delay time.Duration `json:"delay"`
}
