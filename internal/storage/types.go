package storage

import (
	"context"
	"errors"
	"time"

	"gputracker/internal/domain"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory": nothing survives a restart
//   - "file": dependency-free file backend (json + jsonl)
//   - "sqlite": SQLite database file
//
// An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Catalog is the configuration-owned part of the store. Upserts match on
// natural keys so ids stay stable across restarts and reloads:
//   - retailer: lower(name)
//   - brand: lower(name)
//   - gpu model: lower(name)
//   - product: (retailer id, external id)
//   - channel: lower(name)
//   - alert: (scope kind, scope id, type, channel id)
type Catalog interface {
	UpsertRetailer(ctx context.Context, r domain.Retailer) (int64, error)
	GetRetailer(ctx context.Context, id int64) (domain.Retailer, error)
	ListRetailers(ctx context.Context, activeOnly bool) ([]domain.Retailer, error)

	UpsertBrand(ctx context.Context, name string) (int64, error)
	UpsertGPUModel(ctx context.Context, m domain.GPUModel) (int64, error)
	FindGPUModel(ctx context.Context, name string) (domain.GPUModel, error)

	UpsertProduct(ctx context.Context, p domain.Product) (int64, error)
	FindProduct(ctx context.Context, retailerID int64, externalID string) (domain.Product, error)
	ListProducts(ctx context.Context, retailerID int64, activeOnly bool) ([]domain.Product, error)
	GetProductDetails(ctx context.Context, id int64) (domain.ProductDetails, error)

	UpsertChannel(ctx context.Context, c domain.NotificationChannel) (int64, error)
	FindChannel(ctx context.Context, name string) (domain.NotificationChannel, error)
	ListChannels(ctx context.Context, activeOnly bool) ([]domain.NotificationChannel, error)

	UpsertAlert(ctx context.Context, a domain.Alert) (int64, error)
	ListAlerts(ctx context.Context, activeOnly bool) ([]domain.Alert, error)
	// AlertsFor returns active alerts scoped to the product, its GPU model
	// or its retailer. Zero ids are ignored.
	AlertsFor(ctx context.Context, productID, gpuModelID, retailerID int64) ([]domain.Alert, error)
}

// PriceHistory is append-only.
type PriceHistory interface {
	AppendPrice(ctx context.Context, e domain.PriceHistoryEntry) error
	// LatestPrices returns up to limit rows, newest first.
	LatestPrices(ctx context.Context, productID int64, limit int) ([]domain.PriceHistoryEntry, error)
	// PriceChanges lists products whose price moved since the given time.
	PriceChanges(ctx context.Context, since time.Time) ([]domain.PriceChange, error)
}

// Cooldowns stores the last successful send per key.
type Cooldowns interface {
	PutCooldown(ctx context.Context, key string, at time.Time) error
	GetCooldown(ctx context.Context, key string) (at time.Time, ok bool, err error)
}

// Store is the persistence API used by the app.
type Store interface {
	Catalog
	PriceHistory
	Cooldowns
	Close() error
}
