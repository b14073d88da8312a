package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gputracker/internal/domain"
)

// memStore keeps everything in process memory. The file driver embeds it
// and persists its state around each mutation.
type memStore struct {
	mu sync.RWMutex

	cat       catalogState
	prices    map[int64][]domain.PriceHistoryEntry
	cooldowns map[string]time.Time
}

// catalogState is also the on-disk snapshot format of the file driver.
type catalogState struct {
	Seq       catalogSeq                   `json:"seq"`
	Retailers []domain.Retailer            `json:"retailers"`
	Brands    []domain.Brand               `json:"brands"`
	Models    []domain.GPUModel            `json:"gpu_models"`
	Products  []domain.Product             `json:"products"`
	Channels  []domain.NotificationChannel `json:"channels"`
	Alerts    []domain.Alert               `json:"alerts"`
}

type catalogSeq struct {
	Retailer int64 `json:"retailer"`
	Brand    int64 `json:"brand"`
	Model    int64 `json:"gpu_model"`
	Product  int64 `json:"product"`
	Channel  int64 `json:"channel"`
	Alert    int64 `json:"alert"`
	Price    int64 `json:"price"`
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		prices:    map[int64][]domain.PriceHistoryEntry{},
		cooldowns: map[string]time.Time{},
	}
}

func (s *memStore) Close() error { return nil }

func foldKey(v string) string { return strings.ToLower(strings.TrimSpace(v)) }

// ---- retailers ----

func (s *memStore) UpsertRetailer(ctx context.Context, r domain.Retailer) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertRetailerLocked(r), nil
}

func (s *memStore) upsertRetailerLocked(r domain.Retailer) int64 {
	for i := range s.cat.Retailers {
		if foldKey(s.cat.Retailers[i].Name) == foldKey(r.Name) {
			r.ID = s.cat.Retailers[i].ID
			s.cat.Retailers[i] = r
			return r.ID
		}
	}
	s.cat.Seq.Retailer++
	r.ID = s.cat.Seq.Retailer
	s.cat.Retailers = append(s.cat.Retailers, r)
	return r.ID
}

func (s *memStore) GetRetailer(ctx context.Context, id int64) (domain.Retailer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.cat.Retailers {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Retailer{}, ErrNotFound
}

func (s *memStore) ListRetailers(ctx context.Context, activeOnly bool) ([]domain.Retailer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Retailer, 0, len(s.cat.Retailers))
	for _, r := range s.cat.Retailers {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- brands / models ----

func (s *memStore) UpsertBrand(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertBrandLocked(name), nil
}

func (s *memStore) upsertBrandLocked(name string) int64 {
	for _, b := range s.cat.Brands {
		if foldKey(b.Name) == foldKey(name) {
			return b.ID
		}
	}
	s.cat.Seq.Brand++
	s.cat.Brands = append(s.cat.Brands, domain.Brand{ID: s.cat.Seq.Brand, Name: strings.TrimSpace(name)})
	return s.cat.Seq.Brand
}

func (s *memStore) UpsertGPUModel(ctx context.Context, m domain.GPUModel) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cat.Models {
		if foldKey(s.cat.Models[i].Name) == foldKey(m.Name) {
			m.ID = s.cat.Models[i].ID
			s.cat.Models[i] = m
			return m.ID, nil
		}
	}
	s.cat.Seq.Model++
	m.ID = s.cat.Seq.Model
	s.cat.Models = append(s.cat.Models, m)
	return m.ID, nil
}

func (s *memStore) FindGPUModel(ctx context.Context, name string) (domain.GPUModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.cat.Models {
		if foldKey(m.Name) == foldKey(name) {
			return m, nil
		}
	}
	return domain.GPUModel{}, ErrNotFound
}

// ---- products ----

func (s *memStore) UpsertProduct(ctx context.Context, p domain.Product) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cat.Products {
		cur := &s.cat.Products[i]
		if cur.RetailerID == p.RetailerID && foldKey(cur.ExternalID) == foldKey(p.ExternalID) {
			// Identity, url and title are fixed once created.
			cur.Active = p.Active
			if cur.GPUModelID == 0 {
				cur.GPUModelID = p.GPUModelID
			}
			return cur.ID, nil
		}
	}
	s.cat.Seq.Product++
	p.ID = s.cat.Seq.Product
	s.cat.Products = append(s.cat.Products, p)
	return p.ID, nil
}

func (s *memStore) FindProduct(ctx context.Context, retailerID int64, externalID string) (domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.cat.Products {
		if p.RetailerID == retailerID && foldKey(p.ExternalID) == foldKey(externalID) {
			return p, nil
		}
	}
	return domain.Product{}, ErrNotFound
}

func (s *memStore) ListProducts(ctx context.Context, retailerID int64, activeOnly bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Product, 0)
	for _, p := range s.cat.Products {
		if retailerID != 0 && p.RetailerID != retailerID {
			continue
		}
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetProductDetails(ctx context.Context, id int64) (domain.ProductDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		d     domain.ProductDetails
		found bool
	)
	for _, p := range s.cat.Products {
		if p.ID == id {
			d.Product = p
			found = true
			break
		}
	}
	if !found {
		return domain.ProductDetails{}, ErrNotFound
	}
	for _, r := range s.cat.Retailers {
		if r.ID == d.RetailerID {
			d.RetailerName = r.Name
			d.RetailerURL = r.URL
		}
	}
	for _, m := range s.cat.Models {
		if m.ID == d.GPUModelID {
			d.GPUName = m.Name
			d.MemorySize = m.MemorySize
			d.MemoryType = m.MemoryType
			for _, b := range s.cat.Brands {
				if b.ID == m.BrandID {
					d.BrandName = b.Name
				}
			}
		}
	}
	return d, nil
}

// ---- channels ----

func (s *memStore) UpsertChannel(ctx context.Context, c domain.NotificationChannel) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cat.Channels {
		if foldKey(s.cat.Channels[i].Name) == foldKey(c.Name) {
			c.ID = s.cat.Channels[i].ID
			s.cat.Channels[i] = c
			return c.ID, nil
		}
	}
	s.cat.Seq.Channel++
	c.ID = s.cat.Seq.Channel
	s.cat.Channels = append(s.cat.Channels, c)
	return c.ID, nil
}

func (s *memStore) FindChannel(ctx context.Context, name string) (domain.NotificationChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.cat.Channels {
		if foldKey(c.Name) == foldKey(name) {
			return c, nil
		}
	}
	return domain.NotificationChannel{}, ErrNotFound
}

func (s *memStore) ListChannels(ctx context.Context, activeOnly bool) ([]domain.NotificationChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.NotificationChannel, 0, len(s.cat.Channels))
	for _, c := range s.cat.Channels {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- alerts ----

func (s *memStore) UpsertAlert(ctx context.Context, a domain.Alert) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cat.Alerts {
		cur := s.cat.Alerts[i]
		if cur.ScopeKind == a.ScopeKind && cur.ScopeID == a.ScopeID && cur.Type == a.Type && cur.ChannelID == a.ChannelID {
			a.ID = cur.ID
			s.cat.Alerts[i] = a
			return a.ID, nil
		}
	}
	s.cat.Seq.Alert++
	a.ID = s.cat.Seq.Alert
	s.cat.Alerts = append(s.cat.Alerts, a)
	return a.ID, nil
}

func (s *memStore) ListAlerts(ctx context.Context, activeOnly bool) ([]domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Alert, 0, len(s.cat.Alerts))
	for _, a := range s.cat.Alerts {
		if activeOnly && !a.Active {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) AlertsFor(ctx context.Context, productID, gpuModelID, retailerID int64) ([]domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Alert, 0)
	for _, a := range s.cat.Alerts {
		if !a.Active || !scopeMatches(a, productID, gpuModelID, retailerID) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func scopeMatches(a domain.Alert, productID, gpuModelID, retailerID int64) bool {
	switch a.ScopeKind {
	case domain.ScopeProduct:
		return productID != 0 && a.ScopeID == productID
	case domain.ScopeModel:
		return gpuModelID != 0 && a.ScopeID == gpuModelID
	case domain.ScopeRetailer:
		return retailerID != 0 && a.ScopeID == retailerID
	default:
		return false
	}
}

// ---- price history ----

func (s *memStore) AppendPrice(ctx context.Context, e domain.PriceHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendPriceLocked(&e)
	return nil
}

func (s *memStore) appendPriceLocked(e *domain.PriceHistoryEntry) {
	if e.CheckedAt.IsZero() {
		e.CheckedAt = time.Now()
	}
	if e.ID == 0 {
		s.cat.Seq.Price++
		e.ID = s.cat.Seq.Price
	} else if e.ID > s.cat.Seq.Price {
		s.cat.Seq.Price = e.ID
	}
	rows := s.prices[e.ProductID]
	// Keep rows ordered by checked_at; late arrivals slot in place.
	i := len(rows)
	for i > 0 && rows[i-1].CheckedAt.After(e.CheckedAt) {
		i--
	}
	rows = append(rows, domain.PriceHistoryEntry{})
	copy(rows[i+1:], rows[i:])
	rows[i] = *e
	s.prices[e.ProductID] = rows
}

func (s *memStore) LatestPrices(ctx context.Context, productID int64, limit int) ([]domain.PriceHistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.prices[productID]
	out := make([]domain.PriceHistoryEntry, 0, min(limit, len(rows)))
	for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, rows[i])
	}
	return out, nil
}

func (s *memStore) PriceChanges(ctx context.Context, since time.Time) ([]domain.PriceChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PriceChange, 0)
	for pid, rows := range s.prices {
		var first, last *domain.PriceHistoryEntry
		for i := range rows {
			if rows[i].CheckedAt.Before(since) {
				continue
			}
			if first == nil {
				first = &rows[i]
			}
			last = &rows[i]
		}
		if first == nil || first == last || samePrice(first.Price, last.Price) {
			continue
		}
		ch := domain.PriceChange{
			ProductID: pid,
			OldPrice:  first.Price,
			NewPrice:  last.Price,
			InStock:   last.InStock,
			CheckedAt: last.CheckedAt,
		}
		for _, p := range s.cat.Products {
			if p.ID == pid {
				ch.Title = p.Title
				for _, r := range s.cat.Retailers {
					if r.ID == p.RetailerID {
						ch.Retailer = r.Name
					}
				}
			}
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckedAt.After(out[j].CheckedAt) })
	return out, nil
}

func samePrice(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ---- cooldowns ----

func (s *memStore) PutCooldown(ctx context.Context, key string, at time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.cooldowns[key] = at
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetCooldown(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.cooldowns[strings.TrimSpace(key)]
	return at, ok, nil
}
