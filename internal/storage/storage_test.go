package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gputracker/internal/domain"
	logx "gputracker/pkg/logx"
)

func openDrivers(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "gputracker.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
}

type seeded struct {
	retailer, model, product, channel, alert int64
}

func seed(t *testing.T, st Store) seeded {
	t.Helper()
	ctx := context.Background()
	var s seeded
	var err error
	if s.retailer, err = st.UpsertRetailer(ctx, domain.Retailer{Name: "BestBuy", Kind: "bestbuy", URL: "https://www.bestbuy.com", Active: true}); err != nil {
		t.Fatalf("retailer: %v", err)
	}
	brand, err := st.UpsertBrand(ctx, "GIGABYTE")
	if err != nil {
		t.Fatalf("brand: %v", err)
	}
	if s.model, err = st.UpsertGPUModel(ctx, domain.GPUModel{BrandID: brand, Name: "RTX 5070", MemorySize: 12, MemoryType: "GDDR7"}); err != nil {
		t.Fatalf("model: %v", err)
	}
	if s.product, err = st.UpsertProduct(ctx, domain.Product{
		RetailerID: s.retailer, GPUModelID: s.model, ExternalID: "6621265",
		URL: "https://www.bestbuy.com/site/6621265.p", Title: "GIGABYTE RTX 5070", Active: true,
	}); err != nil {
		t.Fatalf("product: %v", err)
	}
	if s.channel, err = st.UpsertChannel(ctx, domain.NotificationChannel{
		Type: "email", Name: "email", Active: true, Config: []byte(`{"host":"smtp.test"}`),
		Retry: &domain.RetryPolicy{Max: 2, Delay: time.Second},
	}); err != nil {
		t.Fatalf("channel: %v", err)
	}
	if s.alert, err = st.UpsertAlert(ctx, domain.Alert{
		ScopeKind: domain.ScopeProduct, ScopeID: s.product, Type: domain.AlertPrice,
		PriceThreshold: domain.Float(699.99), ChannelID: s.channel, Active: true,
	}); err != nil {
		t.Fatalf("alert: %v", err)
	}
	return s
}

func TestStoreCatalog(t *testing.T) {
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			s := seed(t, st)

			// Upserts on the natural key keep ids stable.
			again, err := st.UpsertRetailer(ctx, domain.Retailer{Name: "bestbuy", Kind: "bestbuy", Active: false})
			if err != nil || again != s.retailer {
				t.Fatalf("retailer upsert id=%d err=%v want %d", again, err, s.retailer)
			}
			active, _ := st.ListRetailers(ctx, true)
			if len(active) != 0 {
				t.Fatalf("deactivated retailer still listed: %+v", active)
			}

			d, err := st.GetProductDetails(ctx, s.product)
			if err != nil {
				t.Fatalf("details: %v", err)
			}
			if d.RetailerName != "bestbuy" || d.GPUName != "RTX 5070" || d.BrandName != "GIGABYTE" || d.MemorySize != 12 {
				t.Fatalf("details=%+v", d)
			}
			if _, err := st.GetProductDetails(ctx, 9999); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing product err=%v", err)
			}

			p, err := st.FindProduct(ctx, s.retailer, "6621265")
			if err != nil || p.ID != s.product {
				t.Fatalf("find product: %+v %v", p, err)
			}

			ch, err := st.FindChannel(ctx, "EMAIL")
			if err != nil || ch.ID != s.channel || ch.Retry == nil || ch.Retry.Max != 2 || ch.Retry.Delay != time.Second {
				t.Fatalf("find channel: %+v %v", ch, err)
			}
		})
	}
}

func TestStoreAlertsFor(t *testing.T) {
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			s := seed(t, st)

			modelAlert, _ := st.UpsertAlert(ctx, domain.Alert{ScopeKind: domain.ScopeModel, ScopeID: s.model, Type: domain.AlertStock, ChannelID: s.channel, Active: true})
			retailerAlert, _ := st.UpsertAlert(ctx, domain.Alert{ScopeKind: domain.ScopeRetailer, ScopeID: s.retailer, Type: domain.AlertStock, ChannelID: s.channel, Active: true})
			_, _ = st.UpsertAlert(ctx, domain.Alert{ScopeKind: domain.ScopeRetailer, ScopeID: s.retailer + 100, Type: domain.AlertStock, ChannelID: s.channel, Active: true})
			_, _ = st.UpsertAlert(ctx, domain.Alert{ScopeKind: domain.ScopeModel, ScopeID: s.model, Type: domain.AlertPrice, PriceThreshold: domain.Float(1), ChannelID: s.channel, Active: false})

			got, err := st.AlertsFor(ctx, s.product, s.model, s.retailer)
			if err != nil {
				t.Fatalf("alerts for: %v", err)
			}
			ids := map[int64]bool{}
			for _, a := range got {
				ids[a.ID] = true
			}
			if len(got) != 3 || !ids[s.alert] || !ids[modelAlert] || !ids[retailerAlert] {
				t.Fatalf("alerts=%+v", got)
			}
			for _, a := range got {
				if a.ID == s.alert && (a.PriceThreshold == nil || *a.PriceThreshold != 699.99) {
					t.Fatalf("threshold lost: %+v", a)
				}
			}
		})
	}
}

func TestStorePriceHistory(t *testing.T) {
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			s := seed(t, st)

			base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
			rows := []domain.PriceHistoryEntry{
				{ProductID: s.product, Price: domain.Float(799), InStock: false, CheckedAt: base},
				{ProductID: s.product, Price: nil, InStock: false, CheckedAt: base.Add(10 * time.Minute)},
				{ProductID: s.product, Price: domain.Float(650), InStock: true, CheckedAt: base.Add(20 * time.Minute)},
			}
			for _, r := range rows {
				if err := st.AppendPrice(ctx, r); err != nil {
					t.Fatalf("append: %v", err)
				}
			}

			latest, err := st.LatestPrices(ctx, s.product, 2)
			if err != nil {
				t.Fatalf("latest: %v", err)
			}
			if len(latest) != 2 || latest[0].Price == nil || *latest[0].Price != 650 || !latest[0].InStock || latest[1].Price != nil {
				t.Fatalf("latest=%+v", latest)
			}

			changes, err := st.PriceChanges(ctx, base.Add(-time.Minute))
			if err != nil {
				t.Fatalf("changes: %v", err)
			}
			if len(changes) != 1 || *changes[0].OldPrice != 799 || *changes[0].NewPrice != 650 || changes[0].Title != "GIGABYTE RTX 5070" {
				t.Fatalf("changes=%+v", changes)
			}

			none, _ := st.PriceChanges(ctx, base.Add(15*time.Minute))
			if len(none) != 0 {
				t.Fatalf("single row window should not report a change: %+v", none)
			}
		})
	}
}

func TestStoreCooldowns(t *testing.T) {
	for name, open := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			key := domain.CooldownKey(1, 2)
			if _, ok, err := st.GetCooldown(ctx, key); ok || err != nil {
				t.Fatalf("unexpected cooldown ok=%v err=%v", ok, err)
			}
			at := time.Now().Truncate(time.Millisecond)
			if err := st.PutCooldown(ctx, key, at); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, ok, err := st.GetCooldown(ctx, key)
			if err != nil || !ok || !got.Equal(at) {
				t.Fatalf("get=%v ok=%v err=%v", got, ok, err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := seed(t, st)
	ctx := context.Background()
	at := time.Now().Truncate(time.Millisecond)
	_ = st.AppendPrice(ctx, domain.PriceHistoryEntry{ProductID: s.product, Price: domain.Float(799), CheckedAt: at})
	_ = st.PutCooldown(ctx, domain.CooldownKey(s.alert, s.channel), at)
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	p, err := st.FindProduct(ctx, s.retailer, "6621265")
	if err != nil || p.ID != s.product {
		t.Fatalf("product after reopen: %+v %v", p, err)
	}
	rows, _ := st.LatestPrices(ctx, s.product, 10)
	if len(rows) != 1 || *rows[0].Price != 799 {
		t.Fatalf("prices after reopen: %+v", rows)
	}
	if _, ok, _ := st.GetCooldown(ctx, domain.CooldownKey(s.alert, s.channel)); !ok {
		t.Fatalf("cooldown lost after reopen")
	}
	// New ids continue after the persisted sequence.
	id, _ := st.UpsertRetailer(ctx, domain.Retailer{Name: "Amazon", Active: true})
	if id == s.retailer {
		t.Fatalf("id reused after reopen")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
