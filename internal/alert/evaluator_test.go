package alert

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"gputracker/internal/domain"
	"gputracker/internal/storage"
	logx "gputracker/pkg/logx"
)

type fixture struct {
	store    storage.Store
	retailer int64
	model    int64
	product  int64
	other    int64
	channel  int64
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	f := fixture{store: st}
	var err error
	if f.retailer, err = st.UpsertRetailer(ctx, domain.Retailer{Name: "BestBuy", Active: true}); err != nil {
		t.Fatalf("retailer: %v", err)
	}
	brand, err := st.UpsertBrand(ctx, "NVIDIA")
	if err != nil {
		t.Fatalf("brand: %v", err)
	}
	if f.model, err = st.UpsertGPUModel(ctx, domain.GPUModel{BrandID: brand, Name: "RTX 5070"}); err != nil {
		t.Fatalf("model: %v", err)
	}
	if f.product, err = st.UpsertProduct(ctx, domain.Product{
		RetailerID: f.retailer, GPUModelID: f.model, ExternalID: "6614153",
		URL: "https://example.com/p", Title: "RTX 5070 SFF", Active: true,
	}); err != nil {
		t.Fatalf("product: %v", err)
	}
	if f.other, err = st.UpsertProduct(ctx, domain.Product{
		RetailerID: f.retailer, ExternalID: "other", URL: "https://example.com/o", Title: "Other", Active: true,
	}); err != nil {
		t.Fatalf("product: %v", err)
	}
	if f.channel, err = st.UpsertChannel(ctx, domain.NotificationChannel{Name: "email", Type: "email", Active: true}); err != nil {
		t.Fatalf("channel: %v", err)
	}
	return f
}

func (f fixture) alert(t *testing.T, a domain.Alert) int64 {
	t.Helper()
	if a.ChannelID == 0 {
		a.ChannelID = f.channel
	}
	id, err := f.store.UpsertAlert(context.Background(), a)
	if err != nil {
		t.Fatalf("alert: %v", err)
	}
	return id
}

func TestMatches(t *testing.T) {
	threshold := domain.Float(699.99)
	cases := []struct {
		name  string
		alert domain.Alert
		res   domain.CheckResult
		want  bool
	}{
		{"stock in", domain.Alert{Type: domain.AlertStock}, domain.CheckResult{InStock: true}, true},
		{"stock out", domain.Alert{Type: domain.AlertStock}, domain.CheckResult{}, false},
		{"price below", domain.Alert{Type: domain.AlertPrice, PriceThreshold: threshold}, domain.CheckResult{Price: domain.Float(650)}, true},
		{"price equal", domain.Alert{Type: domain.AlertPrice, PriceThreshold: threshold}, domain.CheckResult{Price: domain.Float(699.99)}, true},
		{"price above", domain.Alert{Type: domain.AlertPrice, PriceThreshold: threshold}, domain.CheckResult{Price: domain.Float(799)}, false},
		{"price unknown", domain.Alert{Type: domain.AlertPrice, PriceThreshold: threshold}, domain.CheckResult{InStock: true}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Matches(tc.alert, tc.res)
			if err != nil {
				t.Fatalf("err: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Matches=%v want %v", got, tc.want)
			}
		})
	}
	if _, err := Matches(domain.Alert{Type: "restock"}, domain.CheckResult{InStock: true}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("unknown type err=%v", err)
	}
}

func TestEvaluateScopes(t *testing.T) {
	f := newFixture(t)
	byProduct := f.alert(t, domain.Alert{ScopeKind: domain.ScopeProduct, ScopeID: f.product, Type: domain.AlertStock, Active: true})
	byModel := f.alert(t, domain.Alert{ScopeKind: domain.ScopeModel, ScopeID: f.model, Type: domain.AlertPrice, PriceThreshold: domain.Float(699.99), Active: true})
	byRetailer := f.alert(t, domain.Alert{ScopeKind: domain.ScopeRetailer, ScopeID: f.retailer, Type: domain.AlertStock, Active: true})
	f.alert(t, domain.Alert{ScopeKind: domain.ScopeProduct, ScopeID: f.product, Type: "restock", Active: true})
	f.alert(t, domain.Alert{ScopeKind: domain.ScopeProduct, ScopeID: f.product, Type: domain.AlertPrice, PriceThreshold: domain.Float(500), Active: true})
	f.alert(t, domain.Alert{ScopeKind: domain.ScopeProduct, ScopeID: f.other, Type: domain.AlertStock, Active: true})
	inactive := domain.Alert{ScopeKind: domain.ScopeRetailer, ScopeID: f.retailer, Type: domain.AlertPrice, PriceThreshold: domain.Float(1000), Active: false}
	f.alert(t, inactive)

	e := NewEvaluator(f.store, logx.Nop(), nil)
	res := domain.CheckResult{ProductID: f.product, Price: domain.Float(650), InStock: true, URL: "https://example.com/p", CheckedAt: time.Now()}
	got := e.Evaluate(context.Background(), []domain.CheckResult{res})

	ids := make([]int64, 0, len(got))
	for _, fr := range got {
		ids = append(ids, fr.Alert.ID)
		if fr.Product.ID != f.product || fr.Result.ProductID != f.product {
			t.Fatalf("firing carries wrong product: %+v", fr)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	want := []int64{byProduct, byModel, byRetailer}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	if len(ids) != len(want) {
		t.Fatalf("fired=%v want %v", ids, want)
	}
	for i := range ids {
		if ids[i] != want[i] {
			t.Fatalf("fired=%v want %v", ids, want)
		}
	}

	for _, fr := range got {
		var wantMsg string
		if fr.Alert.Type == domain.AlertPrice {
			wantMsg = "RTX 5070 SFF price dropped to $650.00 at BestBuy!"
		} else {
			wantMsg = "RTX 5070 SFF is now in stock at BestBuy!"
		}
		if fr.Message != wantMsg {
			t.Fatalf("message=%q want %q", fr.Message, wantMsg)
		}
	}
}

func TestEvaluateOutOfStockNoPrice(t *testing.T) {
	f := newFixture(t)
	f.alert(t, domain.Alert{ScopeKind: domain.ScopeProduct, ScopeID: f.product, Type: domain.AlertStock, Active: true})
	f.alert(t, domain.Alert{ScopeKind: domain.ScopeProduct, ScopeID: f.product, Type: domain.AlertPrice, PriceThreshold: domain.Float(700), Active: true})

	e := NewEvaluator(f.store, logx.Nop(), nil)
	got := e.Evaluate(context.Background(), []domain.CheckResult{
		{ProductID: f.product},
		{ProductID: 9999, InStock: true},
	})
	if len(got) != 0 {
		t.Fatalf("expected no firings, got %d", len(got))
	}
}
