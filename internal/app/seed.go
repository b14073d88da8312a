package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gputracker/internal/config"
	"gputracker/internal/domain"
	"gputracker/internal/storage"
)

// seedResult lists what the config declared after a seed pass.
type seedResult struct {
	Retailers []domain.Retailer // active only
	Products  int
	Channels  int
	Alerts    int
}

// seedCatalog makes the store match the config catalog. Entries that
// vanished from the config are deactivated rather than deleted so their
// price history keeps its ids.
func seedCatalog(ctx context.Context, st storage.Store, cat config.CatalogConfig, navTimeout time.Duration) (seedResult, error) {
	var res seedResult

	models := map[string]int64{}
	for _, m := range cat.GPUModels {
		brandID, err := st.UpsertBrand(ctx, strings.TrimSpace(m.Brand))
		if err != nil {
			return res, fmt.Errorf("brand %q: %w", m.Brand, err)
		}
		id, err := st.UpsertGPUModel(ctx, domain.GPUModel{
			BrandID:          brandID,
			Name:             strings.TrimSpace(m.Name),
			ModelNumber:      m.ModelNumber,
			ChipManufacturer: m.ChipManufacturer,
			ChipModel:        m.ChipModel,
			MemorySize:       m.MemorySize,
			MemoryType:       m.MemoryType,
		})
		if err != nil {
			return res, fmt.Errorf("gpu model %q: %w", m.Name, err)
		}
		models[foldName(m.Name)] = id
	}

	retailers := map[string]int64{}
	products := map[string]int64{}
	for _, rc := range cat.Retailers {
		r, err := mapRetailer(rc, navTimeout)
		if err != nil {
			return res, err
		}
		id, err := st.UpsertRetailer(ctx, r)
		if err != nil {
			return res, fmt.Errorf("retailer %q: %w", rc.Name, err)
		}
		r.ID = id
		retailers[foldName(rc.Name)] = id
		if r.Active {
			res.Retailers = append(res.Retailers, r)
		}

		declared := map[string]bool{}
		for _, pc := range rc.Products {
			p := domain.Product{
				RetailerID: id,
				GPUModelID: models[foldName(pc.GPUModel)],
				URL:        strings.TrimSpace(pc.URL),
				ExternalID: strings.TrimSpace(pc.ExternalID),
				Title:      strings.TrimSpace(pc.Title),
				Active:     config.BoolOr(pc.Active, true),
			}
			if p.Title == "" {
				p.Title = p.ExternalID
			}
			pid, err := st.UpsertProduct(ctx, p)
			if err != nil {
				return res, fmt.Errorf("product %s/%s: %w", rc.Name, pc.ExternalID, err)
			}
			products[foldName(rc.Name)+"/"+foldName(pc.ExternalID)] = pid
			declared[foldName(pc.ExternalID)] = true
			if p.Active {
				res.Products++
			}
		}
		if err := deactivateProducts(ctx, st, id, declared); err != nil {
			return res, err
		}
	}
	if err := deactivateRetailers(ctx, st, retailers); err != nil {
		return res, err
	}

	channels := map[string]int64{}
	for _, cc := range cat.Channels {
		ch := domain.NotificationChannel{
			Type:   strings.ToLower(strings.TrimSpace(cc.Type)),
			Name:   strings.TrimSpace(cc.Name),
			Config: cc.Config,
			Active: config.BoolOr(cc.Active, true),
		}
		if cc.Retry != nil {
			delay, err := config.ParseDurationField("channel "+cc.Name+" retry.delay", cc.Retry.Delay)
			if err != nil {
				return res, err
			}
			ch.Retry = &domain.RetryPolicy{Max: cc.Retry.Max, Delay: delay}
		}
		id, err := st.UpsertChannel(ctx, ch)
		if err != nil {
			return res, fmt.Errorf("channel %q: %w", cc.Name, err)
		}
		channels[foldName(cc.Name)] = id
		if ch.Active {
			res.Channels++
		}
	}
	if err := deactivateChannels(ctx, st, channels); err != nil {
		return res, err
	}

	declaredAlerts := map[int64]bool{}
	for i, ac := range cat.Alerts {
		a := domain.Alert{
			ScopeKind:      domain.ScopeKind(strings.ToLower(strings.TrimSpace(ac.Scope))),
			Type:           domain.AlertType(strings.ToLower(strings.TrimSpace(ac.Type))),
			PriceThreshold: ac.PriceThreshold,
			ChannelID:      channels[foldName(ac.Channel)],
			Active:         config.BoolOr(ac.Active, true),
		}
		target := foldName(ac.Target)
		switch a.ScopeKind {
		case domain.ScopeProduct:
			a.ScopeID = products[target]
		case domain.ScopeModel:
			a.ScopeID = models[target]
		case domain.ScopeRetailer:
			a.ScopeID = retailers[target]
		}
		if a.ScopeID == 0 || a.ChannelID == 0 {
			return res, fmt.Errorf("catalog.alerts[%d]: unresolved target %q or channel %q", i, ac.Target, ac.Channel)
		}
		id, err := st.UpsertAlert(ctx, a)
		if err != nil {
			return res, fmt.Errorf("catalog.alerts[%d]: %w", i, err)
		}
		declaredAlerts[id] = true
		if a.Active {
			res.Alerts++
		}
	}
	if err := deactivateAlerts(ctx, st, declaredAlerts); err != nil {
		return res, err
	}
	return res, nil
}

func mapRetailer(rc config.RetailerConfig, navTimeout time.Duration) (domain.Retailer, error) {
	r := domain.Retailer{
		Name:      strings.TrimSpace(rc.Name),
		Kind:      strings.ToLower(strings.TrimSpace(rc.Kind)),
		URL:       strings.TrimSpace(rc.URL),
		Active:    config.BoolOr(rc.Active, true),
		Selectors: rc.Selectors,
	}
	if p := rc.Pacing; p != nil {
		prefix := "catalog.retailers." + r.Name + ".pacing."
		var err error
		fields := []struct {
			name string
			raw  string
			dst  *time.Duration
		}{
			{"min_delay", p.MinDelay, &r.Pacing.MinDelay},
			{"max_delay", p.MaxDelay, &r.Pacing.MaxDelay},
			{"min_spacing", p.MinSpacing, &r.Pacing.MinSpacing},
			{"nav_timeout", p.NavTimeout, &r.Pacing.NavTimeout},
			{"retry_delay", p.RetryDelay, &r.Pacing.RetryDelay},
		}
		for _, f := range fields {
			if *f.dst, err = config.ParseDurationField(prefix+f.name, f.raw); err != nil {
				return r, err
			}
		}
		r.Pacing.RetryMax = p.RetryMax
		r.Pacing.Backoff = p.Backoff
	}
	if r.Pacing.NavTimeout == 0 {
		r.Pacing.NavTimeout = navTimeout
	}
	return r, nil
}

func deactivateRetailers(ctx context.Context, st storage.Store, keep map[string]int64) error {
	all, err := st.ListRetailers(ctx, true)
	if err != nil {
		return fmt.Errorf("list retailers: %w", err)
	}
	for _, r := range all {
		if _, ok := keep[foldName(r.Name)]; ok {
			continue
		}
		r.Active = false
		if _, err := st.UpsertRetailer(ctx, r); err != nil {
			return fmt.Errorf("deactivate retailer %q: %w", r.Name, err)
		}
	}
	return nil
}

func deactivateProducts(ctx context.Context, st storage.Store, retailerID int64, keep map[string]bool) error {
	all, err := st.ListProducts(ctx, retailerID, true)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	for _, p := range all {
		if keep[foldName(p.ExternalID)] {
			continue
		}
		p.Active = false
		if _, err := st.UpsertProduct(ctx, p); err != nil {
			return fmt.Errorf("deactivate product %d: %w", p.ID, err)
		}
	}
	return nil
}

func deactivateChannels(ctx context.Context, st storage.Store, keep map[string]int64) error {
	all, err := st.ListChannels(ctx, true)
	if err != nil {
		return fmt.Errorf("list channels: %w", err)
	}
	for _, c := range all {
		if _, ok := keep[foldName(c.Name)]; ok {
			continue
		}
		c.Active = false
		if _, err := st.UpsertChannel(ctx, c); err != nil {
			return fmt.Errorf("deactivate channel %q: %w", c.Name, err)
		}
	}
	return nil
}

func deactivateAlerts(ctx context.Context, st storage.Store, keep map[int64]bool) error {
	all, err := st.ListAlerts(ctx, true)
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}
	for _, a := range all {
		if keep[a.ID] {
			continue
		}
		a.Active = false
		if _, err := st.UpsertAlert(ctx, a); err != nil {
			return fmt.Errorf("deactivate alert %d: %w", a.ID, err)
		}
	}
	return nil
}

func foldName(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
