// Package alert matches check results against the configured alert rules.
package alert

import (
	"context"
	"errors"
	"fmt"

	"gputracker/internal/domain"
	"gputracker/internal/eventbus"
	logx "gputracker/pkg/logx"
)

var ErrUnknownType = errors.New("unknown alert type")

// Store is what the evaluator reads.
type Store interface {
	GetProductDetails(ctx context.Context, id int64) (domain.ProductDetails, error)
	AlertsFor(ctx context.Context, productID, gpuModelID, retailerID int64) ([]domain.Alert, error)
}

type Evaluator struct {
	store Store
	log   logx.Logger
	bus   eventbus.Bus
}

func NewEvaluator(store Store, log logx.Logger, bus eventbus.Bus) *Evaluator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Evaluator{store: store, log: log.With(logx.String("comp", "alert")), bus: bus}
}

// Matches reports whether a fires for r.
//
//	stock: r is in stock
//	price: r has a price at or below the threshold
func Matches(a domain.Alert, r domain.CheckResult) (bool, error) {
	switch a.Type {
	case domain.AlertStock:
		return r.InStock, nil
	case domain.AlertPrice:
		if r.Price == nil || a.PriceThreshold == nil {
			return false, nil
		}
		return *r.Price <= *a.PriceThreshold, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownType, a.Type)
	}
}

// Message is the one-line text sent with a firing alert.
func Message(a domain.Alert, d domain.ProductDetails, r domain.CheckResult) string {
	title := d.Title
	if title == "" {
		title = r.Title
	}
	switch a.Type {
	case domain.AlertPrice:
		var price float64
		if r.Price != nil {
			price = *r.Price
		}
		return fmt.Sprintf("%s price dropped to $%.2f at %s!", title, price, d.RetailerName)
	default:
		return fmt.Sprintf("%s is now in stock at %s!", title, d.RetailerName)
	}
}

// Evaluate resolves the active alerts of every result's product, GPU
// model and retailer and returns the ones that fire. Lookup failures and
// unknown alert types are logged and skipped.
func (e *Evaluator) Evaluate(ctx context.Context, results []domain.CheckResult) []domain.Firing {
	var out []domain.Firing
	for _, r := range results {
		if ctx.Err() != nil {
			break
		}
		d, err := e.store.GetProductDetails(ctx, r.ProductID)
		if err != nil {
			e.log.Warn("load product failed", logx.Int64("product", r.ProductID), logx.Err(err))
			continue
		}
		alerts, err := e.store.AlertsFor(ctx, d.ID, d.GPUModelID, d.RetailerID)
		if err != nil {
			e.log.Warn("load alerts failed", logx.Int64("product", r.ProductID), logx.Err(err))
			continue
		}

		seen := make(map[int64]bool, len(alerts))
		for _, a := range alerts {
			if !a.Active || seen[a.ID] {
				continue
			}
			seen[a.ID] = true

			ok, err := Matches(a, r)
			if err != nil {
				e.log.Warn("skipping alert", logx.Int64("alert", a.ID), logx.Err(err))
				continue
			}
			if !ok {
				continue
			}
			f := domain.Firing{Alert: a, Product: d, Result: r, Message: Message(a, d, r)}
			e.log.Info("alert fired",
				logx.Int64("alert", a.ID),
				logx.String("type", string(a.Type)),
				logx.String("scope", string(a.ScopeKind)),
				logx.Int64("product", d.ID),
			)
			eventbus.Emit(e.bus, eventbus.AlertFired, a.ID)
			out = append(out, f)
		}
	}
	return out
}
