package retailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"gputracker/internal/browser"
	"gputracker/internal/domain"
	logx "gputracker/pkg/logx"
)

// Adapter checks the products of one retailer.
type Adapter interface {
	Retailer() domain.Retailer
	Kind() string
	Pacer() *Pacer
	// Products lists the active products of the retailer.
	Products(ctx context.Context) ([]domain.Product, error)
	// CheckProducts checks every active product in order. Per-product
	// failures are logged and skipped; a lost session stops the run and
	// is returned together with the results gathered so far.
	CheckProducts(ctx context.Context, s *browser.Session) ([]domain.CheckResult, error)
	CheckProduct(ctx context.Context, s *browser.Session, p domain.Product) (domain.CheckResult, error)
}

// PageSource opens pages on a session. *browser.Manager implements it.
type PageSource interface {
	NewPage(ctx context.Context, s *browser.Session) (browser.Page, error)
}

// Store is the slice of storage an adapter needs.
type Store interface {
	ListProducts(ctx context.Context, retailerID int64, activeOnly bool) ([]domain.Product, error)
	AppendPrice(ctx context.Context, e domain.PriceHistoryEntry) error
}

type Deps struct {
	Pages PageSource
	Store Store
	Log   logx.Logger
	Now   func() time.Time
}

type site struct {
	retailer domain.Retailer
	kind     string
	ex       Extractor
	pacer    *Pacer
	pages    PageSource
	store    Store
	log      logx.Logger
	now      func() time.Time
}

// New builds the adapter for r from the kind registry.
func New(r domain.Retailer, deps Deps) (Adapter, error) {
	if deps.Pages == nil || deps.Store == nil {
		return nil, errors.New("retailer: pages and store are required")
	}
	kind := KindOf(r)
	k, ok := lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q (retailer %s)", ErrUnknownRetailer, kind, r.Name)
	}
	ex, err := k.New(r)
	if err != nil {
		return nil, err
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &site{
		retailer: r,
		kind:     kind,
		ex:       ex,
		pacer:    NewPacer(k.Policy.Override(r.Pacing)),
		pages:    deps.Pages,
		store:    deps.Store,
		log:      log.With(logx.String("comp", "retailer"), logx.String("retailer", r.Name)),
		now:      now,
	}, nil
}

func (a *site) Retailer() domain.Retailer { return a.retailer }
func (a *site) Kind() string              { return a.kind }
func (a *site) Pacer() *Pacer             { return a.pacer }

func (a *site) Products(ctx context.Context) ([]domain.Product, error) {
	return a.store.ListProducts(ctx, a.retailer.ID, true)
}

func (a *site) CheckProducts(ctx context.Context, s *browser.Session) ([]domain.CheckResult, error) {
	products, err := a.Products(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	a.log.Info("checking products", logx.Int("count", len(products)))

	results := make([]domain.CheckResult, 0, len(products))
	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := a.CheckProduct(ctx, s, p)
		if err != nil {
			if errors.Is(err, browser.ErrSessionLost) {
				a.log.Warn("session lost; skipping remaining products", logx.Int64("product", p.ID), logx.Err(err))
				return results, err
			}
			a.log.Warn("product check failed", logx.Int64("product", p.ID), logx.String("title", p.Title), logx.Err(err))
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func (a *site) CheckProduct(ctx context.Context, s *browser.Session, p domain.Product) (domain.CheckResult, error) {
	if err := a.pacer.Wait(ctx); err != nil {
		return domain.CheckResult{}, err
	}
	defer a.pacer.Done()

	page, err := a.pages.NewPage(ctx, s)
	if err != nil {
		return domain.CheckResult{}, err
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			a.log.Debug("page close failed", logx.Err(cerr))
		}
	}()

	if err := a.navigate(ctx, s, page, p); err != nil {
		return domain.CheckResult{}, err
	}

	doc, err := page.Document(ctx)
	if err != nil {
		if s != nil && s.Gone() {
			return domain.CheckResult{}, fmt.Errorf("%w: read document: %v", browser.ErrSessionLost, err)
		}
		return domain.CheckResult{}, fmt.Errorf("read document: %w", err)
	}
	ex := a.ex.Extract(doc)
	price := ParsePrice(ex.PriceText)
	if price == nil {
		a.log.Debug("no parseable price", logx.Int64("product", p.ID), logx.String("text", ex.PriceText))
	}

	title := p.Title
	if title == "" {
		title = ex.Title
	}
	res := domain.CheckResult{
		ProductID:  p.ID,
		RetailerID: a.retailer.ID,
		Title:      title,
		Price:      price,
		InStock:    ex.InStock,
		URL:        p.URL,
		CheckedAt:  a.now(),
	}
	if err := a.store.AppendPrice(ctx, domain.PriceHistoryEntry{
		ProductID: p.ID,
		Price:     price,
		InStock:   ex.InStock,
		CheckedAt: res.CheckedAt,
	}); err != nil {
		return domain.CheckResult{}, fmt.Errorf("record price: %w", err)
	}

	a.log.Info("product checked",
		logx.Int64("product", p.ID),
		logx.String("price", domain.FormatPrice(price)),
		logx.Bool("in_stock", ex.InStock),
	)
	return res, nil
}

// navigate loads p.URL, retrying per policy. A timeout is a per-product
// failure; a dead session is not retried.
func (a *site) navigate(ctx context.Context, s *browser.Session, page browser.Page, p domain.Product) error {
	pol := a.pacer.Policy()
	jitter := pol.RetryDelay / 4
	if jitter <= 0 {
		jitter = time.Millisecond
	}
	lost := false
	err := retry.Do(
		func() error {
			navCtx, cancel := context.WithTimeout(ctx, pol.NavTimeout)
			defer cancel()
			err := page.Navigate(navCtx, p.URL)
			if err == nil {
				return nil
			}
			if errors.Is(err, browser.ErrSessionLost) || (s != nil && s.Gone()) {
				lost = true
				return retry.Unrecoverable(err)
			}
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("navigation timed out after %s: %w", pol.NavTimeout, err)
			}
			return err
		},
		retry.Attempts(uint(pol.RetryMax+1)),
		retry.Delay(pol.RetryDelay),
		retry.MaxDelay(pol.MaxRetryDelay()),
		retry.MaxJitter(jitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			a.log.Debug("retrying navigation", logx.Int64("product", p.ID), logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
		retry.RetryIf(func(err error) bool {
			return !lost && ctx.Err() == nil
		}),
	)
	if err == nil {
		return nil
	}
	if lost {
		return fmt.Errorf("%w: navigate %s: %v", browser.ErrSessionLost, p.URL, err)
	}
	return fmt.Errorf("navigate %s: %w", p.URL, err)
}
