package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gputracker/internal/domain"
	logx "gputracker/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- retailers ----

func (s *sqliteStore) UpsertRetailer(ctx context.Context, r domain.Retailer) (int64, error) {
	sel, err := marshalNullable(r.Selectors, len(r.Selectors) == 0)
	if err != nil {
		return 0, err
	}
	pacing, err := marshalNullable(r.Pacing, r.Pacing == (domain.Pacing{}))
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO retailers(name, name_key, kind, url, active, selectors, pacing, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(name_key) DO UPDATE SET
		   name=excluded.name, kind=excluded.kind, url=excluded.url, active=excluded.active,
		   selectors=excluded.selectors, pacing=excluded.pacing, updated_at=excluded.updated_at
		 RETURNING id`,
		strings.TrimSpace(r.Name), foldKey(r.Name), r.Kind, r.URL, boolInt(r.Active), sel, pacing, time.Now().UnixMilli(),
	).Scan(&id)
	return id, err
}

const retailerCols = `id, name, kind, url, active, selectors, pacing`

func scanRetailer(sc interface{ Scan(...any) error }) (domain.Retailer, error) {
	var (
		r              domain.Retailer
		active         int
		sel, pacingRaw sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Name, &r.Kind, &r.URL, &active, &sel, &pacingRaw); err != nil {
		return domain.Retailer{}, err
	}
	r.Active = active != 0
	if sel.Valid && sel.String != "" {
		if err := json.Unmarshal([]byte(sel.String), &r.Selectors); err != nil {
			return domain.Retailer{}, fmt.Errorf("retailer %d selectors: %w", r.ID, err)
		}
	}
	if pacingRaw.Valid && pacingRaw.String != "" {
		if err := json.Unmarshal([]byte(pacingRaw.String), &r.Pacing); err != nil {
			return domain.Retailer{}, fmt.Errorf("retailer %d pacing: %w", r.ID, err)
		}
	}
	return r, nil
}

func (s *sqliteStore) GetRetailer(ctx context.Context, id int64) (domain.Retailer, error) {
	r, err := scanRetailer(s.db.QueryRowContext(ctx, `SELECT `+retailerCols+` FROM retailers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Retailer{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListRetailers(ctx context.Context, activeOnly bool) ([]domain.Retailer, error) {
	q := `SELECT ` + retailerCols + ` FROM retailers`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Retailer, 0)
	for rows.Next() {
		r, err := scanRetailer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- brands / models ----

func (s *sqliteStore) UpsertBrand(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO brands(name, name_key) VALUES(?,?)
		 ON CONFLICT(name_key) DO UPDATE SET name=excluded.name
		 RETURNING id`,
		strings.TrimSpace(name), foldKey(name),
	).Scan(&id)
	return id, err
}

func (s *sqliteStore) UpsertGPUModel(ctx context.Context, m domain.GPUModel) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO gpu_models(brand_id, name, name_key, model_number, chip_manufacturer, chip_model, memory_size, memory_type)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(name_key) DO UPDATE SET
		   brand_id=excluded.brand_id, name=excluded.name, model_number=excluded.model_number,
		   chip_manufacturer=excluded.chip_manufacturer, chip_model=excluded.chip_model,
		   memory_size=excluded.memory_size, memory_type=excluded.memory_type
		 RETURNING id`,
		m.BrandID, strings.TrimSpace(m.Name), foldKey(m.Name), nullStr(m.ModelNumber),
		nullStr(m.ChipManufacturer), nullStr(m.ChipModel), m.MemorySize, nullStr(m.MemoryType),
	).Scan(&id)
	return id, err
}

func (s *sqliteStore) FindGPUModel(ctx context.Context, name string) (domain.GPUModel, error) {
	var (
		m                         domain.GPUModel
		num, maker, chip, memType sql.NullString
		memSize                   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, brand_id, name, model_number, chip_manufacturer, chip_model, memory_size, memory_type
		 FROM gpu_models WHERE name_key = ?`, foldKey(name),
	).Scan(&m.ID, &m.BrandID, &m.Name, &num, &maker, &chip, &memSize, &memType)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GPUModel{}, ErrNotFound
	}
	if err != nil {
		return domain.GPUModel{}, err
	}
	m.ModelNumber, m.ChipManufacturer, m.ChipModel, m.MemoryType = num.String, maker.String, chip.String, memType.String
	m.MemorySize = int(memSize.Int64)
	return m, nil
}

// ---- products ----

func (s *sqliteStore) UpsertProduct(ctx context.Context, p domain.Product) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO products(retailer_id, gpu_model_id, product_url, product_id, product_key, title, active)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(retailer_id, product_key) DO UPDATE SET
		   active=excluded.active,
		   gpu_model_id=COALESCE(products.gpu_model_id, excluded.gpu_model_id)
		 RETURNING id`,
		p.RetailerID, nullID(p.GPUModelID), p.URL, strings.TrimSpace(p.ExternalID), foldKey(p.ExternalID), p.Title, boolInt(p.Active),
	).Scan(&id)
	return id, err
}

const productCols = `id, retailer_id, gpu_model_id, product_url, product_id, title, active`

func scanProduct(sc interface{ Scan(...any) error }) (domain.Product, error) {
	var (
		p      domain.Product
		model  sql.NullInt64
		active int
	)
	if err := sc.Scan(&p.ID, &p.RetailerID, &model, &p.URL, &p.ExternalID, &p.Title, &active); err != nil {
		return domain.Product{}, err
	}
	p.GPUModelID = model.Int64
	p.Active = active != 0
	return p, nil
}

func (s *sqliteStore) FindProduct(ctx context.Context, retailerID int64, externalID string) (domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx,
		`SELECT `+productCols+` FROM products WHERE retailer_id = ? AND product_key = ?`,
		retailerID, foldKey(externalID)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) ListProducts(ctx context.Context, retailerID int64, activeOnly bool) ([]domain.Product, error) {
	q := `SELECT ` + productCols + ` FROM products WHERE (? = 0 OR retailer_id = ?)`
	if activeOnly {
		q += ` AND active = 1`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`, retailerID, retailerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetProductDetails(ctx context.Context, id int64) (domain.ProductDetails, error) {
	var (
		d                       domain.ProductDetails
		model, memSize          sql.NullInt64
		active                  int
		gpuName, brand, memType sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT p.id, p.retailer_id, p.gpu_model_id, p.product_url, p.product_id, p.title, p.active,
		        r.name, r.url, gm.name, b.name, gm.memory_size, gm.memory_type
		 FROM products p
		 JOIN retailers r ON p.retailer_id = r.id
		 LEFT JOIN gpu_models gm ON p.gpu_model_id = gm.id
		 LEFT JOIN brands b ON gm.brand_id = b.id
		 WHERE p.id = ?`, id,
	).Scan(&d.ID, &d.RetailerID, &model, &d.URL, &d.ExternalID, &d.Title, &active,
		&d.RetailerName, &d.RetailerURL, &gpuName, &brand, &memSize, &memType)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProductDetails{}, ErrNotFound
	}
	if err != nil {
		return domain.ProductDetails{}, err
	}
	d.GPUModelID = model.Int64
	d.Active = active != 0
	d.GPUName, d.BrandName, d.MemoryType = gpuName.String, brand.String, memType.String
	d.MemorySize = int(memSize.Int64)
	return d, nil
}

// ---- channels ----

func (s *sqliteStore) UpsertChannel(ctx context.Context, c domain.NotificationChannel) (int64, error) {
	var retryMax, retryDelay any
	if c.Retry != nil {
		retryMax, retryDelay = c.Retry.Max, c.Retry.Delay.Milliseconds()
	}
	var cfg any
	if len(c.Config) > 0 {
		cfg = string(c.Config)
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO notification_channels(type, name, name_key, config, active, retry_max, retry_delay_ms)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(name_key) DO UPDATE SET
		   type=excluded.type, name=excluded.name, config=excluded.config, active=excluded.active,
		   retry_max=excluded.retry_max, retry_delay_ms=excluded.retry_delay_ms
		 RETURNING id`,
		c.Type, strings.TrimSpace(c.Name), foldKey(c.Name), cfg, boolInt(c.Active), retryMax, retryDelay,
	).Scan(&id)
	return id, err
}

const channelCols = `id, type, name, config, active, retry_max, retry_delay_ms`

func scanChannel(sc interface{ Scan(...any) error }) (domain.NotificationChannel, error) {
	var (
		c                    domain.NotificationChannel
		cfg                  sql.NullString
		active               int
		retryMax, retryDelay sql.NullInt64
	)
	if err := sc.Scan(&c.ID, &c.Type, &c.Name, &cfg, &active, &retryMax, &retryDelay); err != nil {
		return domain.NotificationChannel{}, err
	}
	if cfg.Valid && cfg.String != "" {
		c.Config = json.RawMessage(cfg.String)
	}
	c.Active = active != 0
	if retryMax.Valid {
		c.Retry = &domain.RetryPolicy{Max: int(retryMax.Int64), Delay: time.Duration(retryDelay.Int64) * time.Millisecond}
	}
	return c, nil
}

func (s *sqliteStore) FindChannel(ctx context.Context, name string) (domain.NotificationChannel, error) {
	c, err := scanChannel(s.db.QueryRowContext(ctx,
		`SELECT `+channelCols+` FROM notification_channels WHERE name_key = ?`, foldKey(name)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotificationChannel{}, ErrNotFound
	}
	return c, err
}

func (s *sqliteStore) ListChannels(ctx context.Context, activeOnly bool) ([]domain.NotificationChannel, error) {
	q := `SELECT ` + channelCols + ` FROM notification_channels`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.NotificationChannel, 0)
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- alerts ----

func (s *sqliteStore) UpsertAlert(ctx context.Context, a domain.Alert) (int64, error) {
	var threshold any
	if a.PriceThreshold != nil {
		threshold = *a.PriceThreshold
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO alerts(scope_kind, scope_id, alert_type, price_threshold, notification_channel_id, active)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(scope_kind, scope_id, alert_type, notification_channel_id) DO UPDATE SET
		   price_threshold=excluded.price_threshold, active=excluded.active
		 RETURNING id`,
		string(a.ScopeKind), a.ScopeID, string(a.Type), threshold, a.ChannelID, boolInt(a.Active),
	).Scan(&id)
	return id, err
}

const alertCols = `id, scope_kind, scope_id, alert_type, price_threshold, notification_channel_id, active`

func (s *sqliteStore) queryAlerts(ctx context.Context, q string, args ...any) ([]domain.Alert, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Alert, 0)
	for rows.Next() {
		var (
			a         domain.Alert
			kind, typ string
			threshold sql.NullFloat64
			active    int
		)
		if err := rows.Scan(&a.ID, &kind, &a.ScopeID, &typ, &threshold, &a.ChannelID, &active); err != nil {
			return nil, err
		}
		a.ScopeKind, a.Type = domain.ScopeKind(kind), domain.AlertType(typ)
		if threshold.Valid {
			a.PriceThreshold = domain.Float(threshold.Float64)
		}
		a.Active = active != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListAlerts(ctx context.Context, activeOnly bool) ([]domain.Alert, error) {
	q := `SELECT ` + alertCols + ` FROM alerts`
	if activeOnly {
		q += ` WHERE active = 1`
	}
	return s.queryAlerts(ctx, q+` ORDER BY id`)
}

func (s *sqliteStore) AlertsFor(ctx context.Context, productID, gpuModelID, retailerID int64) ([]domain.Alert, error) {
	return s.queryAlerts(ctx,
		`SELECT `+alertCols+` FROM alerts
		 WHERE active = 1 AND (
		   (scope_kind = 'product'  AND ? <> 0 AND scope_id = ?) OR
		   (scope_kind = 'model'    AND ? <> 0 AND scope_id = ?) OR
		   (scope_kind = 'retailer' AND ? <> 0 AND scope_id = ?)
		 )
		 ORDER BY id`,
		productID, productID, gpuModelID, gpuModelID, retailerID, retailerID,
	)
}

// ---- price history ----

func (s *sqliteStore) AppendPrice(ctx context.Context, e domain.PriceHistoryEntry) error {
	if e.CheckedAt.IsZero() {
		e.CheckedAt = time.Now()
	}
	var price any
	if e.Price != nil {
		price = *e.Price
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO price_history(product_id, price, in_stock, checked_at) VALUES(?,?,?,?)`,
		e.ProductID, price, boolInt(e.InStock), e.CheckedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) LatestPrices(ctx context.Context, productID int64, limit int) ([]domain.PriceHistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_id, price, in_stock, checked_at FROM price_history
		 WHERE product_id = ? ORDER BY checked_at DESC, id DESC LIMIT ?`,
		productID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.PriceHistoryEntry, 0, limit)
	for rows.Next() {
		var (
			e       domain.PriceHistoryEntry
			price   sql.NullFloat64
			inStock int
			at      int64
		)
		if err := rows.Scan(&e.ID, &e.ProductID, &price, &inStock, &at); err != nil {
			return nil, err
		}
		if price.Valid {
			e.Price = domain.Float(price.Float64)
		}
		e.InStock = inStock != 0
		e.CheckedAt = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PriceChanges(ctx context.Context, since time.Time) ([]domain.PriceChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ph.product_id, p.title, r.name, ph.price, ph.in_stock, ph.checked_at
		 FROM price_history ph
		 JOIN products p ON ph.product_id = p.id
		 JOIN retailers r ON p.retailer_id = r.id
		 WHERE ph.checked_at >= ?
		 ORDER BY ph.product_id, ph.checked_at, ph.id`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PriceChange, 0)
	var (
		cur   *domain.PriceChange
		count int
	)
	flush := func() {
		if cur != nil && count > 1 && !samePrice(cur.OldPrice, cur.NewPrice) {
			out = append(out, *cur)
		}
	}
	for rows.Next() {
		var (
			pid           int64
			title, retail string
			price         sql.NullFloat64
			inStock       int
			at            int64
		)
		if err := rows.Scan(&pid, &title, &retail, &price, &inStock, &at); err != nil {
			return nil, err
		}
		var pp *float64
		if price.Valid {
			pp = domain.Float(price.Float64)
		}
		if cur == nil || cur.ProductID != pid {
			flush()
			cur = &domain.PriceChange{ProductID: pid, Title: title, Retailer: retail, OldPrice: pp}
			count = 0
		}
		count++
		cur.NewPrice = pp
		cur.InStock = inStock != 0
		cur.CheckedAt = time.UnixMilli(at)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	flush()
	return out, nil
}

// ---- cooldowns ----

func (s *sqliteStore) PutCooldown(ctx context.Context, key string, at time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_cooldowns(key, sent_at) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET sent_at=excluded.sent_at`,
		key, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetCooldown(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT sent_at FROM notification_cooldowns WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalNullable(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
