package notify

import (
	"context"
	"sync"
	"time"

	"gputracker/internal/domain"
)

const (
	DefaultStockCooldown = time.Hour
	DefaultPriceCooldown = 24 * time.Hour
)

// CooldownStore persists the last successful send per key.
type CooldownStore interface {
	PutCooldown(ctx context.Context, key string, at time.Time) error
	GetCooldown(ctx context.Context, key string) (time.Time, bool, error)
}

// Windows are the minimum gaps between two sends of one alert to one channel.
type Windows struct {
	Stock time.Duration
	Price time.Duration
}

func (w Windows) For(t domain.AlertType) time.Duration {
	switch t {
	case domain.AlertPrice:
		if w.Price > 0 {
			return w.Price
		}
		return DefaultPriceCooldown
	default:
		if w.Stock > 0 {
			return w.Stock
		}
		return DefaultStockCooldown
	}
}

// Cooldown gates sends per (alert, channel) key. Reserve and Commit or
// Release bracket one send, so two concurrent firings of the same key
// cannot both pass inside a window.
type Cooldown struct {
	store CooldownStore
	now   func() time.Time

	mu       sync.Mutex
	windows  Windows
	last     map[string]time.Time
	inflight map[string]bool
}

func NewCooldown(store CooldownStore, w Windows) *Cooldown {
	return &Cooldown{
		store:    store,
		now:      time.Now,
		windows:  w,
		last:     map[string]time.Time{},
		inflight: map[string]bool{},
	}
}

// SetClock replaces the time source.
func (c *Cooldown) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Cooldown) SetWindows(w Windows) {
	c.mu.Lock()
	c.windows = w
	c.mu.Unlock()
}

// Reserve claims key for one send. It returns false and the remaining
// wait when the last send is inside the window or another send of the
// same key is in flight. A store read error is returned with ok=true:
// the send proceeds rather than losing the alert.
func (c *Cooldown) Reserve(ctx context.Context, key string, t domain.AlertType) (ok bool, remaining time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight[key] {
		return false, 0, nil
	}
	last, cached := c.last[key]
	if !cached && c.store != nil {
		at, found, gerr := c.store.GetCooldown(ctx, key)
		if gerr != nil {
			err = gerr
		} else if found {
			last = at
			c.last[key] = at
		}
	}
	if !last.IsZero() {
		window := c.windows.For(t)
		if elapsed := c.now().Sub(last); elapsed < window {
			return false, window - elapsed, err
		}
	}
	c.inflight[key] = true
	return true, 0, err
}

// Commit records a successful send and releases the reservation.
func (c *Cooldown) Commit(ctx context.Context, key string) error {
	c.mu.Lock()
	at := c.now()
	c.last[key] = at
	delete(c.inflight, key)
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	return c.store.PutCooldown(ctx, key, at)
}

// Release drops a reservation without recording a send.
func (c *Cooldown) Release(key string) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

// Last returns the last recorded send for key.
func (c *Cooldown) Last(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.last[key]
	return at, ok
}
