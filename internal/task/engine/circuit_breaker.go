package engine

import (
	"strings"
	"sync"
	"time"
)

// A retailer key that keeps failing is skipped for a cooldown that
// doubles with each further failure. Any success closes it again, and a
// key that has been quiet for resetAfter starts over.
const (
	defaultTrip       = 5
	defaultBaseDelay  = time.Minute
	defaultMaxDelay   = 30 * time.Minute
	defaultResetAfter = time.Hour
)

type tripPolicy struct {
	trip       int
	base, max  time.Duration
	resetAfter time.Duration
}

// policyFor resolves the breaker settings of cfg; ok is false when the
// breaker is disabled.
func policyFor(cfg Config) (p tripPolicy, ok bool) {
	if cfg.CircuitTripFailures < 0 {
		return p, false
	}
	pick := func(v, def time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return def
	}
	p = tripPolicy{
		trip:       cfg.CircuitTripFailures,
		base:       pick(cfg.CircuitBaseDelay, defaultBaseDelay),
		max:        pick(cfg.CircuitMaxDelay, defaultMaxDelay),
		resetAfter: pick(cfg.CircuitResetAfter, defaultResetAfter),
	}
	if p.trip == 0 {
		p.trip = defaultTrip
	}
	return p, true
}

// cooldown is the open period after the n-th consecutive failure.
func (p tripPolicy) cooldown(n int) time.Duration {
	d := p.base
	for i := p.trip; i < n && d < p.max; i++ {
		d *= 2
	}
	return min(d, p.max)
}

type keyHealth struct {
	streak    int
	lastFail  time.Time
	openUntil time.Time
}

func (h *keyHealth) forgetIfStale(now time.Time, p tripPolicy) {
	if !h.lastFail.IsZero() && now.Sub(h.lastFail) > p.resetAfter {
		*h = keyHealth{}
	}
}

type circuitStore struct {
	mu   sync.Mutex
	keys map[string]*keyHealth
}

func (s *circuitStore) lookup(key string) *keyHealth {
	if s.keys == nil {
		s.keys = map[string]*keyHealth{}
	}
	h, ok := s.keys[key]
	if !ok {
		h = &keyHealth{}
		s.keys[key] = h
	}
	return h
}

// isOpen reports whether key is cooling down, and until when.
func (s *circuitStore) isOpen(now time.Time, key string, cfg Config) (bool, time.Time) {
	p, ok := policyFor(cfg)
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.lookup(key)
	h.forgetIfStale(now, p)
	if now.Before(h.openUntil) {
		return true, h.openUntil
	}
	return false, time.Time{}
}

// record feeds one outcome for key. It reports true when err opened (or
// extended) the cooldown.
func (s *circuitStore) record(now time.Time, key string, cfg Config, err error) bool {
	p, ok := policyFor(cfg)
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.lookup(key)
	if err == nil {
		*h = keyHealth{}
		return false
	}
	h.forgetIfStale(now, p)
	h.streak++
	h.lastFail = now
	if h.streak < p.trip {
		return false
	}
	h.openUntil = now.Add(p.cooldown(h.streak))
	return true
}

func (s *circuitStore) snapshot(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.keys {
		total++
		if now.Before(h.openUntil) {
			open++
		}
	}
	return total, open
}
