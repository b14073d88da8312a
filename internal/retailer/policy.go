package retailer

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"gputracker/internal/domain"
)

// Policy is the request pacing and retry profile of one retailer.
type Policy struct {
	// MinDelay and MaxDelay bound the random gap between two products.
	MinDelay time.Duration
	MaxDelay time.Duration
	// MinSpacing is the minimum time between two request starts, even when
	// several workers check the same retailer.
	MinSpacing time.Duration
	NavTimeout time.Duration
	// RetryMax is the number of extra navigation attempts.
	RetryMax   int
	RetryDelay time.Duration
	// Backoff caps retry growth at RetryDelay * Backoff^RetryMax.
	Backoff float64
}

const DefaultNavTimeout = 30 * time.Second

// DefaultPolicy is used by kinds that do not declare their own.
func DefaultPolicy() Policy {
	return Policy{
		MinDelay:   time.Second,
		MaxDelay:   3 * time.Second,
		MinSpacing: 2 * time.Second,
		NavTimeout: DefaultNavTimeout,
		RetryMax:   1,
		RetryDelay: 2 * time.Second,
		Backoff:    2,
	}
}

// Override applies the non-zero fields of a stored pacing block.
func (p Policy) Override(o domain.Pacing) Policy {
	if o.MinDelay > 0 {
		p.MinDelay = o.MinDelay
	}
	if o.MaxDelay > 0 {
		p.MaxDelay = o.MaxDelay
	}
	if o.MinSpacing > 0 {
		p.MinSpacing = o.MinSpacing
	}
	if o.NavTimeout > 0 {
		p.NavTimeout = o.NavTimeout
	}
	if o.RetryMax > 0 {
		p.RetryMax = o.RetryMax
	}
	if o.RetryDelay > 0 {
		p.RetryDelay = o.RetryDelay
	}
	if o.Backoff > 0 {
		p.Backoff = o.Backoff
	}
	return p.normalize()
}

func (p Policy) normalize() Policy {
	if p.MinDelay < 0 {
		p.MinDelay = 0
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	if p.NavTimeout <= 0 {
		p.NavTimeout = DefaultNavTimeout
	}
	if p.RetryMax < 0 {
		p.RetryMax = 0
	}
	if p.Backoff < 1 {
		p.Backoff = 1
	}
	return p
}

// Jitter returns a duration uniformly drawn from [MinDelay, MaxDelay].
func (p Policy) Jitter(rng *rand.Rand) time.Duration {
	span := p.MaxDelay - p.MinDelay
	if span <= 0 {
		return p.MinDelay
	}
	return p.MinDelay + time.Duration(rng.Int63n(int64(span)+1))
}

// MaxRetryDelay is the longest wait between two navigation attempts.
func (p Policy) MaxRetryDelay() time.Duration {
	if p.RetryDelay <= 0 {
		return 0
	}
	d := float64(p.RetryDelay) * math.Pow(p.Backoff, float64(p.RetryMax))
	if d > float64(time.Hour) {
		return time.Hour
	}
	return time.Duration(d)
}

// Pacer spaces requests to one retailer. Request starts are at least
// MinSpacing apart, and a new request waits a jittered gap after the
// previous one finished.
type Pacer struct {
	policy Policy
	lim    *rate.Limiter

	mu      sync.Mutex
	rng     *rand.Rand
	lastEnd time.Time
	now     func() time.Time
}

func NewPacer(p Policy) *Pacer {
	p = p.normalize()
	limit := rate.Inf
	if p.MinSpacing > 0 {
		limit = rate.Every(p.MinSpacing)
	}
	return &Pacer{
		policy: p,
		lim:    rate.NewLimiter(limit, 1),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		now:    time.Now,
	}
}

func (p *Pacer) Policy() Policy { return p.policy }

// Wait blocks until the next request to this retailer may start.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.lim.Wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	var gap time.Duration
	if !p.lastEnd.IsZero() {
		gap = p.policy.Jitter(p.rng) - p.now().Sub(p.lastEnd)
	}
	p.mu.Unlock()
	if gap <= 0 {
		return nil
	}
	t := time.NewTimer(gap)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done records the end of a request.
func (p *Pacer) Done() {
	p.mu.Lock()
	p.lastEnd = p.now()
	p.mu.Unlock()
}
