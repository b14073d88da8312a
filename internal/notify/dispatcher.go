package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"gputracker/internal/domain"
	"gputracker/internal/eventbus"
	logx "gputracker/pkg/logx"
)

const (
	DefaultRetryMax   = 3
	DefaultRetryDelay = 30 * time.Second
	TestMessage       = "This is a test notification from GPU Tracker"
)

// Config is the dispatcher's tunable state.
type Config struct {
	Cooldown Windows
	// Retry applies to channels without their own policy.
	Retry domain.RetryPolicy
	// Parallel bounds concurrent sends in DispatchAll (default 4).
	Parallel int
}

func (c Config) withDefaults() Config {
	if c.Retry.Max < 0 {
		c.Retry.Max = 0
	}
	if c.Retry.Max == 0 && c.Retry.Delay == 0 {
		c.Retry = domain.RetryPolicy{Max: DefaultRetryMax, Delay: DefaultRetryDelay}
	}
	if c.Parallel <= 0 {
		c.Parallel = 4
	}
	return c
}

// Store is the slice of storage the dispatcher needs.
type Store interface {
	CooldownStore
	ListChannels(ctx context.Context, activeOnly bool) ([]domain.NotificationChannel, error)
}

type Outcome string

const (
	OutcomeSent       Outcome = "sent"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
	OutcomeSkipped    Outcome = "skipped"
)

// Result describes what happened to one firing.
type Result struct {
	AlertID   int64
	ChannelID int64
	Outcome   Outcome
	Attempts  int
	Err       error
}

type entry struct {
	ch    Channel
	retry *domain.RetryPolicy
}

// Dispatcher delivers firings to their channels.
type Dispatcher struct {
	store    Store
	opts     Options
	log      logx.Logger
	bus      eventbus.Bus
	cooldown *Cooldown

	mu       sync.RWMutex
	cfg      Config
	channels map[int64]entry
}

func NewDispatcher(store Store, cfg Config, opts Options, bus eventbus.Bus) *Dispatcher {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	var cs CooldownStore
	if store != nil {
		cs = store
	}
	return &Dispatcher{
		store:    store,
		opts:     opts,
		log:      log.With(logx.String("comp", "notify")),
		bus:      bus,
		cooldown: NewCooldown(cs, cfg.Cooldown),
		cfg:      cfg,
		channels: map[int64]entry{},
	}
}

func (d *Dispatcher) Cooldown() *Cooldown { return d.cooldown }

// Apply swaps cooldown windows and the default retry policy.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.cooldown.SetWindows(cfg.Cooldown)
}

// LoadChannels rebuilds the channel set from the store. Channels whose
// configuration fails validation are logged and left out.
func (d *Dispatcher) LoadChannels(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, errors.New("notify: no store")
	}
	recs, err := d.store.ListChannels(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("list channels: %w", err)
	}
	next := make(map[int64]entry, len(recs))
	for _, rec := range recs {
		c, err := Build(rec, d.opts)
		if err != nil {
			d.log.Warn("channel disabled: invalid config",
				logx.String("channel", rec.Name),
				logx.String("type", rec.Type),
				logx.Err(err),
			)
			continue
		}
		next[rec.ID] = entry{ch: c, retry: rec.Retry}
	}
	d.mu.Lock()
	d.channels = next
	d.mu.Unlock()
	d.log.Info("channels loaded", logx.Int("active", len(next)), logx.Int("configured", len(recs)))
	return len(next), nil
}

// SetChannel installs c directly, replacing any channel with the same id.
func (d *Dispatcher) SetChannel(c Channel, policy *domain.RetryPolicy) {
	d.mu.Lock()
	d.channels[c.ID()] = entry{ch: c, retry: policy}
	d.mu.Unlock()
}

func (d *Dispatcher) Channel(id int64) (Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.channels[id]
	return e.ch, ok
}

// ChannelByName matches case-insensitively.
func (d *Dispatcher) ChannelByName(name string) (Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.channels {
		if strings.EqualFold(e.ch.Name(), name) {
			return e.ch, true
		}
	}
	return nil, false
}

// Channels returns the loaded channels ordered by id.
func (d *Dispatcher) Channels() []Channel {
	d.mu.RLock()
	out := make([]Channel, 0, len(d.channels))
	for _, e := range d.channels {
		out = append(out, e.ch)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (d *Dispatcher) lookup(id int64) (entry, domain.RetryPolicy, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.channels[id]
	pol := d.cfg.Retry
	if ok && e.retry != nil {
		pol = *e.retry
	}
	return e, pol, ok
}

// Dispatch delivers one firing, honoring the cooldown of its
// (alert, channel) pair.
func (d *Dispatcher) Dispatch(ctx context.Context, f domain.Firing) Result {
	res := Result{AlertID: f.Alert.ID, ChannelID: f.Alert.ChannelID}
	info := eventbus.NotifyInfo{AlertID: f.Alert.ID, ChannelID: f.Alert.ChannelID}

	e, pol, ok := d.lookup(f.Alert.ChannelID)
	if !ok {
		d.log.Warn("alert channel not available", logx.Int64("alert", f.Alert.ID), logx.Int64("channel", f.Alert.ChannelID))
		res.Outcome, res.Err = OutcomeSkipped, ErrChannelNotFound
		info.Reason = "channel not found"
		eventbus.Emit(d.bus, eventbus.NotifyFailed, info)
		return res
	}
	info.ChannelType = e.ch.Type()
	log := d.log.With(
		logx.Int64("alert", f.Alert.ID),
		logx.String("channel", e.ch.Name()),
		logx.Int64("product", f.Product.ID),
	)

	key := domain.CooldownKey(f.Alert.ID, e.ch.ID())
	allowed, remaining, err := d.cooldown.Reserve(ctx, key, f.Alert.Type)
	if err != nil {
		log.Warn("cooldown lookup failed; sending anyway", logx.Err(err))
	}
	if !allowed {
		log.Info("notification suppressed by cooldown", logx.Duration("remaining", remaining))
		res.Outcome = OutcomeSuppressed
		info.Reason = "cooldown"
		eventbus.Emit(d.bus, eventbus.NotifySuppressed, info)
		return res
	}

	payload := domain.NewPayload(f)
	attempts, err := d.send(ctx, e.ch, pol, f.Message, payload)
	res.Attempts, info.Attempts = attempts, attempts
	if err != nil {
		d.cooldown.Release(key)
		log.Error("notification failed", logx.Int("attempts", attempts), logx.Err(err))
		res.Outcome, res.Err = OutcomeFailed, err
		info.Reason = err.Error()
		eventbus.Emit(d.bus, eventbus.NotifyFailed, info)
		return res
	}
	if err := d.cooldown.Commit(ctx, key); err != nil {
		log.Warn("cooldown persist failed", logx.Err(err))
	}
	log.Info("notification sent", logx.Int("attempts", attempts), logx.String("price", payload.Price))
	res.Outcome = OutcomeSent
	eventbus.Emit(d.bus, eventbus.NotifySent, info)
	return res
}

// DispatchAll delivers firings concurrently; a slow or failing channel
// does not hold up the others.
func (d *Dispatcher) DispatchAll(ctx context.Context, firings []domain.Firing) []Result {
	d.mu.RLock()
	parallel := d.cfg.Parallel
	d.mu.RUnlock()

	out := make([]Result, len(firings))
	sem := make(chan struct{}, parallel)
	var wg sync.WaitGroup
	for i, f := range firings {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, f domain.Firing) {
			defer wg.Done()
			defer func() { <-sem }()
			out[i] = d.Dispatch(ctx, f)
		}(i, f)
	}
	wg.Wait()
	return out
}

// send calls c.Send with a bounded number of attempts and a fixed delay.
func (d *Dispatcher) send(ctx context.Context, c Channel, pol domain.RetryPolicy, message string, p domain.Payload) (int, error) {
	if pol.Max < 0 {
		pol.Max = 0
	}
	if pol.Delay < time.Millisecond {
		pol.Delay = time.Millisecond
	}
	attempts := 0
	err := retry.Do(
		func() error {
			attempts++
			return c.Send(ctx, message, p)
		},
		retry.Attempts(uint(pol.Max+1)),
		retry.Delay(pol.Delay),
		retry.MaxDelay(pol.Delay),
		retry.MaxJitter(time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.log.Warn("send failed; retrying",
				logx.String("channel", c.Name()),
				logx.Int("attempt", int(n)+1),
				logx.Duration("delay", pol.Delay),
				logx.Err(err),
			)
		}),
	)
	return attempts, err
}

// TestResult is the outcome of sending the test payload to one channel.
type TestResult struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// Test sends the fixed test payload to the named channel, once.
func (d *Dispatcher) Test(ctx context.Context, name string) error {
	c, ok := d.ChannelByName(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrChannelNotFound, name)
	}
	return c.Send(ctx, TestMessage, TestPayload(time.Now()))
}

// TestAll tests every loaded channel.
func (d *Dispatcher) TestAll(ctx context.Context) []TestResult {
	chans := d.Channels()
	out := make([]TestResult, 0, len(chans))
	for _, c := range chans {
		r := TestResult{Channel: c.Name(), Type: c.Type(), OK: true}
		if err := c.Send(ctx, TestMessage, TestPayload(time.Now())); err != nil {
			r.OK, r.Error = false, err.Error()
			d.log.Warn("channel test failed", logx.String("channel", c.Name()), logx.Err(err))
		}
		out = append(out, r)
	}
	return out
}

// OpsSender adapts a text-capable channel to the log forwarding sink.
type OpsSender struct {
	Channel Texter
}

func (s OpsSender) SendLog(ctx context.Context, text string) error {
	if s.Channel == nil {
		return errors.New("notify: no ops channel")
	}
	return s.Channel.SendText(ctx, text)
}
