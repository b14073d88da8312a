package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	opsQueueSize   = 256
	opsSendTimeout = 15 * time.Second
	opsMaxText     = 3500
	opsMaxValue    = 600
	opsMaxStack    = 900
)

// Sender delivers one formatted line to an operator channel.
type Sender interface {
	SendLog(ctx context.Context, text string) error
}

// opsSink is a zerolog.LevelWriter that queues qualifying lines for a
// background sender. Writes never block the caller; overflow is dropped.
type opsSink struct {
	queue chan string

	mu       sync.Mutex
	sender   Sender
	minLevel Level
	limit    *rate.Limiter
	cancel   context.CancelFunc
	done     chan struct{}
}

func newOpsSink(sender Sender) *opsSink {
	return &opsSink{
		queue:    make(chan string, opsQueueSize),
		sender:   sender,
		minLevel: LevelWarn,
		limit:    rate.NewLimiter(1, 1),
	}
}

func (o *opsSink) setSender(sender Sender) {
	o.mu.Lock()
	o.sender = sender
	o.mu.Unlock()
}

func (o *opsSink) configure(cfg OpsConfig) {
	rps := max(1, cfg.RatePerSec)
	o.mu.Lock()
	o.minLevel = parseLevel(cfg.MinLevel, LevelWarn)
	o.limit = rate.NewLimiter(rate.Limit(rps), rps)
	o.mu.Unlock()
}

func (o *opsSink) start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.run(ctx, o.done)
}

func (o *opsSink) stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (o *opsSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-o.queue:
			o.mu.Lock()
			sender := o.sender
			o.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, opsSendTimeout)
			// a failed delivery must not log again, or it would loop
			_ = sender.SendLog(sctx, text)
			cancel()
		}
	}
}

func (o *opsSink) Write(p []byte) (int, error) { return o.WriteLevel(LevelInfo, p) }

func (o *opsSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	ok := o.sender != nil && level >= o.minLevel && o.limit.Allow()
	o.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if text := formatOps(p); text != "" {
		select {
		case o.queue <- text:
		default:
		}
	}
	return len(p), nil
}

// formatOps renders a JSON log line as a chat message: a headline, then
// one "key: value" line per field in key order. Non-JSON input is sent
// as is.
func formatOps(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return clip(strings.TrimSpace(string(p)), opsMaxText)
	}

	var b strings.Builder
	b.WriteString("gputracker")
	if lvl, _ := rec[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString(" " + strings.ToUpper(lvl))
	}
	if msg, _ := rec[zerolog.MessageFieldName].(string); msg != "" {
		b.WriteString(": " + msg)
	}

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName, stackKey:
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(rec[k]), opsMaxValue))
	}
	if st, ok := rec[stackKey]; ok {
		b.WriteString("\nstack:\n" + clip(fmt.Sprint(st), opsMaxStack))
	}
	return clip(b.String(), opsMaxText)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
