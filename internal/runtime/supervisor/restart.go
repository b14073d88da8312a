package supervisor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	logx "gputracker/pkg/logx"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
	// a run that lasted this long resets the backoff
	stableRun = 30 * time.Second
)

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max time.Duration
	limit    int // 0 is unlimited
}

func WithRestartBackoff(lo, hi time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if lo > 0 {
			p.min = lo
		}
		if hi > 0 {
			p.max = hi
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run is not a restart.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// GoRestart is Go with restarts on error or panic, using jittered
// exponential backoff. A nil return or a cancelled context stops it.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: defaultMinBackoff, max: defaultMaxBackoff}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.Go(name, func(ctx context.Context) error {
		backoff := p.min
		for n := 1; ; n++ {
			began := time.Now()
			err := s.call(name, fn)
			if err == nil || ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			s.update(name, func(st *Stats) {
				st.Restarts++
				st.LastErr = err.Error()
			})
			if p.limit > 0 && n > p.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", n), logx.Err(err))
				return err
			}
			if time.Since(began) >= stableRun {
				backoff = p.min
			}
			pause := backoff + time.Duration(rand.Int64N(int64(backoff)/5+1))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", pause), logx.Err(err))

			t := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			backoff = min(2*backoff, p.max)
		}
	})
}
