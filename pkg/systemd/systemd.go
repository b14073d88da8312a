// Package systemd reports service state to systemd through sd_notify.
// Every call is a no-op when NOTIFY_SOCKET is unset.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// Ready tells systemd startup finished (Type=notify units).
func Ready() (bool, error) { return notify(daemon.SdNotifyReady) }

func Stopping() (bool, error) { return notify(daemon.SdNotifyStopping) }

func Reloading() (bool, error) { return notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(s string) (bool, error) { return notify("STATUS=" + s) }

// WatchdogInterval returns how often keepalives must be sent, or 0 when
// the unit has no WatchdogSec.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// Watchdog sends keepalives at half the configured interval until ctx
// ends. healthy may veto a ping; a nil healthy always pings.
func Watchdog(ctx context.Context, healthy func() bool) error {
	interval := WatchdogInterval()
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
