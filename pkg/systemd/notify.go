// Package systemd reports service state to the systemd notify socket.
// Every function is a no-op when the process does not run under a
// systemd unit with NotifyAccess enabled.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "scbldr/pkg/logx"
)

// Ready sends READY=1. The boolean reports whether a notification was
// actually delivered; (false, nil) means no notify socket is present.
func Ready() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyReady)
}

// Stopping sends STOPPING=1 so the manager stops routing traffic while
// the service shuts down.
func Stopping() (bool, error) {
	return daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// WatchdogLoop sends WATCHDOG=1 at half the interval configured by
// WatchdogSec until ctx is cancelled. It returns immediately when the
// watchdog is not armed for this process.
func WatchdogLoop(ctx context.Context, log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog probe failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		log.Debug("systemd watchdog not armed")
		return
	}

	tick := interval / 2
	log.Info("systemd watchdog armed",
		logx.Duration("interval", interval),
		logx.Duration("tick", tick))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
