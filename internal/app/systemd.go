package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	rtsup "raspbot/internal/runtime/supervisor"
	logx "raspbot/pkg/logx"
)

// systemdNotifier speaks the sd_notify protocol. Outside a systemd unit
// every call is a no-op.
type systemdNotifier struct {
	log    logx.Logger
	notify func(state string) (bool, error)
	// watchdog returns the WatchdogSec interval, 0 when disabled.
	watchdog func() (time.Duration, error)
}

func newSystemdNotifier(log logx.Logger) *systemdNotifier {
	return &systemdNotifier{
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *systemdNotifier) send(state string) bool {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// ready reports READY=1 and keeps the watchdog fed under sup.
func (n *systemdNotifier) ready(sup *rtsup.Supervisor) {
	if !n.send(daemon.SdNotifyReady) {
		return
	}
	n.log.Debug("sd_notify ready")

	interval, err := n.watchdog()
	if err != nil {
		n.log.Warn("systemd watchdog misconfigured", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n.send(daemon.SdNotifyWatchdog)
			}
		}
	})
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}

func (n *systemdNotifier) stopping() {
	n.send(daemon.SdNotifyStopping)
}
