package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"clashcaller/internal/eventbus"
	logx "clashcaller/pkg/logx"
)

// notifier speaks the sd_notify protocol. Outside systemd every call is a no-op.
type notifier struct {
	log logx.Logger
}

func (n notifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n notifier) ready()    { n.send(daemon.SdNotifyReady) }
func (n notifier) stopping() { n.send(daemon.SdNotifyStopping) }

// watchdog pings systemd after every finished cycle, so a wedged loop gets the
// unit restarted. A cycle that never finishes stops the pings.
func (n notifier) watchdog(ctx context.Context, bus eventbus.Bus) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	events, unsub := bus.Subscribe(16)
	defer unsub()
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.TypeCycleCompleted && e.Type != eventbus.TypeCycleAborted {
				continue
			}
			// an aborted cycle still proves the loop is alive
			if now := time.Now(); now.Sub(last) >= interval/4 {
				last = now
				n.send(daemon.SdNotifyWatchdog)
			}
		}
	}
}
