package applier

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/replicore/replicore/internal/vclock"
	"github.com/replicore/replicore/internal/wire"
)

// ackSource supplies a channel signaling a commit just occurred (spec.md
// §4.3). The vclock encoded into each ACK comes from cfg.Durable, not from
// the ackSource.
type ackSource interface {
	AckCh() <-chan struct{}
}

// runWriter is the sole consumer of client's commit signal: on every wake
// it re-evaluates the Sync -> Follow gate (spec.md §4.1), then, for peers
// that support it (>= 1.7.4), sends a vclock acknowledgement while the
// applier is in an ACK-eligible state (Sync or Follow). It wakes on the
// client's ack signal (a commit occurred) or on a timeout for legacy peers
// that don't support periodic heartbeats; modern peers rely solely on the
// explicit signal, so their wake period is effectively unbounded between
// commits. EPIPE terminates the task -- the reader will notice the peer is
// gone and reconnect; other socket errors are logged and the loop
// continues.
func (a *Applier) runWriter(ctx context.Context, codec wire.Codec, client ackSource, timeout time.Duration) {
	var log = a.log.WithField("task", "writer")
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
	}

	var ackCapable = !a.protocolVersion.Less(wire.V1_7_4)

	for {
		var wake <-chan time.Time
		if timer != nil {
			wake = timer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-client.AckCh():
		case <-wake:
		}

		if timer != nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		}

		a.checkSyncGate()

		if !ackCapable {
			continue
		}
		switch a.State() {
		case StateSync, StateFollow:
		default:
			continue
		}

		if err := a.sendAck(ctx, codec); err != nil {
			if errors.Is(err, syscall.EPIPE) {
				log.WithError(err).Info("peer gone (EPIPE); writer task stopping")
				return
			}
			log.WithError(err).Warn("failed to send vclock acknowledgement")
		}
	}
}

func (a *Applier) sendAck(ctx context.Context, codec wire.Codec) error {
	var snapshot vclock.Vclock
	if a.cfg.Durable != nil {
		snapshot = a.cfg.Durable.Snapshot()
	}
	return codec.WriteAck(ctx, wire.Ack{Vclock: vclockToMap(snapshot)})
}
