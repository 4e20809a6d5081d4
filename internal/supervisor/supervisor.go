// Package supervisor owns the reconnect loop for every configured peer
// applier: run once, classify the failure, sleep, retry -- until the
// applier reaches a terminal state or the supervisor's context is
// cancelled (spec.md §4.5).
package supervisor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/replicore/replicore/internal/applier"
)

// Config parametrizes a Supervisor.
type Config struct {
	ReconnectInterval time.Duration // replication_reconnect_interval
}

// Peer is one configured master the supervisor keeps an applier attached
// to.
type Peer struct {
	Name    string
	Applier *applier.Applier
}

// Supervisor runs one independent reconnect loop per configured peer.
type Supervisor struct {
	cfg Config
	log *log.Entry
}

// New constructs a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = time.Second
	}
	return &Supervisor{cfg: cfg, log: log.WithField("component", "supervisor")}
}

// Run starts one goroutine per peer and blocks until every peer's loop has
// returned; a loop returns when its peer reaches a terminal state or ctx is
// cancelled, so Run can return before ctx is done. A single peer reaching a terminal state
// (Off or Stopped) does not affect its siblings -- each peer's master
// connection is independent.
func (sv *Supervisor) Run(ctx context.Context, peers []Peer) error {
	var g, gctx = errgroup.WithContext(ctx)
	for _, p := range peers {
		var p = p
		g.Go(func() error {
			sv.runPeer(gctx, p)
			return nil
		})
	}
	return g.Wait()
}

// runPeer loops connect->join?->subscribe for one peer until it reaches a
// terminal state or ctx is cancelled, sleeping cfg.ReconnectInterval
// between retryable failures. Duplicate consecutive error codes are
// logged only once, via lastLoggedErrCode, to avoid log spam across
// repeated retries against an unreachable peer.
func (sv *Supervisor) runPeer(ctx context.Context, p Peer) {
	var log = sv.log.WithField("peer", p.Name)
	var lastLoggedErrCode string

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var err = p.Applier.Run(ctx)
		if err == nil {
			return // Clean cancellation; Run reports a self-connect as ErrConnectionToSelf.
		}

		var next, retry = applier.Classify(err)
		var code = errors.Cause(err).Error()
		if code != lastLoggedErrCode {
			log.WithError(err).WithField("next_state", next).Warn("applier connection attempt failed")
			lastLoggedErrCode = code
		}

		if !retry {
			if next == applier.StateOff {
				log.Info("applier reached a terminal Off state; reconnect loop stopping")
			} else {
				log.WithError(err).Error("applier reached a terminal Stopped state; reconnect loop stopping")
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sv.cfg.ReconnectInterval):
		}
	}
}
