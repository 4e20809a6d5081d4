// Package sequencer implements the process-singleton that serializes the
// apply-then-commit step of every attached applier client against the
// shared vclock, preserving strict per-replica LSN order while allowing
// network reads across replicas (and across pipelined transactions of the
// same replica) to proceed in parallel. See spec.md §4.2.
package sequencer

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/replicore/replicore/internal/vclock"
	"github.com/replicore/replicore/internal/wire"
)

// DefaultMaxWorkers is the hard cap on concurrently running workers absent
// an explicit configuration (spec.md §4.2, §9: "hard-coded cap of 768").
const DefaultMaxWorkers = 768

// WALCommitter is the external storage engine's commit entrypoint
// (wal_commit in spec.md §6). It must durably and atomically apply the
// given transaction's rows.
type WALCommitter interface {
	Commit(ctx context.Context, txn *Transaction) error
}

// RowApplier is the external box_process_rw entrypoint: it applies exactly
// one DML request to local storage. Returning an error wrapping
// ErrUniqueConflict signals a uniqueness violation eligible for the
// skip-conflict policy. localSideEffect reports whether applying the row
// produced an additional write (e.g. a trigger) that is not itself a
// replicated row, feeding the distributed-transaction guard (spec.md
// §4.2): only the storage engine behind this interface can know that.
type RowApplier interface {
	Apply(ctx context.Context, row *wire.Row) (localSideEffect bool, err error)
}

// DurableVclock is the external replicaset.vclock snapshot consumed when
// reseeding the sequencer after it drains from an aborted state.
type DurableVclock interface {
	Snapshot() vclock.Vclock
}

// RowReader reads successive framed rows from one applier's connection. It
// is the per-client analog of wire.Codec.ReadRow, injected so the sequencer
// need not know about connection lifecycle.
type RowReader interface {
	ReadRow(ctx context.Context) (wire.Row, error)
}

// Transaction is one applied-and-committed unit: every row sharing a common
// TSN, terminated by the row with IsCommit set.
type Transaction struct {
	ReplicaID uint8
	TSN       int64
	Rows      []wire.Row
}

// Config parametrizes a Sequencer.
type Config struct {
	WAL             WALCommitter
	Applier         RowApplier
	Durable         DurableVclock
	SkipConflict    bool
	MaxWorkers      int64 // 0 defaults to DefaultMaxWorkers.
}

// Sequencer is the process-singleton described in spec.md §3-§4.2. It is
// created once at process start and handed by reference to every applier
// that subscribes.
type Sequencer struct {
	wal          WALCommitter
	rowApplier   RowApplier
	durable      DurableVclock
	skipConflict bool
	sem          *semaphore.Weighted

	mu        sync.Mutex
	cond      *sync.Cond
	netVclock vclock.Vclock
	txVclock  vclock.Vclock
	aborted   error
	clients   map[uint64]*Client
	nextID    uint64

	epochCtx    context.Context
	epochCancel context.CancelFunc

	idleCh chan *Client
	wg     sync.WaitGroup

	log *log.Entry
}

// New constructs a Sequencer seeded from cfg.Durable's current snapshot.
func New(cfg Config) *Sequencer {
	var maxWorkers = cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	var seed vclock.Vclock
	if cfg.Durable != nil {
		seed = cfg.Durable.Snapshot()
	}
	var epochCtx, epochCancel = context.WithCancel(context.Background())

	var s = &Sequencer{
		wal:          cfg.WAL,
		rowApplier:   cfg.Applier,
		durable:      cfg.Durable,
		skipConflict: cfg.SkipConflict,
		sem:          semaphore.NewWeighted(maxWorkers),
		netVclock:    seed,
		txVclock:     seed,
		clients:      make(map[uint64]*Client),
		epochCtx:     epochCtx,
		epochCancel:  epochCancel,
		idleCh:       make(chan *Client, maxWorkers),
		log:          log.WithField("component", "sequencer"),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Run drives the worker scheduler until ctx is cancelled. It must be
// started once, before the first Attach.
func (s *Sequencer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case c := <-s.idleCh:
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			s.wg.Add(1)
			go s.runWorker(ctx, c)
		}
	}
}

// TxVclock returns a snapshot of the committed-side vclock.
func (s *Sequencer) TxVclock() vclock.Vclock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txVclock.Copy()
}

// NetVclock returns a snapshot of the network-pulled-side vclock.
func (s *Sequencer) NetVclock() vclock.Vclock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.netVclock.Copy()
}

// Err returns the current poisoning error, or nil if the sequencer is
// healthy.
func (s *Sequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Attach registers a new client reading from reader, seeded with the
// vclock the peer reported at subscribe time, and returns a handle the
// applier retains until it detaches. Attach succeeds even if the sequencer
// is currently aborted -- the new client simply observes ErrTransactionConflict
// once it reaches the apply stage, same as any other attached client, per
// spec.md §4.2 ("sequencer remains poisoned until the last attached client
// detaches").
func (s *Sequencer) Attach(reader RowReader, vclockAtSubscribe vclock.Vclock) *Client {
	s.mu.Lock()
	s.nextID++
	var c = &Client{
		id:                s.nextID,
		seq:               s,
		reader:            reader,
		vclockAtSubscribe: vclockAtSubscribe,
		doneCh:            make(chan struct{}),
		ackCh:             make(chan struct{}, 1),
	}
	s.clients[c.id] = c
	s.mu.Unlock()

	select {
	case s.idleCh <- c:
	default:
		// idleCh is sized to MaxWorkers; if full, the scheduler will drain it
		// before this ever blocks in practice. Send on a goroutine as a
		// last resort so Attach never blocks its caller.
		go func() { s.idleCh <- c }()
	}
	return c
}

// detach removes c from the sequencer's bookkeeping and, if it was the last
// attached client and the sequencer is poisoned, reseeds both vclocks from
// the durable snapshot and clears the poison.
func (s *Sequencer) detach(c *Client, err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.doneCh)
	})

	s.mu.Lock()
	delete(s.clients, c.id)
	var empty = len(s.clients) == 0
	var wasAborted = s.aborted != nil
	if empty && wasAborted {
		var seed vclock.Vclock
		if s.durable != nil {
			seed = s.durable.Snapshot()
		}
		s.netVclock = seed
		s.txVclock = seed
		s.aborted = nil
		s.epochCtx, s.epochCancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()

	if empty && wasAborted {
		s.log.Info("sequencer drained of attached clients; reseeded vclocks from durable snapshot")
	}
}

// abort poisons the sequencer with the first observed apply-stage error and
// cancels every in-flight stage-1 (network) read so those workers unwind
// promptly, per spec.md §4.2.
func (s *Sequencer) abort(err error) {
	s.mu.Lock()
	if s.aborted == nil {
		s.aborted = err
		s.log.WithError(err).Error("sequencer poisoned by apply-stage failure")
		s.epochCancel()
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Sequencer) runWorker(ctx context.Context, c *Client) {
	defer s.wg.Done()
	defer s.sem.Release(1)

	var txn, prevLSN, err = s.readStage(ctx, c)
	if err != nil {
		s.detach(c, err)
		return
	}

	// Requeue the client immediately: a subsequent transaction for the same
	// replica may be pipelined and read by a different worker while this
	// one proceeds through the apply stage (spec.md §4.2, S3).
	select {
	case s.idleCh <- c:
	case <-ctx.Done():
		return
	}

	if err := s.applyStage(ctx, c, txn, prevLSN); err != nil {
		if errors.Is(err, ErrTransactionConflict) {
			// Already reflects sequencer-wide poisoning; nothing further to do.
			return
		}
		s.abort(err)
	}
}

// readStage pulls client C from the idle set (conceptually -- the caller
// already holds exclusive access via the worker dispatch loop), reads one
// full transaction, and atomically records prev_lsn/net_vclock[r]. Stale
// duplicate transactions (L <= net_vclock[r]) are discarded and the read
// retried in a loop, per spec.md §4.2 step 1.
func (s *Sequencer) readStage(ctx context.Context, c *Client) (Transaction, int64, error) {
	for {
		var epochCtx = s.currentEpochCtx()

		var txn, err = c.readTransaction(epochCtx)
		if err != nil {
			return Transaction{}, 0, err
		}

		s.mu.Lock()
		var cur = s.netVclock.Get(txn.ReplicaID)
		if txn.TSN <= cur {
			s.mu.Unlock()
			continue // Duplicate: already fetched via another client. Discard and loop.
		}
		var prevLSN = cur
		s.netVclock.Follow(txn.ReplicaID, txn.TSN)
		s.mu.Unlock()

		return txn, prevLSN, nil
	}
}

func (s *Sequencer) currentEpochCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochCtx
}

// applyStage waits for the immediately preceding transaction of the same
// replica to commit, applies the transaction's rows (substituting Nop rows
// for uniqueness conflicts when skipConflict is enabled), commits via the
// WAL, advances tx_vclock, and wakes the client's writer.
func (s *Sequencer) applyStage(ctx context.Context, c *Client, txn Transaction, prevLSN int64) error {
	s.mu.Lock()
	for s.txVclock.Get(txn.ReplicaID) != prevLSN {
		if s.aborted != nil {
			s.mu.Unlock()
			return ErrTransactionConflict
		}
		select {
		case <-ctx.Done():
			s.mu.Unlock()
			return ctx.Err()
		default:
		}
		s.cond.Wait()
	}
	if s.aborted != nil {
		s.mu.Unlock()
		return ErrTransactionConflict
	}
	s.mu.Unlock()

	var applied = make([]wire.Row, 0, len(txn.Rows))
	var hasLocalSideEffect = false
	var hasRemoteRow = len(txn.Rows) > 0

	for _, row := range txn.Rows {
		if row.Type == wire.RowNop {
			applied = append(applied, row)
			continue
		}
		var localSideEffect, err = s.rowApplier.Apply(ctx, &row)
		if err != nil {
			if s.skipConflict && errors.Is(err, ErrUniqueConflict) {
				row = row.AsNop()
				if _, err := s.rowApplier.Apply(ctx, &row); err != nil {
					return errors.Wrap(err, "applying conflict-substituted nop row")
				}
			} else {
				return errors.Wrap(err, "applying row")
			}
		} else if localSideEffect {
			hasLocalSideEffect = true
		}
		applied = append(applied, row)
	}

	if hasLocalSideEffect && hasRemoteRow {
		return errors.Wrap(ErrUnsupportedDistributed, "distributed transactions")
	}

	if err := s.wal.Commit(ctx, &Transaction{ReplicaID: txn.ReplicaID, TSN: txn.TSN, Rows: applied}); err != nil {
		return errors.Wrap(err, "committing transaction")
	}

	s.mu.Lock()
	s.txVclock.Follow(txn.ReplicaID, txn.TSN)
	s.cond.Broadcast()
	s.mu.Unlock()

	c.notifyCommit()
	return nil
}

// listLen reports the number of attached clients.
func (s *Sequencer) listLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
