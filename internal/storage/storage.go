// Package storage is a minimal reference row store satisfying the
// sequencer.WALCommitter, sequencer.RowApplier, applier.DurableVclock and
// applier.JoinApplier collaborator interfaces. The storage engine itself
// is an explicit Non-goal (spec.md): those interfaces exist so this
// subsystem can be driven by whatever real engine a deployment supplies.
// This package exists only so `replicorefd run` is an end-to-end runnable
// daemon out of the box rather than requiring an operator to wire one in
// first. Grounded on ppriyankuu-godkv/internal/store/{wal.go,store.go}'s
// append-only-log-plus-in-memory-map shape.
package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/replicore/replicore/internal/sequencer"
	"github.com/replicore/replicore/internal/vclock"
	"github.com/replicore/replicore/internal/wire"
)

// Op is the decoded shape of a DML row's Body: a single keyed put or
// delete against one of the store's spaces (tables), msgpack-encoded
// upstream of replication.
type Op struct {
	Space  string `msgpack:"space"`
	Key    string `msgpack:"key"`
	Value  []byte `msgpack:"value,omitempty"`
	Delete bool   `msgpack:"delete,omitempty"`
}

type logEntry struct {
	ReplicaID uint8 `json:"replica_id"`
	LSN       int64 `json:"lsn"`
	Op        Op    `json:"op"`
}

// Store is a process-local, crash-recoverable key/value table: every
// applied row is appended to a durable log file before it is reflected
// into the in-memory table, the WAL-before-memory ordering store.go
// documents.
type Store struct {
	mu    sync.Mutex
	file  *os.File
	table map[string]map[string][]byte // space -> key -> value
	clock vclock.Vclock
}

// Open creates or reopens the log file at path, replaying any entries it
// already holds to rebuild the table and vclock.
func Open(path string) (*Store, error) {
	var f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: opening log %q", path)
	}
	var s = &Store{file: f, table: make(map[string]map[string][]byte)}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return errors.Wrap(err, "storage: seeking log for replay")
	}
	var scanner = bufio.NewScanner(s.file)
	for scanner.Scan() {
		var line = scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e logEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // a partially-written trailing entry from a prior crash
		}
		s.applyLocked(e.Op)
		if e.ReplicaID != 0 {
			s.clock.Follow(e.ReplicaID, e.LSN)
		}
	}
	if _, err := s.file.Seek(0, 2); err != nil {
		return errors.Wrap(err, "storage: seeking log to end after replay")
	}
	return scanner.Err()
}

func (s *Store) applyLocked(op Op) {
	var t = s.table[op.Space]
	if t == nil {
		t = make(map[string][]byte)
		s.table[op.Space] = t
	}
	if op.Delete {
		delete(t, op.Key)
		return
	}
	t[op.Key] = op.Value
}

func (s *Store) appendLocked(replicaID uint8, lsn int64, op Op) error {
	var e = logEntry{ReplicaID: replicaID, LSN: lsn, Op: op}
	var data, err = json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "storage: marshaling log entry")
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return errors.Wrap(err, "storage: writing log entry")
	}
	return errors.Wrap(s.file.Sync(), "storage: fsyncing log entry")
}

// Get returns the current value for key in space, and whether it exists.
func (s *Store) Get(space, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t, ok = s.table[space]
	if !ok {
		return nil, false
	}
	var v, ok2 = t[key]
	return v, ok2
}

func decodeOp(body []byte) (Op, error) {
	var op Op
	if err := msgpack.Unmarshal(body, &op); err != nil {
		return Op{}, errors.Wrap(err, "storage: decoding row body")
	}
	return op, nil
}

// Apply implements sequencer.RowApplier. Rows are always upserts: this
// reference store does not model secondary indexes, triggers, or
// uniqueness constraints beyond one space's key, so it never returns
// sequencer.ErrUniqueConflict -- a real storage engine wired in its place
// is what spec.md's skip-conflict policy (§4.2) guards against -- and it
// never reports a local side effect, since it has no trigger runtime that
// could produce one.
func (s *Store) Apply(ctx context.Context, row *wire.Row) (bool, error) {
	if row.Type != wire.RowDML {
		return false, nil
	}
	var op, err = decodeOp(row.Body)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(row.ReplicaID, row.LSN, op); err != nil {
		return false, err
	}
	s.applyLocked(op)
	if row.ReplicaID != 0 {
		s.clock.Follow(row.ReplicaID, row.LSN)
	}
	return false, nil
}

// Commit implements sequencer.WALCommitter. Apply already reflected and
// fsynced every row of txn during the sequencer's read-then-apply
// pipeline (spec.md §4.2); Commit's only remaining duty is the
// durability boundary the sequencer waits on before acking.
func (s *Store) Commit(ctx context.Context, txn *sequencer.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(s.file.Sync(), "storage: fsyncing transaction commit")
}

// Snapshot implements applier.DurableVclock and sequencer.DurableVclock.
func (s *Store) Snapshot() vclock.Vclock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Copy()
}

// ApplyInitialJoin implements applier.JoinApplier's bulk-load path: a
// straight write into the table without advancing the vclock, matching
// space_apply_initial_join_row bypassing secondary indexes (spec.md §4.4).
func (s *Store) ApplyInitialJoin(ctx context.Context, row *wire.Row) error {
	if row.Type != wire.RowDML {
		return nil
	}
	var op, err = decodeOp(row.Body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAndApplyLocked(row.ReplicaID, row.LSN, op)
}

func (s *Store) appendAndApplyLocked(replicaID uint8, lsn int64, op Op) error {
	if err := s.appendLocked(replicaID, lsn, op); err != nil {
		return err
	}
	s.applyLocked(op)
	return nil
}

// ApplyFinalJoin implements applier.JoinApplier's final pass: a normal
// write that also advances the local vclock (spec.md §4.4).
func (s *Store) ApplyFinalJoin(ctx context.Context, row *wire.Row) error {
	if row.Type != wire.RowDML {
		return nil
	}
	var op, err = decodeOp(row.Body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendAndApplyLocked(row.ReplicaID, row.LSN, op); err != nil {
		return err
	}
	if row.ReplicaID != 0 {
		s.clock.Follow(row.ReplicaID, row.LSN)
	}
	return nil
}

// Close flushes and releases the log file.
func (s *Store) Close() error {
	return s.file.Close()
}
