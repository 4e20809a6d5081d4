package sequencer

import "github.com/pkg/errors"

var (
	// ErrUniqueConflict is returned (or wrapped) by a RowApplier when
	// applying a DML row would violate a uniqueness constraint. Eligible
	// for the skip-conflict substitution when Config.SkipConflict is set.
	ErrUniqueConflict = errors.New("sequencer: uniqueness conflict applying row")

	// ErrProtocol marks a malformed transaction: an out-of-range replica id,
	// or a tsn that doesn't match the transaction's first row lsn.
	ErrProtocol = errors.New("sequencer: protocol violation")

	// ErrUnsupportedDistributed is returned when a transaction mixes local
	// (non-replicated) side effects with remote rows -- this database
	// cannot replicate such mixed transactions back out (spec.md §4.2).
	ErrUnsupportedDistributed = errors.New("sequencer: distributed transactions are unsupported")

	// ErrTransactionConflict is surfaced to any client whose apply stage
	// observes the sequencer in a poisoned state, until the pipeline drains
	// and the sequencer is reseeded (spec.md §7).
	ErrTransactionConflict = errors.New("sequencer: poisoned by a prior apply failure")
)
