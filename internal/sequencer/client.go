package sequencer

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/replicore/replicore/internal/vclock"
	"github.com/replicore/replicore/internal/wire"
)

// Client is one applier's attachment to the Sequencer (spec.md §3). It is
// created by Sequencer.Attach and destroyed only after its owning applier
// observes Done.
type Client struct {
	id     uint64
	seq    *Sequencer
	reader RowReader

	vclockAtSubscribe vclock.Vclock

	doneCh    chan struct{}
	closeOnce sync.Once
	err       error

	ackCh chan struct{} // Buffered 1; signaled whenever a transaction read by
	// this client commits, for the writer task to schedule a prompt ACK.
}

// VclockAtSubscribe returns the master's vclock as observed when this
// client subscribed.
func (c *Client) VclockAtSubscribe() vclock.Vclock {
	return c.vclockAtSubscribe
}

// Done returns a channel closed exactly once, when the client is detached
// (by failure or by explicit Detach), satisfying invariant 4 of spec.md §8.
func (c *Client) Done() <-chan struct{} {
	return c.doneCh
}

// Err returns the reason the client was detached, or nil if it is still
// attached (or was explicitly detached with no error).
func (c *Client) Err() error {
	select {
	case <-c.doneCh:
		return c.err
	default:
		return nil
	}
}

// Detach releases this client from the sequencer. Idempotent.
func (c *Client) Detach() {
	c.seq.detach(c, nil)
}

// AckCh returns the channel the writer task selects on to learn that a
// commit has occurred and a fresh ACK should be considered.
func (c *Client) AckCh() <-chan struct{} {
	return c.ackCh
}

func (c *Client) notifyCommit() {
	select {
	case c.ackCh <- struct{}{}:
	default:
	}
}

// readTransaction reads rows from the client's reader until the commit row,
// validating that every row shares the first row's TSN and a replica id in
// range, per spec.md §4.2 ("A transaction whose rows have replica_id ∉
// [1, N_MAX) or whose tsn ≠ first_row.lsn is rejected with a protocol
// error").
func (c *Client) readTransaction(ctx context.Context) (Transaction, error) {
	var txn Transaction
	var first = true

	for {
		var row, err = c.reader.ReadRow(ctx)
		if err != nil {
			return Transaction{}, err
		}

		if row.ReplicaID == 0 || int(row.ReplicaID) >= vclock.Max {
			return Transaction{}, errors.Wrapf(ErrProtocol, "row replica id %d out of range", row.ReplicaID)
		}

		if first {
			if row.TSN != row.LSN {
				return Transaction{}, errors.Wrapf(ErrProtocol,
					"transaction's first row lsn %d does not match its own tsn %d", row.LSN, row.TSN)
			}
			txn.ReplicaID = row.ReplicaID
			txn.TSN = row.TSN
		} else {
			if row.ReplicaID != txn.ReplicaID {
				return Transaction{}, errors.Wrapf(ErrProtocol,
					"row replica id %d does not match transaction replica id %d", row.ReplicaID, txn.ReplicaID)
			}
			if row.TSN != txn.TSN {
				return Transaction{}, errors.Wrapf(ErrProtocol,
					"row tsn %d does not match transaction tsn %d", row.TSN, txn.TSN)
			}
		}

		// Copy the row body out of whatever buffer the reader recycles, into
		// this transaction's own backing array, so the connection's read
		// buffer can be reused the instant this call returns (spec.md §9).
		if row.Body != nil {
			var body = make([]byte, len(row.Body))
			copy(body, row.Body)
			row.Body = body
		}

		txn.Rows = append(txn.Rows, row)
		first = false

		if row.IsCommit {
			return txn, nil
		}
	}
}
