package supervisor_test

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replicore/replicore/internal/applier"
	"github.com/replicore/replicore/internal/sequencer"
	"github.com/replicore/replicore/internal/supervisor"
	"github.com/replicore/replicore/internal/vclock"
	"github.com/replicore/replicore/internal/wire"
)

type fakeWAL struct{}

func (fakeWAL) Commit(ctx context.Context, txn *sequencer.Transaction) error { return nil }

type fakeRowApplier struct{}

func (fakeRowApplier) Apply(ctx context.Context, row *wire.Row) (bool, error) { return false, nil }

type fakeDurable struct{}

func (fakeDurable) Snapshot() vclock.Vclock { return vclock.New() }

type fakeJoinApplier struct{}

func (fakeJoinApplier) ApplyInitialJoin(ctx context.Context, row *wire.Row) error { return nil }
func (fakeJoinApplier) ApplyFinalJoin(ctx context.Context, row *wire.Row) error   { return nil }

func newTestSequencer(t *testing.T) *sequencer.Sequencer {
	t.Helper()
	var seq = sequencer.New(sequencer.Config{WAL: fakeWAL{}, Applier: fakeRowApplier{}, Durable: fakeDurable{}})
	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go seq.Run(ctx)
	return seq
}

var errDialRefused = errors.New("dial tcp: connection refused")

func TestRunRetriesUnreachablePeerUntilCancelled(t *testing.T) {
	var attempts int32
	var dial = func(ctx context.Context, uri string) (net.Conn, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errDialRefused
	}

	var a = applier.New(applier.Config{
		PeerURI:           "peer:3301",
		LocalInstanceUUID: "local-uuid",
		Dial:              dial,
		NewCodec:          func(net.Conn, time.Duration) wire.Codec { return nil },
		Sequencer:         newTestSequencer(t),
		Durable:           fakeDurable{},
		JoinApplier:       fakeJoinApplier{},
	})

	var sv = supervisor.New(supervisor.Config{ReconnectInterval: 5 * time.Millisecond})

	var ctx, cancel = context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	var err = sv.Run(ctx, []supervisor.Peer{{Name: "peer-a", Applier: a}})
	require.NoError(t, err)
	require.Greater(t, int(atomic.LoadInt32(&attempts)), 1)
	require.Equal(t, applier.StateDisconnected, a.State())
}

func TestRunStopsRetryingAfterSelfConnect(t *testing.T) {
	var attempts int32
	var codec = &selfConnectCodec{}
	var dial = func(ctx context.Context, uri string) (net.Conn, error) {
		atomic.AddInt32(&attempts, 1)
		var client, server = net.Pipe()
		go func() { _, _ = io.ReadAll(server) }()
		return client, nil
	}

	var a = applier.New(applier.Config{
		PeerURI:           "peer:3301",
		LocalInstanceUUID: "local-uuid",
		Dial:              dial,
		NewCodec:          func(net.Conn, time.Duration) wire.Codec { return codec },
		Sequencer:         newTestSequencer(t),
		Durable:           fakeDurable{},
		JoinApplier:       fakeJoinApplier{},
	})

	var sv = supervisor.New(supervisor.Config{ReconnectInterval: 5 * time.Millisecond})

	var ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var err = sv.Run(ctx, []supervisor.Peer{{Name: "peer-a", Applier: a}})
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&attempts))
	require.Equal(t, applier.StateOff, a.State())
}

type selfConnectCodec struct{}

func (c *selfConnectCodec) ReadGreeting(ctx context.Context) (wire.Greeting, error) {
	return wire.Greeting{PeerUUID: "local-uuid", ServerVersion: wire.Version{1, 7, 4}}, nil
}
func (c *selfConnectCodec) WriteVote(ctx context.Context) (wire.Ballot, bool, error) {
	return wire.Ballot{}, true, nil
}
func (c *selfConnectCodec) WriteAuth(ctx context.Context, req wire.AuthRequest) (wire.Response, error) {
	return wire.Response{OK: true}, nil
}
func (c *selfConnectCodec) WriteJoin(ctx context.Context, req wire.JoinRequest) (wire.Response, error) {
	return wire.Response{OK: true}, nil
}
func (c *selfConnectCodec) WriteSubscribe(ctx context.Context, req wire.SubscribeRequest) (wire.Response, error) {
	return wire.Response{OK: true}, nil
}
func (c *selfConnectCodec) ReadRow(ctx context.Context) (wire.Row, error) {
	<-ctx.Done()
	return wire.Row{}, ctx.Err()
}
func (c *selfConnectCodec) WriteAck(ctx context.Context, ack wire.Ack) error { return nil }
func (c *selfConnectCodec) Close() error                                    { return nil }
