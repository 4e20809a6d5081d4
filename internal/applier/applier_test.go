package applier

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replicore/replicore/internal/sequencer"
	"github.com/replicore/replicore/internal/vclock"
	"github.com/replicore/replicore/internal/wire"
)

type fakeCodec struct {
	greeting    wire.Greeting
	greetingErr error

	voteErr error

	authResp wire.Response
	authErr  error

	joinResp wire.Response
	joinErr  error

	subscribeResp wire.Response
	subscribeErr  error

	rows   []wire.Row
	rowIdx int

	acks   []wire.Ack
	closed bool
}

func (f *fakeCodec) ReadGreeting(ctx context.Context) (wire.Greeting, error) {
	return f.greeting, f.greetingErr
}

func (f *fakeCodec) WriteVote(ctx context.Context) (wire.Ballot, bool, error) {
	return wire.Ballot{}, f.voteErr == nil, f.voteErr
}

func (f *fakeCodec) WriteAuth(ctx context.Context, req wire.AuthRequest) (wire.Response, error) {
	return f.authResp, f.authErr
}

func (f *fakeCodec) WriteJoin(ctx context.Context, req wire.JoinRequest) (wire.Response, error) {
	return f.joinResp, f.joinErr
}

func (f *fakeCodec) WriteSubscribe(ctx context.Context, req wire.SubscribeRequest) (wire.Response, error) {
	return f.subscribeResp, f.subscribeErr
}

func (f *fakeCodec) ReadRow(ctx context.Context) (wire.Row, error) {
	if f.rowIdx >= len(f.rows) {
		<-ctx.Done()
		return wire.Row{}, ctx.Err()
	}
	var row = f.rows[f.rowIdx]
	f.rowIdx++
	return row, nil
}

func (f *fakeCodec) WriteAck(ctx context.Context, ack wire.Ack) error {
	f.acks = append(f.acks, ack)
	return nil
}

func (f *fakeCodec) Close() error {
	f.closed = true
	return nil
}

func dialStub(ctx context.Context, uri string) (net.Conn, error) {
	var client, server = net.Pipe()
	go func() {
		_, _ = io.Copy(io.Discard, server)
	}()
	return client, nil
}

func newCodecStub(fc *fakeCodec) NewCodecFunc {
	return func(conn net.Conn, timeout time.Duration) wire.Codec { return fc }
}

type fakeWAL struct{}

func (fakeWAL) Commit(ctx context.Context, txn *sequencer.Transaction) error { return nil }

type fakeRowApplier struct{}

func (fakeRowApplier) Apply(ctx context.Context, row *wire.Row) (bool, error) { return false, nil }

type fakeDurable struct{ v vclock.Vclock }

func (d fakeDurable) Snapshot() vclock.Vclock { return d.v }

type fakeJoinApplier struct{}

func (fakeJoinApplier) ApplyInitialJoin(ctx context.Context, row *wire.Row) error { return nil }
func (fakeJoinApplier) ApplyFinalJoin(ctx context.Context, row *wire.Row) error   { return nil }

func newTestSequencer() *sequencer.Sequencer {
	return sequencer.New(sequencer.Config{
		WAL:     fakeWAL{},
		Applier: fakeRowApplier{},
		Durable: fakeDurable{},
	})
}

func waitForState(t *testing.T, a *Applier, want State, timeout time.Duration) {
	t.Helper()
	var deadline = time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, want, a.State(), "timed out waiting for applier state")
}

// S1: bootstrap. A fresh applier with no replicaset uuid connects, joins
// (consuming both join-stream stages on a modern peer), subscribes, and --
// since there is no backlog to catch up on -- lands directly in Follow.
func TestBootstrapJoinsThenFollows(t *testing.T) {
	var seq = newTestSequencer()
	var seqCtx, seqCancel = context.WithCancel(context.Background())
	defer seqCancel()
	go seq.Run(seqCtx)

	var codec = &fakeCodec{
		greeting: wire.Greeting{PeerUUID: "peer-uuid", ServerVersion: wire.Version{1, 7, 4}},
		joinResp: wire.Response{OK: true, ReplicasetUUID: "rs-1"},
		subscribeResp: wire.Response{
			OK:             true,
			ReplicasetUUID: "rs-1",
			Vclock:         map[uint8]int64{},
		},
		rows: []wire.Row{
			{Type: wire.RowDML, ReplicaID: 1, LSN: 1}, // initial join content row
			{Type: wire.RowOk},                        // terminates initial join
			{Type: wire.RowDML, ReplicaID: 1, LSN: 2}, // final join content row
			{Type: wire.RowOk},                        // terminates final join
		},
	}

	var a = New(Config{
		PeerURI:             "peer:3301",
		LocalInstanceUUID:   "local-uuid",
		LocalReplicasetUUID: "",
		Dial:                dialStub,
		NewCodec:            newCodecStub(codec),
		Sequencer:           seq,
		Durable:             fakeDurable{},
		JoinApplier:         fakeJoinApplier{},
	})

	var runCtx, cancelRun = context.WithCancel(context.Background())
	defer cancelRun()
	go func() { _ = a.Run(runCtx) }()

	waitForState(t, a, StateFollow, time.Second)
	require.Equal(t, 2, int(a.joinRowsApplied))
	require.Equal(t, "rs-1", a.replicasetUUID)
}

// S4: self-connect. A peer whose greeting reports our own instance uuid is
// terminal -- Off, not retried.
func TestSelfConnectIsTerminal(t *testing.T) {
	var seq = newTestSequencer()
	var seqCtx, seqCancel = context.WithCancel(context.Background())
	defer seqCancel()
	go seq.Run(seqCtx)

	var codec = &fakeCodec{
		greeting: wire.Greeting{PeerUUID: "local-uuid", ServerVersion: wire.Version{1, 7, 4}},
	}

	var a = New(Config{
		PeerURI:           "peer:3301",
		LocalInstanceUUID: "local-uuid",
		Dial:              dialStub,
		NewCodec:          newCodecStub(codec),
		Sequencer:         seq,
		Durable:           fakeDurable{},
		JoinApplier:       fakeJoinApplier{},
	})

	var err = a.Run(context.Background())
	require.ErrorIs(t, err, ErrConnectionToSelf)
	require.Equal(t, StateOff, a.State())

	var next, retry = Classify(err)
	require.Equal(t, StateOff, next)
	require.False(t, retry)
}

// S6: the Sync -> Follow gate holds while lag exceeds the configured bound
// or the subscribe-time remote vclock hasn't yet been caught up to, and
// releases once both conditions clear.
func TestSyncToFollowGateWaitsForCatchUp(t *testing.T) {
	var seq = sequencer.New(sequencer.Config{
		WAL:     fakeWAL{},
		Applier: fakeRowApplier{},
		Durable: fakeDurable{},
	})
	var seqCtx, seqCancel = context.WithCancel(context.Background())
	defer seqCancel()
	go seq.Run(seqCtx)

	var now = float64(time.Now().Unix())
	var codec = &fakeCodec{
		greeting:      wire.Greeting{PeerUUID: "peer-uuid", ServerVersion: wire.Version{1, 7, 4}},
		subscribeResp: wire.Response{OK: true, ReplicasetUUID: "rs-1", Vclock: map[uint8]int64{1: 2}},
		rows: []wire.Row{
			{Type: wire.RowDML, ReplicaID: 1, TSN: 1, LSN: 1, Timestamp: now, IsCommit: true},
			{Type: wire.RowDML, ReplicaID: 1, TSN: 2, LSN: 2, Timestamp: now, IsCommit: true},
		},
	}

	var a = New(Config{
		PeerURI:             "peer:3301",
		LocalInstanceUUID:   "local-uuid",
		LocalReplicasetUUID: "rs-1",
		SyncLag:             time.Second,
		WriterTimeout:       10 * time.Millisecond,
		Dial:                dialStub,
		NewCodec:            newCodecStub(codec),
		Sequencer:           seq,
		Durable:             fakeDurable{},
		JoinApplier:         fakeJoinApplier{},
	})

	var runCtx, cancelRun = context.WithCancel(context.Background())
	defer cancelRun()
	go func() { _ = a.Run(runCtx) }()

	waitForState(t, a, StateSync, time.Second)
	waitForState(t, a, StateFollow, time.Second)
}

// A subscriber's wakeup pauses the applier until Resume is called
// (spec.md §4.4): the row reader blocks on that pause rather than the
// wakeup being purely informational.
func TestAwaitPausesReaderUntilResume(t *testing.T) {
	var a = New(Config{PeerURI: "peer:3301", LocalInstanceUUID: "local-uuid"})

	var awaitErrCh = make(chan error, 1)
	go func() { awaitErrCh <- a.Await(context.Background(), StateFollow) }()

	time.Sleep(10 * time.Millisecond) // let the Await register before the transition.
	a.setState(StateFollow, nil)

	select {
	case err := <-awaitErrCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Await never observed StateFollow")
	}

	var readerDone = make(chan struct{})
	go func() {
		_ = a.notifier.waitIfPaused(context.Background())
		close(readerDone)
	}()

	select {
	case <-readerDone:
		t.Fatal("reader should stay blocked while the applier is paused")
	case <-time.After(50 * time.Millisecond):
	}

	a.Resume()

	select {
	case <-readerDone:
	case <-time.After(time.Second):
		t.Fatal("reader should unblock once Resume is called")
	}
}
