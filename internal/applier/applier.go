// Package applier implements the per-peer replication state machine: it
// establishes a connection to a master, authenticates, optionally
// bootstraps via Join, subscribes, and attaches to the sequencer so that
// decoded rows flow into the serialized apply-then-commit pipeline
// (spec.md §4.1).
package applier

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/replicore/replicore/internal/sequencer"
	"github.com/replicore/replicore/internal/vclock"
	"github.com/replicore/replicore/internal/wire"
)

// DurableVclock is the read-only snapshot of replicaset.vclock the applier
// consults when seeding Subscribe requests and encoding ACKs (spec.md §5).
type DurableVclock interface {
	Snapshot() vclock.Vclock
}

// JoinApplier is the pair of external bootstrap entrypoints consumed
// during Join: ApplyInitialJoin is the bulk-load path
// (space_apply_initial_join_row, bypassing secondary indexes),
// ApplyFinalJoin is a normal write that also advances the local vclock.
type JoinApplier interface {
	ApplyInitialJoin(ctx context.Context, row *wire.Row) error
	ApplyFinalJoin(ctx context.Context, row *wire.Row) error
}

// Credentials configures authentication against a peer whose Greeting
// demands it. ComputeReply derives the auth reply from the peer's salt;
// the challenge/credential-store protocol itself is out of scope
// (spec.md §1).
type Credentials struct {
	Login        string
	ComputeReply func(salt []byte) []byte
}

// DialFunc opens a stream connection to a peer URI.
type DialFunc func(ctx context.Context, uri string) (net.Conn, error)

// NewCodecFunc wraps a freshly dialed connection with a wire.Codec.
type NewCodecFunc func(conn net.Conn, timeout time.Duration) wire.Codec

// Config parametrizes one Applier.
type Config struct {
	PeerURI              string
	LocalInstanceUUID    string
	LocalReplicasetUUID  string // May be empty; Join fills it in on first bootstrap.
	Credentials          *Credentials
	Dial                 DialFunc
	NewCodec             NewCodecFunc
	DisconnectTimeout    time.Duration // replication_disconnect_timeout
	SyncLag              time.Duration // replication_sync_lag
	WriterTimeout        time.Duration // replication_timeout (legacy ack cadence)
	Sequencer            *sequencer.Sequencer
	Durable              DurableVclock
	JoinApplier          JoinApplier
	OnJoinVclock         func(map[uint8]int64) // Optional: told the master's start vclock on modern Join.
}

// Applier is one master peer's connection and state machine
// (spec.md §3, §4.1).
type Applier struct {
	cfg Config
	log *log.Entry

	mu                     sync.Mutex
	state                  State
	lastErr                error
	peerUUID               string
	replicasetUUID         string
	protocolVersion        wire.Version
	salt                   []byte
	lastRowTimestamp       float64
	joinRowsApplied        int64
	remoteVclockAtSubscribe vclock.Vclock

	notifier *notifier
}

// New constructs an Applier for one peer. The Applier does not connect
// until Run is called.
func New(cfg Config) *Applier {
	return &Applier{
		cfg:            cfg,
		replicasetUUID: cfg.LocalReplicasetUUID,
		notifier:       newNotifier(),
		log:            log.WithField("peer", cfg.PeerURI),
		state:          StateOff,
	}
}

// State returns the applier's current state.
func (a *Applier) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the most recent non-nil error recorded by a state
// transition, or nil if none has been. A later transition without an error
// does not clear it.
func (a *Applier) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Lag reports how far behind the most recently read row's timestamp the
// wall clock is. Zero if no row has been read yet.
func (a *Applier) Lag() time.Duration {
	a.mu.Lock()
	var ts = a.lastRowTimestamp
	a.mu.Unlock()
	if ts == 0 {
		return 0
	}
	return time.Since(time.Unix(0, int64(ts*float64(time.Second))))
}

// Await blocks until the applier reaches desired, or Off/Stopped, or ctx
// expires (spec.md §4.4).
func (a *Applier) Await(ctx context.Context, desired State) error {
	return a.notifier.Await(ctx, desired)
}

// Resume releases a pause caused by a prior Await wakeup.
func (a *Applier) Resume() {
	a.notifier.Resume()
}

func (a *Applier) setState(s State, err error) {
	a.mu.Lock()
	a.state = s
	if err != nil {
		a.lastErr = err
	}
	a.mu.Unlock()

	var entry = a.log.WithField("state", s)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Debug("applier state transition")

	a.notifier.notify(s, err)
}

// Run executes one connect -> auth -> join? -> subscribe -> sync/follow
// attempt, blocking until ctx is cancelled or the connection fails. It
// does not loop or sleep between attempts; that is the Supervisor's job
// (spec.md §4.5). The returned error is nil only on a clean cancellation;
// callers should inspect a.State() after return to decide whether to
// retry, as set by Classify(err).
func (a *Applier) Run(ctx context.Context) error {
	a.setState(StateConnect, nil)

	var conn, dialErr = a.cfg.Dial(ctx, a.cfg.PeerURI)
	if dialErr != nil {
		return a.fail(WrapSocketError(dialErr))
	}
	var codec = a.cfg.NewCodec(conn, a.cfg.DisconnectTimeout)
	defer codec.Close()

	if err := a.onConnect(ctx, codec); err != nil {
		if errors.Is(err, ErrConnectionToSelf) {
			a.setState(StateOff, err)
			return err
		}
		return a.fail(err)
	}
	a.setState(StateConnected, nil)

	if a.cfg.Credentials != nil {
		a.setState(StateAuth, nil)
		if err := a.onAuth(ctx, codec); err != nil {
			return a.fail(err)
		}
	}
	a.setState(StateReady, nil)

	if a.needsJoin() {
		if err := a.onJoin(ctx, codec); err != nil {
			return a.fail(err)
		}
		a.setState(StateJoined, nil)
		a.setState(StateReady, nil)
	}

	var client, subErr = a.onSubscribe(ctx, codec)
	if subErr != nil {
		return a.fail(subErr)
	}
	defer client.Detach()

	var writerCtx, cancelWriter = context.WithCancel(ctx)
	defer cancelWriter()

	var timeout = a.cfg.WriterTimeout
	if !a.protocolVersion.Less(wire.V1_7_7) {
		timeout = 0 // Modern peers: rely solely on explicit commit signals.
	}
	go a.runWriter(writerCtx, codec, client, timeout)

	select {
	case <-client.Done():
		var cerr = client.Err()
		if cerr == nil {
			cerr = errors.New("applier: sequencer detached client with no error")
		}
		return a.fail(cerr)
	case <-ctx.Done():
		a.setState(StateOff, nil)
		return nil
	}
}

func (a *Applier) needsJoin() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.replicasetUUID == ""
}

// fail classifies err into a next applier state (Classify) and records it,
// returning err unchanged so callers (and the Supervisor) can inspect it.
func (a *Applier) fail(err error) error {
	if errors.Is(err, context.Canceled) {
		a.setState(StateOff, err)
		return err
	}
	var next, _ = Classify(err)
	a.setState(next, err)
	return err
}

func (a *Applier) onConnect(ctx context.Context, codec wire.Codec) error {
	var greeting, err = codec.ReadGreeting(ctx)
	if err != nil {
		return WrapSocketError(err)
	}
	if greeting.PeerUUID == a.cfg.LocalInstanceUUID {
		return ErrConnectionToSelf
	}

	a.mu.Lock()
	a.peerUUID = greeting.PeerUUID
	a.protocolVersion = greeting.ServerVersion
	a.salt = greeting.Salt
	a.mu.Unlock()

	var _, _, voteErr = codec.WriteVote(ctx)
	if voteErr != nil {
		return WrapSocketError(voteErr)
	}
	return nil
}

func (a *Applier) onAuth(ctx context.Context, codec wire.Codec) error {
	a.mu.Lock()
	var salt = a.salt
	a.mu.Unlock()

	var reply = a.cfg.Credentials.ComputeReply(salt)
	var resp, err = codec.WriteAuth(ctx, wire.AuthRequest{Login: a.cfg.Credentials.Login, Reply: reply})
	if err != nil {
		return WrapSocketError(err)
	}
	if !resp.OK {
		return classifyRemoteErrCode(resp.ErrCode, resp.ErrMessage)
	}
	return nil
}

func (a *Applier) onJoin(ctx context.Context, codec wire.Codec) error {
	var resp, err = codec.WriteJoin(ctx, wire.JoinRequest{InstanceUUID: a.cfg.LocalInstanceUUID})
	if err != nil {
		return WrapSocketError(err)
	}
	if !resp.OK {
		return classifyRemoteErrCode(resp.ErrCode, resp.ErrMessage)
	}
	if resp.ReplicasetUUID != "" {
		a.mu.Lock()
		a.replicasetUUID = resp.ReplicasetUUID
		a.mu.Unlock()
	}

	var modern = !a.protocolVersion.Less(wire.V1_7_0)
	if modern && resp.Vclock != nil && a.cfg.OnJoinVclock != nil {
		a.cfg.OnJoinVclock(resp.Vclock)
	}

	a.setState(StateInitialJoin, nil)
	if err := a.consumeJoinStream(ctx, codec, a.cfg.JoinApplier.ApplyInitialJoin); err != nil {
		return err
	}

	a.setState(StateFinalJoin, nil)
	if modern {
		if err := a.consumeJoinStream(ctx, codec, a.cfg.JoinApplier.ApplyFinalJoin); err != nil {
			return err
		}
	}
	// Legacy peers (< 1.7.0) merge the final-join stage into Subscribe;
	// nothing further to consume here.
	return nil
}

func (a *Applier) consumeJoinStream(ctx context.Context, codec wire.Codec, apply func(context.Context, *wire.Row) error) error {
	for {
		var row, err = codec.ReadRow(ctx)
		if err != nil {
			return WrapSocketError(err)
		}
		if row.Type == wire.RowOk {
			return nil
		}
		if err := apply(ctx, &row); err != nil {
			return errors.Wrap(err, "applying join row")
		}
		a.mu.Lock()
		a.joinRowsApplied++
		a.mu.Unlock()
	}
}

func (a *Applier) onSubscribe(ctx context.Context, codec wire.Codec) (*sequencer.Client, error) {
	var localVC vclock.Vclock
	if a.cfg.Durable != nil {
		localVC = a.cfg.Durable.Snapshot()
	}

	a.mu.Lock()
	var replicasetUUID = a.replicasetUUID
	a.mu.Unlock()

	var resp, err = codec.WriteSubscribe(ctx, wire.SubscribeRequest{
		ReplicasetUUID: replicasetUUID,
		InstanceUUID:   a.cfg.LocalInstanceUUID,
		Vclock:         vclockToMap(localVC),
	})
	if err != nil {
		return nil, WrapSocketError(err)
	}
	if !resp.OK {
		return nil, classifyRemoteErrCode(resp.ErrCode, resp.ErrMessage)
	}
	if resp.ReplicasetUUID != "" && replicasetUUID != "" && resp.ReplicasetUUID != replicasetUUID {
		return nil, ErrReplicasetUUIDMismatch
	}

	var remoteAtSubscribe = mapToVclock(resp.Vclock)
	a.mu.Lock()
	a.remoteVclockAtSubscribe = remoteAtSubscribe
	a.mu.Unlock()

	if remoteAtSubscribe.LessEqual(a.cfg.Sequencer.TxVclock()) {
		// Nothing to catch up on: there is no backlog row whose arrival
		// would otherwise drive the Sync -> Follow gate in onRowRead.
		a.setState(StateFollow, nil)
	} else {
		a.setState(StateSync, nil)
	}

	var reader = &applierRowReader{applier: a, codec: codec}
	return a.cfg.Sequencer.Attach(reader, remoteAtSubscribe), nil
}

// onRowRead is invoked by applierRowReader for every row pulled off the
// wire by a sequencer worker, purely to track lag. The Sync -> Follow
// transition itself is evaluated after each commit (checkSyncGate), since
// a row is only caught up with once it is durably applied, not merely
// read off the wire (spec.md §4.1).
func (a *Applier) onRowRead(row wire.Row) {
	a.mu.Lock()
	a.lastRowTimestamp = row.Timestamp
	a.mu.Unlock()
}

// checkSyncGate evaluates whether a Sync applier has caught up to the
// vclock the peer reported at subscribe time, within the configured lag
// bound, and if so releases it into Follow.
func (a *Applier) checkSyncGate() {
	a.mu.Lock()
	var state = a.state
	var remoteAtSubscribe = a.remoteVclockAtSubscribe
	a.mu.Unlock()

	if state != StateSync {
		return
	}
	if a.Lag() > a.cfg.SyncLag {
		return
	}
	if !remoteAtSubscribe.LessEqual(a.cfg.Sequencer.TxVclock()) {
		return
	}
	a.setState(StateFollow, nil)
}

type applierRowReader struct {
	applier *Applier
	codec   wire.Codec
}

func (r *applierRowReader) ReadRow(ctx context.Context) (wire.Row, error) {
	if err := r.applier.notifier.waitIfPaused(ctx); err != nil {
		return wire.Row{}, err
	}
	var row, err = r.codec.ReadRow(ctx)
	if err != nil {
		return row, WrapSocketError(err)
	}
	r.applier.onRowRead(row)
	return row, nil
}

func classifyRemoteErrCode(code, msg string) error {
	switch code {
	case "ER_LOADING":
		return errors.Wrap(ErrLoading, msg)
	case "ER_ACCESS_DENIED":
		return errors.Wrap(ErrAccessDenied, msg)
	case "ER_NO_SUCH_USER":
		return errors.Wrap(ErrNoSuchUser, msg)
	case "ER_SYSTEM":
		return errors.Wrap(ErrRemoteSystem, msg)
	default:
		return errors.Wrap(ErrProtocol, fmt.Sprintf("%s: %s", code, msg))
	}
}

func vclockToMap(v vclock.Vclock) map[uint8]int64 {
	var m = make(map[uint8]int64, vclock.Max)
	for i := uint8(1); i < vclock.Max; i++ {
		if lsn := v.Get(i); lsn != 0 {
			m[i] = lsn
		}
	}
	return m
}

func mapToVclock(m map[uint8]int64) vclock.Vclock {
	var v = vclock.New()
	for replica, lsn := range m {
		if replica == 0 || int(replica) >= vclock.Max {
			continue
		}
		v.Set(replica, lsn)
	}
	return v
}

// Classify maps an error returned by Run into the next applier state and
// whether the Supervisor should retry, per the table in spec.md §4.5.
func Classify(err error) (next State, retry bool) {
	switch {
	case errors.Is(err, ErrConnectionToSelf):
		return StateOff, false
	case errors.Is(err, ErrReplicasetUUIDMismatch):
		return StateStopped, false
	case errors.Is(err, ErrLoading), errors.Is(err, ErrAccessDenied), errors.Is(err, ErrNoSuchUser):
		return StateLoading, true
	case errors.Is(err, ErrRemoteSystem):
		return StateDisconnected, true
	case IsSocketError(err):
		return StateDisconnected, true
	case errors.Is(err, context.Canceled):
		return StateOff, false
	default:
		return StateStopped, false
	}
}
