// Package wire defines the boundary between the replication core and the
// external binary row codec and wire framing (spec.md §6). Decoding and
// encoding of greeting, vote, auth, join, and subscribe frames, and of DML
// row bodies, is treated as an external concern; this package specifies only
// the interface the core consumes plus a concrete MessagePack-framed
// implementation sufficient to drive the system end-to-end.
package wire

import (
	"context"
	"fmt"
)

// RowType enumerates the kinds of frames the core distinguishes.
type RowType int

const (
	RowDML RowType = iota
	RowNop
	RowOk
	RowVote
	RowSubscribe
	RowJoin
	RowAuth
	RowError
)

func (t RowType) String() string {
	switch t {
	case RowDML:
		return "DML"
	case RowNop:
		return "NOP"
	case RowOk:
		return "OK"
	case RowVote:
		return "VOTE"
	case RowSubscribe:
		return "SUBSCRIBE"
	case RowJoin:
		return "JOIN"
	case RowAuth:
		return "AUTH"
	case RowError:
		return "ERROR"
	default:
		return fmt.Sprintf("RowType(%d)", int(t))
	}
}

// Row is a single framed record read from or written to a peer connection.
// Per spec.md §3: replica_id in [1, vclock.Max), lsn and tsn are positive,
// is_commit marks the final row of a transaction, and tsn equals the lsn of
// the transaction's first row.
type Row struct {
	ReplicaID uint8
	LSN       int64
	TSN       int64
	IsCommit  bool
	Type      RowType
	Timestamp float64
	Body      []byte
}

// AsNop returns a copy of the row with its type changed to RowNop and its
// body cleared, preserving LSN/TSN/IsCommit -- the substitution used by the
// sequencer's skip-conflict policy (spec.md §4.2).
func (r Row) AsNop() Row {
	r.Type = RowNop
	r.Body = nil
	return r
}

// Greeting is the fixed-size handshake frame read immediately after
// connecting to a peer.
type Greeting struct {
	Protocol      string // Must be "Binary".
	PeerUUID      string
	ServerVersion Version
	Salt          []byte
}

// Version is a peer's protocol version, used to gate behavior per the table
// in spec.md §6.
type Version struct {
	Major, Minor, Patch int
}

func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

var (
	// V1_6_7 gates subscribe-response body support.
	V1_6_7 = Version{1, 6, 7}
	// V1_7_0 gates explicit start vclock on join / separate final-join stage.
	V1_7_0 = Version{1, 7, 0}
	// V1_7_4 gates writer-task ACKs.
	V1_7_4 = Version{1, 7, 4}
	// V1_7_7 gates periodic heartbeats.
	V1_7_7 = Version{1, 7, 7}
)

// Ballot is the peer's vote response.
type Ballot struct {
	IsReadOnly bool
}

// AuthRequest carries an auth reply computed from a Greeting's salt and
// configured credentials (the credential/challenge protocol itself is out
// of scope, per spec.md §1).
type AuthRequest struct {
	Login string
	Reply []byte
}

// JoinRequest carries the local instance UUID when bootstrapping.
type JoinRequest struct {
	InstanceUUID string
}

// SubscribeRequest carries the replica's identity and vclock when asking a
// master to begin streaming rows.
type SubscribeRequest struct {
	ReplicasetUUID string
	InstanceUUID   string
	Vclock         map[uint8]int64
}

// Response is a generic Ok/Error response frame.
type Response struct {
	OK             bool
	ErrCode        string
	ErrMessage     string
	Vclock         map[uint8]int64 // Present on Ok responses to Join/Subscribe.
	ReplicasetUUID string          // Present on Ok responses to Join/Subscribe.
}

// Ack is the vclock acknowledgement the writer task sends back to a master.
type Ack struct {
	Vclock map[uint8]int64
}

// Codec is the adapter the applier consumes to speak the wire protocol. A
// concrete implementation (MsgpackCodec) is provided; production
// deployments may substitute any Codec that satisfies this boundary.
type Codec interface {
	// ReadGreeting reads the fixed-size greeting sent immediately after
	// connecting.
	ReadGreeting(ctx context.Context) (Greeting, error)
	// WriteVote sends a Vote request and returns the peer's ballot. An
	// unknown-request-type error from a legacy peer is reported via ok=false
	// with err=nil, per spec.md §4.1 ("on unknown-request-type error,
	// silently ignore").
	WriteVote(ctx context.Context) (ballot Ballot, ok bool, err error)
	// WriteAuth sends an auth request and reads the response.
	WriteAuth(ctx context.Context, req AuthRequest) (Response, error)
	// WriteJoin sends a Join request and reads the response.
	WriteJoin(ctx context.Context, req JoinRequest) (Response, error)
	// WriteSubscribe sends a Subscribe request and reads the response.
	WriteSubscribe(ctx context.Context, req SubscribeRequest) (Response, error)
	// ReadRow reads the next framed row (DML/Nop/Ok/Error) from the stream.
	ReadRow(ctx context.Context) (Row, error)
	// WriteAck sends a vclock acknowledgement to the peer.
	WriteAck(ctx context.Context, ack Ack) error
	// Close tears down the underlying connection.
	Close() error
}

// ErrUnknownRequestType names the condition of a peer not recognizing a
// request type. Codec.WriteVote reports that condition for a Vote as
// ok=false with a nil error rather than returning this value, and
// MsgpackCodec never returns it.
var ErrUnknownRequestType = fmt.Errorf("wire: peer does not recognize request type")
