package applier

import "github.com/pkg/errors"

var (
	// ErrConnectionToSelf is returned by onConnect when the peer's greeting
	// reports our own instance UUID (spec.md §4.1, §7). Terminal.
	ErrConnectionToSelf = errors.New("applier: peer connection resolved to self")

	// ErrReplicasetUUIDMismatch is returned by onSubscribe when the peer's
	// subscribe response carries a cluster UUID different from ours.
	// Terminal.
	ErrReplicasetUUIDMismatch = errors.New("applier: replicaset uuid mismatch with peer")

	// ErrLoading marks the peer as not yet ready to serve requests.
	// Transient-remote; retry after the reconnect interval.
	ErrLoading = errors.New("applier: peer is loading")

	// ErrAccessDenied and ErrNoSuchUser mark authentication-related
	// transient-remote conditions, per spec.md §4.5.
	ErrAccessDenied = errors.New("applier: access denied")
	ErrNoSuchUser   = errors.New("applier: no such user")

	// ErrRemoteSystem marks a transient error surfaced by the peer itself
	// (an Error row whose errcode indicates a remote system fault).
	ErrRemoteSystem = errors.New("applier: remote system error")

	// ErrProtocol marks a malformed greeting or unexpected response type --
	// a defect in the conversation with this specific peer, not a transient
	// condition.
	ErrProtocol = errors.New("applier: protocol violation")
)

// netError marks an error that originated from the transport (socket
// failure, read timeout, peer close) as opposed to an application-level
// condition reported by the peer.
type netError struct{ cause error }

func (e *netError) Error() string { return "applier: socket error: " + e.cause.Error() }
func (e *netError) Unwrap() error { return e.cause }
func (e *netError) Cause() error  { return e.cause } // github.com/pkg/errors compatibility.

// WrapSocketError marks cause as a transient network failure, the
// applier-level equivalent of spec.md §7's "Transient network" kind.
func WrapSocketError(cause error) error {
	if cause == nil {
		return nil
	}
	return &netError{cause: cause}
}

// IsSocketError reports whether err (or something it wraps) was produced by
// WrapSocketError.
func IsSocketError(err error) bool {
	var ne *netError
	return errors.As(err, &ne)
}
