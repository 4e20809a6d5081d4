package applier

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrAwaitTimeout is returned by Await when the deadline elapses before the
// applier reaches the desired state (or Off/Stopped).
var ErrAwaitTimeout = errors.New("applier: timed out awaiting desired state")

// subscriber is one outstanding Await call (spec.md §4.4).
type subscriber struct {
	desired State
	woken   chan error // Receives nil on reaching desired, or the applier's
	// last error if it instead reached Off/Stopped without the desired state.
}

// notifier is the applier's ordered list of state-change subscribers. Every
// state transition invokes each subscriber in order; a subscriber that
// wakes also pauses the applier until the caller explicitly Resumes it, so
// external controllers can gate an action on the applier reaching a state
// (spec.md §4.4).
type notifier struct {
	mu          sync.Mutex
	subscribers []*subscriber

	paused  bool
	resume  chan struct{} // Closed by Resume; replaced each time the applier pauses.
}

func newNotifier() *notifier {
	return &notifier{}
}

// notify is called by the applier every time its state changes. It wakes
// any subscriber whose desired state was reached (or Off/Stopped), and
// pauses the applier's reader fiber until Resume is called by one of those
// wakened subscribers.
func (n *notifier) notify(state State, lastErr error) {
	n.mu.Lock()
	var woke []*subscriber
	var remaining = n.subscribers[:0]
	for _, sub := range n.subscribers {
		if sub.desired == state || state == StateOff || state == StateStopped {
			woke = append(woke, sub)
		} else {
			remaining = append(remaining, sub)
		}
	}
	n.subscribers = remaining

	if len(woke) > 0 && !n.paused {
		n.paused = true
		n.resume = make(chan struct{})
	}
	n.mu.Unlock()

	for _, sub := range woke {
		if state == StateOff || state == StateStopped {
			sub.woken <- lastErr
		} else {
			sub.woken <- nil
		}
	}
}

// Await blocks until the applier reaches desired, or Off/Stopped, or ctx is
// done. On reaching Off/Stopped without desired, it re-surfaces the
// applier's last error. On ctx expiry, it returns ErrAwaitTimeout. The
// applier is paused for the duration between the wakeup and the caller's
// call to Resume.
func (n *notifier) Await(ctx context.Context, desired State) error {
	var sub = &subscriber{desired: desired, woken: make(chan error, 1)}

	n.mu.Lock()
	n.subscribers = append(n.subscribers, sub)
	n.mu.Unlock()

	select {
	case err := <-sub.woken:
		return err
	case <-ctx.Done():
		n.removeSubscriber(sub)
		return ErrAwaitTimeout
	}
}

func (n *notifier) removeSubscriber(target *subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var remaining = n.subscribers[:0]
	for _, sub := range n.subscribers {
		if sub != target {
			remaining = append(remaining, sub)
		}
	}
	n.subscribers = remaining
}

// Resume releases a pause previously caused by a subscriber wakeup. It is
// a no-op if the applier is not currently paused.
func (n *notifier) Resume() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.paused {
		n.paused = false
		close(n.resume)
	}
}

// waitIfPaused blocks the calling goroutine (the applier's reader) while
// the applier is paused for an outstanding subscriber, and returns
// immediately (or when ctx is done) otherwise.
func (n *notifier) waitIfPaused(ctx context.Context) error {
	n.mu.Lock()
	var paused, ch = n.paused, n.resume
	n.mu.Unlock()

	if !paused {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
