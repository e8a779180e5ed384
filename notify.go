package rdmdrv

import "context"

// Notification codes the ISR pump posts to the waiting task. The word
// doubles as the error channel: noteRxFail means the assembled packet had
// a framing error.
const (
	noteRxDone uint32 = 1 << iota
	noteRxFail
	noteSent
	noteSpacing
)

// notifier is the one-word task-notification rendezvous between ISR and
// task context. Capacity one: the pump never blocks posting, and the
// waiting task clears stale values before arming a new wait. Only one
// task waits at a time (the port's operation mutex enforces that).
type notifier struct {
	ch chan uint32
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan uint32, 1)}
}

// clear drops any stale notification so the next wait observes only
// events after this point.
func (n *notifier) clear() {
	select {
	case <-n.ch:
	default:
	}
}

// notify posts code from ISR context without blocking. If a value is
// already pending the codes merge, preserving both events.
func (n *notifier) notify(code uint32) {
	for {
		select {
		case n.ch <- code:
			return
		default:
		}
		select {
		case prev := <-n.ch:
			code |= prev
		default:
		}
	}
}

// wait blocks until a notification carrying any bit of want arrives, or
// ctx expires. Notifications without a wanted bit are discarded; their
// side effects live in the driver flags, which the caller rechecks.
func (n *notifier) wait(ctx context.Context, want uint32) (uint32, error) {
	for {
		select {
		case code := <-n.ch:
			if code&want != 0 {
				return code, nil
			}
		case <-ctx.Done():
			return 0, ErrTimeout
		}
	}
}
