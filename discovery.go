package rdmdrv

import (
	"context"

	"github.com/dmxrdm/rdmdrv/rdmlog"
	"github.com/dmxrdm/rdmdrv/uid"
)

// discoveryStackCap bounds the work stack. A split replaces one span
// with two halves, so the stack can never grow past the bit depth of the
// UID space plus one; the cap leaves headroom without growing with the
// network.
const discoveryStackCap = 64

type uidSpan struct {
	lower, upper uid.UID
}

// Discover walks the 48-bit UID space with an iterative binary search
// and returns every responder that acknowledged a discovery mute. The
// whole bus is un-muted first so repeated runs converge on the same set.
// Peak memory is the fixed work stack, independent of how many devices
// answer.
func (d *Driver) Discover(ctx context.Context) ([]uid.UID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, _, err := d.UnMute(ctx, uid.BroadcastAll); err != nil {
		return nil, err
	}

	var found []uid.UID
	stack := make([]uidSpan, 0, discoveryStackCap)
	stack = append(stack, uidSpan{uid.Next(uid.Null), uid.Max})

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return found, ErrTimeout
		}

		span := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		u, outcome, err := d.DiscoverUniqueBranch(ctx, span.lower, span.upper)
		if err != nil {
			return found, err
		}

		switch outcome {
		case DUBNone:
			// Nothing unmuted in this span.

		case DUBSingle:
			if _, acked, err := d.Mute(ctx, u); err != nil {
				return found, err
			} else if acked {
				rdmlog.Debugf("port %d: discovered %s", d.port, u)
				found = append(found, u)
			}

		case DUBCollision:
			if uid.Eq(span.lower, span.upper) {
				// A single-UID span cannot be split; the garbled reply
				// is unrecoverable noise.
				continue
			}
			if len(stack)+2 > discoveryStackCap {
				return found, ErrNoMem
			}
			mid := uid.Mid(span.lower, span.upper)
			stack = append(stack, uidSpan{uid.Next(mid), span.upper})
			stack = append(stack, uidSpan{span.lower, mid})
		}
	}
	return found, nil
}
