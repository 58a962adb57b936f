package target

import (
	"fmt"

	"github.com/cloudkite-dev/atlasrt/internal/atlaserr"
	"github.com/cloudkite-dev/atlasrt/internal/cacheimage"
)

// EventID identifies an incoming notification message (spec.md §6:
// "Notification ID base: DYLD_PROCESS_EVENT_ID_BASE | event_code").
type EventID uint32

// AtlasChanged is the reserved event code that triggers a snapshot
// re-acquire and diff (spec.md §6: "the reserved atlas-changed code is
// 0").
const AtlasChanged EventID = 0

// ChangeKind distinguishes an image addition from a removal.
type ChangeKind int

const (
	ImageRemoved ChangeKind = iota
	ImageAdded
)

func (k ChangeKind) String() string {
	if k == ImageAdded {
		return "added"
	}
	return "removed"
}

// Handler is invoked once per changed image, on the queue it was
// registered with (spec.md §4.P: "invokes every registered handler on
// its bound queue, first for removals ... then for additions").
type Handler func(kind ChangeKind, img *cacheimage.Image)

// Queue is the user-supplied serial dispatch target a Handler runs on
// (spec.md §5: "delivered on the user-supplied queue, serialized with
// respect to each other per queue, but not ordered across queues").
type Queue interface {
	Enqueue(fn func())
}

// Handle identifies one registered (queue, handler) pair.
type Handle uint64

type registration struct {
	queue   Queue
	handler Handler
}

// RegisterNotification adds handler to the dispatch set, bound to
// queue (spec.md §4.P "Notification registration"). Registering on an
// already-torn-down Process returns an error wrapping
// atlaserr.Protocol, unchanged by retrying (spec.md §7 "registering a
// notification on an already-torn-down Process returns a platform
// error code unchanged").
func (p *Process) RegisterNotification(queue Queue, handler Handler) (Handle, error) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	select {
	case <-p.done:
		return 0, fmt.Errorf("target: %w: notifications already torn down", atlaserr.Protocol)
	default:
	}

	p.nextHandle++
	h := p.nextHandle
	p.handlers[h] = &registration{queue: queue, handler: handler}
	return Handle(h), nil
}

// UnregisterNotification removes a single handler. Unregistering the
// last handler does not tear notifications down (spec.md §4.P
// Cancellation); call Close for that.
func (p *Process) UnregisterNotification(h Handle) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	delete(p.handlers, uint64(h))
}

// Deliver processes one incoming notification message. For
// AtlasChanged it re-acquires the snapshot, diffs it against the prior
// one, and dispatches removals then additions to every registered
// handler. For any other event ID it returns nil without invoking a
// handler, since handlers are called only per removed or added image.
func (p *Process) Deliver(event EventID) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if event != AtlasChanged {
		p.dispatch(nil, nil)
		return nil
	}

	next, err := p.GetSnapshot()
	if err != nil {
		return err
	}

	p.mu.Lock()
	prior := p.prior
	p.mu.Unlock()

	var removed, added []*cacheimage.Image
	if prior != nil {
		prior.ForEachImageNotIn(next, func(img *cacheimage.Image) bool {
			removed = append(removed, img)
			return true
		}, nil)
		next.ForEachImageNotIn(prior, func(img *cacheimage.Image) bool {
			added = append(added, img)
			return true
		}, nil)
	}

	p.mu.Lock()
	p.prior = next
	p.mu.Unlock()

	p.dispatch(removed, added)
	return nil
}

// dispatch enqueues handler on every registered queue for each removed
// image, then for each added image. Deliveries after Close are
// silently dropped (spec.md §5 Cancellation: "subsequent deliveries
// are dropped").
func (p *Process) dispatch(removed, added []*cacheimage.Image) {
	select {
	case <-p.done:
		return
	default:
	}

	p.notifyMu.Lock()
	regs := make([]*registration, 0, len(p.handlers))
	for _, r := range p.handlers {
		regs = append(regs, r)
	}
	p.notifyMu.Unlock()

	for _, img := range removed {
		for _, r := range regs {
			r.queue.Enqueue(func() { r.handler(ImageRemoved, img) })
		}
	}
	for _, img := range added {
		for _, r := range regs {
			r.queue.Enqueue(func() { r.handler(ImageAdded, img) })
		}
	}
}

// Close tears down notifications idempotently (spec.md §4.P
// Cancellation: "closing a Process causes in-flight handlers to run to
// completion; subsequent deliveries are dropped"). It is safe to call
// more than once.
func (p *Process) Close() {
	p.mu.Lock()
	if p.state != Connected {
		p.mu.Unlock()
		return
	}
	p.state = Disconnecting
	p.mu.Unlock()

	p.notifyMu.Lock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.notifyMu.Unlock()

	p.mu.Lock()
	p.state = Disconnected
	p.mu.Unlock()
}
