package vulkano

import (
	"fmt"
	"sync"

	"github.com/JustAPerson/vulkano/driver"
)

// SubmitOption configures one submission.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	chained []*NoFence
	waits   []*SemaphoreGuard
}

// Chain folds earlier unfenced submissions into this one. The earlier
// submissions must have been made on the same queue: in-order execution is
// what lets this submission's guard stand in for theirs. Chaining a guard
// from a different queue panics. The chained guards are consumed.
//
// Example:
//
//	nf, _ := q.SubmitNoFence(upload)
//	fg, _ := q.Submit(render, vulkano.Chain(nf))
//	err := fg.Wait() // proves upload and render both completed
func Chain(gs ...*NoFence) SubmitOption {
	return func(c *submitConfig) { c.chained = append(c.chained, gs...) }
}

// WaitOn makes the submission wait for semaphores signaled by submissions
// on other queues before it executes, and folds those submissions into this
// one. Waiting on a semaphore signaled by the same queue panics: same-queue
// ordering is already guaranteed, use [Chain]. The guards are consumed.
func WaitOn(gs ...*SemaphoreGuard) SubmitOption {
	return func(c *submitConfig) { c.waits = append(c.waits, gs...) }
}

// Queue is one device queue together with the FIFO list of its unresolved
// submissions. Queues are created by the device; use [Device.Queues] or
// [Device.Queue] to obtain one.
//
// Submissions on one queue execute in submission order. Ordering between
// queues exists only through semaphores.
type Queue struct {
	dev  *Device
	id   driver.QueueID
	kind driver.QueueKind

	mu      sync.Mutex
	pending []*submission
	seq     uint64
}

// ID returns the driver-level queue identifier.
func (q *Queue) ID() driver.QueueID { return q.id }

// Kind returns what work the queue accepts.
func (q *Queue) Kind() driver.QueueKind { return q.kind }

// Pending returns the number of unresolved submissions on the queue.
func (q *Queue) Pending() int {
	q.mu.Lock()
	n := len(q.pending)
	q.mu.Unlock()
	return n
}

// Submit hands the command buffer to the queue with a fence and returns a
// FenceGuard that must eventually be consumed with [FenceGuard.Wait].
//
// Submit fails with [ErrCommandBufferLocked] when cb is attached to an
// unresolved earlier submission, and with [ErrBusy] when a touched resource
// is locked on the CPU side.
func (q *Queue) Submit(cb *CommandBuffer, opts ...SubmitOption) (*FenceGuard, error) {
	sub, err := q.submit(cb, true, false, opts)
	if err != nil {
		return nil, err
	}
	return newFenceGuard(sub), nil
}

// SubmitNoFence hands the command buffer to the queue without creating a
// fence. The returned NoFence guard cannot be waited on; it must be consumed
// by a later fenced submission on the same queue via [Chain]. Use this for
// intermediate submissions in a frame where only the last one needs a fence.
func (q *Queue) SubmitNoFence(cb *CommandBuffer, opts ...SubmitOption) (*NoFence, error) {
	sub, err := q.submit(cb, false, false, opts)
	if err != nil {
		return nil, err
	}
	return newNoFence(sub), nil
}

// SubmitSignal hands the command buffer to the queue and has it signal a
// semaphore on completion. The returned SemaphoreGuard must be consumed by a
// submission on a different queue via [WaitOn].
func (q *Queue) SubmitSignal(cb *CommandBuffer, opts ...SubmitOption) (*SemaphoreGuard, error) {
	sub, err := q.submit(cb, false, true, opts)
	if err != nil {
		return nil, err
	}
	return newSemaphoreGuard(sub), nil
}

func (q *Queue) submit(cb *CommandBuffer, withFence, withSemaphore bool, opts []SubmitOption) (*submission, error) {
	var cfg submitConfig
	for _, o := range opts {
		o(&cfg)
	}
	if q.dev.destroyed.Load() {
		panic("vulkano: submit on destroyed device")
	}
	if cb.destroyed.Load() {
		panic(fmt.Sprintf("vulkano: submit of destroyed command buffer %q", cb.label))
	}
	for _, g := range cfg.chained {
		if g.sub.queue != q {
			panic(fmt.Sprintf("vulkano: chain of a %s-queue submission into a %s-queue submission",
				g.sub.queue.kind, q.kind))
		}
	}
	for _, g := range cfg.waits {
		if g.sub.queue == q {
			panic(fmt.Sprintf("vulkano: %s queue waiting on its own semaphore", q.kind))
		}
	}

	if !cb.lock() {
		return nil, fmt.Errorf("%w: %q", ErrCommandBufferLocked, cb.label)
	}

	// The queue lock is held through marker placement and the driver call
	// so that marker replacement order matches driver execution order.
	q.mu.Lock()
	q.seq++
	sub := newSubmission(q, q.seq)

	var err error
	if withFence {
		sub.fence, err = q.dev.createFence()
	}
	if err == nil && withSemaphore {
		sub.semaphore, err = q.dev.createSemaphore()
	}
	if err != nil {
		q.rollback(sub, cb, nil)
		q.mu.Unlock()
		return nil, err
	}

	marked := make([]*marker, 0, len(cb.touches))
	for _, t := range cb.touches {
		prev, merr := t.core.markOccupied(q.id, sub, t.mode)
		if merr != nil {
			q.rollback(sub, cb, marked)
			q.mu.Unlock()
			return nil, merr
		}
		marked = append(marked, prev)
		sub.touched = append(sub.touched, t.core)
	}

	// Dependencies are consumed only once nothing recoverable can fail.
	var waitIDs []driver.SemaphoreID
	for _, g := range cfg.chained {
		sub.preds = append(sub.preds, g.take())
	}
	for _, g := range cfg.waits {
		p := g.take()
		sub.preds = append(sub.preds, p)
		waitIDs = append(waitIDs, p.semaphore)
	}
	sub.cbs = []*CommandBuffer{cb}

	info := driver.SubmitInfo{
		Commands:       cb.cmds,
		WaitSemaphores: waitIDs,
		Fence:          sub.fence,
	}
	if sub.semaphore != 0 {
		info.SignalSemaphores = []driver.SemaphoreID{sub.semaphore}
	}
	if err := q.dev.submitDriver(q.id, info); err != nil {
		// A rejected batch after dependency consumption means the device
		// is gone. Resolve the whole chain so nothing dangles.
		q.mu.Unlock()
		sub.complete(err)
		sub.resolve()
		return nil, err
	}
	q.pending = append(q.pending, sub)
	q.mu.Unlock()

	q.dev.logger().Debug("submitted",
		"queue", q.kind.String(), "seq", sub.seq, "label", cb.label,
		"fence", sub.fence != 0, "semaphore", sub.semaphore != 0,
		"chained", len(cfg.chained), "waits", len(cfg.waits))
	return sub, nil
}

// rollback undoes a partially prepared submission before any dependency was
// consumed. Caller holds q.mu.
func (q *Queue) rollback(sub *submission, cb *CommandBuffer, marked []*marker) {
	for i, prev := range marked {
		sub.touched[i].restoreMarker(q.id, sub, prev)
	}
	if sub.fence != 0 {
		q.dev.destroyFence(sub.fence)
	}
	if sub.semaphore != 0 {
		q.dev.destroySemaphore(sub.semaphore)
	}
	cb.unlock()
}

// remove drops a resolved submission from the pending list.
func (q *Queue) remove(s *submission) {
	q.mu.Lock()
	for i, p := range q.pending {
		if p == s {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
}

// Present schedules presentation of an image to a surface, ordered after the
// queue's earlier submissions. The image must have been created with
// [StatePresent] as its default state; anything else fails with
// [ErrIncompatible], since a command buffer leaving the image in another
// state could not have been built.
func (q *Queue) Present(img *SharedAccess, surface driver.SurfaceID) error {
	h := img.guard().forceContent()
	if h.category != CategoryImage {
		return fmt.Errorf("%w: present of %s", ErrIncompatible, h)
	}
	if h.defaultState != driver.StatePresent {
		return fmt.Errorf("%w: present of %s with default state %v, need %v",
			ErrIncompatible, h, h.defaultState, driver.StatePresent)
	}
	q.mu.Lock()
	err := q.dev.presentDriver(q.id, h.imageID, surface)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.dev.logger().Debug("presented", "queue", q.kind.String(), "image", h.String(), "surface", uint64(surface))
	return nil
}
