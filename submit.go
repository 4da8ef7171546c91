package vulkano

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/JustAPerson/vulkano/driver"
)

// submission is one batch accepted by a queue. It owns the occupancy markers
// it placed and the locks of the command buffers it carries; both are
// released when the submission resolves. A submission without a fence cannot
// prove its own completion and is folded into a later submission instead,
// becoming one of its predecessors.
type submission struct {
	queue     *Queue
	seq       uint64
	fence     driver.FenceID     // 0 when none
	semaphore driver.SemaphoreID // 0 when none
	cbs       []*CommandBuffer
	touched   []*guardCore
	preds     []*submission

	done     chan struct{}
	doneOnce sync.Once
	err      error
	resolved atomic.Bool
}

func newSubmission(q *Queue, seq uint64) *submission {
	return &submission{queue: q, seq: seq, done: make(chan struct{})}
}

// complete records that the submission's work has been observed finished on
// the device. Queue FIFO ordering means every predecessor finished earlier,
// so they are completed transitively.
func (s *submission) complete(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
		for _, p := range s.preds {
			p.complete(err)
		}
	})
}

// observed reports whether completion has been seen, polling the driver
// fence if nobody has waited yet. It never blocks.
func (s *submission) observed() bool {
	select {
	case <-s.done:
		return true
	default:
	}
	if s.fence == 0 {
		return false
	}
	signaled, err := s.queue.dev.fenceStatus(s.fence)
	if err != nil {
		s.complete(err)
		return true
	}
	if signaled {
		s.complete(nil)
		return true
	}
	return false
}

// await blocks until completion has been observed. A fenced submission
// drives the driver wait itself; an unfenced one can only wait for a
// successor in its chain to resolve it.
func (s *submission) await() error {
	select {
	case <-s.done:
		return s.err
	default:
	}
	if s.fence != 0 {
		err := s.queue.dev.waitFence(s.fence)
		s.complete(err)
		return s.err
	}
	<-s.done
	return s.err
}

// resolve performs the consumption side effects: every occupancy marker this
// submission still owns is cleared, every carried command buffer is
// unlocked, and the submission leaves its queue's pending list. Folded
// predecessors resolve first. Resolve runs at most once.
func (s *submission) resolve() {
	if !s.resolved.CompareAndSwap(false, true) {
		return
	}
	for _, p := range s.preds {
		p.resolve()
	}
	for _, g := range s.touched {
		g.clearMarker(s.queue.id, s)
	}
	for _, cb := range s.cbs {
		cb.unlock()
	}
	s.queue.remove(s)
	if s.fence != 0 {
		s.queue.dev.destroyFence(s.fence)
	}
	if s.semaphore != 0 {
		s.queue.dev.destroySemaphore(s.semaphore)
	}
}

// armGuard aborts the process if a submission guard becomes unreachable
// without having been consumed. A lost guard would leave occupancy markers
// and command buffer locks in place with no way to ever clear them, so this
// is treated as a fatal programming error rather than a leak.
func armGuard[T any](g *T, consumed *atomic.Bool, kind string) {
	runtime.SetFinalizer(g, func(*T) {
		if !consumed.Load() {
			panic("vulkano: " + kind + " dropped without being consumed")
		}
	})
}

// takeGuard marks a guard consumed exactly once and disarms its finalizer.
func takeGuard[T any](g *T, consumed *atomic.Bool, kind string) {
	if !consumed.CompareAndSwap(false, true) {
		panic("vulkano: " + kind + " consumed twice")
	}
	runtime.SetFinalizer(g, nil)
}

// FenceGuard proves that one submission will complete and is the only way
// to resolve it. It is a one-shot value: Wait consumes it. Dropping a
// FenceGuard without calling Wait crashes the process when the garbage
// collector notices, because the submission's markers and locks could never
// be cleared afterwards.
type FenceGuard struct {
	sub      *submission
	consumed *atomic.Bool
}

func newFenceGuard(sub *submission) *FenceGuard {
	g := &FenceGuard{sub: sub, consumed: new(atomic.Bool)}
	armGuard(g, g.consumed, "FenceGuard")
	return g
}

// Wait blocks until the submission completes, then resolves it: all
// occupancy markers it owns are cleared together and its command buffers
// are unlocked. Wait consumes the guard; calling it twice panics.
//
// Wait returns the driver's wait error, if any. The submission is resolved
// even then, since a lost device cannot be using the resources anymore.
func (g *FenceGuard) Wait() error {
	takeGuard(g, g.consumed, "FenceGuard")
	err := g.sub.await()
	g.sub.resolve()
	return err
}

// Done polls whether the submission has completed without consuming the
// guard. After Done returns true, Wait will not block.
func (g *FenceGuard) Done() bool {
	return g.sub.observed()
}

// NoFence is the guard of a submission made without a fence. It cannot be
// waited on; the only way to consume it is to pass it to [Chain] on a later
// submission to the same queue, which folds the earlier submission into the
// later one. Dropping a NoFence unconsumed crashes the process.
type NoFence struct {
	sub      *submission
	consumed *atomic.Bool
}

func newNoFence(sub *submission) *NoFence {
	g := &NoFence{sub: sub, consumed: new(atomic.Bool)}
	armGuard(g, g.consumed, "NoFence")
	return g
}

// take consumes the guard for chaining.
func (g *NoFence) take() *submission {
	takeGuard(g, g.consumed, "NoFence")
	return g.sub
}

// SemaphoreGuard is the guard of a submission that signals a semaphore. The
// only way to consume it is to pass it to [WaitOn] on a submission to a
// different queue, which makes that submission wait for the semaphore and
// folds the signaling submission into it. Dropping a SemaphoreGuard
// unconsumed crashes the process.
type SemaphoreGuard struct {
	sub      *submission
	consumed *atomic.Bool
}

func newSemaphoreGuard(sub *submission) *SemaphoreGuard {
	g := &SemaphoreGuard{sub: sub, consumed: new(atomic.Bool)}
	armGuard(g, g.consumed, "SemaphoreGuard")
	return g
}

// take consumes the guard for a cross-queue wait.
func (g *SemaphoreGuard) take() *submission {
	takeGuard(g, g.consumed, "SemaphoreGuard")
	return g.sub
}
