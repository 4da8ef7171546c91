package vulkano

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JustAPerson/vulkano/driver"
)

// ErrBusy is returned when a non-blocking acquisition fails: TryLock and
// TryRLock return it when the resource is locked by another goroutine or
// still occupied by unfinished GPU work, and Submit returns it when a
// command buffer touches a resource that is locked on the CPU side.
var ErrBusy = errors.New("vulkano: resource busy")

// accessMode distinguishes shared-read from exclusive use of a resource.
type accessMode uint8

const (
	modeRead accessMode = iota + 1
	modeExclusive
)

func (m accessMode) String() string {
	switch m {
	case modeRead:
		return "read"
	case modeExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// marker records that a submission on one queue may still be using the
// resource. A guard holds at most one marker per queue. Resubmitting on the
// same queue replaces the marker and promotes its mode if either use was
// exclusive; the replaced submission's clearing obligation lapses because
// resolution only removes markers it still owns.
type marker struct {
	sub  *submission
	mode accessMode
}

// guardCore is the synchronization state shared by Access and SharedAccess:
// the guarded handle, the GPU occupancy markers, and a mirror of the CPU
// lock state that submissions consult without blocking.
type guardCore struct {
	handle *Handle

	mu         sync.Mutex
	markers    map[driver.QueueID]*marker
	cpuWriters int
	cpuReaders int
	destroyed  bool
}

// markOccupied records that sub may use the resource on the given queue.
// It fails with ErrBusy when the CPU side holds a conflicting lock: any CPU
// lock conflicts with exclusive GPU use, and a CPU write lock conflicts with
// GPU reads as well.
//
// The returned marker is the replaced one, or nil if the queue had no
// marker. It lets a failed submit restore the guard with restoreMarker
// instead of losing the previous submission's occupancy.
func (g *guardCore) markOccupied(queue driver.QueueID, sub *submission, mode accessMode) (*marker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		panic(fmt.Sprintf("vulkano: submission touches destroyed guard for %s", g.handle))
	}
	if g.cpuWriters > 0 || (mode == modeExclusive && g.cpuReaders > 0) {
		return nil, fmt.Errorf("%w: %s is locked by the CPU", ErrBusy, g.handle)
	}
	if m, ok := g.markers[queue]; ok {
		prev := &marker{sub: m.sub, mode: m.mode}
		if m.mode == modeExclusive {
			mode = modeExclusive
		}
		m.sub = sub
		m.mode = mode
		return prev, nil
	}
	if g.markers == nil {
		g.markers = make(map[driver.QueueID]*marker)
	}
	g.markers[queue] = &marker{sub: sub, mode: mode}
	return nil, nil
}

// restoreMarker undoes a markOccupied by sub: the previous marker is put
// back, or the entry is removed if there was none. Only a marker still owned
// by sub is touched.
func (g *guardCore) restoreMarker(queue driver.QueueID, sub *submission, prev *marker) {
	g.mu.Lock()
	if m, ok := g.markers[queue]; ok && m.sub == sub {
		if prev != nil {
			g.markers[queue] = prev
		} else {
			delete(g.markers, queue)
		}
	}
	g.mu.Unlock()
}

// clearMarker removes the marker for queue if it is still owned by sub.
// A submission that was superseded by a later one on the same queue finds
// the marker owned by its successor and leaves it alone.
func (g *guardCore) clearMarker(queue driver.QueueID, sub *submission) {
	g.mu.Lock()
	if m, ok := g.markers[queue]; ok && m.sub == sub {
		delete(g.markers, queue)
	}
	g.mu.Unlock()
}

// blockingSubs snapshots the submissions that must complete before the CPU
// may access the resource. Shared CPU reads tolerate shared GPU reads, so
// readOnly skips read-mode markers.
func (g *guardCore) blockingSubs(readOnly bool) []*submission {
	g.mu.Lock()
	defer g.mu.Unlock()
	var subs []*submission
	for _, m := range g.markers {
		if readOnly && m.mode == modeRead {
			continue
		}
		subs = append(subs, m.sub)
	}
	return subs
}

// awaitMarkers blocks until every conflicting submission has been observed
// complete. The CPU lock mirror must already be set so that no new
// conflicting marker can appear while waiting.
func (g *guardCore) awaitMarkers(readOnly bool) error {
	for {
		subs := g.blockingSubs(readOnly)
		if len(subs) == 0 {
			return nil
		}
		for _, s := range subs {
			if err := s.await(); err != nil {
				return err
			}
		}
		// Observed submissions stay in the marker map until their guard
		// is consumed, so a second snapshot returning the same entries
		// exits through the await fast path.
		clean := true
		for _, s := range subs {
			if !s.observed() {
				clean = false
				break
			}
		}
		if clean {
			return nil
		}
	}
}

// idle reports whether no conflicting submission is pending. Completed but
// unobserved submissions are polled so that a TryLock after the GPU finishes
// succeeds without anyone having waited on the guard.
func (g *guardCore) idle(readOnly bool) bool {
	for _, s := range g.blockingSubs(readOnly) {
		if !s.observed() {
			return false
		}
	}
	return true
}

// acquireCPU flips the CPU lock mirror after the content mutex has been
// taken. Panics if the guard was destroyed.
func (g *guardCore) acquireCPU(mode accessMode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.destroyed {
		panic(fmt.Sprintf("vulkano: lock of destroyed guard for %s", g.handle))
	}
	if mode == modeExclusive {
		g.cpuWriters++
	} else {
		g.cpuReaders++
	}
}

func (g *guardCore) releaseCPU(mode accessMode) {
	g.mu.Lock()
	if mode == modeExclusive {
		g.cpuWriters--
	} else {
		g.cpuReaders--
	}
	g.mu.Unlock()
}

// destroy marks the guard unusable and drops the owner reference on the
// handle. Driver-level destruction happens once the last command buffer
// referencing the handle is destroyed.
func (g *guardCore) destroy() {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		panic(fmt.Sprintf("vulkano: guard for %s destroyed twice", g.handle))
	}
	g.destroyed = true
	g.mu.Unlock()
	g.handle.release()
}

// forceContent returns the handle without consulting either axis. Reserved
// for internal paths that have proven exclusivity by other means, such as
// device teardown and presentation scheduling.
func (g *guardCore) forceContent() *Handle { return g.handle }

// Resource is the guard view accepted by Builder operations. It is
// implemented by [Access] and [SharedAccess].
type Resource interface {
	// Handle returns the guarded resource handle.
	Handle() *Handle

	guard() *guardCore
}

// === Access ===

// Access is the exclusive guard over one resource. All use, CPU or GPU,
// is serialized: at most one party touches the resource at a time.
//
// The guard tracks two independent axes. The CPU axis is a lock taken by
// [Access.Lock] and released through the returned Ref. The GPU axis is a set
// of occupancy markers, one per queue, placed when a command buffer touching
// the resource is submitted and cleared when the submission guard is
// consumed. Lock blocks until both axes are free.
type Access struct {
	core guardCore
	mu   sync.Mutex
}

func newAccess(h *Handle) *Access {
	return &Access{core: guardCore{handle: h}}
}

// Handle returns the guarded resource handle.
func (a *Access) Handle() *Handle { return a.core.handle }

func (a *Access) guard() *guardCore { return &a.core }

// Lock blocks until the resource is free on both axes, then takes the CPU
// lock and returns a Ref through which content may be read and written.
// The caller must call [Ref.Release] when done.
//
// Lock returns an error only when waiting on GPU work fails, for example
// because the device was lost. Locking a destroyed guard panics.
func (a *Access) Lock() (*Ref, error) {
	a.mu.Lock()
	a.core.acquireCPU(modeExclusive)
	if err := a.core.awaitMarkers(false); err != nil {
		a.core.releaseCPU(modeExclusive)
		a.mu.Unlock()
		return nil, err
	}
	return &Ref{core: &a.core, mu: &a.mu}, nil
}

// TryLock is the non-blocking form of [Access.Lock]. It returns
// [ErrBusy] when the resource is locked by another goroutine or occupied by
// GPU work that has not yet completed.
func (a *Access) TryLock() (*Ref, error) {
	if !a.mu.TryLock() {
		return nil, fmt.Errorf("%w: %s is locked", ErrBusy, a.core.handle)
	}
	a.core.acquireCPU(modeExclusive)
	if !a.core.idle(false) {
		a.core.releaseCPU(modeExclusive)
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is in use by the GPU", ErrBusy, a.core.handle)
	}
	return &Ref{core: &a.core, mu: &a.mu}, nil
}

// Destroy releases the guard's ownership of the resource. It waits for an
// outstanding Ref to be released first. The driver object is destroyed
// immediately if no command buffer references it, otherwise when the last
// referencing command buffer is destroyed.
//
// Destroying a guard twice panics. Any later Lock or submission touching
// the guard panics.
func (a *Access) Destroy() {
	a.mu.Lock()
	a.core.destroy()
	a.mu.Unlock()
}

// === SharedAccess ===

// SharedAccess is the shared-read variant of [Access]: concurrent readers
// are admitted on both axes, and only writes are exclusive. Multiple CPU
// readers may hold RLock refs while read-mode GPU work is in flight.
type SharedAccess struct {
	core guardCore
	mu   sync.RWMutex
}

func newSharedAccess(h *Handle) *SharedAccess {
	return &SharedAccess{core: guardCore{handle: h}}
}

// Handle returns the guarded resource handle.
func (s *SharedAccess) Handle() *Handle { return s.core.handle }

func (s *SharedAccess) guard() *guardCore { return &s.core }

// Lock takes the exclusive CPU lock, waiting for all readers and all GPU
// work. See [Access.Lock].
func (s *SharedAccess) Lock() (*Ref, error) {
	s.mu.Lock()
	s.core.acquireCPU(modeExclusive)
	if err := s.core.awaitMarkers(false); err != nil {
		s.core.releaseCPU(modeExclusive)
		s.mu.Unlock()
		return nil, err
	}
	return &Ref{core: &s.core, mu: &s.mu}, nil
}

// TryLock is the non-blocking form of [SharedAccess.Lock].
func (s *SharedAccess) TryLock() (*Ref, error) {
	if !s.mu.TryLock() {
		return nil, fmt.Errorf("%w: %s is locked", ErrBusy, s.core.handle)
	}
	s.core.acquireCPU(modeExclusive)
	if !s.core.idle(false) {
		s.core.releaseCPU(modeExclusive)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is in use by the GPU", ErrBusy, s.core.handle)
	}
	return &Ref{core: &s.core, mu: &s.mu}, nil
}

// RLock takes a shared CPU read lock. It admits other readers and blocks
// only on exclusive use: a CPU writer or exclusive-mode GPU occupancy.
// Read-mode GPU work may proceed concurrently with the returned ReadRef.
func (s *SharedAccess) RLock() (*ReadRef, error) {
	s.mu.RLock()
	s.core.acquireCPU(modeRead)
	if err := s.core.awaitMarkers(true); err != nil {
		s.core.releaseCPU(modeRead)
		s.mu.RUnlock()
		return nil, err
	}
	return &ReadRef{core: &s.core, mu: &s.mu}, nil
}

// TryRLock is the non-blocking form of [SharedAccess.RLock].
func (s *SharedAccess) TryRLock() (*ReadRef, error) {
	if !s.mu.TryRLock() {
		return nil, fmt.Errorf("%w: %s is locked for writing", ErrBusy, s.core.handle)
	}
	s.core.acquireCPU(modeRead)
	if !s.core.idle(true) {
		s.core.releaseCPU(modeRead)
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s is in exclusive use by the GPU", ErrBusy, s.core.handle)
	}
	return &ReadRef{core: &s.core, mu: &s.mu}, nil
}

// Destroy releases the guard's ownership of the resource. See
// [Access.Destroy].
func (s *SharedAccess) Destroy() {
	s.mu.Lock()
	s.core.destroy()
	s.mu.Unlock()
}

// === Refs ===

// unlocker releases a content mutex. Both sync.Mutex and the write side of
// sync.RWMutex satisfy it.
type unlocker interface{ Unlock() }

// Ref is an exclusive CPU hold on a resource, returned by Lock and TryLock.
// While a Ref is live the GPU cannot be given the resource: submissions
// touching it fail with [ErrBusy].
type Ref struct {
	core     *guardCore
	mu       unlocker
	released atomic.Bool
}

// Handle returns the handle of the locked resource.
func (r *Ref) Handle() *Handle { return r.core.handle }

// Write stores data into the resource at offset. Only buffers support CPU
// content access; other categories return [driver.ErrUnsupported].
func (r *Ref) Write(offset uint64, data []byte) error {
	if r.released.Load() {
		panic(fmt.Sprintf("vulkano: write through released Ref for %s", r.core.handle))
	}
	h := r.core.handle
	if h.category != CategoryBuffer {
		return fmt.Errorf("%w: CPU content access on %s", driver.ErrUnsupported, h)
	}
	return h.dev.writeBuffer(h.bufferID, offset, data)
}

// Read copies size bytes out of the resource starting at offset.
func (r *Ref) Read(offset, size uint64) ([]byte, error) {
	if r.released.Load() {
		panic(fmt.Sprintf("vulkano: read through released Ref for %s", r.core.handle))
	}
	h := r.core.handle
	if h.category != CategoryBuffer {
		return nil, fmt.Errorf("%w: CPU content access on %s", driver.ErrUnsupported, h)
	}
	return h.dev.readBuffer(h.bufferID, offset, size)
}

// Release gives the CPU lock back. Releasing twice panics.
func (r *Ref) Release() {
	if !r.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("vulkano: Ref for %s released twice", r.core.handle))
	}
	r.core.releaseCPU(modeExclusive)
	r.mu.Unlock()
}

// ReadRef is a shared CPU read hold on a resource, returned by RLock and
// TryRLock. Multiple ReadRefs may be live at once, alongside read-mode GPU
// work.
type ReadRef struct {
	core     *guardCore
	mu       *sync.RWMutex
	released atomic.Bool
}

// Handle returns the handle of the locked resource.
func (r *ReadRef) Handle() *Handle { return r.core.handle }

// Read copies size bytes out of the resource starting at offset.
func (r *ReadRef) Read(offset, size uint64) ([]byte, error) {
	if r.released.Load() {
		panic(fmt.Sprintf("vulkano: read through released ReadRef for %s", r.core.handle))
	}
	h := r.core.handle
	if h.category != CategoryBuffer {
		return nil, fmt.Errorf("%w: CPU content access on %s", driver.ErrUnsupported, h)
	}
	return h.dev.readBuffer(h.bufferID, offset, size)
}

// Release gives the read lock back. Releasing twice panics.
func (r *ReadRef) Release() {
	if !r.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("vulkano: ReadRef for %s released twice", r.core.handle))
	}
	r.core.releaseCPU(modeRead)
	r.mu.RUnlock()
}
