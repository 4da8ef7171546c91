// Package memtrack accounts for device memory held by live resources
// and enforces an optional budget.
//
// Unlike a texture cache, tracked resources cannot be evicted behind
// the caller's back: the caller holds handles to them. When the budget
// would be exceeded the allocation is refused and it is up to the
// caller to destroy something first.
package memtrack

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBudgetExceeded is returned when an allocation would exceed the
// configured budget.
var ErrBudgetExceeded = errors.New("memtrack: memory budget exceeded")

// Kind classifies a tracked allocation.
type Kind uint8

const (
	KindBuffer Kind = iota
	KindImage
	KindPipeline
	KindState
	kindCount
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindImage:
		return "image"
	case KindPipeline:
		return "pipeline"
	case KindState:
		return "state"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// KindStats holds usage for one allocation kind.
type KindStats struct {
	Count int
	Bytes uint64
}

// Stats is a snapshot of tracker state.
type Stats struct {
	// BudgetBytes is the configured budget, zero when unlimited.
	BudgetBytes uint64

	// UsedBytes is the sum of live allocations.
	UsedBytes uint64

	// HighWaterBytes is the largest UsedBytes ever observed.
	HighWaterBytes uint64

	// ByKind breaks usage down per allocation kind, indexed by Kind.
	ByKind [4]KindStats
}

// String returns a human-readable summary.
func (s Stats) String() string {
	total := 0
	for _, ks := range s.ByKind {
		total += ks.Count
	}
	if s.BudgetBytes == 0 {
		return fmt.Sprintf("Memory[%d KB used, peak %d KB, %d objects]",
			s.UsedBytes/1024, s.HighWaterBytes/1024, total)
	}
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d KB, peak %d KB, %d objects]",
		float64(s.UsedBytes)/float64(s.BudgetBytes)*100,
		s.UsedBytes/1024, s.BudgetBytes/1024, s.HighWaterBytes/1024, total)
}

// Tracker accounts for live allocations against a byte budget.
// A zero budget disables enforcement but still tracks usage.
//
// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	budget    uint64
	used      uint64
	highWater uint64
	byKind    [kindCount]KindStats
}

// New creates a tracker with the given budget in bytes.
// Zero means unlimited.
func New(budgetBytes uint64) *Tracker {
	return &Tracker{budget: budgetBytes}
}

// Alloc records an allocation, refusing it when the budget would be
// exceeded. On refusal nothing is recorded.
func (t *Tracker) Alloc(kind Kind, bytes uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.budget > 0 && t.used+bytes > t.budget {
		return fmt.Errorf("%w: need %d bytes, %d of %d in use",
			ErrBudgetExceeded, bytes, t.used, t.budget)
	}

	t.used += bytes
	if t.used > t.highWater {
		t.highWater = t.used
	}
	t.byKind[kind].Count++
	t.byKind[kind].Bytes += bytes
	return nil
}

// Free records a release. Freeing more than was allocated clamps to
// zero rather than wrapping.
func (t *Tracker) Free(kind Kind, bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if bytes > t.used {
		bytes = t.used
	}
	t.used -= bytes

	ks := &t.byKind[kind]
	if ks.Count > 0 {
		ks.Count--
	}
	if bytes > ks.Bytes {
		ks.Bytes = 0
	} else {
		ks.Bytes -= bytes
	}
}

// SetBudget updates the budget. Lowering it below current usage does
// not free anything; new allocations fail until usage drops.
func (t *Tracker) SetBudget(bytes uint64) {
	t.mu.Lock()
	t.budget = bytes
	t.mu.Unlock()
}

// Used returns the current usage in bytes.
func (t *Tracker) Used() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.used
}

// Stats returns a snapshot of current usage.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Stats{
		BudgetBytes:    t.budget,
		UsedBytes:      t.used,
		HighWaterBytes: t.highWater,
	}
	copy(s.ByKind[:], t.byKind[:])
	return s
}
