package vulkano

import (
	"fmt"
	"sync/atomic"

	"github.com/JustAPerson/vulkano/driver"
)

// ResourceState is the coarse scheduling state of a buffer or image on the
// GPU timeline. It is an alias of the driver-level type so that applications
// can use the vulkano package alone for common work.
type ResourceState = driver.ResourceState

// Re-exported resource states. See the driver package for semantics.
const (
	StateGeneral     = driver.StateGeneral
	StateCopySrc     = driver.StateCopySrc
	StateCopyDst     = driver.StateCopyDst
	StateShaderRead  = driver.StateShaderRead
	StateShaderWrite = driver.StateShaderWrite
	StatePresent     = driver.StatePresent
)

// Category identifies the kind of driver object behind a Handle.
type Category uint8

const (
	// CategoryBuffer is a linear memory allocation.
	CategoryBuffer Category = iota + 1
	// CategoryImage is a formatted texture allocation.
	CategoryImage
	// CategoryPipeline is a compiled pipeline.
	CategoryPipeline
	// CategoryDynamicState is a deduplicated fixed-function state object.
	CategoryDynamicState
)

// String returns a short name for the category.
func (c Category) String() string {
	switch c {
	case CategoryBuffer:
		return "buffer"
	case CategoryImage:
		return "image"
	case CategoryPipeline:
		return "pipeline"
	case CategoryDynamicState:
		return "dynamic-state"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// handleIDs mints process-unique Handle identifiers, starting at 1.
var handleIDs atomic.Uint64

// Handle is an opaque reference to one driver-level object together with the
// metadata the safety layer needs: the object's category, the declared
// default state it must be restored to at the end of every command buffer,
// and a reference count.
//
// Command buffers retain every handle they touch when they are built and
// release them when they are destroyed. Driver-level destruction is deferred
// until the last reference is gone, so destroying an Access guard while a
// command buffer still references the resource is safe: the native object
// lives until that command buffer is destroyed.
type Handle struct {
	id           uint64
	category     Category
	defaultState driver.ResourceState
	label        string
	size         uint64

	// Exactly one of these is set, matching category.
	bufferID   driver.BufferID
	imageID    driver.ImageID
	pipelineID driver.PipelineID
	stateID    driver.StateID

	// states holds the fixed-function state handles a pipeline was built
	// with. They are released when the pipeline handle is destroyed, so a
	// command buffer that keeps the pipeline alive keeps its states alive.
	states []*Handle

	// stateKey is the dedup cache key of a dynamic-state handle. State
	// handle lifetime is governed by the cache's reference counting, not
	// by refs.
	stateKey any

	dev      *Device
	imported bool

	refs atomic.Int64
}

// ID returns the process-unique identifier of the handle.
func (h *Handle) ID() uint64 { return h.id }

// Category returns the kind of driver object the handle refers to.
func (h *Handle) Category() Category { return h.category }

// DefaultState returns the state the resource was declared with. Every
// command buffer that changes the resource's state must restore it to this
// state before finishing.
func (h *Handle) DefaultState() driver.ResourceState { return h.defaultState }

// Label returns the debug label given at creation, possibly empty.
func (h *Handle) Label() string { return h.label }

// Size returns the number of bytes accounted for this handle.
func (h *Handle) Size() uint64 { return h.size }

// String formats the handle for logs and panic messages.
func (h *Handle) String() string {
	if h.label != "" {
		return fmt.Sprintf("%s %q (id %d)", h.category, h.label, h.id)
	}
	return fmt.Sprintf("%s (id %d)", h.category, h.id)
}

// retain adds a reference. Called when a command buffer is built with this
// handle in its touch set.
func (h *Handle) retain() {
	h.refs.Add(1)
}

// release drops a reference and destroys the driver object when the count
// reaches zero.
func (h *Handle) release() {
	n := h.refs.Add(-1)
	switch {
	case n == 0:
		h.dev.destroyHandle(h)
	case n < 0:
		panic(fmt.Sprintf("vulkano: %s released below zero", h))
	}
}

// newHandle mints a handle with one reference held by its owner.
func newHandle(dev *Device, category Category, defaultState driver.ResourceState, label string, size uint64) *Handle {
	h := &Handle{
		id:           handleIDs.Add(1),
		category:     category,
		defaultState: defaultState,
		label:        label,
		size:         size,
		dev:          dev,
	}
	h.refs.Store(1)
	return h
}
