// Package software provides a pure-Go reference implementation of the
// driver contract.
//
// Buffers hold real byte contents and copy/fill commands operate on them,
// so tests can observe data flowing through submissions. Completion is
// asynchronous: every queue runs a worker goroutine that executes batches
// in FIFO order. With ManualCompletion, each batch additionally waits for
// an explicit Complete call before executing, which lets tests hold a
// submission "in flight" for as long as they need.
//
// The device registers itself under driver.NameSoftware on import.
package software

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/JustAPerson/vulkano/driver"
)

func init() {
	driver.Register(driver.NameSoftware, func() (driver.Device, error) {
		return New(), nil
	})
}

// Option configures a Device during creation.
type Option func(*options)

type options struct {
	name   string
	manual bool
	kinds  []driver.QueueKind
}

func defaultOptions() options {
	return options{
		name: "vulkano-software",
		kinds: []driver.QueueKind{
			driver.QueueGraphics,
			driver.QueueCompute,
			driver.QueueTransfer,
		},
	}
}

// ManualCompletion makes every submitted batch wait for an explicit
// Complete or CompleteAll call before it executes. Without it batches
// execute as soon as their queue worker reaches them.
func ManualCompletion() Option {
	return func(o *options) { o.manual = true }
}

// WithQueues sets the queue layout. The default is one graphics, one
// compute and one transfer queue.
func WithQueues(kinds ...driver.QueueKind) Option {
	return func(o *options) {
		if len(kinds) > 0 {
			o.kinds = kinds
		}
	}
}

// WithName sets the reported device name.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// Device is a software implementation of driver.Device.
// All methods are safe for concurrent use.
type Device struct {
	mu sync.Mutex

	name   string
	manual bool

	nextID atomic.Uint64

	buffers    map[driver.BufferID]*buffer
	images     map[driver.ImageID]*image
	pipelines  map[driver.PipelineID]*pipeline
	states     map[driver.StateID]*stateObject
	fences     map[driver.FenceID]*fence
	semaphores map[driver.SemaphoreID]*semaphore
	surfaces   map[driver.SurfaceID]*surface

	queues []*queue

	execErr   atomic.Pointer[execError]
	destroyed bool
}

type buffer struct {
	data  []byte
	usage gputypes.BufferUsage
	label string
	state driver.ResourceState
}

type image struct {
	desc  driver.ImageDesc
	data  []byte
	state driver.ResourceState
}

type pipeline struct {
	desc driver.PipelineDesc
}

type stateObject struct {
	kind string
	desc any
}

type fence struct {
	mu       sync.Mutex
	signaled bool
	ch       chan struct{}
}

func newFence() *fence {
	return &fence{ch: make(chan struct{})}
}

func (f *fence) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.signaled {
		f.signaled = true
		close(f.ch)
	}
}

func (f *fence) done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

// semaphore is a one-shot queue-to-queue gate. A batch listing it in
// WaitSemaphores blocks until the signaling batch closes the channel.
type semaphore struct {
	mu       sync.Mutex
	signaled bool
	ch       chan struct{}
}

func newSemaphore() *semaphore {
	return &semaphore{ch: make(chan struct{})}
}

func (s *semaphore) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.signaled {
		s.signaled = true
		close(s.ch)
	}
}

type surface struct {
	presented atomic.Uint64
}

type execError struct{ err error }

// New creates a software device.
func New(opts ...Option) *Device {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	d := &Device{
		name:       o.name,
		manual:     o.manual,
		buffers:    make(map[driver.BufferID]*buffer),
		images:     make(map[driver.ImageID]*image),
		pipelines:  make(map[driver.PipelineID]*pipeline),
		states:     make(map[driver.StateID]*stateObject),
		fences:     make(map[driver.FenceID]*fence),
		semaphores: make(map[driver.SemaphoreID]*semaphore),
		surfaces:   make(map[driver.SurfaceID]*surface),
	}
	d.nextID.Store(1)

	for _, kind := range o.kinds {
		q := newQueue(d, driver.QueueID(d.newID()), kind)
		d.queues = append(d.queues, q)
		go q.run()
	}
	return d
}

func (d *Device) newID() uint64 {
	return d.nextID.Add(1) - 1
}

// Info returns static device information.
func (d *Device) Info() driver.DeviceInfo {
	return driver.DeviceInfo{
		Name:   d.name,
		Limits: gputypes.DefaultLimits(),
	}
}

// Queues returns the device's execution queues.
func (d *Device) Queues() []driver.QueueInfo {
	infos := make([]driver.QueueInfo, len(d.queues))
	for i, q := range d.queues {
		infos[i] = q.info
	}
	return infos
}

// === Buffers ===

// CreateBuffer allocates a zero-filled buffer.
func (d *Device) CreateBuffer(desc driver.BufferDesc) (driver.BufferID, error) {
	if desc.Size == 0 {
		return driver.InvalidID, fmt.Errorf("software: buffer size must be positive")
	}

	id := driver.BufferID(d.newID())
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return driver.InvalidID, driver.ErrDeviceLost
	}
	d.buffers[id] = &buffer{
		data:  make([]byte, desc.Size),
		usage: desc.Usage,
		label: desc.Label,
		state: initialState(desc.InitialState),
	}
	return id, nil
}

// DestroyBuffer releases a buffer. Unknown IDs are ignored.
func (d *Device) DestroyBuffer(id driver.BufferID) {
	d.mu.Lock()
	delete(d.buffers, id)
	d.mu.Unlock()
}

// WriteBuffer copies data into a buffer at offset.
func (d *Device) WriteBuffer(id driver.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("software: buffer %d: %w", id, driver.ErrNotFound)
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("software: write past end of buffer %d", id)
	}
	copy(b.data[offset:], data)
	return nil
}

// ReadBuffer copies size bytes out of a buffer at offset.
func (d *Device) ReadBuffer(id driver.BufferID, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("software: buffer %d: %w", id, driver.ErrNotFound)
	}
	if offset+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("software: read past end of buffer %d", id)
	}
	out := make([]byte, size)
	copy(out, b.data[offset:])
	return out, nil
}

// === Images ===

// CreateImage allocates an image backed by packed texel storage.
func (d *Device) CreateImage(desc driver.ImageDesc) (driver.ImageID, error) {
	if desc.Extent.Width == 0 || desc.Extent.Height == 0 {
		return driver.InvalidID, fmt.Errorf("software: image extent must be positive")
	}
	depth := desc.Extent.DepthOrArrayLayers
	if depth == 0 {
		depth = 1
	}

	size := uint64(desc.Extent.Width) * uint64(desc.Extent.Height) * uint64(depth) * texelSize(desc.Format)
	id := driver.ImageID(d.newID())

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return driver.InvalidID, driver.ErrDeviceLost
	}
	d.images[id] = &image{
		desc:  desc,
		data:  make([]byte, size),
		state: initialState(desc.InitialState),
	}
	return id, nil
}

// initialState maps the descriptor's initial state, treating the zero
// value as StateGeneral.
func initialState(s driver.ResourceState) driver.ResourceState {
	if s == driver.StateUndefined {
		return driver.StateGeneral
	}
	return s
}

// DestroyImage releases an image. Unknown IDs are ignored.
func (d *Device) DestroyImage(id driver.ImageID) {
	d.mu.Lock()
	delete(d.images, id)
	d.mu.Unlock()
}

// texelSize returns the byte size of one texel for the formats the
// software device understands; anything unrecognized is treated as four
// bytes per texel.
func texelSize(format gputypes.TextureFormat) uint64 {
	switch format {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRG32Float:
		return 8
	case gputypes.TextureFormatRGBA32Float:
		return 16
	default:
		return 4
	}
}

// === Pipelines and dynamic state ===

// CreatePipeline records a pipeline. The software device executes no
// shader code; dispatches against the pipeline count as executed work.
func (d *Device) CreatePipeline(desc driver.PipelineDesc) (driver.PipelineID, error) {
	if len(desc.SPIRV) == 0 {
		return driver.InvalidID, fmt.Errorf("software: empty shader bytecode")
	}
	if desc.EntryPoint == "" {
		return driver.InvalidID, fmt.Errorf("software: missing entry point")
	}

	id := driver.PipelineID(d.newID())
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return driver.InvalidID, driver.ErrDeviceLost
	}
	d.pipelines[id] = &pipeline{desc: desc}
	return id, nil
}

// DestroyPipeline releases a pipeline. Unknown IDs are ignored.
func (d *Device) DestroyPipeline(id driver.PipelineID) {
	d.mu.Lock()
	delete(d.pipelines, id)
	d.mu.Unlock()
}

func (d *Device) createState(kind string, desc any) (driver.StateID, error) {
	id := driver.StateID(d.newID())
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return driver.InvalidID, driver.ErrDeviceLost
	}
	d.states[id] = &stateObject{kind: kind, desc: desc}
	return id, nil
}

// CreateRasterizerState creates a rasterizer state object.
func (d *Device) CreateRasterizerState(desc driver.RasterizerDesc) (driver.StateID, error) {
	return d.createState("rasterizer", desc)
}

// CreateBlendState creates a blend state object.
func (d *Device) CreateBlendState(desc driver.BlendDesc) (driver.StateID, error) {
	return d.createState("blend", desc)
}

// CreateDepthStencilState creates a depth/stencil state object.
func (d *Device) CreateDepthStencilState(desc driver.DepthStencilDesc) (driver.StateID, error) {
	return d.createState("depth-stencil", desc)
}

// CreateMultisampleState creates a multisample state object.
func (d *Device) CreateMultisampleState(desc driver.MultisampleDesc) (driver.StateID, error) {
	return d.createState("multisample", desc)
}

// CreateViewportState creates a viewport state object.
func (d *Device) CreateViewportState(desc driver.ViewportDesc) (driver.StateID, error) {
	return d.createState("viewport", desc)
}

// DestroyState releases a dynamic-state object. Unknown IDs are ignored.
func (d *Device) DestroyState(id driver.StateID) {
	d.mu.Lock()
	delete(d.states, id)
	d.mu.Unlock()
}

// StateCount returns the number of live dynamic-state objects.
// Test observability.
func (d *Device) StateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.states)
}

// === Fences and semaphores ===

// CreateFence creates an unsignaled fence.
func (d *Device) CreateFence() (driver.FenceID, error) {
	id := driver.FenceID(d.newID())
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return driver.InvalidID, driver.ErrDeviceLost
	}
	d.fences[id] = newFence()
	return id, nil
}

// DestroyFence releases a fence. Unknown IDs are ignored.
func (d *Device) DestroyFence(id driver.FenceID) {
	d.mu.Lock()
	delete(d.fences, id)
	d.mu.Unlock()
}

// FenceStatus reports whether a fence has been signaled.
func (d *Device) FenceStatus(id driver.FenceID) (bool, error) {
	d.mu.Lock()
	f, ok := d.fences[id]
	d.mu.Unlock()

	if !ok {
		return false, fmt.Errorf("software: fence %d: %w", id, driver.ErrNotFound)
	}
	return f.done(), nil
}

// WaitFence blocks until the fence signals or the timeout elapses.
func (d *Device) WaitFence(id driver.FenceID, timeout time.Duration) error {
	d.mu.Lock()
	f, ok := d.fences[id]
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("software: fence %d: %w", id, driver.ErrNotFound)
	}

	if timeout <= 0 {
		<-f.ch
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("software: fence %d: %w", id, driver.ErrTimeout)
	}
}

// CreateSemaphore creates an unsignaled semaphore.
func (d *Device) CreateSemaphore() (driver.SemaphoreID, error) {
	id := driver.SemaphoreID(d.newID())
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.destroyed {
		return driver.InvalidID, driver.ErrDeviceLost
	}
	d.semaphores[id] = newSemaphore()
	return id, nil
}

// DestroySemaphore releases a semaphore. Unknown IDs are ignored.
func (d *Device) DestroySemaphore(id driver.SemaphoreID) {
	d.mu.Lock()
	delete(d.semaphores, id)
	d.mu.Unlock()
}

// === Surfaces (test support) ===

// CreateSurface mints a surface for present tests. Real surfaces come
// from a platform layer; this stands in for one.
func (d *Device) CreateSurface() driver.SurfaceID {
	id := driver.SurfaceID(d.newID())
	d.mu.Lock()
	d.surfaces[id] = &surface{}
	d.mu.Unlock()
	return id
}

// PresentCount returns how many images have been presented to a surface.
func (d *Device) PresentCount(id driver.SurfaceID) uint64 {
	d.mu.Lock()
	s, ok := d.surfaces[id]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return s.presented.Load()
}

// === Device-wide ===

// ThreadSafe reports true: the software device locks internally.
func (d *Device) ThreadSafe() bool { return true }

// ExecErr returns the first execution-time error recorded by any queue
// worker (for example a Transition that disagreed with the tracked
// resource state), or nil.
func (d *Device) ExecErr() error {
	if e := d.execErr.Load(); e != nil {
		return e.err
	}
	return nil
}

func (d *Device) recordExecErr(err error) {
	d.execErr.CompareAndSwap(nil, &execError{err: err})
}

// Poll gives queue workers a chance to run. With wait set it blocks until
// every queue has drained its pending batches.
func (d *Device) Poll(wait bool) {
	if !wait {
		return
	}
	for _, q := range d.queues {
		q.drain()
	}
}

// Destroy stops the queue workers and releases everything. Idempotent.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	queues := d.queues
	d.mu.Unlock()

	for _, q := range queues {
		q.close()
	}

	d.mu.Lock()
	d.buffers = map[driver.BufferID]*buffer{}
	d.images = map[driver.ImageID]*image{}
	d.pipelines = map[driver.PipelineID]*pipeline{}
	d.states = map[driver.StateID]*stateObject{}
	d.fences = map[driver.FenceID]*fence{}
	d.semaphores = map[driver.SemaphoreID]*semaphore{}
	d.surfaces = map[driver.SurfaceID]*surface{}
	d.mu.Unlock()
}

// fillBytes writes a repeated little-endian 32-bit value over dst.
func fillBytes(dst []byte, value uint32) {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], value)
	for i := range dst {
		dst[i] = word[i%4]
	}
}
