package vulkano

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/JustAPerson/vulkano/driver"
	"github.com/JustAPerson/vulkano/internal/memtrack"

	// The software driver is always available to Open.
	_ "github.com/JustAPerson/vulkano/driver/software"
)

// ErrBudgetExceeded is returned by resource constructors when an allocation
// would push tracked usage past the budget set with [WithMemoryBudget].
var ErrBudgetExceeded = memtrack.ErrBudgetExceeded

// Device wraps one driver device with the safety layer: resource handles,
// access guards, command buffer building and queue submission all go through
// it. A Device is safe for concurrent use even over drivers that are not;
// driver calls are serialized when the driver reports ThreadSafe false,
// except fence waits and polling, which drivers must support concurrently.
type Device struct {
	drv         driver.Device
	info        driver.DeviceInfo
	label       string
	logOverride *slog.Logger
	compatFn    CompatChecker

	serialize bool
	nativeMu  sync.Mutex

	queues []*Queue
	mem    *memtrack.Tracker
	states *stateCache

	// closing gates the public API; destroyed gates driver calls made
	// while late guard resolution trickles in after teardown.
	closing   atomic.Bool
	destroyed atomic.Bool
}

// Open opens a Device over the preferred registered driver. The software
// driver is always registered; the native driver registers itself unless the
// build excludes it.
func Open(opts ...DeviceOption) (*Device, error) {
	drv, err := driver.Default()
	if err != nil {
		return nil, err
	}
	return NewDevice(drv, opts...), nil
}

// OpenDriver opens a Device over a specific registered driver, such as
// [driver.NameSoftware] or [driver.NameNative].
func OpenDriver(name string, opts ...DeviceOption) (*Device, error) {
	drv, err := driver.Open(name)
	if err != nil {
		return nil, err
	}
	return NewDevice(drv, opts...), nil
}

// NewDevice wraps an already-constructed driver device. The Device takes
// ownership: its Destroy destroys the driver device too.
func NewDevice(drv driver.Device, opts ...DeviceOption) *Device {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.compat == nil {
		o.compat = DefaultCompatChecker
	}
	d := &Device{
		drv:         drv,
		info:        drv.Info(),
		label:       o.label,
		logOverride: o.logger,
		compatFn:    o.compat,
		serialize:   !drv.ThreadSafe(),
		mem:         memtrack.New(o.budget),
	}
	d.states = newStateCache(d)
	for _, qi := range drv.Queues() {
		d.queues = append(d.queues, &Queue{dev: d, id: qi.ID, kind: qi.Kind})
	}
	d.logger().Info("device opened",
		"name", d.info.Name, "label", d.label,
		"queues", len(d.queues), "budget_bytes", o.budget)
	return d
}

// logger returns the device logger: the [WithLogger] override if set,
// otherwise the package logger.
func (d *Device) logger() *slog.Logger {
	if d.logOverride != nil {
		return d.logOverride
	}
	return Logger()
}

// Info returns what the driver reports about the underlying device.
func (d *Device) Info() driver.DeviceInfo { return d.info }

// Label returns the label given with [WithLabel], possibly empty.
func (d *Device) Label() string { return d.label }

// Queues returns the device queues. The returned slice must not be
// modified.
func (d *Device) Queues() []*Queue { return d.queues }

// Queue returns the first queue of the given kind, or nil if the device has
// none.
func (d *Device) Queue(kind driver.QueueKind) *Queue {
	for _, q := range d.queues {
		if q.kind == kind {
			return q
		}
	}
	return nil
}

// MemoryStats returns the device's current memory accounting.
func (d *Device) MemoryStats() memtrack.Stats { return d.mem.Stats() }

func (d *Device) compat(info ShaderInfo, layout SetLayout) error {
	return d.compatFn(info, layout)
}

func (d *Device) checkAlive(op string) {
	if d.closing.Load() {
		panic("vulkano: " + op + " on destroyed device")
	}
}

// === Driver call serialization ===

func (d *Device) lockNative() {
	if d.serialize {
		d.nativeMu.Lock()
	}
}

func (d *Device) unlockNative() {
	if d.serialize {
		d.nativeMu.Unlock()
	}
}

func (d *Device) createFence() (driver.FenceID, error) {
	d.lockNative()
	id, err := d.drv.CreateFence()
	d.unlockNative()
	return id, err
}

func (d *Device) destroyFence(id driver.FenceID) {
	if d.destroyed.Load() {
		return
	}
	d.lockNative()
	d.drv.DestroyFence(id)
	d.unlockNative()
}

func (d *Device) createSemaphore() (driver.SemaphoreID, error) {
	d.lockNative()
	id, err := d.drv.CreateSemaphore()
	d.unlockNative()
	return id, err
}

func (d *Device) destroySemaphore(id driver.SemaphoreID) {
	if d.destroyed.Load() {
		return
	}
	d.lockNative()
	d.drv.DestroySemaphore(id)
	d.unlockNative()
}

func (d *Device) fenceStatus(id driver.FenceID) (bool, error) {
	d.lockNative()
	ok, err := d.drv.FenceStatus(id)
	d.unlockNative()
	return ok, err
}

// waitFence blocks without holding the device lock; drivers support
// concurrent fence waits.
func (d *Device) waitFence(id driver.FenceID) error {
	return d.drv.WaitFence(id, 0)
}

func (d *Device) submitDriver(queue driver.QueueID, info driver.SubmitInfo) error {
	d.lockNative()
	err := d.drv.Submit(queue, info)
	d.unlockNative()
	return err
}

func (d *Device) presentDriver(queue driver.QueueID, image driver.ImageID, surface driver.SurfaceID) error {
	d.lockNative()
	err := d.drv.Present(queue, image, surface)
	d.unlockNative()
	return err
}

func (d *Device) writeBuffer(id driver.BufferID, offset uint64, data []byte) error {
	d.lockNative()
	err := d.drv.WriteBuffer(id, offset, data)
	d.unlockNative()
	return err
}

func (d *Device) readBuffer(id driver.BufferID, offset, size uint64) ([]byte, error) {
	d.lockNative()
	data, err := d.drv.ReadBuffer(id, offset, size)
	d.unlockNative()
	return data, err
}

func (d *Device) createPipelineDriver(desc driver.PipelineDesc) (driver.PipelineID, error) {
	d.lockNative()
	id, err := d.drv.CreatePipeline(desc)
	d.unlockNative()
	return id, err
}

// destroyHandle is the refcount-zero path: the last reference to a handle is
// gone, so the driver object goes with it.
func (d *Device) destroyHandle(h *Handle) {
	if !h.imported && !d.destroyed.Load() {
		d.lockNative()
		switch h.category {
		case CategoryBuffer:
			d.drv.DestroyBuffer(h.bufferID)
		case CategoryImage:
			d.drv.DestroyImage(h.imageID)
		case CategoryPipeline:
			d.drv.DestroyPipeline(h.pipelineID)
		case CategoryDynamicState:
			d.drv.DestroyState(h.stateID)
		}
		d.unlockNative()
	}
	if !h.imported {
		d.mem.Free(trackKind(h.category), h.size)
	}
	for _, sh := range h.states {
		d.releaseState(sh)
	}
	d.logger().Debug("handle destroyed", "handle", h.String())
}

func trackKind(c Category) memtrack.Kind {
	switch c {
	case CategoryBuffer:
		return memtrack.KindBuffer
	case CategoryImage:
		return memtrack.KindImage
	case CategoryPipeline:
		return memtrack.KindPipeline
	default:
		return memtrack.KindState
	}
}

// === Resource constructors ===

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	Label string

	// Size is the buffer length in bytes.
	Size uint64

	// Usage declares how the buffer will be used.
	Usage gputypes.BufferUsage

	// DefaultState is the state command buffers must leave the buffer in.
	// StateUndefined means StateGeneral.
	DefaultState driver.ResourceState
}

// CreateBuffer creates a buffer under an exclusive access guard.
func (d *Device) CreateBuffer(desc BufferDesc) (*Access, error) {
	h, err := d.createBufferHandle(desc)
	if err != nil {
		return nil, err
	}
	return newAccess(h), nil
}

// CreateBufferShared creates a buffer under a shared-read access guard. Use
// it for buffers that settle into a read-mostly life, such as uploaded
// vertex data read by many queues at once.
func (d *Device) CreateBufferShared(desc BufferDesc) (*SharedAccess, error) {
	h, err := d.createBufferHandle(desc)
	if err != nil {
		return nil, err
	}
	return newSharedAccess(h), nil
}

func (d *Device) createBufferHandle(desc BufferDesc) (*Handle, error) {
	d.checkAlive("CreateBuffer")
	ds := desc.DefaultState
	if ds == driver.StateUndefined {
		ds = driver.StateGeneral
	}
	if err := d.mem.Alloc(memtrack.KindBuffer, desc.Size); err != nil {
		return nil, err
	}
	d.lockNative()
	id, err := d.drv.CreateBuffer(driver.BufferDesc{
		Label:        desc.Label,
		Size:         desc.Size,
		Usage:        desc.Usage,
		InitialState: ds,
	})
	d.unlockNative()
	if err != nil {
		d.mem.Free(memtrack.KindBuffer, desc.Size)
		return nil, err
	}
	h := newHandle(d, CategoryBuffer, ds, desc.Label, desc.Size)
	h.bufferID = id
	d.logger().Debug("buffer created", "handle", h.String(), "bytes", desc.Size)
	return h, nil
}

// ImageDesc describes an image to create.
type ImageDesc struct {
	Label string

	// Extent is the image size in texels.
	Extent gputypes.Extent3D

	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage

	// MipLevels is the mip chain length. Zero means 1.
	MipLevels uint32

	// Samples is the multisample count. Zero means 1.
	Samples uint32

	// DefaultState is the state command buffers must leave the image in.
	// StateUndefined means StateGeneral. Images meant for presentation
	// must declare StatePresent.
	DefaultState driver.ResourceState
}

// CreateImage creates an image under an exclusive access guard.
func (d *Device) CreateImage(desc ImageDesc) (*Access, error) {
	h, err := d.createImageHandle(desc)
	if err != nil {
		return nil, err
	}
	return newAccess(h), nil
}

// CreateImageShared creates an image under a shared-read access guard.
func (d *Device) CreateImageShared(desc ImageDesc) (*SharedAccess, error) {
	h, err := d.createImageHandle(desc)
	if err != nil {
		return nil, err
	}
	return newSharedAccess(h), nil
}

func (d *Device) createImageHandle(desc ImageDesc) (*Handle, error) {
	d.checkAlive("CreateImage")
	ds := desc.DefaultState
	if ds == driver.StateUndefined {
		ds = driver.StateGeneral
	}
	size := imageBytes(desc.Extent)
	if err := d.mem.Alloc(memtrack.KindImage, size); err != nil {
		return nil, err
	}
	d.lockNative()
	id, err := d.drv.CreateImage(driver.ImageDesc{
		Label:        desc.Label,
		Extent:       desc.Extent,
		Format:       desc.Format,
		Usage:        desc.Usage,
		MipLevels:    desc.MipLevels,
		Samples:      desc.Samples,
		InitialState: ds,
	})
	d.unlockNative()
	if err != nil {
		d.mem.Free(memtrack.KindImage, size)
		return nil, err
	}
	h := newHandle(d, CategoryImage, ds, desc.Label, size)
	h.imageID = id
	d.logger().Debug("image created", "handle", h.String(), "bytes", size)
	return h, nil
}

// imageBytes estimates an image's memory footprint for budget accounting,
// assuming four bytes per texel.
func imageBytes(e gputypes.Extent3D) uint64 {
	depth := e.DepthOrArrayLayers
	if depth == 0 {
		depth = 1
	}
	return uint64(e.Width) * uint64(e.Height) * uint64(depth) * 4
}

// ImportImage wraps an image the device did not create, typically one owned
// by a presentation surface, in a shared access guard. The driver object is
// not destroyed when the guard is; its owner keeps it.
func (d *Device) ImportImage(id driver.ImageID, desc ImageDesc) *SharedAccess {
	d.checkAlive("ImportImage")
	ds := desc.DefaultState
	if ds == driver.StateUndefined {
		ds = driver.StatePresent
	}
	h := newHandle(d, CategoryImage, ds, desc.Label, 0)
	h.imageID = id
	h.imported = true
	d.logger().Debug("image imported", "handle", h.String())
	return newSharedAccess(h)
}

// === Lifecycle ===

// WaitIdle blocks until all work submitted to all queues has completed.
// It proves completion by pushing an empty fenced batch through each queue;
// in-order execution means the fence signals only after everything before
// it. WaitIdle observes completion but does not resolve submission guards;
// their owners still consume them as usual.
func (d *Device) WaitIdle() error {
	d.checkAlive("WaitIdle")
	return d.waitAll()
}

func (d *Device) waitAll() error {
	for _, q := range d.queues {
		fence, err := d.createFence()
		if err != nil {
			return err
		}
		q.mu.Lock()
		err = d.submitDriver(q.id, driver.SubmitInfo{Fence: fence})
		q.mu.Unlock()
		if err == nil {
			err = d.waitFence(fence)
		}
		d.destroyFence(fence)
		if err != nil {
			return fmt.Errorf("vulkano: wait idle on %s queue: %w", q.kind, err)
		}
	}
	return nil
}

// Poll asks the driver to make progress on queued work. With wait true it
// blocks until some progress is made. Poll also satisfies the
// gpucontext.Device interface.
func (d *Device) Poll(wait bool) {
	if d.destroyed.Load() {
		return
	}
	d.drv.Poll(wait)
}

// Destroy drains all queues, destroys cached state objects and tears down
// the driver device. Unconsumed submission guards remain consumable; their
// late resolution is a no-op against the destroyed driver. Destroy is
// idempotent. Destroy also satisfies the gpucontext.Device interface.
func (d *Device) Destroy() {
	if !d.closing.CompareAndSwap(false, true) {
		return
	}
	if err := d.waitAll(); err != nil {
		d.logger().Warn("drain during destroy", "err", err)
	}
	// Everything submitted has executed; complete pending submissions so
	// late guard waits return instead of probing the dead driver.
	for _, q := range d.queues {
		q.mu.Lock()
		pending := append([]*submission(nil), q.pending...)
		q.mu.Unlock()
		for _, sub := range pending {
			sub.complete(nil)
		}
	}
	d.states.clear()
	if used := d.mem.Used(); used > 0 {
		d.logger().Warn("device destroyed with live resources", "bytes", used)
	}
	d.destroyed.Store(true)
	d.lockNative()
	d.drv.Destroy()
	d.unlockNative()
	d.logger().Info("device destroyed", "name", d.info.Name, "label", d.label)
}
