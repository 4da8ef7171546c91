//go:build !nogpu

// Package native implements the driver contract on top of gogpu/wgpu's
// hardware abstraction layer.
//
// The HAL exposes a single universal queue and tracks execution hazards
// internally, so Transition commands encode no work here and semaphores
// are unsupported. Callers that need cross-queue ordering use the
// software device or wait on fences.
package native

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/JustAPerson/vulkano/driver"
)

func init() {
	driver.Register(driver.NameNative, func() (driver.Device, error) {
		return New()
	})
}

// The HAL models one hardware queue.
const nativeQueueID = driver.QueueID(1)

const fenceWaitSlice = time.Duration(5_000_000_000) // ns

// Device implements driver.Device over hal.Device.
//
// HAL handles are not synchronized internally, so Device reports
// ThreadSafe() == false and relies on the caller to serialize access.
type Device struct {
	instance hal.Instance // nil when wrapping an external device
	dev      hal.Device
	queue    hal.Queue

	name       string
	deviceType gputypes.DeviceType
	limits     gputypes.Limits

	nextID atomic.Uint64

	mu        sync.Mutex
	buffers   map[driver.BufferID]*nativeBuffer
	images    map[driver.ImageID]*nativeImage
	pipelines map[driver.PipelineID]*nativePipeline
	states    map[driver.StateID]struct{}
	fences    map[driver.FenceID]hal.Fence
	pending   []*pendingBatch
	destroyed bool
}

type nativeBuffer struct {
	buf  hal.Buffer
	size uint64
}

type nativeImage struct {
	tex  hal.Texture
	desc driver.ImageDesc
}

// nativePipeline holds the shader module plus one compiled variant per
// binding signature. Variants are built lazily at first dispatch because
// the binding layout is only known then.
type nativePipeline struct {
	module   hal.ShaderModule
	entry    string
	variants map[uint64]*pipelineVariant
}

type pipelineVariant struct {
	bgLayout  hal.BindGroupLayout
	pipLayout hal.PipelineLayout
	pipeline  hal.ComputePipeline
}

// pendingBatch keeps HAL objects alive until the GPU is done with them.
// Swept on fence waits and Poll.
type pendingBatch struct {
	fence      hal.Fence
	ownedFence bool
	cmdBufs    []hal.CommandBuffer
	bindGroups []hal.BindGroup
}

// New bootstraps a standalone Vulkan device, preferring a discrete or
// integrated adapter.
func New() (*Device, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("native: vulkan backend not available: %w", driver.ErrUnsupported)
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("native: no adapters found: %w", driver.ErrUnsupported)
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open adapter %q: %w", selected.Info.Name, err)
	}

	d := newDevice(openDev.Device, openDev.Queue, selected.Info.Name, selected.Info.DeviceType)
	d.instance = instance
	return d, nil
}

// NewWithDevice wraps an externally owned hal device and queue. The
// caller keeps ownership of both; Destroy releases only the resources
// this Device created.
func NewWithDevice(dev hal.Device, queue hal.Queue, name string) *Device {
	return newDevice(dev, queue, name, 0)
}

func newDevice(dev hal.Device, queue hal.Queue, name string, dt gputypes.DeviceType) *Device {
	d := &Device{
		dev:        dev,
		queue:      queue,
		name:       name,
		deviceType: dt,
		limits:     gputypes.DefaultLimits(),
		buffers:    make(map[driver.BufferID]*nativeBuffer),
		images:     make(map[driver.ImageID]*nativeImage),
		pipelines:  make(map[driver.PipelineID]*nativePipeline),
		states:     make(map[driver.StateID]struct{}),
		fences:     make(map[driver.FenceID]hal.Fence),
	}
	d.nextID.Store(1)
	return d
}

func (d *Device) newID() uint64 {
	return d.nextID.Add(1) - 1
}

// Info returns static device information.
func (d *Device) Info() driver.DeviceInfo {
	return driver.DeviceInfo{
		Name:       d.name,
		DeviceType: d.deviceType,
		Limits:     d.limits,
	}
}

// Queues returns the single universal queue the HAL exposes.
func (d *Device) Queues() []driver.QueueInfo {
	return []driver.QueueInfo{{ID: nativeQueueID, Kind: driver.QueueGraphics}}
}

// ThreadSafe reports false: HAL handles need external serialization.
func (d *Device) ThreadSafe() bool { return false }

// === Buffers ===

// CreateBuffer allocates a device buffer.
func (d *Device) CreateBuffer(desc driver.BufferDesc) (driver.BufferID, error) {
	if desc.Size == 0 {
		return driver.InvalidID, fmt.Errorf("native: buffer size must be positive")
	}
	if d.destroyed {
		return driver.InvalidID, driver.ErrDeviceLost
	}

	buf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: desc.Usage,
	})
	if err != nil {
		return driver.InvalidID, fmt.Errorf("native: create buffer: %w", err)
	}

	id := driver.BufferID(d.newID())
	d.mu.Lock()
	d.buffers[id] = &nativeBuffer{buf: buf, size: desc.Size}
	d.mu.Unlock()
	return id, nil
}

// DestroyBuffer releases a buffer. Unknown IDs are ignored.
func (d *Device) DestroyBuffer(id driver.BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	if ok {
		delete(d.buffers, id)
	}
	d.mu.Unlock()
	if ok {
		d.dev.DestroyBuffer(b.buf)
	}
}

// WriteBuffer uploads data through the queue, ordered before any batch
// submitted afterwards.
func (d *Device) WriteBuffer(id driver.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	b, ok := d.buffers[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("native: buffer %d: %w", id, driver.ErrNotFound)
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("native: write past end of buffer %d", id)
	}
	if len(data) > 0 {
		d.queue.WriteBuffer(b.buf, offset, data)
	}
	return nil
}

// ReadBuffer copies the range into a mappable staging buffer and waits
// for the copy.
func (d *Device) ReadBuffer(id driver.BufferID, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("native: buffer %d: %w", id, driver.ErrNotFound)
	}
	if offset+size > b.size {
		return nil, fmt.Errorf("native: read past end of buffer %d", id)
	}

	staging, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label:            "readback-staging",
		Size:             size,
		Usage:            gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		MappedAtCreation: true,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create staging buffer: %w", err)
	}
	defer d.dev.DestroyBuffer(staging)

	encoder, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "readback"})
	if err != nil {
		return nil, fmt.Errorf("native: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("readback"); err != nil {
		return nil, fmt.Errorf("native: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(b.buf, staging, []hal.BufferCopy{
		{SrcOffset: offset, DstOffset: 0, Size: size},
	})
	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("native: end encoding: %w", err)
	}
	defer cmdBuf.Destroy()

	fence, err := d.dev.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("native: create fence: %w", err)
	}
	defer d.dev.DestroyFence(fence)

	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		return nil, fmt.Errorf("native: submit readback: %w", err)
	}
	if _, err := d.dev.Wait(fence, 1, fenceWaitSlice); err != nil {
		return nil, fmt.Errorf("native: wait readback: %w", err)
	}

	// TODO: return the mapped staging contents once hal exposes buffer
	// mapping. Until then the copy executes but the bytes are not
	// observable from here.
	return make([]byte, size), nil
}

// === Images ===

// CreateImage allocates a 2D texture.
func (d *Device) CreateImage(desc driver.ImageDesc) (driver.ImageID, error) {
	if desc.Extent.Width == 0 || desc.Extent.Height == 0 {
		return driver.InvalidID, fmt.Errorf("native: image extent must be positive")
	}
	if d.destroyed {
		return driver.InvalidID, driver.ErrDeviceLost
	}

	mips := desc.MipLevels
	if mips == 0 {
		mips = 1
	}
	samples := desc.Samples
	if samples == 0 {
		samples = 1
	}
	depth := desc.Extent.DepthOrArrayLayers
	if depth == 0 {
		depth = 1
	}

	tex, err := d.dev.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              desc.Extent.Width,
			Height:             desc.Extent.Height,
			DepthOrArrayLayers: depth,
		},
		MipLevelCount: mips,
		SampleCount:   samples,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		return driver.InvalidID, fmt.Errorf("native: create texture: %w", err)
	}

	id := driver.ImageID(d.newID())
	d.mu.Lock()
	d.images[id] = &nativeImage{tex: tex, desc: desc}
	d.mu.Unlock()
	return id, nil
}

// DestroyImage releases an image. Unknown IDs are ignored.
func (d *Device) DestroyImage(id driver.ImageID) {
	d.mu.Lock()
	img, ok := d.images[id]
	if ok {
		delete(d.images, id)
	}
	d.mu.Unlock()
	if ok {
		d.dev.DestroyTexture(img.tex)
	}
}

// === Pipelines and dynamic state ===

// CreatePipeline compiles the shader module. The compute pipeline itself
// is built per binding signature on first dispatch.
func (d *Device) CreatePipeline(desc driver.PipelineDesc) (driver.PipelineID, error) {
	if len(desc.SPIRV) == 0 {
		return driver.InvalidID, fmt.Errorf("native: empty shader bytecode")
	}
	if desc.EntryPoint == "" {
		return driver.InvalidID, fmt.Errorf("native: missing entry point")
	}
	if desc.Stage != driver.StageCompute {
		return driver.InvalidID, fmt.Errorf("native: %v stage: %w", desc.Stage, driver.ErrUnsupported)
	}

	module, err := d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: desc.SPIRV},
	})
	if err != nil {
		return driver.InvalidID, fmt.Errorf("native: create shader module: %w", err)
	}

	id := driver.PipelineID(d.newID())
	d.mu.Lock()
	d.pipelines[id] = &nativePipeline{
		module:   module,
		entry:    desc.EntryPoint,
		variants: make(map[uint64]*pipelineVariant),
	}
	d.mu.Unlock()
	return id, nil
}

// DestroyPipeline releases a pipeline and its compiled variants.
func (d *Device) DestroyPipeline(id driver.PipelineID) {
	d.mu.Lock()
	p, ok := d.pipelines[id]
	if ok {
		delete(d.pipelines, id)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	for _, v := range p.variants {
		d.dev.DestroyComputePipeline(v.pipeline)
		d.dev.DestroyPipelineLayout(v.pipLayout)
		d.dev.DestroyBindGroupLayout(v.bgLayout)
	}
	d.dev.DestroyShaderModule(p.module)
}

// bindingMask encodes which binding slots a dispatch uses; it keys the
// compiled pipeline variants.
func bindingMask(bindings []driver.Binding) uint64 {
	var mask uint64
	for _, b := range bindings {
		mask |= 1 << (b.Binding % 64)
	}
	return mask
}

// variantFor returns the compiled pipeline for a binding signature,
// building layout, pipeline layout and pipeline on first use.
func (d *Device) variantFor(p *nativePipeline, bindings []driver.Binding) (*pipelineVariant, error) {
	mask := bindingMask(bindings)
	if v, ok := p.variants[mask]; ok {
		return v, nil
	}

	entries := make([]gputypes.BindGroupLayoutEntry, len(bindings))
	for i, b := range bindings {
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    b.Binding,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		}
	}
	bgLayout, err := d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "dispatch-layout",
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create bind group layout: %w", err)
	}

	pipLayout, err := d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "dispatch-layout",
		BindGroupLayouts: []hal.BindGroupLayout{bgLayout},
	})
	if err != nil {
		d.dev.DestroyBindGroupLayout(bgLayout)
		return nil, fmt.Errorf("native: create pipeline layout: %w", err)
	}

	pipeline, err := d.dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  "dispatch",
		Layout: pipLayout,
		Compute: hal.ComputeState{
			Module:     p.module,
			EntryPoint: p.entry,
		},
	})
	if err != nil {
		d.dev.DestroyPipelineLayout(pipLayout)
		d.dev.DestroyBindGroupLayout(bgLayout)
		return nil, fmt.Errorf("native: create compute pipeline: %w", err)
	}

	v := &pipelineVariant{bgLayout: bgLayout, pipLayout: pipLayout, pipeline: pipeline}
	p.variants[mask] = v
	return v, nil
}

func (d *Device) createState() (driver.StateID, error) {
	if d.destroyed {
		return driver.InvalidID, driver.ErrDeviceLost
	}
	id := driver.StateID(d.newID())
	d.mu.Lock()
	d.states[id] = struct{}{}
	d.mu.Unlock()
	return id, nil
}

// The HAL bakes fixed-function state into pipelines at creation, so
// state objects are plain records here.

// CreateRasterizerState creates a rasterizer state object.
func (d *Device) CreateRasterizerState(driver.RasterizerDesc) (driver.StateID, error) {
	return d.createState()
}

// CreateBlendState creates a blend state object.
func (d *Device) CreateBlendState(driver.BlendDesc) (driver.StateID, error) {
	return d.createState()
}

// CreateDepthStencilState creates a depth/stencil state object.
func (d *Device) CreateDepthStencilState(driver.DepthStencilDesc) (driver.StateID, error) {
	return d.createState()
}

// CreateMultisampleState creates a multisample state object.
func (d *Device) CreateMultisampleState(driver.MultisampleDesc) (driver.StateID, error) {
	return d.createState()
}

// CreateViewportState creates a viewport state object.
func (d *Device) CreateViewportState(driver.ViewportDesc) (driver.StateID, error) {
	return d.createState()
}

// DestroyState releases a dynamic-state object. Unknown IDs are ignored.
func (d *Device) DestroyState(id driver.StateID) {
	d.mu.Lock()
	delete(d.states, id)
	d.mu.Unlock()
}

// === Fences and semaphores ===

// CreateFence creates an unsignaled fence.
func (d *Device) CreateFence() (driver.FenceID, error) {
	if d.destroyed {
		return driver.InvalidID, driver.ErrDeviceLost
	}
	fence, err := d.dev.CreateFence()
	if err != nil {
		return driver.InvalidID, fmt.Errorf("native: create fence: %w", err)
	}
	id := driver.FenceID(d.newID())
	d.mu.Lock()
	d.fences[id] = fence
	d.mu.Unlock()
	return id, nil
}

// DestroyFence releases a fence. Unknown IDs are ignored.
func (d *Device) DestroyFence(id driver.FenceID) {
	d.mu.Lock()
	fence, ok := d.fences[id]
	if ok {
		delete(d.fences, id)
	}
	d.mu.Unlock()
	if ok {
		d.dev.DestroyFence(fence)
	}
}

// FenceStatus reports whether a fence has been signaled.
func (d *Device) FenceStatus(id driver.FenceID) (bool, error) {
	d.mu.Lock()
	fence, ok := d.fences[id]
	d.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("native: fence %d: %w", id, driver.ErrNotFound)
	}
	signaled, err := d.dev.Wait(fence, 1, 0)
	if err != nil {
		return false, fmt.Errorf("native: poll fence %d: %w", id, err)
	}
	if signaled {
		d.sweep()
	}
	return signaled, nil
}

// WaitFence blocks until the fence signals or the timeout elapses.
// A zero timeout waits indefinitely.
func (d *Device) WaitFence(id driver.FenceID, timeout time.Duration) error {
	d.mu.Lock()
	fence, ok := d.fences[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("native: fence %d: %w", id, driver.ErrNotFound)
	}

	ns := uint64(timeout.Nanoseconds())
	if timeout <= 0 {
		// Wait in slices so a lost device cannot block forever silently.
		for {
			signaled, err := d.dev.Wait(fence, 1, fenceWaitSlice)
			if err != nil {
				return fmt.Errorf("native: wait fence %d: %w", id, err)
			}
			if signaled {
				d.sweep()
				return nil
			}
		}
	}

	signaled, err := d.dev.Wait(fence, 1, time.Duration(ns))
	if err != nil {
		return fmt.Errorf("native: wait fence %d: %w", id, err)
	}
	if !signaled {
		return fmt.Errorf("native: fence %d: %w", id, driver.ErrTimeout)
	}
	d.sweep()
	return nil
}

// CreateSemaphore is unsupported: the HAL has one queue and no
// queue-to-queue primitives.
func (d *Device) CreateSemaphore() (driver.SemaphoreID, error) {
	return driver.InvalidID, fmt.Errorf("native: semaphores: %w", driver.ErrUnsupported)
}

// DestroySemaphore is a no-op.
func (d *Device) DestroySemaphore(driver.SemaphoreID) {}

// === Submission ===

// Submit translates a batch into HAL command buffers and submits them.
//
// Fills become queue writes, which the HAL orders between the
// surrounding command buffers; the batch is split at each one so the
// recorded order is preserved. Transitions encode nothing: the HAL
// tracks hazards itself.
func (d *Device) Submit(queueID driver.QueueID, info driver.SubmitInfo) error {
	if queueID != nativeQueueID {
		return fmt.Errorf("native: queue %d: %w", queueID, driver.ErrNotFound)
	}
	if len(info.WaitSemaphores) > 0 || len(info.SignalSemaphores) > 0 {
		return fmt.Errorf("native: semaphores: %w", driver.ErrUnsupported)
	}
	if d.destroyed {
		return driver.ErrDeviceLost
	}

	var halFence hal.Fence
	if info.Fence != driver.InvalidID {
		d.mu.Lock()
		f, ok := d.fences[info.Fence]
		d.mu.Unlock()
		if !ok {
			return fmt.Errorf("native: fence %d: %w", info.Fence, driver.ErrNotFound)
		}
		halFence = f
	}

	batch := &pendingBatch{fence: halFence}
	enc := &batchEncoder{dev: d, batch: batch}

	for _, c := range info.Commands {
		var err error
		switch cmd := c.(type) {
		case driver.CopyBuffer:
			err = enc.copyBuffer(cmd)
		case driver.FillBuffer:
			err = enc.fillBuffer(cmd)
		case driver.CopyBufferToImage:
			err = fmt.Errorf("native: buffer-to-image copy: %w", driver.ErrUnsupported)
		case driver.Dispatch:
			err = enc.dispatch(cmd)
		case driver.Transition:
			// Hazard tracking lives in the HAL.
		default:
			err = fmt.Errorf("native: command %T: %w", c, driver.ErrUnsupported)
		}
		if err != nil {
			enc.discard()
			return err
		}
	}

	if err := enc.finish(); err != nil {
		enc.discard()
		return err
	}

	if batch.fence == nil {
		// Keep the batch sweepable even without a caller fence.
		fence, err := d.dev.CreateFence()
		if err == nil {
			batch.fence = fence
			batch.ownedFence = true
			_ = d.queue.Submit(nil, fence, 1)
		}
	}

	d.mu.Lock()
	d.pending = append(d.pending, batch)
	d.mu.Unlock()
	return nil
}

// Present is unsupported: the HAL surface carries no swapchain.
func (d *Device) Present(driver.QueueID, driver.ImageID, driver.SurfaceID) error {
	return fmt.Errorf("native: present: %w", driver.ErrUnsupported)
}

// sweep destroys command buffers and bind groups whose batch has
// completed on the GPU.
func (d *Device) sweep() {
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	var live []*pendingBatch
	for _, b := range pending {
		done := b.fence == nil
		if !done {
			signaled, err := d.dev.Wait(b.fence, 1, 0)
			done = err != nil || signaled
		}
		if !done {
			live = append(live, b)
			continue
		}
		b.release(d)
	}

	if len(live) > 0 {
		d.mu.Lock()
		d.pending = append(live, d.pending...)
		d.mu.Unlock()
	}
}

func (b *pendingBatch) release(d *Device) {
	for _, cb := range b.cmdBufs {
		cb.Destroy()
	}
	for _, bg := range b.bindGroups {
		d.dev.DestroyBindGroup(bg)
	}
	if b.ownedFence && b.fence != nil {
		d.dev.DestroyFence(b.fence)
	}
}

// Poll sweeps completed batches. With wait set it first drains the queue
// by fencing an empty submission.
func (d *Device) Poll(wait bool) {
	if wait && !d.destroyed {
		fence, err := d.dev.CreateFence()
		if err == nil {
			if d.queue.Submit(nil, fence, 1) == nil {
				_, _ = d.dev.Wait(fence, 1, fenceWaitSlice)
			}
			d.dev.DestroyFence(fence)
		}
	}
	d.sweep()
}

// Destroy drains the queue and releases every resource this Device
// created, then the device and instance when it owns them. Idempotent.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	d.mu.Unlock()

	// Drain before tearing resources out from under in-flight work.
	fence, err := d.dev.CreateFence()
	if err == nil {
		if d.queue.Submit(nil, fence, 1) == nil {
			_, _ = d.dev.Wait(fence, 1, fenceWaitSlice)
		}
		d.dev.DestroyFence(fence)
	}
	d.sweep()

	d.mu.Lock()
	buffers := d.buffers
	images := d.images
	pipelines := d.pipelines
	fences := d.fences
	d.buffers = map[driver.BufferID]*nativeBuffer{}
	d.images = map[driver.ImageID]*nativeImage{}
	d.pipelines = map[driver.PipelineID]*nativePipeline{}
	d.states = map[driver.StateID]struct{}{}
	d.fences = map[driver.FenceID]hal.Fence{}
	d.mu.Unlock()

	for _, b := range buffers {
		d.dev.DestroyBuffer(b.buf)
	}
	for _, img := range images {
		d.dev.DestroyTexture(img.tex)
	}
	for _, p := range pipelines {
		for _, v := range p.variants {
			d.dev.DestroyComputePipeline(v.pipeline)
			d.dev.DestroyPipelineLayout(v.pipLayout)
			d.dev.DestroyBindGroupLayout(v.bgLayout)
		}
		d.dev.DestroyShaderModule(p.module)
	}
	for _, f := range fences {
		d.dev.DestroyFence(f)
	}

	if d.instance != nil {
		d.dev.Destroy()
		d.instance.Destroy()
	}
}

// === Batch encoding ===

// batchEncoder turns a command list into HAL submissions. It opens an
// encoder lazily and flushes it whenever a queue write must slot in
// between recorded commands.
type batchEncoder struct {
	dev     *Device
	batch   *pendingBatch
	encoder hal.CommandEncoder
	open    bool
}

func (e *batchEncoder) ensure() error {
	if e.open {
		return nil
	}
	encoder, err := e.dev.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "batch"})
	if err != nil {
		return fmt.Errorf("native: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("batch"); err != nil {
		return fmt.Errorf("native: begin encoding: %w", err)
	}
	e.encoder = encoder
	e.open = true
	return nil
}

// flush submits the open encoder, without a fence, so later queue writes
// stay ordered after it.
func (e *batchEncoder) flush() error {
	if !e.open {
		return nil
	}
	cmdBuf, err := e.encoder.EndEncoding()
	if err != nil {
		e.open = false
		return fmt.Errorf("native: end encoding: %w", err)
	}
	e.open = false
	if err := e.dev.queue.Submit([]hal.CommandBuffer{cmdBuf}, nil, 0); err != nil {
		cmdBuf.Destroy()
		return fmt.Errorf("native: submit batch: %w", err)
	}
	e.batch.cmdBufs = append(e.batch.cmdBufs, cmdBuf)
	return nil
}

// finish submits the final encoder with the batch fence attached. An
// empty remainder still signals the fence through an empty submission.
func (e *batchEncoder) finish() error {
	if !e.open {
		if e.batch.fence != nil {
			if err := e.dev.queue.Submit(nil, e.batch.fence, 1); err != nil {
				return fmt.Errorf("native: submit fence: %w", err)
			}
		}
		return nil
	}
	cmdBuf, err := e.encoder.EndEncoding()
	if err != nil {
		e.open = false
		return fmt.Errorf("native: end encoding: %w", err)
	}
	e.open = false
	if err := e.dev.queue.Submit([]hal.CommandBuffer{cmdBuf}, e.batch.fence, 1); err != nil {
		cmdBuf.Destroy()
		return fmt.Errorf("native: submit batch: %w", err)
	}
	e.batch.cmdBufs = append(e.batch.cmdBufs, cmdBuf)
	return nil
}

func (e *batchEncoder) discard() {
	if e.open {
		e.encoder.DiscardEncoding()
		e.open = false
	}
}

func (e *batchEncoder) lookupBuffer(id driver.BufferID) (*nativeBuffer, error) {
	e.dev.mu.Lock()
	b, ok := e.dev.buffers[id]
	e.dev.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("native: buffer %d: %w", id, driver.ErrNotFound)
	}
	return b, nil
}

func (e *batchEncoder) copyBuffer(cmd driver.CopyBuffer) error {
	src, err := e.lookupBuffer(cmd.Src)
	if err != nil {
		return err
	}
	dst, err := e.lookupBuffer(cmd.Dst)
	if err != nil {
		return err
	}
	if cmd.SrcOffset+cmd.Size > src.size || cmd.DstOffset+cmd.Size > dst.size {
		return fmt.Errorf("native: copy of %d bytes out of range", cmd.Size)
	}
	if err := e.ensure(); err != nil {
		return err
	}
	e.encoder.CopyBufferToBuffer(src.buf, dst.buf, []hal.BufferCopy{
		{SrcOffset: cmd.SrcOffset, DstOffset: cmd.DstOffset, Size: cmd.Size},
	})
	return nil
}

// fillBuffer expands the fill pattern on the CPU and uploads it as a
// queue write between the surrounding command buffers.
func (e *batchEncoder) fillBuffer(cmd driver.FillBuffer) error {
	dst, err := e.lookupBuffer(cmd.Dst)
	if err != nil {
		return err
	}
	if cmd.Offset+cmd.Size > dst.size {
		return fmt.Errorf("native: fill of %d bytes out of range", cmd.Size)
	}
	if err := e.flush(); err != nil {
		return err
	}

	pattern := make([]byte, cmd.Size)
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], cmd.Value)
	for i := range pattern {
		pattern[i] = word[i%4]
	}
	e.dev.queue.WriteBuffer(dst.buf, cmd.Offset, pattern)
	return nil
}

func (e *batchEncoder) dispatch(cmd driver.Dispatch) error {
	e.dev.mu.Lock()
	p, ok := e.dev.pipelines[cmd.Pipeline]
	e.dev.mu.Unlock()
	if !ok {
		return fmt.Errorf("native: pipeline %d: %w", cmd.Pipeline, driver.ErrNotFound)
	}

	variant, err := e.dev.variantFor(p, cmd.Bindings)
	if err != nil {
		return err
	}

	entries := make([]gputypes.BindGroupEntry, len(cmd.Bindings))
	for i, binding := range cmd.Bindings {
		buf, err := e.lookupBuffer(binding.Buffer)
		if err != nil {
			return err
		}
		entries[i] = gputypes.BindGroupEntry{
			Binding: binding.Binding,
			Resource: gputypes.BufferBinding{
				Buffer: buf.buf.NativeHandle(),
				Offset: binding.Offset,
				Size:   binding.Size,
			},
		}
	}

	bg, err := e.dev.dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "dispatch",
		Layout:  variant.bgLayout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("native: create bind group: %w", err)
	}
	e.batch.bindGroups = append(e.batch.bindGroups, bg)

	if err := e.ensure(); err != nil {
		return err
	}
	pass := e.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "dispatch"})
	pass.SetPipeline(variant.pipeline)
	pass.SetBindGroup(0, bg, nil)
	pass.Dispatch(cmd.Groups[0], cmd.Groups[1], cmd.Groups[2])
	pass.End()
	return nil
}
