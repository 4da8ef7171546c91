// Package driver defines the contract between the vulkano safety core and
// the underlying explicit graphics/compute API.
//
// Implementations of Device perform no safety checking of their own: they
// will happily destroy a buffer the GPU is still reading, or mutate one
// from two goroutines at once. The root vulkano package exists to make
// that impossible to reach; this package only describes the raw surface.
//
// Two implementations ship with the module:
//   - driver/software: a pure-Go reference device with real buffer
//     contents and controllable completion, used by tests and headless
//     environments.
//   - driver/native: a bridge to gogpu/wgpu's hardware abstraction layer.
package driver

import (
	"errors"
	"time"

	"github.com/gogpu/gputypes"
)

// Resource IDs
//
// Opaque handles minted by a Device. Each implementation maintains its own
// mapping between IDs and backend objects. IDs are uint64 to accommodate
// various backend handle sizes; zero is never a valid ID.

// BufferID is an opaque handle to a device buffer.
type BufferID uint64

// ImageID is an opaque handle to a device image.
type ImageID uint64

// PipelineID is an opaque handle to a compiled pipeline.
type PipelineID uint64

// StateID is an opaque handle to a dynamic-state object
// (rasterizer, blend, depth-stencil, multisample, viewport).
type StateID uint64

// FenceID is an opaque handle to a device-to-host completion signal.
type FenceID uint64

// SemaphoreID is an opaque handle to a queue-to-queue completion signal.
type SemaphoreID uint64

// QueueID identifies one execution queue of a device.
type QueueID uint64

// SurfaceID is an opaque handle to a presentable surface. Surfaces are
// created by the platform layer, not by this module; the software device
// mints them for tests.
type SurfaceID uint64

// InvalidID is the zero value, representing an invalid/null handle.
const InvalidID = 0

// QueueKind classifies an execution queue by the work it accepts.
type QueueKind uint32

const (
	// QueueGraphics accepts graphics, compute and transfer work.
	QueueGraphics QueueKind = iota + 1

	// QueueCompute accepts compute and transfer work.
	QueueCompute

	// QueueTransfer accepts transfer (DMA) work only.
	QueueTransfer
)

// String returns the queue kind name.
func (k QueueKind) String() string {
	switch k {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// QueueInfo describes one queue exposed by a device.
type QueueInfo struct {
	// ID identifies the queue in Submit and Present calls.
	ID QueueID

	// Kind is the class of work the queue accepts.
	Kind QueueKind
}

// DeviceInfo describes the device behind a Device implementation.
type DeviceInfo struct {
	// Name is a human-readable device name.
	Name string

	// DeviceType is the hardware class (discrete, integrated, CPU).
	DeviceType gputypes.DeviceType

	// Limits are the device capability limits.
	Limits gputypes.Limits
}

// ResourceState is the execution state a state-capable resource
// (buffer or image) is in. Explicit APIs require the caller to transition
// resources between states; the vulkano core tracks these transitions
// against each resource's declared default state.
type ResourceState uint32

const (
	// StateUndefined is the state of a resource before first use.
	StateUndefined ResourceState = iota

	// StateGeneral permits any access at reduced efficiency.
	StateGeneral

	// StateCopySrc permits transfer reads.
	StateCopySrc

	// StateCopyDst permits transfer writes.
	StateCopyDst

	// StateShaderRead permits shader sampling/uniform reads.
	StateShaderRead

	// StateShaderWrite permits shader storage writes.
	StateShaderWrite

	// StatePresent is the state a presentable image must be in when
	// handed to Present.
	StatePresent
)

// String returns the state name.
func (s ResourceState) String() string {
	switch s {
	case StateUndefined:
		return "undefined"
	case StateGeneral:
		return "general"
	case StateCopySrc:
		return "copy-src"
	case StateCopyDst:
		return "copy-dst"
	case StateShaderRead:
		return "shader-read"
	case StateShaderWrite:
		return "shader-write"
	case StatePresent:
		return "present"
	default:
		return "unknown"
	}
}

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	// Label is an optional debug label.
	Label string

	// Size is the buffer size in bytes. Must be positive.
	Size uint64

	// Usage declares how the buffer will be used.
	Usage gputypes.BufferUsage

	// InitialState is the state the buffer starts in.
	// StateUndefined means StateGeneral.
	InitialState ResourceState
}

// ImageDesc describes an image to create.
type ImageDesc struct {
	// Label is an optional debug label.
	Label string

	// Extent is the image size in texels.
	Extent gputypes.Extent3D

	// Format is the texel format.
	Format gputypes.TextureFormat

	// Usage declares how the image will be used.
	Usage gputypes.TextureUsage

	// MipLevels is the mip chain length. Zero means 1.
	MipLevels uint32

	// Samples is the multisample count. Zero means 1.
	Samples uint32

	// InitialState is the state the image starts in.
	// StateUndefined means StateGeneral.
	InitialState ResourceState
}

// ShaderStage names the stage a pipeline executes.
type ShaderStage uint8

const (
	StageCompute ShaderStage = iota + 1
	StageVertex
	StageFragment
)

// String returns the stage name.
func (s ShaderStage) String() string {
	switch s {
	case StageCompute:
		return "compute"
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	default:
		return "unknown"
	}
}

// PipelineDesc describes a pipeline to create. The shader bytecode is
// supplied pre-compiled; callers holding WGSL source compile it first
// (the root package wraps gogpu/naga for that).
type PipelineDesc struct {
	// Label is an optional debug label.
	Label string

	// SPIRV is the shader bytecode.
	SPIRV []uint32

	// EntryPoint is the shader entry function name.
	EntryPoint string

	// Stage is the shader stage the pipeline executes.
	Stage ShaderStage
}

// Dynamic-state descriptions. These are requested by value and
// deduplicated by the core (identical descriptions share one object);
// every field must therefore be comparable.

// RasterizerDesc describes fixed-function rasterizer state.
type RasterizerDesc struct {
	Topology  gputypes.PrimitiveTopology
	FrontFace gputypes.FrontFace
	CullMode  gputypes.CullMode
	DepthBias int32
}

// BlendDesc describes fixed-function color blend state. WriteMask uses the
// gputypes color write mask bits (ColorWriteMaskAll and friends).
type BlendDesc struct {
	SrcFactor gputypes.BlendFactor
	DstFactor gputypes.BlendFactor
	Operation gputypes.BlendOperation
	WriteMask uint32
}

// DepthStencilDesc describes fixed-function depth/stencil state.
type DepthStencilDesc struct {
	DepthTestEnable  bool
	DepthWriteEnable bool
	DepthCompare     gputypes.CompareFunction
	StencilEnable    bool
}

// MultisampleDesc describes fixed-function multisample state.
type MultisampleDesc struct {
	Count                  uint32
	Mask                   uint32
	AlphaToCoverageEnabled bool
}

// ViewportDesc describes a viewport/scissor pair.
type ViewportDesc struct {
	X, Y          float32
	Width, Height float32
	MinDepth      float32
	MaxDepth      float32
}

// Command is one recorded operation inside a submitted batch.
// The concrete types below are the only implementations.
type Command interface {
	isCommand()
}

// CopyBuffer copies a byte range between two buffers.
type CopyBuffer struct {
	Src       BufferID
	Dst       BufferID
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// FillBuffer writes a repeated 32-bit value over a byte range.
type FillBuffer struct {
	Dst    BufferID
	Offset uint64
	Size   uint64
	Value  uint32
}

// CopyBufferToImage copies packed buffer bytes into an image region.
type CopyBufferToImage struct {
	Src       BufferID
	SrcOffset uint64
	Dst       ImageID
	Origin    gputypes.Origin3D
	Extent    gputypes.Extent3D
}

// Dispatch executes a compute pipeline over a workgroup grid.
type Dispatch struct {
	Pipeline PipelineID
	Bindings []Binding
	Groups   [3]uint32
}

// Transition declares a resource state change. Drivers that need explicit
// barriers translate it; the software device validates it against its own
// state bookkeeping.
type Transition struct {
	Buffer BufferID // exactly one of Buffer/Image is set
	Image  ImageID
	From   ResourceState
	To     ResourceState
}

func (CopyBuffer) isCommand()        {}
func (FillBuffer) isCommand()        {}
func (CopyBufferToImage) isCommand() {}
func (Dispatch) isCommand()          {}
func (Transition) isCommand()        {}

// Binding attaches a buffer range to a shader binding slot.
type Binding struct {
	// Binding is the shader binding index.
	Binding uint32

	// Buffer is the bound buffer.
	Buffer BufferID

	// Offset is the start of the bound range.
	Offset uint64

	// Size is the length of the bound range; 0 binds to the end.
	Size uint64
}

// SubmitInfo is one batch handed to a queue.
type SubmitInfo struct {
	// Commands execute in order.
	Commands []Command

	// WaitSemaphores must all be signaled before execution starts.
	WaitSemaphores []SemaphoreID

	// SignalSemaphores are signaled when execution finishes.
	SignalSemaphores []SemaphoreID

	// Fence, if non-zero, is signaled when execution finishes.
	Fence FenceID
}

// Common driver errors. Implementations wrap these so callers can match
// with errors.Is across devices.
var (
	// ErrUnsupported is returned for operations the device cannot perform
	// (for example semaphores on a single-queue device).
	ErrUnsupported = errors.New("driver: operation not supported")

	// ErrNotFound is returned when an ID does not name a live object.
	ErrNotFound = errors.New("driver: object not found")

	// ErrDeviceLost is returned once the device is unusable.
	ErrDeviceLost = errors.New("driver: device lost")

	// ErrOutOfMemory is returned when an allocation fails.
	ErrOutOfMemory = errors.New("driver: out of device memory")

	// ErrTimeout is returned by WaitFence when the timeout elapses first.
	ErrTimeout = errors.New("driver: wait timed out")

	// ErrInvalidState is returned by the software device when a recorded
	// Transition disagrees with the resource's actual state.
	ErrInvalidState = errors.New("driver: resource in unexpected state")
)

// Device is the native API surface the vulkano core wraps.
//
// Unless ThreadSafe reports true, callers must not invoke any method
// concurrently; the core serializes such devices behind a per-device lock
// that its own callers never see. WaitFence and Poll are always safe to
// call concurrently with other methods, since blocking waits must not
// hold up unrelated work.
type Device interface {
	// Info returns static device information.
	Info() DeviceInfo

	// Queues returns the device's execution queues. The slice and its
	// order are fixed for the device's lifetime.
	Queues() []QueueInfo

	// CreateBuffer allocates a buffer.
	CreateBuffer(desc BufferDesc) (BufferID, error)

	// DestroyBuffer releases a buffer. Destroying a buffer the GPU is
	// still using is undefined behavior; the core prevents it.
	DestroyBuffer(id BufferID)

	// WriteBuffer copies data into a buffer at offset.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer copies size bytes out of a buffer at offset.
	ReadBuffer(id BufferID, offset, size uint64) ([]byte, error)

	// CreateImage allocates an image.
	CreateImage(desc ImageDesc) (ImageID, error)

	// DestroyImage releases an image.
	DestroyImage(id ImageID)

	// CreatePipeline builds a pipeline from shader bytecode.
	CreatePipeline(desc PipelineDesc) (PipelineID, error)

	// DestroyPipeline releases a pipeline.
	DestroyPipeline(id PipelineID)

	// CreateRasterizerState creates a rasterizer state object.
	CreateRasterizerState(desc RasterizerDesc) (StateID, error)

	// CreateBlendState creates a blend state object.
	CreateBlendState(desc BlendDesc) (StateID, error)

	// CreateDepthStencilState creates a depth/stencil state object.
	CreateDepthStencilState(desc DepthStencilDesc) (StateID, error)

	// CreateMultisampleState creates a multisample state object.
	CreateMultisampleState(desc MultisampleDesc) (StateID, error)

	// CreateViewportState creates a viewport state object.
	CreateViewportState(desc ViewportDesc) (StateID, error)

	// DestroyState releases a dynamic-state object of any kind.
	DestroyState(id StateID)

	// CreateFence creates an unsignaled fence.
	CreateFence() (FenceID, error)

	// DestroyFence releases a fence.
	DestroyFence(id FenceID)

	// FenceStatus reports whether a fence has been signaled.
	FenceStatus(id FenceID) (bool, error)

	// WaitFence blocks until the fence signals or the timeout elapses.
	// A zero or negative timeout means wait forever.
	WaitFence(id FenceID, timeout time.Duration) error

	// CreateSemaphore creates an unsignaled semaphore.
	CreateSemaphore() (SemaphoreID, error)

	// DestroySemaphore releases a semaphore.
	DestroySemaphore(id SemaphoreID)

	// Submit hands a batch to a queue. Batches on one queue execute and
	// complete in submission order.
	Submit(queue QueueID, info SubmitInfo) error

	// Present schedules a presentable image for display on a surface.
	// Ordered with Submit calls on the same queue.
	Present(queue QueueID, image ImageID, surface SurfaceID) error

	// ThreadSafe reports whether the device tolerates concurrent callers.
	// When false, the core serializes every call (except WaitFence and
	// Poll) behind its per-device internal lock.
	ThreadSafe() bool

	// Poll gives the device a chance to process completions. With wait
	// set, it blocks until at least some progress is made.
	Poll(wait bool)

	// Destroy releases the device and everything still allocated from it.
	Destroy()
}
