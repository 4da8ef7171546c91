package vulkano

import (
	"fmt"
	"sync/atomic"

	"github.com/JustAPerson/vulkano/driver"
	"github.com/JustAPerson/vulkano/internal/memtrack"
)

// PipelineDesc describes a pipeline to create with [Device.CreatePipeline].
//
// Shader code is given either as WGSL source, compiled through gogpu/naga
// during creation, or as pre-compiled SPIR-V words. Info describes the
// bindings the shader uses; [Builder.BindSet] validates descriptor set
// layouts against it.
//
// The fixed-function state handles come from the device state cache
// ([Device.RasterizerState] and friends). The pipeline takes ownership of
// the references: they are released when the pipeline's driver object is
// destroyed. Request them anew for each pipeline.
type PipelineDesc struct {
	Label string

	// WGSL is shader source; used when SPIRV is empty.
	WGSL string

	// SPIRV is pre-compiled shader bytecode.
	SPIRV []uint32

	EntryPoint string
	Stage      driver.ShaderStage
	Info       ShaderInfo

	Rasterizer   *Handle
	Blend        *Handle
	DepthStencil *Handle
	Multisample  *Handle
	Viewport     *Handle
}

// Pipeline is a compiled pipeline. Unlike buffers and images it has no
// access guard: pipelines are immutable once created, so there is nothing to
// lock. Command buffers that dispatch it keep it alive through its handle's
// reference count.
type Pipeline struct {
	handle    *Handle
	info      ShaderInfo
	destroyed atomic.Bool
}

// Handle returns the pipeline's resource handle.
func (p *Pipeline) Handle() *Handle { return p.handle }

// Info returns what the pipeline's shader declares about its bindings.
func (p *Pipeline) Info() ShaderInfo { return p.info }

// Label returns the pipeline's debug label.
func (p *Pipeline) Label() string { return p.handle.label }

// Destroy releases the pipeline. The driver object, and the fixed-function
// state references the pipeline holds, live on until the last command buffer
// referencing the pipeline is destroyed. Destroying twice panics.
func (p *Pipeline) Destroy() {
	if !p.destroyed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("vulkano: %s destroyed twice", p.handle))
	}
	p.handle.release()
}

// CreatePipeline compiles and creates a pipeline.
func (d *Device) CreatePipeline(desc PipelineDesc) (*Pipeline, error) {
	d.checkAlive("CreatePipeline")
	spirv := desc.SPIRV
	if len(spirv) == 0 {
		if desc.WGSL == "" {
			return nil, fmt.Errorf("vulkano: pipeline %q has neither WGSL nor SPIR-V", desc.Label)
		}
		var err error
		spirv, err = CompileWGSL(desc.WGSL)
		if err != nil {
			return nil, err
		}
	}

	size := uint64(len(spirv)) * 4
	if err := d.mem.Alloc(memtrack.KindPipeline, size); err != nil {
		return nil, err
	}
	id, err := d.createPipelineDriver(driver.PipelineDesc{
		Label:      desc.Label,
		SPIRV:      spirv,
		EntryPoint: desc.EntryPoint,
		Stage:      desc.Stage,
	})
	if err != nil {
		d.mem.Free(memtrack.KindPipeline, size)
		return nil, err
	}

	h := newHandle(d, CategoryPipeline, driver.StateUndefined, desc.Label, size)
	h.pipelineID = id
	for _, sh := range []*Handle{desc.Rasterizer, desc.Blend, desc.DepthStencil, desc.Multisample, desc.Viewport} {
		if sh != nil {
			h.states = append(h.states, sh)
		}
	}
	info := desc.Info
	if info.EntryPoint == "" {
		info.EntryPoint = desc.EntryPoint
	}
	if info.Stage == 0 {
		info.Stage = desc.Stage
	}
	d.logger().Debug("pipeline created", "label", desc.Label, "spirv_words", len(spirv), "states", len(h.states))
	return &Pipeline{handle: h, info: info}, nil
}
