package vulkano

import (
	"errors"
	"fmt"

	"github.com/gogpu/naga"

	"github.com/JustAPerson/vulkano/driver"
)

// ErrIncompatible is returned when a shader's declared requirements and a
// provided descriptor set layout cannot be used together, and when an image
// is presented that was not created for presentation.
var ErrIncompatible = errors.New("vulkano: incompatible")

// CompileWGSL compiles WGSL source to SPIR-V words for
// [driver.PipelineDesc].
func CompileWGSL(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("vulkano: compile shader: %w", err)
	}

	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// BindingKind classifies what a shader binding slot expects.
type BindingKind uint8

const (
	BindingUniformBuffer BindingKind = iota + 1
	BindingStorageBuffer
	BindingSampledImage
	BindingStorageImage
)

// String returns a short name for the binding kind.
func (k BindingKind) String() string {
	switch k {
	case BindingUniformBuffer:
		return "uniform-buffer"
	case BindingStorageBuffer:
		return "storage-buffer"
	case BindingSampledImage:
		return "sampled-image"
	case BindingStorageImage:
		return "storage-image"
	default:
		return "unknown"
	}
}

// BindingInfo describes one binding a shader declares.
type BindingInfo struct {
	// Binding is the shader binding index.
	Binding uint32

	// Kind is what the slot expects.
	Kind BindingKind
}

// ShaderInfo is what a compiled shader declares about itself. It is supplied
// alongside the bytecode when creating a pipeline and drives descriptor set
// layout validation in [Builder.BindSet].
type ShaderInfo struct {
	// EntryPoint is the entry function name.
	EntryPoint string

	// Stage is the stage the entry point runs in.
	Stage driver.ShaderStage

	// Bindings lists the bindings the shader uses.
	Bindings []BindingInfo
}

// LayoutEntry describes one slot of a descriptor set layout.
type LayoutEntry struct {
	Binding uint32
	Kind    BindingKind
}

// SetLayout is a descriptor set layout as the application declares it.
type SetLayout struct {
	Label   string
	Entries []LayoutEntry
}

// Entry returns the layout entry for a binding index.
func (l SetLayout) Entry(binding uint32) (LayoutEntry, bool) {
	for _, e := range l.Entries {
		if e.Binding == binding {
			return e, true
		}
	}
	return LayoutEntry{}, false
}

// CompatChecker decides whether a descriptor set layout satisfies what a
// shader declares. A nil error means compatible. Install a custom checker
// with [WithCompatChecker].
type CompatChecker func(ShaderInfo, SetLayout) error

// DefaultCompatChecker requires every shader binding to have a layout entry
// with the same index and kind. A layout may declare more entries than the
// shader uses; the extra slots are simply never read.
func DefaultCompatChecker(info ShaderInfo, layout SetLayout) error {
	for _, b := range info.Bindings {
		e, ok := layout.Entry(b.Binding)
		if !ok {
			return fmt.Errorf("%w: shader binding %d has no entry in layout %q",
				ErrIncompatible, b.Binding, layout.Label)
		}
		if e.Kind != b.Kind {
			return fmt.Errorf("%w: binding %d is a %v in the shader but a %v in layout %q",
				ErrIncompatible, b.Binding, b.Kind, e.Kind, layout.Label)
		}
	}
	return nil
}
