package vulkano

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/JustAPerson/vulkano/driver"
)

// ErrCommandBufferLocked is returned by Submit when the command buffer is
// already attached to an unresolved submission. Resolve that submission's
// guard first, or record a second command buffer.
var ErrCommandBufferLocked = errors.New("vulkano: command buffer locked")

// touch is one entry of a command buffer's touch set: a guard and the
// strongest access mode any recorded command uses it with.
type touch struct {
	core *guardCore
	mode accessMode
}

// Builder records commands into a new command buffer. It is not safe for
// concurrent use.
//
// While recording, the builder folds the declared state of every touched
// resource, starting from the resource's default state. Commands that need a
// resource in a particular state check the folded state and panic when it
// does not match; [Builder.Transition] is how recorded commands change it.
// Finish refuses to produce a command buffer unless every resource has been
// restored to its default state, which is what makes command buffers freely
// reorderable with respect to each other's state expectations.
type Builder struct {
	dev   *Device
	label string

	cmds    []driver.Command
	touches []touch
	index   map[*guardCore]int
	states  map[*guardCore]driver.ResourceState
	pipes   []*Pipeline
	pipeSet map[*Pipeline]bool

	err      error
	finished bool
}

// NewBuilder starts recording a command buffer. The label is carried into
// logs and panic messages.
func (d *Device) NewBuilder(label string) *Builder {
	return &Builder{
		dev:     d,
		label:   label,
		index:   make(map[*guardCore]int),
		states:  make(map[*guardCore]driver.ResourceState),
		pipeSet: make(map[*Pipeline]bool),
	}
}

func (b *Builder) checkRecording(op string) {
	if b.finished {
		panic(fmt.Sprintf("vulkano: %s on finished builder %q", op, b.label))
	}
}

// touch adds the guard to the touch set, or promotes its mode. First-touch
// order is preserved; read plus exclusive folds to exclusive.
func (b *Builder) touch(r Resource, mode accessMode) *guardCore {
	g := r.guard()
	g.mu.Lock()
	dead := g.destroyed
	g.mu.Unlock()
	if dead {
		panic(fmt.Sprintf("vulkano: builder %q records destroyed %s", b.label, g.handle))
	}
	if i, ok := b.index[g]; ok {
		if mode == modeExclusive {
			b.touches[i].mode = modeExclusive
		}
		return g
	}
	b.touches = append(b.touches, touch{core: g, mode: mode})
	b.index[g] = len(b.touches) - 1
	return g
}

// foldState returns the current folded state of the guard's resource,
// seeding it from the default state on first touch.
func (b *Builder) foldState(g *guardCore) driver.ResourceState {
	if s, ok := b.states[g]; ok {
		return s
	}
	s := g.handle.defaultState
	b.states[g] = s
	return s
}

// requireState panics unless the folded state is one of the allowed states.
func (b *Builder) requireState(g *guardCore, op string, allowed ...driver.ResourceState) {
	s := b.foldState(g)
	for _, a := range allowed {
		if s == a {
			return
		}
	}
	panic(fmt.Sprintf("vulkano: %s needs %s in one of %v, folded state is %v; record a Transition first",
		op, g.handle, allowed, s))
}

func requireCategory(r Resource, op string, want Category) {
	if h := r.Handle(); h.category != want {
		panic(fmt.Sprintf("vulkano: %s wants a %s, got %s", op, want, h))
	}
}

// CopyBuffer records a byte copy from src to dst. Src must be in the
// general or copy-source state, dst in the general or copy-destination
// state.
func (b *Builder) CopyBuffer(dst, src Resource, dstOffset, srcOffset, size uint64) {
	b.checkRecording("CopyBuffer")
	requireCategory(src, "CopyBuffer src", CategoryBuffer)
	requireCategory(dst, "CopyBuffer dst", CategoryBuffer)
	sg := b.touch(src, modeRead)
	dg := b.touch(dst, modeExclusive)
	b.requireState(sg, "CopyBuffer src", driver.StateGeneral, driver.StateCopySrc)
	b.requireState(dg, "CopyBuffer dst", driver.StateGeneral, driver.StateCopyDst)
	b.cmds = append(b.cmds, driver.CopyBuffer{
		Src:       sg.handle.bufferID,
		Dst:       dg.handle.bufferID,
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	})
}

// FillBuffer records a fill of size bytes at offset with a repeated 32-bit
// value. The destination must be in the general or copy-destination state.
func (b *Builder) FillBuffer(dst Resource, offset, size uint64, value uint32) {
	b.checkRecording("FillBuffer")
	requireCategory(dst, "FillBuffer dst", CategoryBuffer)
	dg := b.touch(dst, modeExclusive)
	b.requireState(dg, "FillBuffer dst", driver.StateGeneral, driver.StateCopyDst)
	b.cmds = append(b.cmds, driver.FillBuffer{
		Dst:    dg.handle.bufferID,
		Offset: offset,
		Size:   size,
		Value:  value,
	})
}

// CopyBufferToImage records a copy of packed texel bytes from src into a
// region of dst.
func (b *Builder) CopyBufferToImage(dst Resource, src Resource, srcOffset uint64, origin gputypes.Origin3D, extent gputypes.Extent3D) {
	b.checkRecording("CopyBufferToImage")
	requireCategory(src, "CopyBufferToImage src", CategoryBuffer)
	requireCategory(dst, "CopyBufferToImage dst", CategoryImage)
	sg := b.touch(src, modeRead)
	dg := b.touch(dst, modeExclusive)
	b.requireState(sg, "CopyBufferToImage src", driver.StateGeneral, driver.StateCopySrc)
	b.requireState(dg, "CopyBufferToImage dst", driver.StateGeneral, driver.StateCopyDst)
	b.cmds = append(b.cmds, driver.CopyBufferToImage{
		Src:       sg.handle.bufferID,
		SrcOffset: srcOffset,
		Dst:       dg.handle.imageID,
		Origin:    origin,
		Extent:    extent,
	})
}

// BufferBinding attaches a buffer range to a shader binding slot for a
// dispatch. A Size of zero binds through the end of the buffer.
type BufferBinding struct {
	Binding uint32
	Buffer  Resource
	Offset  uint64
	Size    uint64
}

// Dispatch records a compute dispatch. Bound buffers are storage bindings
// and are treated as read-write, so they must be in the general or
// shader-write state.
func (b *Builder) Dispatch(p *Pipeline, bindings []BufferBinding, groupsX, groupsY, groupsZ uint32) {
	b.checkRecording("Dispatch")
	if p.destroyed.Load() {
		panic(fmt.Sprintf("vulkano: builder %q dispatches destroyed %s", b.label, p.handle))
	}
	dbs := make([]driver.Binding, len(bindings))
	for i, bind := range bindings {
		requireCategory(bind.Buffer, "Dispatch binding", CategoryBuffer)
		g := b.touch(bind.Buffer, modeExclusive)
		b.requireState(g, "Dispatch binding", driver.StateGeneral, driver.StateShaderWrite)
		dbs[i] = driver.Binding{
			Binding: bind.Binding,
			Buffer:  g.handle.bufferID,
			Offset:  bind.Offset,
			Size:    bind.Size,
		}
	}
	if !b.pipeSet[p] {
		b.pipeSet[p] = true
		b.pipes = append(b.pipes, p)
	}
	b.cmds = append(b.cmds, driver.Dispatch{
		Pipeline: p.handle.pipelineID,
		Bindings: dbs,
		Groups:   [3]uint32{groupsX, groupsY, groupsZ},
	})
}

// Transition records a declared state change of a buffer or image. The
// declared from state must match the folded state, otherwise Transition
// panics: a mismatch means the recorded commands disagree about what state
// the resource is in.
func (b *Builder) Transition(r Resource, from, to driver.ResourceState) {
	b.checkRecording("Transition")
	h := r.Handle()
	if h.category != CategoryBuffer && h.category != CategoryImage {
		panic(fmt.Sprintf("vulkano: Transition on %s, only buffers and images carry state", h))
	}
	g := b.touch(r, modeExclusive)
	if cur := b.foldState(g); cur != from {
		panic(fmt.Sprintf("vulkano: Transition of %s declares from-state %v, folded state is %v", h, from, cur))
	}
	b.states[g] = to
	t := driver.Transition{From: from, To: to}
	if h.category == CategoryBuffer {
		t.Buffer = h.bufferID
	} else {
		t.Image = h.imageID
	}
	b.cmds = append(b.cmds, t)
}

// BindSet validates that a descriptor set layout is compatible with what the
// pipeline's shader declares. On mismatch it returns an error wrapping
// [ErrIncompatible] and poisons the builder: Finish will return the same
// error.
func (b *Builder) BindSet(p *Pipeline, layout SetLayout) error {
	b.checkRecording("BindSet")
	if err := b.dev.compat(p.Info(), layout); err != nil {
		b.err = err
		return err
	}
	return nil
}

// Finish freezes the recorded commands into an immutable CommandBuffer.
// Every touched resource must have been restored to its default state;
// a violation panics with the offending resource. The command buffer
// retains every handle it touches until it is destroyed.
//
// The builder cannot be used after Finish.
func (b *Builder) Finish() (*CommandBuffer, error) {
	b.checkRecording("Finish")
	b.finished = true
	if b.err != nil {
		return nil, b.err
	}
	for _, t := range b.touches {
		h := t.core.handle
		if s := b.states[t.core]; s != h.defaultState {
			panic(fmt.Sprintf("vulkano: builder %q leaves %s in state %v, default state is %v; record a Transition back",
				b.label, h, s, h.defaultState))
		}
	}
	cb := &CommandBuffer{
		dev:     b.dev,
		label:   b.label,
		cmds:    b.cmds,
		touches: b.touches,
	}
	for _, t := range b.touches {
		t.core.handle.retain()
		cb.handles = append(cb.handles, t.core.handle)
	}
	for _, p := range b.pipes {
		p.handle.retain()
		cb.handles = append(cb.handles, p.handle)
	}
	b.dev.logger().Debug("command buffer built",
		"label", b.label, "commands", len(b.cmds), "touches", len(b.touches))
	return cb, nil
}

// CommandBuffer is an immutable recording of commands plus the frozen touch
// set computed at build time. Submitting never re-walks the commands; it
// walks the touch set.
//
// A command buffer is locked while it is attached to an unresolved
// submission. Submitting a locked command buffer fails with
// [ErrCommandBufferLocked]; destroying one panics.
type CommandBuffer struct {
	dev     *Device
	label   string
	cmds    []driver.Command
	touches []touch
	handles []*Handle

	locked    atomic.Bool
	destroyed atomic.Bool
}

// Label returns the label the command buffer was recorded with.
func (cb *CommandBuffer) Label() string { return cb.label }

// Locked reports whether the command buffer is attached to an unresolved
// submission.
func (cb *CommandBuffer) Locked() bool { return cb.locked.Load() }

func (cb *CommandBuffer) lock() bool { return cb.locked.CompareAndSwap(false, true) }

func (cb *CommandBuffer) unlock() { cb.locked.Store(false) }

// Destroy releases the command buffer's references on the resources it
// touches. Destroying a locked command buffer panics: the GPU may still be
// executing it. Destroying twice panics.
func (cb *CommandBuffer) Destroy() {
	if cb.locked.Load() {
		panic(fmt.Sprintf("vulkano: destroy of locked command buffer %q", cb.label))
	}
	if !cb.destroyed.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("vulkano: command buffer %q destroyed twice", cb.label))
	}
	for _, h := range cb.handles {
		h.release()
	}
	cb.handles = nil
}
