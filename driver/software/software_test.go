package software

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/JustAPerson/vulkano/driver"
)

func graphicsQueue(t *testing.T, d *Device) driver.QueueID {
	t.Helper()
	for _, q := range d.Queues() {
		if q.Kind == driver.QueueGraphics {
			return q.ID
		}
	}
	t.Fatal("no graphics queue")
	return driver.InvalidID
}

func TestCreateBuffer(t *testing.T) {
	d := New()
	defer d.Destroy()

	tests := []struct {
		name    string
		desc    driver.BufferDesc
		wantErr bool
	}{
		{
			name: "valid",
			desc: driver.BufferDesc{Size: 256, Usage: gputypes.BufferUsageCopyDst},
		},
		{
			name:    "zero size",
			desc:    driver.BufferDesc{Size: 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := d.CreateBuffer(tt.desc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CreateBuffer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && id == driver.InvalidID {
				t.Error("CreateBuffer() returned invalid ID without error")
			}
		})
	}
}

func TestWriteReadBuffer(t *testing.T) {
	d := New()
	defer d.Destroy()

	id, err := d.CreateBuffer(driver.BufferDesc{Size: 16})
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}

	data := []byte{1, 2, 3, 4}
	if err := d.WriteBuffer(id, 4, data); err != nil {
		t.Fatalf("WriteBuffer() error = %v", err)
	}

	got, err := d.ReadBuffer(id, 4, 4)
	if err != nil {
		t.Fatalf("ReadBuffer() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadBuffer() = %v, want %v", got, data)
	}

	if err := d.WriteBuffer(id, 14, data); err == nil {
		t.Error("WriteBuffer() past end should fail")
	}
	if _, err := d.ReadBuffer(id, 14, 4); err == nil {
		t.Error("ReadBuffer() past end should fail")
	}
	if err := d.WriteBuffer(driver.BufferID(9999), 0, data); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("WriteBuffer(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestSubmitCopyExecutes(t *testing.T) {
	d := New()
	defer d.Destroy()
	q := graphicsQueue(t, d)

	src, _ := d.CreateBuffer(driver.BufferDesc{Size: 8})
	dst, _ := d.CreateBuffer(driver.BufferDesc{Size: 8})
	payload := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	if err := d.WriteBuffer(src, 0, payload); err != nil {
		t.Fatalf("WriteBuffer() error = %v", err)
	}

	fence, err := d.CreateFence()
	if err != nil {
		t.Fatalf("CreateFence() error = %v", err)
	}

	err = d.Submit(q, driver.SubmitInfo{
		Commands: []driver.Command{
			driver.CopyBuffer{Src: src, Dst: dst, Size: 4},
		},
		Fence: fence,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := d.WaitFence(fence, time.Second); err != nil {
		t.Fatalf("WaitFence() error = %v", err)
	}

	got, err := d.ReadBuffer(dst, 0, 4)
	if err != nil {
		t.Fatalf("ReadBuffer() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("copy result = %v, want %v", got, payload)
	}
	if d.Executed(q) != 1 {
		t.Errorf("Executed() = %d, want 1", d.Executed(q))
	}
}

func TestSubmitValidation(t *testing.T) {
	d := New()
	defer d.Destroy()
	q := graphicsQueue(t, d)

	buf, _ := d.CreateBuffer(driver.BufferDesc{Size: 8})

	tests := []struct {
		name string
		info driver.SubmitInfo
	}{
		{
			name: "unknown source buffer",
			info: driver.SubmitInfo{Commands: []driver.Command{
				driver.CopyBuffer{Src: 9999, Dst: buf, Size: 4},
			}},
		},
		{
			name: "copy out of range",
			info: driver.SubmitInfo{Commands: []driver.Command{
				driver.CopyBuffer{Src: buf, Dst: buf, SrcOffset: 6, Size: 4},
			}},
		},
		{
			name: "fill out of range",
			info: driver.SubmitInfo{Commands: []driver.Command{
				driver.FillBuffer{Dst: buf, Offset: 4, Size: 8},
			}},
		},
		{
			name: "unknown fence",
			info: driver.SubmitInfo{Fence: 9999},
		},
		{
			name: "unknown wait semaphore",
			info: driver.SubmitInfo{WaitSemaphores: []driver.SemaphoreID{9999}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := d.Submit(q, tt.info); err == nil {
				t.Error("Submit() should have failed validation")
			}
		})
	}

	if err := d.Submit(driver.QueueID(9999), driver.SubmitInfo{}); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("Submit(unknown queue) error = %v, want ErrNotFound", err)
	}
}

func TestManualCompletion(t *testing.T) {
	d := New(ManualCompletion())
	defer d.Destroy()
	q := graphicsQueue(t, d)

	fence, _ := d.CreateFence()
	if err := d.Submit(q, driver.SubmitInfo{Fence: fence}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if err := d.WaitFence(fence, 20*time.Millisecond); !errors.Is(err, driver.ErrTimeout) {
		t.Fatalf("WaitFence() before Complete = %v, want ErrTimeout", err)
	}
	if done, _ := d.FenceStatus(fence); done {
		t.Fatal("fence signaled before Complete")
	}

	if err := d.Complete(q); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := d.WaitFence(fence, time.Second); err != nil {
		t.Fatalf("WaitFence() after Complete = %v", err)
	}

	if err := d.Complete(q); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("Complete() with no gated batch = %v, want ErrNotFound", err)
	}
}

func TestFIFOOrder(t *testing.T) {
	d := New(ManualCompletion())
	defer d.Destroy()
	q := graphicsQueue(t, d)

	buf, _ := d.CreateBuffer(driver.BufferDesc{Size: 4})

	f1, _ := d.CreateFence()
	f2, _ := d.CreateFence()

	// First submission fills with 1s, second with 2s. FIFO execution
	// means the final content reflects the second batch.
	_ = d.Submit(q, driver.SubmitInfo{
		Commands: []driver.Command{driver.FillBuffer{Dst: buf, Size: 4, Value: 0x01010101}},
		Fence:    f1,
	})
	_ = d.Submit(q, driver.SubmitInfo{
		Commands: []driver.Command{driver.FillBuffer{Dst: buf, Size: 4, Value: 0x02020202}},
		Fence:    f2,
	})

	if n := d.CompleteAll(); n != 2 {
		t.Fatalf("CompleteAll() = %d, want 2", n)
	}
	if err := d.WaitFence(f2, time.Second); err != nil {
		t.Fatalf("WaitFence(f2) error = %v", err)
	}
	// f1 signaled before f2 per FIFO.
	if done, _ := d.FenceStatus(f1); !done {
		t.Error("first fence not signaled after second completed")
	}

	got, _ := d.ReadBuffer(buf, 0, 4)
	if !bytes.Equal(got, []byte{2, 2, 2, 2}) {
		t.Errorf("buffer = %v, want all 2s", got)
	}
}

func TestSemaphoreOrdersQueues(t *testing.T) {
	d := New(WithQueues(driver.QueueGraphics, driver.QueueCompute))
	defer d.Destroy()

	queues := d.Queues()
	if len(queues) != 2 {
		t.Fatalf("Queues() = %d entries, want 2", len(queues))
	}
	qa, qb := queues[0].ID, queues[1].ID

	buf, _ := d.CreateBuffer(driver.BufferDesc{Size: 4})
	sem, err := d.CreateSemaphore()
	if err != nil {
		t.Fatalf("CreateSemaphore() error = %v", err)
	}
	fence, _ := d.CreateFence()

	// Queue B waits on the semaphore queue A signals. B's fill must land
	// after A's regardless of submission interleaving.
	if err := d.Submit(qb, driver.SubmitInfo{
		Commands:       []driver.Command{driver.FillBuffer{Dst: buf, Size: 4, Value: 0x02020202}},
		WaitSemaphores: []driver.SemaphoreID{sem},
		Fence:          fence,
	}); err != nil {
		t.Fatalf("Submit(qb) error = %v", err)
	}
	if err := d.Submit(qa, driver.SubmitInfo{
		Commands:         []driver.Command{driver.FillBuffer{Dst: buf, Size: 4, Value: 0x01010101}},
		SignalSemaphores: []driver.SemaphoreID{sem},
	}); err != nil {
		t.Fatalf("Submit(qa) error = %v", err)
	}

	if err := d.WaitFence(fence, time.Second); err != nil {
		t.Fatalf("WaitFence() error = %v", err)
	}
	got, _ := d.ReadBuffer(buf, 0, 4)
	if !bytes.Equal(got, []byte{2, 2, 2, 2}) {
		t.Errorf("buffer = %v, want all 2s (B after A)", got)
	}
}

func TestTransitionValidation(t *testing.T) {
	d := New()
	defer d.Destroy()
	q := graphicsQueue(t, d)

	buf, _ := d.CreateBuffer(driver.BufferDesc{Size: 4})
	fence, _ := d.CreateFence()

	// Round trip through copy-dst and back matches the tracked state.
	err := d.Submit(q, driver.SubmitInfo{
		Commands: []driver.Command{
			driver.Transition{Buffer: buf, From: driver.StateGeneral, To: driver.StateCopyDst},
			driver.FillBuffer{Dst: buf, Size: 4, Value: 7},
			driver.Transition{Buffer: buf, From: driver.StateCopyDst, To: driver.StateGeneral},
		},
		Fence: fence,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := d.WaitFence(fence, time.Second); err != nil {
		t.Fatalf("WaitFence() error = %v", err)
	}
	if err := d.ExecErr(); err != nil {
		t.Fatalf("ExecErr() = %v, want nil", err)
	}

	// A transition assuming the wrong state records an execution error.
	fence2, _ := d.CreateFence()
	_ = d.Submit(q, driver.SubmitInfo{
		Commands: []driver.Command{
			driver.Transition{Buffer: buf, From: driver.StateShaderRead, To: driver.StateGeneral},
		},
		Fence: fence2,
	})
	_ = d.WaitFence(fence2, time.Second)
	if err := d.ExecErr(); !errors.Is(err, driver.ErrInvalidState) {
		t.Errorf("ExecErr() = %v, want ErrInvalidState", err)
	}
}

func TestPresent(t *testing.T) {
	d := New()
	defer d.Destroy()
	q := graphicsQueue(t, d)

	img, err := d.CreateImage(driver.ImageDesc{
		Extent:       gputypes.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 1},
		Format:       gputypes.TextureFormatRGBA8Unorm,
		InitialState: driver.StatePresent,
	})
	if err != nil {
		t.Fatalf("CreateImage() error = %v", err)
	}
	surf := d.CreateSurface()

	if err := d.Present(q, img, surf); err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	d.Poll(true)

	if n := d.PresentCount(surf); n != 1 {
		t.Errorf("PresentCount() = %d, want 1", n)
	}
	if err := d.ExecErr(); err != nil {
		t.Errorf("ExecErr() = %v, want nil", err)
	}

	if err := d.Present(q, driver.ImageID(9999), surf); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("Present(unknown image) error = %v, want ErrNotFound", err)
	}
}

func TestPresentWrongState(t *testing.T) {
	d := New()
	defer d.Destroy()
	q := graphicsQueue(t, d)

	img, _ := d.CreateImage(driver.ImageDesc{
		Extent: gputypes.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 1},
		Format: gputypes.TextureFormatRGBA8Unorm,
	})
	surf := d.CreateSurface()

	if err := d.Present(q, img, surf); err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	d.Poll(true)

	if err := d.ExecErr(); !errors.Is(err, driver.ErrInvalidState) {
		t.Errorf("ExecErr() = %v, want ErrInvalidState", err)
	}
}

func TestCopyBufferToImage(t *testing.T) {
	d := New()
	defer d.Destroy()
	q := graphicsQueue(t, d)

	img, _ := d.CreateImage(driver.ImageDesc{
		Extent: gputypes.Extent3D{Width: 4, Height: 2, DepthOrArrayLayers: 1},
		Format: gputypes.TextureFormatRGBA8Unorm,
	})
	staging, _ := d.CreateBuffer(driver.BufferDesc{Size: 32})
	row := bytes.Repeat([]byte{9}, 32)
	_ = d.WriteBuffer(staging, 0, row)

	fence, _ := d.CreateFence()
	err := d.Submit(q, driver.SubmitInfo{
		Commands: []driver.Command{
			driver.CopyBufferToImage{
				Src:    staging,
				Dst:    img,
				Extent: gputypes.Extent3D{Width: 4, Height: 2, DepthOrArrayLayers: 1},
			},
		},
		Fence: fence,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := d.WaitFence(fence, time.Second); err != nil {
		t.Fatalf("WaitFence() error = %v", err)
	}
}

func TestQueueLayout(t *testing.T) {
	d := New()
	defer d.Destroy()

	kinds := map[driver.QueueKind]bool{}
	for _, q := range d.Queues() {
		kinds[q.Kind] = true
	}
	for _, want := range []driver.QueueKind{driver.QueueGraphics, driver.QueueCompute, driver.QueueTransfer} {
		if !kinds[want] {
			t.Errorf("default layout missing %v queue", want)
		}
	}
}

func TestDestroyIdempotent(t *testing.T) {
	d := New()
	d.Destroy()
	d.Destroy()

	if _, err := d.CreateBuffer(driver.BufferDesc{Size: 4}); !errors.Is(err, driver.ErrDeviceLost) {
		t.Errorf("CreateBuffer() after Destroy = %v, want ErrDeviceLost", err)
	}
}

func TestRegistryOpen(t *testing.T) {
	if !driver.IsRegistered(driver.NameSoftware) {
		t.Fatal("software driver not registered")
	}
	dev, err := driver.Open(driver.NameSoftware)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	dev.Destroy()
}
