package vulkano

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/JustAPerson/vulkano/driver"
)

func TestResubmitWhileLockedFails(t *testing.T) {
	dev, drv := newManualDevice(t)
	q := dev.Queue(driver.QueueGraphics)

	buf, err := dev.CreateBuffer(BufferDesc{Size: 16})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}

	b := dev.NewBuilder("once")
	b.FillBuffer(buf, 0, 16, 1)
	cb, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	fg, err := q.Submit(cb)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := q.Submit(cb); !errors.Is(err, ErrCommandBufferLocked) {
		t.Errorf("resubmit while locked = %v, want ErrCommandBufferLocked", err)
	}

	drv.CompleteAll()
	if err := fg.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	fg2, err := q.Submit(cb)
	if err != nil {
		t.Fatalf("resubmit after Wait failed: %v", err)
	}
	drv.CompleteAll()
	if err := fg2.Wait(); err != nil {
		t.Fatalf("second Wait failed: %v", err)
	}
	cb.Destroy()
	buf.Destroy()
}

func TestMarkerSupersession(t *testing.T) {
	dev, drv := newManualDevice(t)
	q := dev.Queue(driver.QueueGraphics)

	buf, err := dev.CreateBuffer(BufferDesc{Label: "reused", Size: 16})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}

	b1 := dev.NewBuilder("first")
	b1.FillBuffer(buf, 0, 16, 1)
	cb1, err := b1.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	b2 := dev.NewBuilder("second")
	b2.FillBuffer(buf, 0, 16, 2)
	cb2, err := b2.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	fg1, err := q.Submit(cb1)
	if err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	fg2, err := q.Submit(cb2)
	if err != nil {
		t.Fatalf("second Submit failed: %v", err)
	}

	// The second submission took over the buffer's marker.
	g := buf.guard()
	g.mu.Lock()
	owner := g.markers[q.ID()].sub
	g.mu.Unlock()
	if owner != fg2.sub {
		t.Error("marker not owned by the latest submission")
	}

	// Resolving the first submission must not free the buffer; the marker
	// now belongs to the second one.
	if err := drv.Complete(q.ID()); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := fg1.Wait(); err != nil {
		t.Fatalf("first Wait failed: %v", err)
	}
	if _, err := buf.TryLock(); !errors.Is(err, ErrBusy) {
		t.Errorf("TryLock after first Wait = %v, want ErrBusy", err)
	}

	if err := drv.Complete(q.ID()); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := fg2.Wait(); err != nil {
		t.Fatalf("second Wait failed: %v", err)
	}
	ref, err := buf.TryLock()
	if err != nil {
		t.Fatalf("TryLock after second Wait = %v, want success", err)
	}
	ref.Release()

	cb1.Destroy()
	cb2.Destroy()
	buf.Destroy()
}

func TestSubmitRollbackRestoresMarker(t *testing.T) {
	dev, drv := newManualDevice(t)
	q := dev.Queue(driver.QueueGraphics)

	bufA, err := dev.CreateBuffer(BufferDesc{Label: "a", Size: 16})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	bufB, err := dev.CreateBuffer(BufferDesc{Label: "b", Size: 16})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}

	b1 := dev.NewBuilder("fill-a")
	b1.FillBuffer(bufA, 0, 16, 1)
	cb1, err := b1.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	b2 := dev.NewBuilder("copy-a-to-b")
	b2.CopyBuffer(bufB, bufA, 0, 0, 16)
	cb2, err := b2.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	fg1, err := q.Submit(cb1)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Lock bufB so the second submission fails after it already marked
	// bufA. The rollback must hand bufA's marker back to the first
	// submission.
	ref, err := bufB.Lock()
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if _, err := q.Submit(cb2); !errors.Is(err, ErrBusy) {
		t.Fatalf("Submit with locked bufB = %v, want ErrBusy", err)
	}
	if cb2.Locked() {
		t.Error("failed submit left the command buffer locked")
	}
	g := bufA.guard()
	g.mu.Lock()
	owner := g.markers[q.ID()].sub
	g.mu.Unlock()
	if owner != fg1.sub {
		t.Error("failed submit did not restore bufA's marker")
	}
	ref.Release()

	if err := drv.Complete(q.ID()); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := fg1.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	aref, err := bufA.TryLock()
	if err != nil {
		t.Fatalf("TryLock(bufA) after Wait = %v, want success", err)
	}
	aref.Release()

	fg2, err := q.Submit(cb2)
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	drv.CompleteAll()
	if err := fg2.Wait(); err != nil {
		t.Fatalf("second Wait failed: %v", err)
	}

	cb1.Destroy()
	cb2.Destroy()
	bufA.Destroy()
	bufB.Destroy()
}

func TestSubmitDestroyedCommandBufferPanics(t *testing.T) {
	dev := newTestDevice(t)
	q := dev.Queue(driver.QueueGraphics)

	b := dev.NewBuilder("gone")
	cb, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	cb.Destroy()

	defer func() {
		if recover() == nil {
			t.Error("submit of a destroyed command buffer should panic")
		}
	}()
	q.Submit(cb)
}

func TestSubmitOnDestroyedDevicePanics(t *testing.T) {
	dev := newTestDevice(t)
	q := dev.Queue(driver.QueueGraphics)

	b := dev.NewBuilder("late")
	cb, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	dev.Destroy()

	defer func() {
		if recover() == nil {
			t.Error("submit on a destroyed device should panic")
		}
	}()
	q.Submit(cb)
}

func TestPresentRejectsNonImage(t *testing.T) {
	dev := newTestDevice(t)
	q := dev.Queue(driver.QueueGraphics)

	buf, err := dev.CreateBufferShared(BufferDesc{Label: "not-an-image", Size: 16})
	if err != nil {
		t.Fatalf("CreateBufferShared failed: %v", err)
	}
	defer buf.Destroy()

	if err := q.Present(buf, 0); !errors.Is(err, ErrIncompatible) {
		t.Errorf("Present of a buffer = %v, want ErrIncompatible", err)
	}
}

func TestPresentRejectsNonPresentableImage(t *testing.T) {
	dev := newTestDevice(t)
	q := dev.Queue(driver.QueueGraphics)

	img, err := dev.CreateImageShared(ImageDesc{
		Label:  "offscreen",
		Extent: gputypes.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 1},
		Format: gputypes.TextureFormatRGBA8Unorm,
	})
	if err != nil {
		t.Fatalf("CreateImageShared failed: %v", err)
	}
	defer img.Destroy()

	if err := q.Present(img, 0); !errors.Is(err, ErrIncompatible) {
		t.Errorf("Present of a general-state image = %v, want ErrIncompatible", err)
	}
}

func TestPresentCountsOnSurface(t *testing.T) {
	dev, drv := newTestDeviceDriver(t)
	q := dev.Queue(driver.QueueGraphics)

	surface := drv.CreateSurface()
	id, err := drv.CreateImage(driver.ImageDesc{
		Extent:       gputypes.Extent3D{Width: 4, Height: 4},
		Format:       gputypes.TextureFormatBGRA8Unorm,
		InitialState: driver.StatePresent,
	})
	if err != nil {
		t.Fatalf("driver CreateImage failed: %v", err)
	}
	img := dev.ImportImage(id, ImageDesc{Label: "frame-0"})
	defer img.Destroy()

	if err := q.Present(img, surface); err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	drv.Poll(true)

	if got := drv.PresentCount(surface); got != 1 {
		t.Errorf("PresentCount = %d, want 1", got)
	}
	if err := drv.ExecErr(); err != nil {
		t.Errorf("ExecErr = %v, want nil", err)
	}
}
