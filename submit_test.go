package vulkano

import (
	"bytes"
	"testing"

	"github.com/JustAPerson/vulkano/driver"
)

func TestWaitResolvesSubmission(t *testing.T) {
	dev := newTestDevice(t)
	q := dev.Queue(driver.QueueGraphics)

	buf, err := dev.CreateBuffer(BufferDesc{Label: "resolved", Size: 16})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	defer buf.Destroy()

	b := dev.NewBuilder("fill")
	b.FillBuffer(buf, 0, 16, 5)
	cb, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	defer cb.Destroy()

	fg, err := q.Submit(cb)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if got := q.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
	if err := fg.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	// Resolution is all-or-nothing: the marker is gone, the command buffer
	// is unlocked, and the queue's pending list is empty.
	if got := q.Pending(); got != 0 {
		t.Errorf("Pending() after Wait = %d, want 0", got)
	}
	if cb.Locked() {
		t.Error("command buffer still locked after Wait")
	}
	ref, err := buf.TryLock()
	if err != nil {
		t.Fatalf("TryLock after Wait = %v, want success", err)
	}
	ref.Release()

	// The same command buffer submits again.
	fg2, err := q.Submit(cb)
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if err := fg2.Wait(); err != nil {
		t.Fatalf("second Wait failed: %v", err)
	}
}

func TestWaitTwicePanics(t *testing.T) {
	dev := newTestDevice(t)
	q := dev.Queue(driver.QueueGraphics)

	b := dev.NewBuilder("empty")
	cb, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	defer cb.Destroy()

	fg, err := q.Submit(cb)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := fg.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("second Wait should panic")
		}
	}()
	fg.Wait()
}

func TestDoneDoesNotConsume(t *testing.T) {
	dev, drv := newManualDevice(t)
	q := dev.Queue(driver.QueueGraphics)

	b := dev.NewBuilder("empty")
	cb, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	fg, err := q.Submit(cb)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if fg.Done() {
		t.Error("Done() = true while the batch is gated, want false")
	}

	if err := drv.Complete(q.ID()); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	drv.Poll(true)

	if !fg.Done() {
		t.Error("Done() = false after the batch executed, want true")
	}
	// Done may be polled repeatedly; only Wait consumes.
	if !fg.Done() {
		t.Error("second Done() = false, want true")
	}
	if err := fg.Wait(); err != nil {
		t.Fatalf("Wait after Done failed: %v", err)
	}
	cb.Destroy()
}

func TestChainFoldsUnfencedSubmission(t *testing.T) {
	dev, drv := newTestDeviceDriver(t)
	q := dev.Queue(driver.QueueGraphics)

	src, err := dev.CreateBuffer(BufferDesc{Label: "src", Size: 16})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	defer src.Destroy()
	dst, err := dev.CreateBuffer(BufferDesc{Label: "dst", Size: 16})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	defer dst.Destroy()

	b1 := dev.NewBuilder("produce")
	b1.FillBuffer(src, 0, 16, 0x01020304)
	cb1, err := b1.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	defer cb1.Destroy()

	b2 := dev.NewBuilder("consume")
	b2.CopyBuffer(dst, src, 0, 0, 16)
	cb2, err := b2.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	defer cb2.Destroy()

	nf, err := q.SubmitNoFence(cb1)
	if err != nil {
		t.Fatalf("SubmitNoFence failed: %v", err)
	}
	fg, err := q.Submit(cb2, Chain(nf))
	if err != nil {
		t.Fatalf("Submit with Chain failed: %v", err)
	}

	// One Wait proves both batches: the unfenced producer is folded into
	// the fenced consumer.
	if err := fg.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got := drv.Executed(q.ID()); got != 2 {
		t.Errorf("Executed = %d, want 2", got)
	}
	if got := q.Pending(); got != 0 {
		t.Errorf("Pending() after Wait = %d, want 0", got)
	}

	ref, err := dst.Lock()
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	got, err := ref.Read(0, 16)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	ref.Release()
	want := bytes.Repeat([]byte{0x04, 0x03, 0x02, 0x01}, 4)
	if !bytes.Equal(got, want) {
		t.Errorf("dst = %x, want %x", got, want)
	}

	// The producer's lock was released along with the consumer's.
	if cb1.Locked() || cb2.Locked() {
		t.Error("command buffers still locked after chained Wait")
	}
}

func TestChainCrossQueuePanics(t *testing.T) {
	dev := newTestDevice(t)
	gq := dev.Queue(driver.QueueGraphics)
	cq := dev.Queue(driver.QueueCompute)

	b1 := dev.NewBuilder("graphics-work")
	cb1, err := b1.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	defer cb1.Destroy()
	b2 := dev.NewBuilder("compute-work")
	cb2, err := b2.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	defer cb2.Destroy()

	nf, err := gq.SubmitNoFence(cb1)
	if err != nil {
		t.Fatalf("SubmitNoFence failed: %v", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("chaining across queues should panic")
			}
		}()
		cq.Submit(cb2, Chain(nf))
	}()

	// The panic fired before the guard was consumed; fold it into a
	// same-queue submission so the producer still resolves.
	fg, err := gq.Submit(cb2, Chain(nf))
	if err != nil {
		t.Fatalf("same-queue Submit failed: %v", err)
	}
	if err := fg.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestWaitOnSameQueuePanics(t *testing.T) {
	dev := newTestDevice(t)
	gq := dev.Queue(driver.QueueGraphics)
	cq := dev.Queue(driver.QueueCompute)

	b1 := dev.NewBuilder("signaler")
	cb1, err := b1.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	defer cb1.Destroy()
	b2 := dev.NewBuilder("waiter")
	cb2, err := b2.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	defer cb2.Destroy()

	sg, err := gq.SubmitSignal(cb1)
	if err != nil {
		t.Fatalf("SubmitSignal failed: %v", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Error("waiting on the queue's own semaphore should panic")
			}
		}()
		gq.Submit(cb2, WaitOn(sg))
	}()

	fg, err := cq.Submit(cb2, WaitOn(sg))
	if err != nil {
		t.Fatalf("cross-queue Submit failed: %v", err)
	}
	if err := fg.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
}

func TestSemaphoreOrdersAcrossQueues(t *testing.T) {
	dev, drv := newManualDevice(t)
	gq := dev.Queue(driver.QueueGraphics)
	cq := dev.Queue(driver.QueueCompute)

	src, err := dev.CreateBuffer(BufferDesc{Label: "produced", Size: 16})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}
	dst, err := dev.CreateBuffer(BufferDesc{Label: "consumed", Size: 16})
	if err != nil {
		t.Fatalf("CreateBuffer failed: %v", err)
	}

	b1 := dev.NewBuilder("produce")
	b1.FillBuffer(src, 0, 16, 0x07070707)
	cb1, err := b1.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	b2 := dev.NewBuilder("consume")
	b2.CopyBuffer(dst, src, 0, 0, 16)
	cb2, err := b2.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	sg, err := gq.SubmitSignal(cb1)
	if err != nil {
		t.Fatalf("SubmitSignal failed: %v", err)
	}
	fg, err := cq.Submit(cb2, WaitOn(sg))
	if err != nil {
		t.Fatalf("Submit with WaitOn failed: %v", err)
	}

	// Release the consumer's gate first. Its worker then sits on the
	// semaphore until the producer executes, so the copy cannot observe
	// an unfilled source.
	if err := drv.Complete(cq.ID()); err != nil {
		t.Fatalf("Complete(compute) failed: %v", err)
	}
	if err := drv.Complete(gq.ID()); err != nil {
		t.Fatalf("Complete(graphics) failed: %v", err)
	}

	if err := fg.Wait(); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	ref, err := dst.Lock()
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	got, err := ref.Read(0, 16)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	ref.Release()
	want := bytes.Repeat([]byte{0x07}, 16)
	if !bytes.Equal(got, want) {
		t.Errorf("dst = %x, want %x", got, want)
	}

	// The fold resolved the producer too: no markers linger on either
	// queue and both pending lists are empty.
	if gq.Pending() != 0 || cq.Pending() != 0 {
		t.Errorf("Pending = %d/%d after Wait, want 0/0", gq.Pending(), cq.Pending())
	}
	sref, err := src.TryLock()
	if err != nil {
		t.Fatalf("TryLock(src) after Wait = %v, want success", err)
	}
	sref.Release()

	cb1.Destroy()
	cb2.Destroy()
	src.Destroy()
	dst.Destroy()
}
