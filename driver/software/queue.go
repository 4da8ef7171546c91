package software

import (
	"fmt"
	"sync"

	"github.com/JustAPerson/vulkano/driver"
)

// queue executes batches for one driver.QueueID in FIFO order on a
// dedicated worker goroutine.
type queue struct {
	dev  *Device
	info driver.QueueInfo

	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []*job
	gates  []chan struct{}
	active bool
	closed bool

	closeCh  chan struct{}
	doneCh   chan struct{}
	executed uint64
}

type job struct {
	submit driver.SubmitInfo

	present bool
	image   driver.ImageID
	surface driver.SurfaceID

	// gate, when non-nil, must be closed (via Complete) before the job
	// may execute.
	gate chan struct{}
	done chan struct{}
}

func newQueue(dev *Device, id driver.QueueID, kind driver.QueueKind) *queue {
	q := &queue{
		dev:     dev,
		info:    driver.QueueInfo{ID: id, Kind: kind},
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) enqueue(j *job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	if j.gate != nil {
		q.gates = append(q.gates, j.gate)
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}

// run is the worker loop. Jobs execute strictly in submission order;
// a gated job blocks the whole queue until released, and wait-semaphores
// block until their signaling queue reaches the signal point.
func (q *queue) run() {
	defer close(q.doneCh)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.active = true
		q.mu.Unlock()

		if !q.waitGates(j) {
			return
		}

		if j.present {
			q.executePresent(j)
		} else {
			q.dev.execute(j.submit.Commands)
			for _, sid := range j.submit.SignalSemaphores {
				q.dev.signalSemaphore(sid)
			}
			if j.submit.Fence != driver.InvalidID {
				q.dev.signalFence(j.submit.Fence)
			}
		}
		close(j.done)

		q.mu.Lock()
		q.active = false
		q.executed++
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

// waitGates blocks on the job's manual gate and wait-semaphores.
// Returns false if the device shut down while waiting.
func (q *queue) waitGates(j *job) bool {
	if j.gate != nil {
		select {
		case <-j.gate:
		case <-q.closeCh:
			return false
		}
	}
	for _, sid := range j.submit.WaitSemaphores {
		q.dev.mu.Lock()
		s, ok := q.dev.semaphores[sid]
		q.dev.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case <-s.ch:
		case <-q.closeCh:
			return false
		}
	}
	return true
}

func (q *queue) executePresent(j *job) {
	d := q.dev
	d.mu.Lock()
	img, imgOK := d.images[j.image]
	s, surfOK := d.surfaces[j.surface]
	if imgOK && img.state != driver.StatePresent {
		d.mu.Unlock()
		d.recordExecErr(fmt.Errorf("%w: image %d is %v at present",
			driver.ErrInvalidState, j.image, img.state))
		return
	}
	d.mu.Unlock()
	if surfOK {
		s.presented.Add(1)
	}
}

// drain blocks until the queue has no pending or executing jobs.
func (q *queue) drain() {
	q.mu.Lock()
	for (len(q.jobs) > 0 || q.active) && !q.closed {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	close(q.closeCh)
	<-q.doneCh
}

func (d *Device) findQueue(id driver.QueueID) *queue {
	for _, q := range d.queues {
		if q.info.ID == id {
			return q
		}
	}
	return nil
}

// Submit validates a batch and hands it to the queue worker. Validation
// errors (unknown IDs, out-of-range copies) surface here; execution-time
// state mismatches are recorded via ExecErr.
func (d *Device) Submit(queue driver.QueueID, info driver.SubmitInfo) error {
	q := d.findQueue(queue)
	if q == nil {
		return fmt.Errorf("software: queue %d: %w", queue, driver.ErrNotFound)
	}
	if err := d.validate(info); err != nil {
		return err
	}

	j := &job{submit: info, done: make(chan struct{})}
	if d.manual {
		j.gate = make(chan struct{})
	}
	q.enqueue(j)
	return nil
}

// Present schedules a presentable image on a surface, ordered with the
// queue's submissions.
func (d *Device) Present(queue driver.QueueID, image driver.ImageID, surface driver.SurfaceID) error {
	q := d.findQueue(queue)
	if q == nil {
		return fmt.Errorf("software: queue %d: %w", queue, driver.ErrNotFound)
	}
	d.mu.Lock()
	_, imgOK := d.images[image]
	_, surfOK := d.surfaces[surface]
	d.mu.Unlock()
	if !imgOK {
		return fmt.Errorf("software: image %d: %w", image, driver.ErrNotFound)
	}
	if !surfOK {
		return fmt.Errorf("software: surface %d: %w", surface, driver.ErrNotFound)
	}

	j := &job{present: true, image: image, surface: surface, done: make(chan struct{})}
	if d.manual {
		j.gate = make(chan struct{})
	}
	q.enqueue(j)
	return nil
}

// Complete releases the oldest gated batch on a queue. Only meaningful
// with ManualCompletion.
func (d *Device) Complete(queue driver.QueueID) error {
	q := d.findQueue(queue)
	if q == nil {
		return fmt.Errorf("software: queue %d: %w", queue, driver.ErrNotFound)
	}

	q.mu.Lock()
	if len(q.gates) == 0 {
		q.mu.Unlock()
		return fmt.Errorf("software: queue %d has no gated batch: %w", queue, driver.ErrNotFound)
	}
	gate := q.gates[0]
	q.gates = q.gates[1:]
	q.mu.Unlock()

	close(gate)
	return nil
}

// CompleteAll releases every gated batch on every queue and returns how
// many it released.
func (d *Device) CompleteAll() int {
	n := 0
	for _, q := range d.queues {
		q.mu.Lock()
		gates := q.gates
		q.gates = nil
		q.mu.Unlock()
		for _, gate := range gates {
			close(gate)
			n++
		}
	}
	return n
}

// Executed returns how many batches a queue has finished executing.
func (d *Device) Executed(queue driver.QueueID) uint64 {
	q := d.findQueue(queue)
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.executed
}

func (d *Device) signalFence(id driver.FenceID) {
	d.mu.Lock()
	f, ok := d.fences[id]
	d.mu.Unlock()
	if ok {
		f.signal()
	}
}

func (d *Device) signalSemaphore(id driver.SemaphoreID) {
	d.mu.Lock()
	s, ok := d.semaphores[id]
	d.mu.Unlock()
	if ok {
		s.signal()
	}
}

// validate checks every ID and range in a batch before it is enqueued.
func (d *Device) validate(info driver.SubmitInfo) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.destroyed {
		return driver.ErrDeviceLost
	}

	bufLen := func(id driver.BufferID) (uint64, error) {
		b, ok := d.buffers[id]
		if !ok {
			return 0, fmt.Errorf("software: buffer %d: %w", id, driver.ErrNotFound)
		}
		return uint64(len(b.data)), nil
	}

	for _, c := range info.Commands {
		switch cmd := c.(type) {
		case driver.CopyBuffer:
			srcLen, err := bufLen(cmd.Src)
			if err != nil {
				return err
			}
			dstLen, err := bufLen(cmd.Dst)
			if err != nil {
				return err
			}
			if cmd.SrcOffset+cmd.Size > srcLen || cmd.DstOffset+cmd.Size > dstLen {
				return fmt.Errorf("software: copy of %d bytes out of range", cmd.Size)
			}
		case driver.FillBuffer:
			dstLen, err := bufLen(cmd.Dst)
			if err != nil {
				return err
			}
			if cmd.Offset+cmd.Size > dstLen {
				return fmt.Errorf("software: fill of %d bytes out of range", cmd.Size)
			}
		case driver.CopyBufferToImage:
			if _, err := bufLen(cmd.Src); err != nil {
				return err
			}
			img, ok := d.images[cmd.Dst]
			if !ok {
				return fmt.Errorf("software: image %d: %w", cmd.Dst, driver.ErrNotFound)
			}
			if cmd.Origin.X+cmd.Extent.Width > img.desc.Extent.Width ||
				cmd.Origin.Y+cmd.Extent.Height > img.desc.Extent.Height {
				return fmt.Errorf("software: image copy region out of range")
			}
		case driver.Dispatch:
			if _, ok := d.pipelines[cmd.Pipeline]; !ok {
				return fmt.Errorf("software: pipeline %d: %w", cmd.Pipeline, driver.ErrNotFound)
			}
			for _, b := range cmd.Bindings {
				if _, err := bufLen(b.Buffer); err != nil {
					return err
				}
			}
		case driver.Transition:
			if cmd.Buffer != driver.InvalidID {
				if _, err := bufLen(cmd.Buffer); err != nil {
					return err
				}
			} else if _, ok := d.images[cmd.Image]; !ok {
				return fmt.Errorf("software: image %d: %w", cmd.Image, driver.ErrNotFound)
			}
		}
	}

	for _, sid := range info.WaitSemaphores {
		if _, ok := d.semaphores[sid]; !ok {
			return fmt.Errorf("software: semaphore %d: %w", sid, driver.ErrNotFound)
		}
	}
	for _, sid := range info.SignalSemaphores {
		if _, ok := d.semaphores[sid]; !ok {
			return fmt.Errorf("software: semaphore %d: %w", sid, driver.ErrNotFound)
		}
	}
	if info.Fence != driver.InvalidID {
		if _, ok := d.fences[info.Fence]; !ok {
			return fmt.Errorf("software: fence %d: %w", info.Fence, driver.ErrNotFound)
		}
	}
	return nil
}

// execute runs a validated command list against device memory.
func (d *Device) execute(commands []driver.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, c := range commands {
		switch cmd := c.(type) {
		case driver.CopyBuffer:
			src, srcOK := d.buffers[cmd.Src]
			dst, dstOK := d.buffers[cmd.Dst]
			if srcOK && dstOK {
				copy(dst.data[cmd.DstOffset:cmd.DstOffset+cmd.Size],
					src.data[cmd.SrcOffset:cmd.SrcOffset+cmd.Size])
			}
		case driver.FillBuffer:
			if dst, ok := d.buffers[cmd.Dst]; ok {
				fillBytes(dst.data[cmd.Offset:cmd.Offset+cmd.Size], cmd.Value)
			}
		case driver.CopyBufferToImage:
			d.copyBufferToImage(cmd)
		case driver.Dispatch:
			// No shader interpreter; the dispatch is counted as executed
			// work by the queue.
		case driver.Transition:
			d.applyTransition(cmd)
		}
	}
}

func (d *Device) copyBufferToImage(cmd driver.CopyBufferToImage) {
	src, srcOK := d.buffers[cmd.Src]
	img, imgOK := d.images[cmd.Dst]
	if !srcOK || !imgOK {
		return
	}
	texel := texelSize(img.desc.Format)
	rowBytes := uint64(cmd.Extent.Width) * texel
	imgPitch := uint64(img.desc.Extent.Width) * texel

	for y := uint64(0); y < uint64(cmd.Extent.Height); y++ {
		srcOff := cmd.SrcOffset + y*rowBytes
		dstOff := (uint64(cmd.Origin.Y)+y)*imgPitch + uint64(cmd.Origin.X)*texel
		if srcOff+rowBytes > uint64(len(src.data)) || dstOff+rowBytes > uint64(len(img.data)) {
			return
		}
		copy(img.data[dstOff:dstOff+rowBytes], src.data[srcOff:srcOff+rowBytes])
	}
}

// applyTransition checks a recorded state change against the resource's
// actual state, the way a validating driver would.
func (d *Device) applyTransition(cmd driver.Transition) {
	if cmd.Buffer != driver.InvalidID {
		b, ok := d.buffers[cmd.Buffer]
		if !ok {
			return
		}
		if b.state != cmd.From {
			d.recordExecErr(fmt.Errorf("%w: buffer %d is %v, transition expects %v",
				driver.ErrInvalidState, cmd.Buffer, b.state, cmd.From))
			return
		}
		b.state = cmd.To
		return
	}
	img, ok := d.images[cmd.Image]
	if !ok {
		return
	}
	if img.state != cmd.From {
		d.recordExecErr(fmt.Errorf("%w: image %d is %v, transition expects %v",
			driver.ErrInvalidState, cmd.Image, img.state, cmd.From))
		return
	}
	img.state = cmd.To
}
