// Package vulkano provides a safe layer over explicit GPU drivers.
//
// # Overview
//
// vulkano wraps a low-level driver (software or wgpu-backed native) with the
// bookkeeping that explicit GPU APIs push onto the application: it tracks
// which resources the CPU and each queue are using, refuses operations that
// would race, and keeps resources alive until every recorded reference to
// them has drained. The driver contract itself stays thin and unsafe; all
// checking lives here.
//
// # Quick Start
//
//	import (
//		"github.com/JustAPerson/vulkano"
//		"github.com/JustAPerson/vulkano/driver"
//	)
//
//	dev, err := vulkano.Open()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Destroy()
//
//	buf, err := dev.CreateBuffer(vulkano.BufferDesc{Label: "verts", Size: 4096})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer buf.Destroy()
//
//	b := dev.NewBuilder("upload")
//	b.FillBuffer(buf, 0, 4096, 0)
//	cb, err := b.Finish()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cb.Destroy()
//
//	fence, err := dev.Queue(driver.QueueGraphics).Submit(cb)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := fence.Wait(); err != nil {
//		log.Fatal(err)
//	}
//
// # Access Model
//
// Every resource is reachable through an access guard. [Access] gives one
// owner at a time; [SharedAccess] adds shared read locks. Locking waits for
// the GPU to finish with the resource, and submitting work that touches a
// CPU-locked resource fails with [ErrBusy]. Misuse that no runtime check can
// recover from, such as destroying a resource a command buffer still
// references, panics.
//
// # Submission
//
// [Queue.Submit] returns a [FenceGuard] whose Wait releases everything the
// submission touched. [Queue.SubmitNoFence] and [Queue.SubmitSignal] return
// guards that must be consumed by a later submission on the same queue
// ([Chain]) or another queue ([WaitOn]); dropping one unconsumed aborts the
// process, because the resources it holds could never be released.
//
// # Drivers
//
// The software driver is always registered and runs submissions on host
// memory, which makes it the test double for everything above the driver
// boundary. The native driver registers itself unless built with -tags
// nogpu and executes over gogpu/wgpu's hardware abstraction layer.
package vulkano

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0-alpha.1"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0

	// VersionPrerelease is the prerelease identifier
	VersionPrerelease = "alpha.1"
)
