// Command vkdemo exercises the vulkano safety layer end to end: it uploads
// a payload, runs a chained compute pass over it for a few frames, reads the
// bytes back, and prints the device's accounting counters.
package main

import (
	"bytes"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/JustAPerson/vulkano"
	"github.com/JustAPerson/vulkano/driver"
)

const shader = `@compute @workgroup_size(64) fn main() {}`

func main() {
	var (
		name    = flag.String("driver", driver.NameSoftware, "driver to open (software or wgpu)")
		size    = flag.Uint64("size", 64*1024, "buffer size in bytes")
		frames  = flag.Int("frames", 3, "submission rounds")
		verbose = flag.Bool("v", false, "log device activity")
	)
	flag.Parse()

	if *verbose {
		vulkano.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	dev, err := vulkano.OpenDriver(*name, vulkano.WithLabel("vkdemo"))
	if err != nil {
		log.Fatalf("open %q driver: %v", *name, err)
	}
	defer dev.Destroy()
	log.Printf("device: %s", dev.Info().Name)

	staging, err := dev.CreateBuffer(vulkano.BufferDesc{Label: "staging", Size: *size})
	if err != nil {
		log.Fatalf("create staging buffer: %v", err)
	}
	storage, err := dev.CreateBuffer(vulkano.BufferDesc{Label: "storage", Size: *size})
	if err != nil {
		log.Fatalf("create storage buffer: %v", err)
	}

	payload := make([]byte, *size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	ref, err := staging.Lock()
	if err != nil {
		log.Fatalf("lock staging buffer: %v", err)
	}
	if err := ref.Write(0, payload); err != nil {
		log.Fatalf("write payload: %v", err)
	}
	ref.Release()

	spirv, err := vulkano.CompileWGSL(shader)
	if err != nil {
		log.Fatalf("compile shader: %v", err)
	}
	rast, err := dev.RasterizerState(driver.RasterizerDesc{})
	if err != nil {
		log.Fatalf("rasterizer state: %v", err)
	}
	vp, err := dev.ViewportState(driver.ViewportDesc{Width: 640, Height: 480})
	if err != nil {
		log.Fatalf("viewport state: %v", err)
	}
	pipe, err := dev.CreatePipeline(vulkano.PipelineDesc{
		Label:      "pass",
		SPIRV:      spirv,
		EntryPoint: "main",
		Stage:      driver.StageCompute,
		Info: vulkano.ShaderInfo{
			Stage: driver.StageCompute,
			Bindings: []vulkano.BindingInfo{
				{Binding: 0, Kind: vulkano.BindingStorageBuffer},
			},
		},
		Rasterizer: rast,
		Viewport:   vp,
	})
	if err != nil {
		log.Fatalf("create pipeline: %v", err)
	}

	ub := dev.NewBuilder("upload")
	ub.CopyBuffer(storage, staging, 0, 0, *size)
	upload, err := ub.Finish()
	if err != nil {
		log.Fatalf("build upload: %v", err)
	}

	pb := dev.NewBuilder("process")
	if err := pb.BindSet(pipe, vulkano.SetLayout{
		Label:   "main-set",
		Entries: []vulkano.LayoutEntry{{Binding: 0, Kind: vulkano.BindingStorageBuffer}},
	}); err != nil {
		log.Fatalf("bind set: %v", err)
	}
	pb.Transition(storage, vulkano.StateGeneral, vulkano.StateShaderWrite)
	pb.Dispatch(pipe, []vulkano.BufferBinding{{Binding: 0, Buffer: storage}},
		uint32((*size+255)/256), 1, 1)
	pb.Transition(storage, vulkano.StateShaderWrite, vulkano.StateGeneral)
	process, err := pb.Finish()
	if err != nil {
		log.Fatalf("build process: %v", err)
	}

	q := dev.Queue(driver.QueueCompute)
	for frame := range *frames {
		nf, err := q.SubmitNoFence(upload)
		if err != nil {
			log.Fatalf("frame %d: submit upload: %v", frame, err)
		}
		fg, err := q.Submit(process, vulkano.Chain(nf))
		if err != nil {
			log.Fatalf("frame %d: submit process: %v", frame, err)
		}
		if err := fg.Wait(); err != nil {
			log.Fatalf("frame %d: wait: %v", frame, err)
		}
	}
	log.Printf("%d frames submitted and resolved", *frames)

	rb := dev.NewBuilder("readback")
	rb.CopyBuffer(staging, storage, 0, 0, *size)
	readback, err := rb.Finish()
	if err != nil {
		log.Fatalf("build readback: %v", err)
	}
	fg, err := q.Submit(readback)
	if err != nil {
		log.Fatalf("submit readback: %v", err)
	}
	if err := fg.Wait(); err != nil {
		log.Fatalf("wait readback: %v", err)
	}

	ref, err = staging.Lock()
	if err != nil {
		log.Fatalf("lock staging buffer: %v", err)
	}
	got, err := ref.Read(0, *size)
	if err != nil {
		log.Fatalf("read staging buffer: %v", err)
	}
	ref.Release()
	if !bytes.Equal(got, payload) {
		log.Fatalf("readback mismatch: %d bytes differ", *size)
	}
	log.Printf("readback verified: %d bytes", len(got))

	mem := dev.MemoryStats()
	log.Printf("memory: %d bytes used, %d high water", mem.UsedBytes, mem.HighWaterBytes)
	cs := dev.StateCacheStats()
	log.Printf("state cache: %d objects, %d misses, hit rate %.2f", cs.Len, cs.Misses, cs.HitRate)

	upload.Destroy()
	process.Destroy()
	readback.Destroy()
	pipe.Destroy()
	staging.Destroy()
	storage.Destroy()
	log.Printf("teardown: %d bytes still charged", dev.MemoryStats().UsedBytes)
}
