package vulkano

import (
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/JustAPerson/vulkano/driver"
)

func TestProvider(t *testing.T) {
	dev := newTestDevice(t)
	p := NewProvider(dev, gputypes.TextureFormatBGRA8Unorm)

	if p.Device() != dev {
		t.Error("Device() does not return the wrapped device")
	}
	if p.Queue() != dev.Queue(driver.QueueGraphics) {
		t.Error("Queue() does not return the graphics queue")
	}
	if p.Adapter() != dev {
		t.Error("Adapter() does not return the device")
	}
	if got := p.SurfaceFormat(); got != gputypes.TextureFormatBGRA8Unorm {
		t.Errorf("SurfaceFormat() = %v, want BGRA8Unorm", got)
	}
}

func TestProviderDevicePoll(t *testing.T) {
	dev := newTestDevice(t)
	p := NewProvider(dev, gputypes.TextureFormatBGRA8Unorm)

	// Exercised through the provider the way a windowing host would;
	// gpucontext.Device is a type token, so hosts assert to the concrete
	// device type to reach Poll.
	p.Device().(*Device).Poll(true)
	p.Device().(*Device).Poll(false)
}
