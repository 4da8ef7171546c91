package vulkano

import (
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/JustAPerson/vulkano/driver"
)

// Device satisfies gpucontext.Device so windowing integrations can poll
// and tear down through the shared contract.
var _ gpucontext.Device = (*Device)(nil)

// Provider adapts a [Device] to gpucontext.DeviceProvider so the device
// can back canvas and windowing integrations that are written against
// the shared context interfaces rather than this package.
type Provider struct {
	dev    *Device
	queue  *Queue
	format gputypes.TextureFormat
}

var _ gpucontext.DeviceProvider = (*Provider)(nil)

// NewProvider wraps dev for consumers of gpucontext.DeviceProvider.
// The provider reports format as the surface format and exposes the
// device's graphics queue. The provider does not take ownership; the
// caller still destroys dev.
func NewProvider(dev *Device, format gputypes.TextureFormat) *Provider {
	return &Provider{
		dev:    dev,
		queue:  dev.Queue(driver.QueueGraphics),
		format: format,
	}
}

// Device returns the wrapped device.
func (p *Provider) Device() gpucontext.Device { return p.dev }

// Queue returns the device's graphics queue.
func (p *Provider) Queue() gpucontext.Queue { return p.queue }

// Adapter returns the device again; driver adapters are not separate
// objects in this package.
func (p *Provider) Adapter() gpucontext.Adapter { return p.dev }

// SurfaceFormat returns the format passed to [NewProvider].
func (p *Provider) SurfaceFormat() gputypes.TextureFormat { return p.format }
