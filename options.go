package vulkano

import "log/slog"

// DeviceOption configures a Device during creation.
// Use functional options to customize Device behavior.
//
// Example:
//
//	// Default device over the best available driver
//	dev, err := vulkano.Open()
//
//	// Device with a memory budget and custom label
//	dev, err := vulkano.Open(
//	    vulkano.WithMemoryBudget(256<<20),
//	    vulkano.WithLabel("asset-baker"),
//	)
type DeviceOption func(*deviceOptions)

// deviceOptions holds optional configuration for Device creation.
type deviceOptions struct {
	budget uint64
	compat CompatChecker
	logger *slog.Logger
	label  string
}

// defaultOptions returns the default device options.
func defaultOptions() deviceOptions {
	return deviceOptions{
		budget: 0,   // unlimited
		compat: nil, // DefaultCompatChecker is used if nil
		logger: nil, // package logger is used if nil
	}
}

// WithMemoryBudget caps the total bytes of device memory the Device will
// allocate for buffers, images and pipelines. Creation calls that would
// exceed the budget fail with [ErrBudgetExceeded] before touching the
// driver. A budget of zero means unlimited.
//
// Example:
//
//	dev, err := vulkano.Open(vulkano.WithMemoryBudget(64 << 20))
func WithMemoryBudget(bytes uint64) DeviceOption {
	return func(o *deviceOptions) {
		o.budget = bytes
	}
}

// WithCompatChecker replaces the shader/layout compatibility checker used
// when binding descriptor sets. The default is [DefaultCompatChecker].
//
// Example:
//
//	dev, err := vulkano.Open(vulkano.WithCompatChecker(func(s vulkano.ShaderInfo, l vulkano.SetLayout) error {
//	    return nil // trust the caller
//	}))
func WithCompatChecker(fn CompatChecker) DeviceOption {
	return func(o *deviceOptions) {
		o.compat = fn
	}
}

// WithLogger sets a logger for this Device only, overriding the package
// logger configured with [SetLogger].
//
// Example:
//
//	dev, err := vulkano.Open(vulkano.WithLogger(slog.Default()))
func WithLogger(l *slog.Logger) DeviceOption {
	return func(o *deviceOptions) {
		o.logger = l
	}
}

// WithLabel attaches a debug label to the Device. The label appears in log
// output and is handed to the driver where supported.
//
// Example:
//
//	dev, err := vulkano.Open(vulkano.WithLabel("render-worker"))
func WithLabel(label string) DeviceOption {
	return func(o *deviceOptions) {
		o.label = label
	}
}
