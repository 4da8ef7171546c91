//go:build !nogpu

package vulkano

// Registers the native driver with the driver registry so that [Open]
// prefers it when hardware is available. Build with -tags nogpu to
// compile without the wgpu dependency.
import _ "github.com/JustAPerson/vulkano/driver/native"
