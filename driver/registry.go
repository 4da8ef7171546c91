package driver

import (
	"errors"
	"fmt"
	"sync"
)

// Driver name constants.
const (
	// NameSoftware is the pure-Go reference device.
	NameSoftware = "software"

	// NameNative is the gogpu/wgpu hardware device.
	NameNative = "wgpu"
)

// ErrNotAvailable is returned when a requested driver is not registered
// or fails to open.
var ErrNotAvailable = errors.New("driver: not available")

// Factory opens a new Device instance.
type Factory func() (Device, error)

// registry holds registered driver factories.
var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)

	// Priority order for Default (first to open wins).
	// Hardware beats the software fallback.
	priority = []string{NameNative, NameSoftware}
)

// Register registers a driver factory under a name. Typically called from
// init() in driver implementation packages. Re-registering a name
// replaces the previous factory.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Unregister removes a driver from the registry. Useful in tests.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(factories, name)
}

// Available returns the registered driver names.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}

// IsRegistered reports whether a driver name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Open opens a device by driver name.
func Open(name string) (Device, error) {
	registryMu.RLock()
	factory, ok := factories[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q not registered", ErrNotAvailable, name)
	}
	dev, err := factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrNotAvailable, name, err)
	}
	return dev, nil
}

// Default opens the best available device in priority order, falling back
// to any registered driver that opens.
func Default() (Device, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var firstErr error
	for _, name := range priority {
		factory, ok := factories[name]
		if !ok {
			continue
		}
		dev, err := factory()
		if err == nil {
			return dev, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	for name, factory := range factories {
		if inPriority(name) {
			continue
		}
		dev, err := factory()
		if err == nil {
			return dev, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotAvailable, firstErr)
	}
	return nil, ErrNotAvailable
}

func inPriority(name string) bool {
	for _, p := range priority {
		if p == name {
			return true
		}
	}
	return false
}
