package vulkano

import (
	"fmt"

	"github.com/JustAPerson/vulkano/cache"
	"github.com/JustAPerson/vulkano/driver"
	"github.com/JustAPerson/vulkano/internal/memtrack"
)

// stateBytes is the nominal footprint charged per dynamic-state object.
// State objects are tiny descriptor records; the constant keeps them visible
// in memory accounting without pretending to know driver internals.
const stateBytes = 64

// stateCache deduplicates fixed-function state objects by descriptor value.
// Requesting the same descriptor twice returns the same handle and takes
// another reference. References are released when the owning pipeline's
// handle is destroyed, or through [Device.ReleaseState] for handles never
// attached to a pipeline; the driver object is destroyed when the last
// reference goes.
type stateCache struct {
	dev         *Device
	rasterizer  *cache.Dedup[driver.RasterizerDesc, *Handle]
	blend       *cache.Dedup[driver.BlendDesc, *Handle]
	depth       *cache.Dedup[driver.DepthStencilDesc, *Handle]
	multisample *cache.Dedup[driver.MultisampleDesc, *Handle]
	viewport    *cache.Dedup[driver.ViewportDesc, *Handle]
}

func newStateCache(d *Device) *stateCache {
	return &stateCache{
		dev:         d,
		rasterizer:  cache.NewDedup[driver.RasterizerDesc, *Handle](cache.ValueHasher[driver.RasterizerDesc]),
		blend:       cache.NewDedup[driver.BlendDesc, *Handle](cache.ValueHasher[driver.BlendDesc]),
		depth:       cache.NewDedup[driver.DepthStencilDesc, *Handle](cache.ValueHasher[driver.DepthStencilDesc]),
		multisample: cache.NewDedup[driver.MultisampleDesc, *Handle](cache.ValueHasher[driver.MultisampleDesc]),
		viewport:    cache.NewDedup[driver.ViewportDesc, *Handle](cache.ValueHasher[driver.ViewportDesc]),
	}
}

// evict destroys a state object whose last reference was released.
func (c *stateCache) evict(h *Handle) {
	d := c.dev
	if !d.destroyed.Load() {
		d.lockNative()
		d.drv.DestroyState(h.stateID)
		d.unlockNative()
	}
	d.mem.Free(memtrack.KindState, h.size)
	d.logger().Debug("state evicted", "handle", h.String())
}

func (c *stateCache) clear() {
	c.rasterizer.Clear(c.evict)
	c.blend.Clear(c.evict)
	c.depth.Clear(c.evict)
	c.multisample.Clear(c.evict)
	c.viewport.Clear(c.evict)
}

// newStateHandle charges the budget and creates the driver object for a
// cache miss.
func (d *Device) newStateHandle(label string, key any, create func() (driver.StateID, error)) (*Handle, error) {
	if err := d.mem.Alloc(memtrack.KindState, stateBytes); err != nil {
		return nil, err
	}
	d.lockNative()
	id, err := create()
	d.unlockNative()
	if err != nil {
		d.mem.Free(memtrack.KindState, stateBytes)
		return nil, err
	}
	h := newHandle(d, CategoryDynamicState, driver.StateUndefined, label, stateBytes)
	h.stateID = id
	h.stateKey = key
	return h, nil
}

// RasterizerState returns the shared state object for desc, creating it on
// first request. The returned handle carries one cache reference; attach it
// to a pipeline via [PipelineDesc] or give it back with
// [Device.ReleaseState].
func (d *Device) RasterizerState(desc driver.RasterizerDesc) (*Handle, error) {
	d.checkAlive("RasterizerState")
	return d.states.rasterizer.Acquire(desc, func() (*Handle, error) {
		return d.newStateHandle("rasterizer", desc, func() (driver.StateID, error) {
			return d.drv.CreateRasterizerState(desc)
		})
	})
}

// BlendState returns the shared state object for desc. See
// [Device.RasterizerState].
func (d *Device) BlendState(desc driver.BlendDesc) (*Handle, error) {
	d.checkAlive("BlendState")
	return d.states.blend.Acquire(desc, func() (*Handle, error) {
		return d.newStateHandle("blend", desc, func() (driver.StateID, error) {
			return d.drv.CreateBlendState(desc)
		})
	})
}

// DepthStencilState returns the shared state object for desc. See
// [Device.RasterizerState].
func (d *Device) DepthStencilState(desc driver.DepthStencilDesc) (*Handle, error) {
	d.checkAlive("DepthStencilState")
	return d.states.depth.Acquire(desc, func() (*Handle, error) {
		return d.newStateHandle("depth-stencil", desc, func() (driver.StateID, error) {
			return d.drv.CreateDepthStencilState(desc)
		})
	})
}

// MultisampleState returns the shared state object for desc. See
// [Device.RasterizerState].
func (d *Device) MultisampleState(desc driver.MultisampleDesc) (*Handle, error) {
	d.checkAlive("MultisampleState")
	return d.states.multisample.Acquire(desc, func() (*Handle, error) {
		return d.newStateHandle("multisample", desc, func() (driver.StateID, error) {
			return d.drv.CreateMultisampleState(desc)
		})
	})
}

// ViewportState returns the shared state object for desc. See
// [Device.RasterizerState].
func (d *Device) ViewportState(desc driver.ViewportDesc) (*Handle, error) {
	d.checkAlive("ViewportState")
	return d.states.viewport.Acquire(desc, func() (*Handle, error) {
		return d.newStateHandle("viewport", desc, func() (driver.StateID, error) {
			return d.drv.CreateViewportState(desc)
		})
	})
}

// ReleaseState gives back one reference on a state handle that was not
// attached to a pipeline.
func (d *Device) ReleaseState(h *Handle) {
	if h.category != CategoryDynamicState {
		panic(fmt.Sprintf("vulkano: ReleaseState of %s", h))
	}
	d.releaseState(h)
}

func (d *Device) releaseState(h *Handle) {
	switch k := h.stateKey.(type) {
	case driver.RasterizerDesc:
		d.states.rasterizer.Release(k, d.states.evict)
	case driver.BlendDesc:
		d.states.blend.Release(k, d.states.evict)
	case driver.DepthStencilDesc:
		d.states.depth.Release(k, d.states.evict)
	case driver.MultisampleDesc:
		d.states.multisample.Release(k, d.states.evict)
	case driver.ViewportDesc:
		d.states.viewport.Release(k, d.states.evict)
	default:
		panic(fmt.Sprintf("vulkano: %s has no state cache key", h))
	}
}

// StateCacheStats sums dedup statistics across the five state caches.
func (d *Device) StateCacheStats() cache.Stats {
	var total cache.Stats
	for _, s := range []cache.Stats{
		d.states.rasterizer.Stats(),
		d.states.blend.Stats(),
		d.states.depth.Stats(),
		d.states.multisample.Stats(),
		d.states.viewport.Stats(),
	} {
		total.Len += s.Len
		total.Hits += s.Hits
		total.Misses += s.Misses
		total.Evictions += s.Evictions
	}
	if n := total.Hits + total.Misses; n > 0 {
		total.HitRate = float64(total.Hits) / float64(n)
	}
	return total
}
