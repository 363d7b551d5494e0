package thresholds

import (
	"sort"
	"sync"

	"github.com/xtxerr/telemetry/internal/engine/config"
	"github.com/xtxerr/telemetry/internal/engine/types"
)

// Directory holds device metadata. Devices not in the directory are still
// accepted by the engine; the resolver then only applies global and
// catalog thresholds.
//
// Directory is safe for concurrent use.
type Directory struct {
	mu      sync.RWMutex
	devices map[string]types.Device
}

// NewDirectory creates a directory from configuration.
func NewDirectory(devices []config.DeviceConfig) *Directory {
	d := &Directory{devices: make(map[string]types.Device, len(devices))}
	for _, dc := range devices {
		d.devices[dc.ID] = dc.Device()
	}
	return d
}

// Device returns a copy of the device metadata.
func (d *Directory) Device(id string) (*types.Device, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	dev, ok := d.devices[id]
	if !ok {
		return nil, false
	}
	return &dev, true
}

// Put adds or replaces a device.
func (d *Directory) Put(dev types.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[dev.ID] = dev
}

// Remove deletes a device. Its series stay in the engine.
func (d *Directory) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.devices[id]; !ok {
		return false
	}
	delete(d.devices, id)
	return true
}

// List returns all devices sorted by ID.
func (d *Directory) List() []types.Device {
	d.mu.RLock()
	out := make([]types.Device, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, dev)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of devices.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.devices)
}
