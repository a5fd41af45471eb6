package processor

import (
	"github.com/doomedramen/autopwn/internal/models"
)

// DevicePool is a semaphore-backed set of compute slots for one device
// class. GPU pools default to a single slot, the hardware is effectively
// single-tenant; CPU pools run several jobs concurrently.
type DevicePool struct {
	device models.DeviceClass
	slots  chan struct{}
}

// NewDevicePool creates a pool with the given capacity.
func NewDevicePool(device models.DeviceClass, capacity int) *DevicePool {
	if capacity < 1 {
		capacity = 1
	}
	return &DevicePool{
		device: device,
		slots:  make(chan struct{}, capacity),
	}
}

// TryAcquire takes a slot if one is free. Never blocks.
func (p *DevicePool) TryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a previously acquired slot.
func (p *DevicePool) Release() {
	select {
	case <-p.slots:
	default:
		// Release without acquire is a programming error; make it visible
		// instead of corrupting the occupancy count.
		panic("device pool: release without acquire")
	}
}

// Capacity returns the total number of slots.
func (p *DevicePool) Capacity() int {
	return cap(p.slots)
}

// InUse returns the number of occupied slots.
func (p *DevicePool) InUse() int {
	return len(p.slots)
}

// Device returns the device class this pool represents.
func (p *DevicePool) Device() models.DeviceClass {
	return p.device
}
