// Package mpu implements the memory-protection-unit configuration
// interface from spec section 4.11: up to 8 regions, each a power-of-two
// sized, naturally-aligned span with an access policy, written through to
// the platform port once validated.
package mpu

import (
	"github.com/cmc-labo/tinyos-rtos-sub000/platform"
	"github.com/cmc-labo/tinyos-rtos-sub000/rtoserr"
)

// MaxRegions is the maximum number of simultaneously configured regions.
const MaxRegions = 8

// Access describes a region's permitted operations.
type Access uint8

const (
	NoAccess Access = iota
	ReadOnly
	ReadWrite
	ExecuteOnly
)

// Region describes one configured MPU region.
type Region struct {
	Base     uintptr
	SizeLog2 uint8 // region size is 1 << SizeLog2 bytes
	Access   Access
	enabled  bool
}

// Controller manages the set of configured regions for one port.
type Controller struct {
	port    platform.Port
	regions [MaxRegions]Region
	enabled bool
}

// New constructs a Controller writing through to port.
func New(port platform.Port) *Controller {
	return &Controller{port: port}
}

// minRegionSizeLog2 is log2(32): spec section 4.11 requires region size be
// a power of two of at least 32 bytes.
const minRegionSizeLog2 = 5

// SetRegion validates and programs region index (0..MaxRegions-1). Per spec
// section 4.11's constraints for a 32-bit microcontroller target: size is a
// power of two of at least 32 bytes (sizeLog2 in [5,31]), and base must be
// aligned to max(32, size) — which, since size is already at least 32 here,
// is simply alignment to size itself.
func (c *Controller) SetRegion(index int, base uintptr, sizeLog2 uint8, access Access) error {
	if index < 0 || index >= MaxRegions {
		return rtoserr.InvalidParam
	}
	if sizeLog2 < minRegionSizeLog2 || sizeLog2 > 31 {
		return rtoserr.InvalidParam
	}
	size := uintptr(1) << sizeLog2
	align := size
	if align < 32 {
		align = 32
	}
	if base%align != 0 {
		return rtoserr.InvalidParam
	}
	if access == NoAccess {
		return rtoserr.InvalidParam
	}

	if err := c.port.MPUWriteRegion(index, base, sizeLog2, uint8(access)); err != nil {
		return err
	}
	c.regions[index] = Region{Base: base, SizeLog2: sizeLog2, Access: access, enabled: true}
	return nil
}

// Enable toggles global MPU enforcement of every programmed region, per
// spec section 4.11's enable(bool).
func (c *Controller) Enable(enabled bool) error {
	if err := c.port.MPUEnable(enabled); err != nil {
		return err
	}
	c.enabled = enabled
	return nil
}

// Enabled reports whether the MPU is currently globally enabled.
func (c *Controller) Enabled() bool { return c.enabled }

// Disable marks region index as not enabled. It makes no port call, so
// enforcement of that region is not gated off in hardware; only the
// global Enable reaches the port.
func (c *Controller) Disable(index int) error {
	if index < 0 || index >= MaxRegions {
		return rtoserr.InvalidParam
	}
	c.regions[index].enabled = false
	return nil
}

// Region returns the currently configured region at index, and whether
// it is enabled.
func (c *Controller) Region(index int) (Region, bool) {
	if index < 0 || index >= MaxRegions {
		return Region{}, false
	}
	r := c.regions[index]
	return r, r.enabled
}
