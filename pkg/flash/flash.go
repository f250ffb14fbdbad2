// Package flash defines the controller contract the engine drives and an
// in-memory NOR flash simulator implementing it.
package flash

import (
	"fmt"
)

// Erased is the value every byte holds after a region erase.
const Erased byte = 0xFF

// Controller performs block I/O on a device divided into equally sized
// regions. Every call either completes fully or fails without changing
// flash. An asynchronous controller may instead return status.NotReady and
// report completion later through the engine's Continue.
type Controller interface {
	// ReadRegion fills buf with the region contents starting at offset.
	// The engine always passes a buffer of exactly one region.
	ReadRegion(region, offset int, buf []byte) error
	// Write programs buf at the absolute byte address. Programming may only
	// clear bits. A write never crosses a region boundary.
	Write(address int, buf []byte) error
	// EraseRegion resets every byte of the region to Erased.
	EraseRegion(region int) error
}

// Geometry describes how a device is cut into regions.
type Geometry struct {
	RegionSize  int `yaml:"regionSize"`
	RegionCount int `yaml:"regionCount"`
}

// Size is the device size in bytes.
func (g Geometry) Size() int {
	return g.RegionSize * g.RegionCount
}

// Address returns the absolute address of offset inside region.
func (g Geometry) Address(region, offset int) int {
	return region*g.RegionSize + offset
}

// Validate checks that the geometry can hold a header region and at least
// one data region.
func (g Geometry) Validate() error {
	if g.RegionSize < 64 {
		return fmt.Errorf("region size %d is below the 64 byte minimum", g.RegionSize)
	}
	if g.RegionCount < 2 {
		return fmt.Errorf("region count %d leaves no data region", g.RegionCount)
	}
	return nil
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%dB", g.RegionCount, g.RegionSize)
}
