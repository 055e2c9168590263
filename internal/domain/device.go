// Package domain holds the core data model shared by every component:
// devices, telemetry samples, limit events, DR programs, setpoint
// commands, and decision records.
package domain

// DeviceType identifies what kind of DER a device is.
type DeviceType string

const (
	DeviceTypePV      DeviceType = "pv"
	DeviceTypeBattery DeviceType = "battery"
	DeviceTypeEV      DeviceType = "ev"
)

// PhysicalIDPrefix is the canonical signal that a device id refers to a
// physically-present (vs virtual/aggregated) endpoint.
const PhysicalIDPrefix = "pi-"

// Device is a dispatchable or observable endpoint on a feeder.
type Device struct {
	ID             string
	Type           DeviceType
	SiteID         string
	FeederID       string
	ParentFeederID string // optional, "" means none
	PMaxKw         float64
	Priority       int
	IsPhysical     bool
}

// IsDispatchable reports whether this device type is ever a candidate
// for allocation (battery, ev, or any physical device).
func (d Device) IsDispatchable() bool {
	return d.Type == DeviceTypeBattery || d.Type == DeviceTypeEV || d.IsPhysical
}

// Normalize applies the physical-prefix invariant: an id starting with
// PhysicalIDPrefix forces IsPhysical true regardless of caller input.
func (d Device) Normalize() Device {
	if len(d.ID) >= len(PhysicalIDPrefix) && d.ID[:len(PhysicalIDPrefix)] == PhysicalIDPrefix {
		d.IsPhysical = true
	}
	if d.Priority < 1 {
		d.Priority = 1
	}
	if d.PMaxKw < 0 {
		d.PMaxKw = 0
	}
	return d
}

// FeederInfo is a lightweight feeder identity returned by
// devices.listFeeders().
type FeederInfo struct {
	FeederID string
	SiteID   string
}
