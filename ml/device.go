package ml

import (
	"errors"
	"fmt"
	"log/slog"
)

type DeviceID struct {
	// ID is an identifier for the device. The ID is only unique for other
	// devices using the same Library.
	ID string `json:"id"`

	// Library identifies which library is used for the device (e.g. CUDA, ROCm, cpu)
	Library string `json:"backend,omitempty"`
}

func (d DeviceID) String() string {
	if d.ID == "" {
		return d.Library
	}

	return fmt.Sprintf("%s:%s", d.Library, d.ID)
}

// CPU is the host device.
var CPU = DeviceID{Library: "cpu", ID: "0"}

// DeviceMemory reports memory for a single device.
type DeviceMemory struct {
	DeviceID

	TotalMemory uint64
	FreeMemory  uint64
}

// DeviceManager decides where guidance networks run and at which precision.
type DeviceManager interface {
	// ComputeDevice is the device forward passes run on.
	ComputeDevice() DeviceID

	// OffloadDevice is where idle networks are parked.
	OffloadDevice() DeviceID

	// ShouldUseFP16 reports whether freshly loaded networks should be
	// converted to half precision.
	ShouldUseFP16() bool

	Memory(DeviceID) (DeviceMemory, error)
}

// Module is a network whose weights can be moved between devices.
type Module interface {
	DType() DType
	To(DeviceID) error
}

// Patcher tracks where a module should be loaded for compute and where it
// should be parked when idle.
type Patcher struct {
	Module Module

	LoadDevice    DeviceID
	OffloadDevice DeviceID

	current DeviceID
}

func NewPatcher(m Module, load, offload DeviceID) *Patcher {
	return &Patcher{Module: m, LoadDevice: load, OffloadDevice: offload, current: offload}
}

func (p *Patcher) Device() DeviceID {
	return p.current
}

func (p *Patcher) Load() error {
	return p.move(p.LoadDevice)
}

func (p *Patcher) Offload() error {
	return p.move(p.OffloadDevice)
}

func (p *Patcher) move(d DeviceID) error {
	if p.current == d {
		return nil
	}

	if err := p.Module.To(d); err != nil {
		return fmt.Errorf("move to %s: %w", d, err)
	}

	p.current = d
	return nil
}

// OnDevice moves m to compute, runs fn and moves m back to host. The move
// back happens on every exit path, including when fn fails or panics.
func OnDevice(m Module, compute, host DeviceID, fn func() error) (err error) {
	if err := m.To(compute); err != nil {
		return fmt.Errorf("move to %s: %w", compute, err)
	}

	defer func() {
		if merr := m.To(host); merr != nil {
			slog.Warn("failed to return module to host", "device", host, "error", merr)
			err = errors.Join(err, fmt.Errorf("move to %s: %w", host, merr))
		}
	}()

	return fn()
}
