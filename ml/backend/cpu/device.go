package cpu

import (
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jmorganca/advanced-controlnet/ml"
)

// DeviceManager runs everything on the host.
type DeviceManager struct {
	// FP16 requests half precision networks even though the host computes in
	// float32. Useful for reproducing accelerator numerics.
	FP16 bool
}

func (DeviceManager) ComputeDevice() ml.DeviceID {
	return ml.CPU
}

func (DeviceManager) OffloadDevice() ml.DeviceID {
	return ml.CPU
}

func (m DeviceManager) ShouldUseFP16() bool {
	return m.FP16
}

func (DeviceManager) Memory(id ml.DeviceID) (ml.DeviceMemory, error) {
	if id.Library != ml.CPU.Library {
		return ml.DeviceMemory{}, fmt.Errorf("cpu: unknown device %s", id)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return ml.DeviceMemory{}, fmt.Errorf("cpu: query memory: %w", err)
	}

	slog.Debug("host memory", "total", humanize.IBytes(vm.Total), "available", humanize.IBytes(vm.Available))
	return ml.DeviceMemory{DeviceID: id, TotalMemory: vm.Total, FreeMemory: vm.Available}, nil
}
