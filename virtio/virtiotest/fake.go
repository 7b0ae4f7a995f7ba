// VirtIO MMIO test harness
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package virtiotest provides an in-memory simulated VirtIO MMIO device
// for exercising device drivers end to end without real hardware or a
// VMM. No test in this module imports it.
package virtiotest

import (
	"encoding/binary"
	"sync"

	"github.com/usbarmory/virtio-drivers/virtio"
)

// FakeDeviceIO is an in-memory DeviceIO backing a simulated VirtIO MMIO
// device.
type FakeDeviceIO struct {
	mu sync.Mutex

	regs       map[uint32]uint32
	queueMax   map[uint32]uint32
	queuePFN   map[uint32]uint32
	queueReady map[uint32]uint32
	features   map[uint32]uint64

	config []byte
}

// NewFakeDeviceIO creates a simulated device reporting deviceID and
// version, with config space of the given size.
func NewFakeDeviceIO(deviceID uint32, version uint32, configSize int) *FakeDeviceIO {
	f := &FakeDeviceIO{
		regs:       make(map[uint32]uint32),
		queueMax:   make(map[uint32]uint32),
		queuePFN:   make(map[uint32]uint32),
		queueReady: make(map[uint32]uint32),
		features:   make(map[uint32]uint64),
		config:     make([]byte, configSize),
	}

	f.regs[0x000] = virtio.Magic
	f.regs[0x004] = version
	f.regs[0x008] = deviceID

	return f
}

// SetQueueMax sets the simulated QueueNumMax for a queue index.
func (f *FakeDeviceIO) SetQueueMax(index int, max uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueMax[uint32(index)] = max
}

// SetDeviceFeatures sets the simulated 64-bit DeviceFeatures bitmask;
// DeviceFeatures reads return its low half when DeviceFeaturesSel is 0
// and its high half otherwise.
func (f *FakeDeviceIO) SetDeviceFeatures(features uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.features[0] = features
}

// SetConfig writes cfg at offset 0 of the simulated configuration space.
func (f *FakeDeviceIO) SetConfig(cfg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.config, cfg)
}

// Config32 reads a little-endian uint32 from config space at off.
func (f *FakeDeviceIO) Config32(off int) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return binary.LittleEndian.Uint32(f.config[off:])
}

func (f *FakeDeviceIO) sel() uint32 { return f.regs[0x030] }

func (f *FakeDeviceIO) Read8(off uint32) uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if off >= 0x100 {
		i := off - 0x100
		if int(i) < len(f.config) {
			return f.config[i]
		}
		return 0
	}
	return uint8(f.read32Locked(off))
}

func (f *FakeDeviceIO) Read16(off uint32) uint16 { return uint16(f.Read32(off)) }

func (f *FakeDeviceIO) Read32(off uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read32Locked(off)
}

func (f *FakeDeviceIO) read32Locked(off uint32) uint32 {
	switch off {
	case 0x034: // QueueNumMax
		return f.queueMax[f.sel()]
	case 0x040: // QueuePFN
		return f.queuePFN[f.sel()]
	case 0x044: // QueueReady
		return f.queueReady[f.sel()]
	case 0x010: // DeviceFeatures
		sel := f.regs[0x014]
		if sel == 0 {
			return uint32(f.features[0])
		}
		return uint32(f.features[0] >> 32)
	default:
		return f.regs[off]
	}
}

func (f *FakeDeviceIO) Write8(off uint32, v uint8) {
	if off >= 0x100 {
		f.mu.Lock()
		defer f.mu.Unlock()
		i := off - 0x100
		if int(i) < len(f.config) {
			f.config[i] = v
		}
		return
	}
	f.Write32(off, uint32(v))
}

func (f *FakeDeviceIO) Write16(off uint32, v uint16) { f.Write32(off, uint32(v)) }

func (f *FakeDeviceIO) Write32(off uint32, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch off {
	case 0x040: // QueuePFN
		f.queuePFN[f.sel()] = v
	case 0x044: // QueueReady
		f.queueReady[f.sel()] = v
	case 0x064: // InterruptACK
		f.regs[0x060] = f.regs[0x060] &^ v
	default:
		f.regs[off] = v
	}
}
