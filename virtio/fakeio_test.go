// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

// fakeDeviceIO is an in-memory DeviceIO backing a simulated VirtIO MMIO
// device, standing in for real hardware in tests — the role the teacher's
// KVM/QEMU virtio-mmio bus plays for host-side testing of kvm/virtio, but
// without requiring an actual VMM process.
type fakeDeviceIO struct {
	regs map[uint32]uint32

	// queueMax backs QueueNumMax reads (MaxQueueSize) for each queue
	// index, keyed by queue_sel at the time of the register read.
	queueMax   map[uint32]uint32
	queuePFN   map[uint32]uint32
	queueReady map[uint32]uint32

	config []byte
}

func newFakeDeviceIO(deviceID uint32, version uint32) *fakeDeviceIO {
	f := &fakeDeviceIO{
		regs:       make(map[uint32]uint32),
		queueMax:   make(map[uint32]uint32),
		queuePFN:   make(map[uint32]uint32),
		queueReady: make(map[uint32]uint32),
	}

	f.regs[regMagic] = Magic
	f.regs[regVersion] = version
	f.regs[regDeviceID] = deviceID
	f.regs[regQueueNumMax] = 256

	return f
}

func (f *fakeDeviceIO) sel() uint32 { return f.regs[regQueueSel] }

func (f *fakeDeviceIO) Read8(off uint32) uint8 {
	if off >= regConfig {
		i := off - regConfig
		if int(i) < len(f.config) {
			return f.config[i]
		}
		return 0
	}
	return uint8(f.Read32(off))
}

func (f *fakeDeviceIO) Read16(off uint32) uint16 {
	return uint16(f.Read32(off))
}

func (f *fakeDeviceIO) Read32(off uint32) uint32 {
	switch off {
	case regQueueNumMax:
		return f.queueMax[f.sel()]
	case regQueuePFN:
		return f.queuePFN[f.sel()]
	case regQueueReady:
		return f.queueReady[f.sel()]
	case regDeviceFeatures:
		sel := f.regs[regDeviceFeaturesSel]
		return uint32(f.regs[0xdead0000+sel])
	default:
		return f.regs[off]
	}
}

func (f *fakeDeviceIO) Write8(off uint32, v uint8)   { f.Write32(off, uint32(v)) }
func (f *fakeDeviceIO) Write16(off uint32, v uint16) { f.Write32(off, uint32(v)) }

func (f *fakeDeviceIO) Write32(off uint32, v uint32) {
	switch off {
	case regQueuePFN:
		f.queuePFN[f.sel()] = v
	case regQueueReady:
		f.queueReady[f.sel()] = v
	case regInterruptACK:
		f.regs[regInterruptStatus] = f.regs[regInterruptStatus] &^ v
	default:
		f.regs[off] = v
	}
}

// setQueueMax sets the simulated QueueNumMax for a given queue index.
func (f *fakeDeviceIO) setQueueMax(index int, max uint32) {
	f.queueMax[uint32(index)] = max
}

// setDeviceFeatures stores the offered device feature bitmask read back
// through the DeviceFeaturesSel-selected register pair.
func (f *fakeDeviceIO) setDeviceFeatures(features uint64) {
	f.regs[0xdead0000+0] = uint32(features)
	f.regs[0xdead0000+1] = uint32(features >> 32)
}
