// VirtIO MMIO transport
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"github.com/usbarmory/virtio-drivers/bits"
	"github.com/usbarmory/virtio-drivers/internal/reg"
)

// MMIO register byte offsets (spec §6 External Interfaces).
const (
	regMagic              = 0x000
	regVersion            = 0x004
	regDeviceID           = 0x008
	regVendorID           = 0x00c
	regDeviceFeatures     = 0x010
	regDeviceFeaturesSel  = 0x014
	regDriverFeatures     = 0x020
	regDriverFeaturesSel  = 0x024
	regGuestPageSize      = 0x028 // legacy
	regQueueSel           = 0x030
	regQueueNumMax        = 0x034
	regQueueNum           = 0x038
	regQueueAlign         = 0x03c // legacy
	regQueuePFN           = 0x040 // legacy
	regQueueReady         = 0x044 // modern
	regQueueNotify        = 0x050
	regInterruptStatus    = 0x060
	regInterruptACK       = 0x064
	regStatus             = 0x070
	regQueueDescLow       = 0x080 // modern
	regQueueDescHigh      = 0x084
	regQueueDriverLow     = 0x090 // modern
	regQueueDriverHigh    = 0x094
	regQueueDeviceLow     = 0x0a0 // modern
	regQueueDeviceHigh    = 0x0a4
	regConfigGeneration   = 0x0fc
	regConfig             = 0x100
)

// Magic is "virt" in ASCII, the required value of MagicValue (spec §4.5).
const Magic = 0x74726976

// MMIO transport versions.
const (
	VersionLegacy = 1
	VersionModern = 2
)

// Device status bits (spec §6), exact bit positions from the VirtIO 1.x
// specification (not simply sequential: bits 4 and 5 are unused).
const (
	StatusAcknowledge      uint32 = 1 << 0
	StatusDriver           uint32 = 1 << 1
	StatusDriverOk         uint32 = 1 << 2
	StatusFeaturesOk       uint32 = 1 << 3
	StatusDeviceNeedsReset uint32 = 1 << 6
	StatusFailed           uint32 = 1 << 7
)

// Reserved feature bits the core never negotiates (spec.md Non-goals:
// packed-ring layout, and notification-data is a modern optional
// extension the core's queue engine does not implement).
const (
	FeaturePacked           = 34
	FeatureNotificationData = 38
)

// MMIO implements the Transport interface (spec §4.5): magic/version
// checks, feature negotiation, status progression, queue install/teardown,
// notify and interrupt acknowledgement.
type MMIO struct {
	io DeviceIO

	version  uint32
	deviceID uint32

	negotiated uint64

	// windowSize is the size in bytes of the MMIO window this transport
	// was mapped over, used to bound Config reads/writes against what
	// the device actually advertises (spec §4.5/§6/§7). Zero means the
	// caller did not supply one and the bound is left unchecked.
	windowSize uint32
}

// NewMMIO probes the device at io, mapped over a window of windowSize
// bytes, and returns an MMIO transport, or an *MMIOError if the magic
// value is wrong, the device id is zero (no device present — the probe
// loop is expected to skip silently, spec §4.5/§7), or the version is
// neither 1 (legacy) nor 2 (modern). windowSize may be 0 if the caller
// does not know it, in which case Config never returns
// ErrConfigSpaceTooSmall/ErrConfigSpaceMissing.
func NewMMIO(io DeviceIO, windowSize uint32) (*MMIO, error) {
	magic := io.Read32(regMagic)
	if magic != Magic {
		return nil, &MMIOError{Kind: BadMagic, Value: magic}
	}

	deviceID := io.Read32(regDeviceID)
	if deviceID == 0 {
		return nil, &MMIOError{Kind: ZeroDeviceID}
	}

	version := io.Read32(regVersion)
	if version != VersionLegacy && version != VersionModern {
		return nil, &MMIOError{Kind: UnsupportedVersion, Value: version}
	}

	return &MMIO{io: io, version: version, deviceID: deviceID, windowSize: windowSize}, nil
}

// DeviceID returns the VirtIO subsystem device ID.
func (m *MMIO) DeviceID() uint32 { return m.deviceID }

// Version returns 1 (legacy) or 2 (modern).
func (m *MMIO) Version() uint32 { return m.version }

// ConfigGeneration returns the device configuration generation counter,
// used by callers to detect a torn read of multi-field config space.
func (m *MMIO) ConfigGeneration() uint32 {
	return m.io.Read32(regConfigGeneration)
}

func (m *MMIO) readFeatures(sel, regAddr uint32) uint64 {
	m.io.Write32(sel, 0)
	lo := m.io.Read32(regAddr)
	m.io.Write32(sel, 1)
	hi := m.io.Read32(regAddr)

	return uint64(lo) | uint64(hi)<<32
}

func (m *MMIO) writeFeatures(sel, regAddr uint32, features uint64) {
	m.io.Write32(sel, 0)
	m.io.Write32(regAddr, uint32(features))
	m.io.Write32(sel, 1)
	m.io.Write32(regAddr, uint32(features>>32))
}

// DeviceFeatures returns the device's offered 64-bit feature bitmask.
func (m *MMIO) DeviceFeatures() uint64 {
	return m.readFeatures(regDeviceFeaturesSel, regDeviceFeatures)
}

// NegotiatedFeatures returns the feature bitmask BeginInit negotiated.
func (m *MMIO) NegotiatedFeatures() uint64 {
	return m.negotiated
}

// Status returns the raw device status register.
func (m *MMIO) Status() uint32 {
	return m.io.Read32(regStatus)
}

func (m *MMIO) setStatus(v uint32) {
	m.io.Write32(regStatus, v)
}

// negotiate computes the feature set the core will request: it clears
// reserved bits the core's queue engine does not implement (packed ring,
// notification data — spec.md Non-goals), then ANDs with the driver's
// requested set. Unlike the teacher's kvm/virtio.negotiate, it does not
// additionally mask against a hypervisor-specific reserved/device feature
// catalogue: this transport has no such catalogue to reserve against, so
// every feature bit is either requested explicitly by a device package or
// left alone (see DESIGN.md).
func negotiate(device, driver uint64) uint64 {
	features := device

	bits.Clear64(&features, FeaturePacked)
	bits.Clear64(&features, FeatureNotificationData)

	return features & driver
}

// BeginInit runs the status/feature handshake (spec §4.5 begin_init):
// reset, ACKNOWLEDGE, DRIVER, read+negotiate+write features, FEATURES_OK
// (failing ErrInvalidParam if it does not stick), and on legacy devices
// writes PageSize into GuestPageSize. Returns the negotiated feature mask.
func (m *MMIO) BeginInit(driverFeatures uint64) (uint64, error) {
	m.setStatus(0)

	status := StatusAcknowledge
	m.setStatus(status)

	status |= StatusDriver
	m.setStatus(status)

	device := m.DeviceFeatures()
	negotiated := negotiate(device, driverFeatures)
	m.writeFeatures(regDriverFeaturesSel, regDriverFeatures, negotiated)

	status |= StatusFeaturesOk
	m.setStatus(status)

	if m.Status()&StatusFeaturesOk == 0 {
		return 0, ErrInvalidParam
	}

	if m.version == VersionLegacy {
		m.io.Write32(regGuestPageSize, PageSize)
	}

	m.negotiated = negotiated

	return negotiated, nil
}

// FinishInit sets DRIVER_OK (spec §4.5 finish_init), after which the
// device is live and queues may be used.
func (m *MMIO) FinishInit() {
	m.setStatus(m.Status() | StatusDriverOk)
}

// Reset writes 0 to status, causing the device to reset all queues (spec
// §3 Lifecycle, §4.5 "on drop").
func (m *MMIO) Reset() {
	m.setStatus(0)
}

// QueueUsed reports whether queue index is already configured at the
// device (spec §4.4 create: AlreadyUsed check).
func (m *MMIO) QueueUsed(index int) (bool, error) {
	m.io.Write32(regQueueSel, uint32(index))

	if m.version == VersionLegacy {
		return m.io.Read32(regQueuePFN) != 0, nil
	}

	return m.io.Read32(regQueueReady) != 0, nil
}

// MaxQueueSize returns the device's advertised maximum queue size.
func (m *MMIO) MaxQueueSize(index int) (uint16, error) {
	m.io.Write32(regQueueSel, uint32(index))
	return uint16(m.io.Read32(regQueueNumMax)), nil
}

// SetQueue programs queue index with size and the three queue-page
// physical addresses (spec §4.5 queue_set).
//
// Legacy: writes queue_sel/queue_num/legacy_queue_align(=PageSize)/
// legacy_queue_pfn(descPA/PageSize); driverPA/devicePA are implied by the
// legacy layout (spec §3) and are not written separately, but are
// validated against it.
//
// Modern: writes queue_sel/queue_num/queue_desc(64-bit)/queue_driver
// (64-bit)/queue_device(64-bit), then queue_ready=1.
func (m *MMIO) SetQueue(index int, size uint16, descPA, driverPA, devicePA uint64) error {
	m.io.Write32(regQueueSel, uint32(index))
	m.io.Write32(regQueueNum, uint32(size))

	if m.version == VersionLegacy {
		wantDriver := descPA + 16*uint64(size)
		wantDevice := descPA + uint64(alignUp(int(16*uint64(size)+2*(uint64(size)+3)), PageSize))

		if driverPA != wantDriver || devicePA != wantDevice {
			return ErrInvalidParam
		}

		if descPA%PageSize != 0 {
			return ErrInvalidParam
		}

		m.io.Write32(regQueueAlign, PageSize)
		m.io.Write32(regQueuePFN, uint32(descPA/PageSize))

		return nil
	}

	m.io.Write32(regQueueDescLow, uint32(descPA))
	m.io.Write32(regQueueDescHigh, uint32(descPA>>32))
	m.io.Write32(regQueueDriverLow, uint32(driverPA))
	m.io.Write32(regQueueDriverHigh, uint32(driverPA>>32))
	m.io.Write32(regQueueDeviceLow, uint32(devicePA))
	m.io.Write32(regQueueDeviceHigh, uint32(devicePA>>32))
	m.io.Write32(regQueueReady, 1)

	return nil
}

// UnsetQueue tears down queue index (spec §4.5 queue_unset). On modern
// transports it writes 0 to queue_ready and spins until a readback
// observes 0 before clearing the address registers; legacy clears
// num/align/pfn directly.
func (m *MMIO) UnsetQueue(index int) error {
	m.io.Write32(regQueueSel, uint32(index))

	if m.version == VersionLegacy {
		m.io.Write32(regQueueNum, 0)
		m.io.Write32(regQueueAlign, 0)
		m.io.Write32(regQueuePFN, 0)
		return nil
	}

	m.io.Write32(regQueueReady, 0)

	for m.io.Read32(regQueueReady) != 0 {
		spin()
	}

	m.io.Write32(regQueueNum, 0)
	m.io.Write32(regQueueDescLow, 0)
	m.io.Write32(regQueueDescHigh, 0)
	m.io.Write32(regQueueDriverLow, 0)
	m.io.Write32(regQueueDriverHigh, 0)
	m.io.Write32(regQueueDeviceLow, 0)
	m.io.Write32(regQueueDeviceHigh, 0)

	return nil
}

// Notify rings the doorbell for queue index.
func (m *MMIO) Notify(index int) {
	m.io.Write32(regQueueNotify, uint32(index))
}

// AckInterrupt reads interrupt_status; if zero it returns false, else it
// writes the same bits back to interrupt_ack and returns true (spec §4.5
// ack_interrupt). The two bits distinguish a used-ring update (bit 0)
// from a configuration-space change (bit 1).
func (m *MMIO) AckInterrupt() (used bool, config bool, ok bool) {
	status := m.io.Read32(regInterruptStatus)
	if status == 0 {
		return false, false, false
	}

	m.io.Write32(regInterruptACK, status)

	return status&1 != 0, status&2 != 0, true
}

// Config returns a snapshot of the device-specific configuration space
// starting at offset 0x100, of the given size. If the transport was
// constructed with a nonzero windowSize, a request that runs past the end
// of the MMIO window fails with ErrConfigSpaceTooSmall (or
// ErrConfigSpaceMissing if the window has no config space at all), per
// spec §4.5/§6/§7.
func (m *MMIO) Config(size int) ([]byte, error) {
	if m.windowSize != 0 {
		available := int64(m.windowSize) - int64(regConfig)
		if available <= 0 {
			return nil, ErrConfigSpaceMissing
		}
		if int64(size) > available {
			return nil, ErrConfigSpaceTooSmall
		}
	}

	buf := make([]byte, size)

	for i := 0; i < size; i++ {
		buf[i] = byte(m.io.Read8(uint32(regConfig + i)))
	}

	return buf, nil
}

// WriteConfig8 writes a single byte directly into device-specific
// configuration space at the given offset, bypassing any queue — used by
// the console device's emergency-write path (spec SPEC_FULL §12).
func (m *MMIO) WriteConfig8(offset int, v byte) {
	m.io.Write8(uint32(regConfig+offset), v)
}

// mmioDeviceIO implements DeviceIO over a real, byte-addressable MMIO
// window at a physical base address, using package reg's true-width
// (8/16/32-bit) volatile load/store primitives — config-space bytes are
// read and written at their exact offset rather than through a masked
// 32-bit atomic, since the latter both faults on unaligned offsets on the
// target and clobbers adjacent bytes on write (spec §4.1: "64-bit writes
// on 32-bit-only MMIO MUST decompose into two 32-bit writes" is enforced
// one level up, in SetQueue/writeFeatures, since every register other
// than device-specific config space is itself 32-bit wide).
type mmioDeviceIO struct {
	Base uint32
	Size uint32
}

// NewDeviceIO wraps a physical MMIO window of size bytes starting at base
// as a DeviceIO. size is also what a caller should pass as the windowSize
// argument to NewMMIO so that Config can bound device-specific reads
// against it.
func NewDeviceIO(base uint32, size uint32) DeviceIO {
	return &mmioDeviceIO{Base: base, Size: size}
}

// checkOffset panics if an access of width bytes at off would fall
// outside the mapped MMIO window — dereferencing past it would read or
// write unrelated physical memory rather than failing cleanly.
func (d *mmioDeviceIO) checkOffset(off, width uint32) {
	if d.Size != 0 && uint64(off)+uint64(width) > uint64(d.Size) {
		panic("virtio: MMIO access outside mapped window")
	}
}

func (d *mmioDeviceIO) Read8(off uint32) uint8 {
	d.checkOffset(off, 1)
	return reg.Read8(d.Base + off)
}

func (d *mmioDeviceIO) Read16(off uint32) uint16 {
	d.checkOffset(off, 2)
	return reg.Read16(d.Base + off)
}

func (d *mmioDeviceIO) Read32(off uint32) uint32 {
	d.checkOffset(off, 4)
	return reg.Read(d.Base + off)
}

func (d *mmioDeviceIO) Write8(off uint32, v uint8) {
	d.checkOffset(off, 1)
	reg.Write8(d.Base+off, v)
}

func (d *mmioDeviceIO) Write16(off uint32, v uint16) {
	d.checkOffset(off, 2)
	reg.Write16(d.Base+off, v)
}

func (d *mmioDeviceIO) Write32(off uint32, v uint32) {
	d.checkOffset(off, 4)
	reg.Write(d.Base+off, v)
}
