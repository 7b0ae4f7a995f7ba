// VirtIO guest driver core
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import "runtime"

// DeviceIO is the device-IO region abstraction (spec §4.2): volatile
// 8/16/32/64-bit access at a byte offset into one device's MMIO window.
// No caching, no coalescing. Implementations must be safe for concurrent
// readers; writers are serialized by the owning transport.
type DeviceIO interface {
	Read8(off uint32) uint8
	Read16(off uint32) uint16
	Read32(off uint32) uint32
	Write8(off uint32, v uint8)
	Write16(off uint32, v uint16)
	Write32(off uint32, v uint32)
}

// spin yields cooperatively while waiting on a volatile condition (spec
// §5: "Blocking by spin" — no call ever yields to a scheduler in the
// strict sense tamago's single address space provides, it only gives
// other goroutines a chance to run, exactly as package reg's Wait/WaitFor
// already do for register polling).
func spin() {
	runtime.Gosched()
}

// Spin exposes the core's cooperative-yield primitive to device packages
// that need to busy-wait outside the queue engine (e.g. console's
// recv_block, net's *_wait helpers — spec §5).
func Spin() {
	spin()
}
