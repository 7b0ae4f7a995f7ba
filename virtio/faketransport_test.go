// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

// fakeTransport is a minimal Transport for exercising the Queue engine in
// isolation from the MMIO register handshake, analogous in purpose to the
// teacher's kvm/virtio tests against a simulated VMM.
type fakeTransport struct {
	maxSize     uint16
	used        bool
	notifyCount int
	lastNotify  int
}

func (f *fakeTransport) QueueUsed(index int) (bool, error) { return f.used, nil }

func (f *fakeTransport) MaxQueueSize(index int) (uint16, error) { return f.maxSize, nil }

func (f *fakeTransport) SetQueue(index int, size uint16, descPA, driverPA, devicePA uint64) error {
	f.used = true
	return nil
}

func (f *fakeTransport) UnsetQueue(index int) error {
	f.used = false
	return nil
}

func (f *fakeTransport) Notify(index int) {
	f.notifyCount++
	f.lastNotify = index
}
