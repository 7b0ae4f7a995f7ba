// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"errors"
	"testing"
)

func TestNewMMIOBadMagic(t *testing.T) {
	io := newFakeDeviceIO(2, VersionModern)
	io.regs[regMagic] = 0x12345678

	_, err := NewMMIO(io, 0)
	if err == nil {
		t.Fatal("expected error")
	}

	var mmioErr *MMIOError
	if !errors.As(err, &mmioErr) || mmioErr.Kind != BadMagic {
		t.Fatalf("expected BadMagic, got %v", err)
	}
}

func TestNewMMIOZeroDeviceID(t *testing.T) {
	io := newFakeDeviceIO(0, VersionModern)

	_, err := NewMMIO(io, 0)
	if err == nil {
		t.Fatal("expected error")
	}

	var mmioErr *MMIOError
	if !errors.As(err, &mmioErr) || mmioErr.Kind != ZeroDeviceID {
		t.Fatalf("expected ZeroDeviceID, got %v", err)
	}
}

func TestNewMMIOUnsupportedVersion(t *testing.T) {
	io := newFakeDeviceIO(2, 7)

	_, err := NewMMIO(io, 0)
	if err == nil {
		t.Fatal("expected error")
	}

	var mmioErr *MMIOError
	if !errors.As(err, &mmioErr) || mmioErr.Kind != UnsupportedVersion {
		t.Fatalf("expected UnsupportedVersion, got %v", err)
	}
}

func TestBeginInitWritesGuestPageSizeOnLegacy(t *testing.T) {
	io := newFakeDeviceIO(2, VersionLegacy)
	io.setDeviceFeatures(0xff)

	m, err := NewMMIO(io, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.BeginInit(0xff); err != nil {
		t.Fatal(err)
	}

	if io.regs[regGuestPageSize] != PageSize {
		t.Fatalf("expected GuestPageSize to be written with %d, got %d", PageSize, io.regs[regGuestPageSize])
	}
}

func TestBeginInitNegotiatesFeatures(t *testing.T) {
	io := newFakeDeviceIO(2, VersionModern)
	io.setDeviceFeatures(0xf0f0)

	m, err := NewMMIO(io, 0)
	if err != nil {
		t.Fatal(err)
	}

	negotiated, err := m.BeginInit(0x00f0)
	if err != nil {
		t.Fatal(err)
	}

	if negotiated != 0x00f0 {
		t.Fatalf("expected negotiated features 0xf0, got %#x", negotiated)
	}

	if m.Status()&StatusFeaturesOk == 0 {
		t.Fatal("expected FEATURES_OK to be set")
	}
}

func TestAckInterrupt(t *testing.T) {
	io := newFakeDeviceIO(2, VersionModern)
	m, err := NewMMIO(io, 0)
	if err != nil {
		t.Fatal(err)
	}

	if used, _, ok := m.AckInterrupt(); ok || used {
		t.Fatal("expected no pending interrupt")
	}

	io.regs[regInterruptStatus] = 1

	used, config, ok := m.AckInterrupt()
	if !ok || !used || config {
		t.Fatalf("expected used-ring interrupt, got used=%v config=%v ok=%v", used, config, ok)
	}

	if io.regs[regInterruptStatus] != 0 {
		t.Fatal("expected interrupt_status to be cleared by ack")
	}
}

func TestUnsetQueueModernWaitsForReadyZero(t *testing.T) {
	io := newFakeDeviceIO(2, VersionModern)
	m, err := NewMMIO(io, 0)
	if err != nil {
		t.Fatal(err)
	}

	io.queueReady[0] = 1

	if err := m.UnsetQueue(0); err != nil {
		t.Fatal(err)
	}

	if io.queueReady[0] != 0 {
		t.Fatal("expected queue_ready to read back as 0")
	}
}
