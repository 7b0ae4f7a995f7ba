// VirtIO guest driver core
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import "fmt"

// Error taxonomy exposed to callers (spec §6/§7), expressed as sentinel
// errors rather than an exception hierarchy, following the small
// errors.New-style sentinels the teacher uses in kvm/sev rather than
// introducing a third-party errors package the corpus never reaches for.
var (
	// ErrQueueFull is returned by Queue.Add when there are fewer free
	// descriptors than the chain being published requires.
	ErrQueueFull = fmt.Errorf("virtqueue is full")
	// ErrNotReady is returned by Queue.PopUsed when the token is not yet
	// present in the unread used range.
	ErrNotReady = fmt.Errorf("device not ready")
	// ErrWrongToken is returned when a caller presents a token that does
	// not match the descriptor chain the driver is expecting.
	ErrWrongToken = fmt.Errorf("device used a different descriptor chain to the one we were expecting")
	// ErrAlreadyUsed is returned by NewQueue when the transport reports
	// the queue index as already configured.
	ErrAlreadyUsed = fmt.Errorf("virtqueue is already in use")
	// ErrInvalidParam covers malformed queue sizes, rejected feature
	// negotiation, and misaligned queue addresses.
	ErrInvalidParam = fmt.Errorf("invalid parameter")
	// ErrDMA is returned when the DMA allocator cannot satisfy a
	// request.
	ErrDMA = fmt.Errorf("failed to allocate DMA memory")
	// ErrIO covers device-reported I/O failures and malformed responses.
	ErrIO = fmt.Errorf("I/O error")
	// ErrUnsupported is returned for requests the device does not
	// support.
	ErrUnsupported = fmt.Errorf("request not supported by device")
	// ErrConfigSpaceTooSmall is returned when the device's advertised
	// configuration space is smaller than a driver expects.
	ErrConfigSpaceTooSmall = fmt.Errorf("config space advertised by the device is smaller than expected")
	// ErrConfigSpaceMissing is returned when a driver expects
	// configuration space but the device exposes none.
	ErrConfigSpaceMissing = fmt.Errorf("the device doesn't have any config space, but the driver expects some")
)

// MMIOErrorKind enumerates transport-level probe failures (spec §4.5).
type MMIOErrorKind int

const (
	BadMagic MMIOErrorKind = iota
	ZeroDeviceID
	UnsupportedVersion
)

// MMIOError reports a VirtIO MMIO transport probe failure, carrying the
// offending register value for diagnostics.
type MMIOError struct {
	Kind  MMIOErrorKind
	Value uint32
}

func (e *MMIOError) Error() string {
	switch e.Kind {
	case BadMagic:
		return fmt.Sprintf("invalid magic value: %#x", e.Value)
	case ZeroDeviceID:
		return "zero device id, no device present"
	case UnsupportedVersion:
		return fmt.Sprintf("unsupported version: %d", e.Value)
	default:
		return "unknown MMIO transport error"
	}
}
