// VirtIO block device driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package block implements the VirtIO block device driver (spec §4.6):
// read/write/flush/get-id requests over a single request queue, framed as
// a three-descriptor chain of header, data and status byte.
package block

import (
	"encoding/binary"
	"sync"

	"github.com/usbarmory/virtio-drivers/dma"
	"github.com/usbarmory/virtio-drivers/virtio"
)

// Request types (VirtIO block spec, config space + request header).
const (
	typeIn     uint32 = 0
	typeOut    uint32 = 1
	typeFlush  uint32 = 4
	typeGetID  uint32 = 8
)

// Status byte values written by the device into the third descriptor.
const (
	statusOK       byte = 0
	statusIOErr    byte = 1
	statusUnsupp   byte = 2
	statusNotReady byte = 3
)

const (
	// SectorSize is the fixed block size the VirtIO block protocol
	// addresses requests in, regardless of the underlying media.
	SectorSize = 512

	// idLen is the fixed response size of a GET_ID request (a
	// NUL-padded ASCII serial string, per the VirtIO block spec).
	idLen = 20

	// featureFlush offers the FLUSH request type (spec §4.6).
	featureFlush = 9
)

// Device is a VirtIO block device instance (spec §4.6).
type Device struct {
	mu sync.Mutex

	transport *virtio.MMIO
	queue     *virtio.Queue

	// Capacity is the device's reported size in 512-byte sectors.
	Capacity uint64
}

// New negotiates and initializes a block device over transport, requesting
// the FLUSH feature (spec §4.6: "Features offered: FLUSH").
func New(transport *virtio.MMIO) (*Device, error) {
	if _, err := transport.BeginInit(1 << featureFlush); err != nil {
		return nil, err
	}

	queue, err := virtio.NewQueue(transport, 0, 16)
	if err != nil {
		return nil, err
	}

	d := &Device{
		transport: transport,
		queue:     queue,
	}

	cfg, err := transport.Config(8)
	if err != nil {
		return nil, err
	}
	lo := binary.LittleEndian.Uint32(cfg[0:])
	hi := binary.LittleEndian.Uint32(cfg[4:])
	d.Capacity = uint64(lo) | uint64(hi)<<32

	transport.FinishInit()

	return d, nil
}

// header is the 16-byte request header prefixed to every block request.
type header struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

func (h *header) bytes() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:], h.Type)
	binary.LittleEndian.PutUint32(buf[4:], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:], h.Sector)
	return buf
}

func statusToError(status byte) error {
	switch status {
	case statusOK:
		return nil
	case statusIOErr:
		return virtio.ErrIO
	case statusUnsupp:
		return virtio.ErrUnsupported
	case statusNotReady:
		// spec §4.6: still NotReady is treated as an I/O error, the
		// device completed the chain without writing a final status.
		return virtio.ErrIO
	default:
		return virtio.ErrIO
	}
}

// doRequest builds the standard 3-descriptor chain (header, data, status;
// the data descriptor is omitted when data is empty), submits it and blocks for completion, returning the final status byte
// translated to the core error taxonomy.
func (d *Device) doRequest(reqType uint32, sector uint64, data []byte, dataWrite bool) error {
	hdrAddr, hdrBuf := dma.Reserve(16, 1)
	defer dma.Release(hdrAddr)

	h := header{Type: reqType, Sector: sector}
	copy(hdrBuf, h.bytes())

	statusAddr, statusBuf := dma.Reserve(1, 1)
	defer dma.Release(statusAddr)
	statusBuf[0] = statusNotReady

	chain := []virtio.Buffer{
		{Addr: uint64(hdrAddr), Len: 16, Flags: virtio.DescNext},
	}

	if len(data) > 0 {
		dataAddr, dataBuf := dma.Reserve(len(data), 1)
		defer dma.Release(dataAddr)

		flags := virtio.DescNext
		if dataWrite {
			flags |= virtio.DescWrite
		} else {
			copy(dataBuf, data)
		}

		chain = append(chain, virtio.Buffer{Addr: uint64(dataAddr), Len: uint32(len(data)), Flags: flags})

		if _, err := d.queue.AddNotifyWaitPop(append(chain, virtio.Buffer{Addr: uint64(statusAddr), Len: 1, Flags: virtio.DescWrite})); err != nil {
			return err
		}

		if dataWrite {
			copy(data, dataBuf)
		}
	} else {
		chain = append(chain, virtio.Buffer{Addr: uint64(statusAddr), Len: 1, Flags: virtio.DescWrite})
		if _, err := d.queue.AddNotifyWaitPop(chain); err != nil {
			return err
		}
	}

	return statusToError(statusBuf[0])
}

// Read reads len(buf) bytes from sector into buf (spec §4.6). buf's length
// must be non-zero and a multiple of SectorSize.
func (d *Device) Read(sector uint64, buf []byte) error {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return virtio.ErrInvalidParam
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.doRequest(typeIn, sector, buf, true)
}

// Write writes buf to sector (spec §4.6). buf's length must be non-zero
// and a multiple of SectorSize.
func (d *Device) Write(sector uint64, buf []byte) error {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return virtio.ErrInvalidParam
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.doRequest(typeOut, sector, buf, false)
}

// Flush issues a FLUSH request, requesting any cached writes be committed
// to stable storage.
func (d *Device) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.doRequest(typeFlush, 0, nil, false)
}

// GetID requests the device's serial string (supplemented feature, spec
// SPEC_FULL §12: the original left this request type unimplemented).
func (d *Device) GetID() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, idLen)
	if err := d.doRequest(typeGetID, 0, buf, true); err != nil {
		return "", err
	}

	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}

	return string(buf[:n]), nil
}
