// First-fit memory allocator for DMA buffers
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma implements the physical/DMA allocator contract spec.md §1
// places out of scope as an external collaborator ("only its interface
// matters: hand out page-aligned, physically contiguous, identity-mapped
// buffers"). It is adapted, not invented: the first-fit allocator below is
// the teacher's own `dma` package, carried forward because the virtqueue
// engine (spec §4.3/§4.4) needs a concrete implementation of that contract
// to be testable without real hardware.
package dma

import "container/list"

// Init initializes a DMA region for the given start address and size, the
// region must be tied to reserved memory that is never used by the Go
// runtime allocator (i.e. excluded from the RAM range at boot time, as
// spec.md's "boot/trap/PLIC plumbing" external collaborator is assumed to
// arrange).
func Init(start uint, size uint) {
	dma = NewRegion(start, size)
}

// Init initializes a Region instance for the given start address and size.
func (dma *Region) Init(start uint, size uint) {
	dma.start = start
	dma.size = size

	dma.freeBlocks = list.New()
	dma.usedBlocks = make(map[uint]*block)

	dma.freeBlocks.PushFront(&block{
		addr: start,
		size: size,
	})
}

// NewRegion allocates and initializes a new DMA Region, separate from the
// package-wide default instance, useful when a device needs its own
// privately owned DMA window.
func NewRegion(start uint, size uint) (r *Region) {
	r = &Region{}
	r.Init(start, size)
	return
}

// Reserve is the package-wide default Region's Reserve, see Region.Reserve.
func Reserve(size int, align int) (addr uint, buf []byte) {
	return dma.Reserve(size, align)
}

func Reserved(buf []byte) (res bool, addr uint) {
	return dma.Reserved(buf)
}

func Alloc(buf []byte, align int) (addr uint) {
	return dma.Alloc(buf, align)
}

func Read(addr uint, off int, buf []byte) {
	dma.Read(addr, off, buf)
}

func Write(addr uint, off int, buf []byte) {
	dma.Write(addr, off, buf)
}

func Free(addr uint) {
	dma.Free(addr)
}

func Release(addr uint) {
	dma.Release(addr)
}
