// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package virtio

import (
	"unsafe"

	"github.com/usbarmory/virtio-drivers/dma"
)

// testArena backs the package-wide DMA region for tests run under a
// hosted GOOS. On tamago this role is played by a carved-out slice of
// physical RAM handed to dma.Init by board bring-up code (out of scope
// per spec.md §1); here a plain heap allocation stands in, kept alive for
// the package's lifetime so the addresses dma.Reserve hands out remain
// valid.
var testArena = make([]byte, 16*1024*1024)

func init() {
	dma.Init(uint(uintptr(unsafe.Pointer(&testArena[0]))), uint(len(testArena)))
}
