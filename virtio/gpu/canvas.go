// VirtIO GPU (2D) device driver — drawing surface
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package gpu

import (
	"image"

	"github.com/fogleman/gg"
)

// Canvas wraps a gg drawing context sized to the negotiated display rect,
// letting callers use gg's 2D drawing API and flush the result into the
// device framebuffer with a single call — grounded on the RGBA-backbuffer
// to BGRA-framebuffer blit the Bochs/QEMU framebuffer bring-up code uses,
// adapted here from a software Bochs surface to a VirtIO GPU resource.
type Canvas struct {
	ctx *gg.Context
	fb  []byte
	w   int
	h   int
}

// NewCanvas creates a Canvas over an already-established framebuffer (spec
// §4.9: callers obtain fb from Device.SetupFramebuffer first).
func NewCanvas(fb []byte, width, height int) *Canvas {
	return &Canvas{
		ctx: gg.NewContext(width, height),
		fb:  fb,
		w:   width,
		h:   height,
	}
}

// Context returns the underlying gg.Context for drawing calls.
func (c *Canvas) Context() *gg.Context {
	return c.ctx
}

// Flush blits the gg RGBA backbuffer into the B8G8R8A8_UNORM (BGRA,
// little-endian) framebuffer backing the GPU resource. Callers still need
// to call Device.Flush to make the device present the updated pixels.
func (c *Canvas) Flush() {
	im, ok := c.ctx.Image().(*image.RGBA)
	if !ok {
		return
	}

	srcPix := im.Pix
	srcStride := im.Stride
	dstStride := c.w * 4

	for y := 0; y < c.h; y++ {
		srcRow := srcPix[y*srcStride:]
		dstRow := c.fb[y*dstStride:]

		for x := 0; x < c.w; x++ {
			si := x * 4
			di := x * 4

			r := srcRow[si+0]
			g := srcRow[si+1]
			b := srcRow[si+2]
			a := srcRow[si+3]

			dstRow[di+0] = b
			dstRow[di+1] = g
			dstRow[di+2] = r
			dstRow[di+3] = a
		}
	}
}
