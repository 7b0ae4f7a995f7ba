// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
//
// +build tamago

package main

import (
	"fmt"

	"github.com/usbarmory/virtio-drivers/virtio/gpu"
)

// drawStartupScreen sets up the framebuffer and paints a simple banner
// circle using gg, flushing it to the GPU device — replacing the
// teacher's Bochs-framebuffer circle demo (gg_circle_qemu.go) with a
// VirtIO GPU resource as the target surface.
func drawStartupScreen(dev *gpu.Device, rect gpu.Rect) {
	fb, err := dev.SetupFramebuffer(rect.Width, rect.Height)
	if err != nil {
		fmt.Printf("virtio-gpu: framebuffer setup failed: %v\n", err)
		return
	}

	canvas := gpu.NewCanvas(fb, int(rect.Width), int(rect.Height))
	ctx := canvas.Context()

	ctx.SetRGB(0, 0, 0)
	ctx.Clear()

	ctx.SetRGB(1, 1, 1)
	ctx.DrawCircle(float64(rect.Width)/2, float64(rect.Height)/2, 64)
	ctx.Fill()

	canvas.Flush()

	if err := dev.Flush(); err != nil {
		fmt.Printf("virtio-gpu: flush failed: %v\n", err)
	}
}
