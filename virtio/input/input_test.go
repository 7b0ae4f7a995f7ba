// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package input

import "testing"

func TestDecodeEvent(t *testing.T) {
	buf := []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x00, 0x00}

	ev := decodeEvent(buf)

	if ev.Type != 1 || ev.Code != 2 || ev.Value != 3 {
		t.Fatalf("unexpected decode: %+v", ev)
	}
}
