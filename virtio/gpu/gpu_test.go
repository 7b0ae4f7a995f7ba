// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package gpu

import "testing"

func TestCtrlHeaderRoundTrip(t *testing.T) {
	h := ctrlHeader{Type: cmdResourceFlush, Flags: 1, FenceID: 0xdeadbeef, CtxID: 7}

	buf := make([]byte, ctrlHeaderSize)
	h.encode(buf)

	got := decodeHeader(buf)

	if got.Type != h.Type || got.Flags != h.Flags || got.FenceID != h.FenceID || got.CtxID != h.CtxID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}
