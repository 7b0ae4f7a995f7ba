// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package block

import "testing"

func TestHeaderEncoding(t *testing.T) {
	h := header{Type: typeOut, Reserved: 0, Sector: 42}
	buf := h.bytes()

	if len(buf) != 16 {
		t.Fatalf("expected 16-byte header, got %d", len(buf))
	}

	if buf[0] != 1 {
		t.Fatalf("expected type=1 (OUT) at byte 0, got %d", buf[0])
	}
}

func TestStatusToError(t *testing.T) {
	cases := []struct {
		status byte
		isNil  bool
	}{
		{statusOK, true},
		{statusIOErr, false},
		{statusUnsupp, false},
		{statusNotReady, false},
	}

	for _, c := range cases {
		err := statusToError(c.status)
		if (err == nil) != c.isNil {
			t.Errorf("status %d: expected nil=%v, got %v", c.status, c.isNil, err)
		}
	}
}

func TestReadWriteRejectNonSectorMultiple(t *testing.T) {
	d := &Device{}

	if err := d.Read(0, make([]byte, 511)); err == nil {
		t.Fatal("expected error for non-sector-multiple buffer")
	}

	if err := d.Write(0, nil); err == nil {
		t.Fatal("expected error for empty buffer")
	}
}
