// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"testing"

	"github.com/google/uuid"
)

func TestHeadRecordRoundTrip(t *testing.T) {
	id := uuid.New()
	buf := encodeHeadRecord(id, 7, 3, 4096)
	if len(buf) != 4096 {
		t.Fatalf("head record len = %d, want 4096 (padded)", len(buf))
	}
	h, err := decodeHeadRecord(buf, id)
	if err != nil {
		t.Fatalf("decodeHeadRecord: %v", err)
	}
	if h.bandID != 7 || h.writeCount != 3 {
		t.Fatalf("decoded header = %+v", h)
	}
}

func TestHeadRecordRejectsWrongUUID(t *testing.T) {
	buf := encodeHeadRecord(uuid.New(), 1, 1, 512)
	if _, err := decodeHeadRecord(buf, uuid.New()); err == nil {
		t.Fatal("expected error decoding head record with mismatched uuid")
	}
}

func TestHeadRecordRejectsCorruption(t *testing.T) {
	id := uuid.New()
	buf := encodeHeadRecord(id, 1, 1, 512)
	buf[24] ^= 0xff
	if _, err := decodeHeadRecord(buf, id); err == nil {
		t.Fatal("expected InvalidCRC after corrupting head record")
	}
}

func TestTailRecordRoundTrip(t *testing.T) {
	id := uuid.New()
	lbaMap := []uint64{LBAInvalid, 10, 11, LBAInvalid, 12}
	buf := encodeTailRecord(id, 2, 1, 99, lbaMap)

	h, got, err := decodeTailRecord(buf, id, uint64(len(lbaMap)))
	if err != nil {
		t.Fatalf("decodeTailRecord: %v", err)
	}
	if h.bandID != 2 || h.seq != 99 {
		t.Fatalf("decoded tail header = %+v", h)
	}
	for i := range lbaMap {
		if got[i] != lbaMap[i] {
			t.Fatalf("lbaMap[%d] = %d, want %d", i, got[i], lbaMap[i])
		}
	}
}

func TestTailRecordRejectsSizeMismatch(t *testing.T) {
	id := uuid.New()
	buf := encodeTailRecord(id, 2, 1, 99, []uint64{1, 2, 3})
	if _, _, err := decodeTailRecord(buf, id, 5); err == nil {
		t.Fatal("expected InvalidSize with mismatched usableBlocks")
	}
}

func TestTailRecordRejectsCorruption(t *testing.T) {
	id := uuid.New()
	lbaMap := []uint64{1, 2, 3}
	buf := encodeTailRecord(id, 2, 1, 99, lbaMap)
	buf[len(buf)-6] ^= 0xff
	if _, _, err := decodeTailRecord(buf, id, uint64(len(lbaMap))); err == nil {
		t.Fatal("expected InvalidCRC after corrupting tail record")
	}
}
