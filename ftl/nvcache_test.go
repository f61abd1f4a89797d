// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"testing"

	"github.com/google/uuid"
	"github.com/zoneftl/ftl/memdev"
)

func newTestNVCache(t *testing.T, numBlocks uint64) (*NVCache, uuid.UUID) {
	t.Helper()
	dev, err := memdev.NewCache(4096, 8, numBlocks+1)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	id := uuid.New()
	n, err := NewNVCache(dev, id)
	if err != nil {
		t.Fatalf("NewNVCache: %v", err)
	}
	return n, id
}

func TestNVCacheReserveBasic(t *testing.T) {
	n, _ := newTestNVCache(t, 10)

	addr1, granted, phase, wrapped, err := n.reserve(4)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if addr1 != 0 || granted != 4 || phase != 1 || wrapped {
		t.Fatalf("reserve = %d,%d,%d,%v", addr1, granted, phase, wrapped)
	}

	addr2, granted2, _, _, err := n.reserve(4)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if addr2 != 4 || granted2 != 4 {
		t.Fatalf("second reserve = %d,%d", addr2, granted2)
	}
}

func TestNVCacheWrapAdvancesPhase(t *testing.T) {
	n, _ := newTestNVCache(t, 8)

	_, granted, _, wrapped, err := n.reserve(8)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if granted != 8 || !wrapped {
		t.Fatalf("reserve(8) over an 8-block ring should wrap: granted=%d wrapped=%v", granted, wrapped)
	}
	if n.Phase() != 2 {
		t.Fatalf("phase after wrap = %d, want 2", n.Phase())
	}

	// Ring is not ready again until wrapDone.
	if _, _, _, _, err := n.reserve(1); err == nil {
		t.Fatal("expected reserve to fail fast while not ready")
	}
	n.wrapDone()
	if _, _, _, _, err := n.reserve(1); err != nil {
		t.Fatalf("reserve after wrapDone: %v", err)
	}
}

func TestNVCachePhaseCycle(t *testing.T) {
	cases := []struct{ in, want uint8 }{{1, 2}, {2, 3}, {3, 1}}
	for _, c := range cases {
		if got := nextPhase(c.in); got != c.want {
			t.Fatalf("nextPhase(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestBlockMDRoundTrip(t *testing.T) {
	md := blockMD(12345, 2)
	lba, phase := parseBlockMD(md)
	if lba != 12345 || phase != 2 {
		t.Fatalf("parseBlockMD = %d,%d want 12345,2", lba, phase)
	}
}

func TestNVCacheHeaderRoundTrip(t *testing.T) {
	id := uuid.New()
	h := nvCacheHeader{uuid: id, phase: 2, size: 1024, currentAddr: LBAInvalid}
	buf := encodeNVCacheHeader(h, 4096)
	if len(buf) != 4096 {
		t.Fatalf("header len = %d, want 4096", len(buf))
	}
	got, err := decodeNVCacheHeader(buf, id)
	if err != nil {
		t.Fatalf("decodeNVCacheHeader: %v", err)
	}
	if got.phase != 2 || got.size != 1024 || got.currentAddr != LBAInvalid {
		t.Fatalf("decoded header = %+v", got)
	}
}

func TestNVCacheHeaderRejectsWrongUUID(t *testing.T) {
	buf := encodeNVCacheHeader(nvCacheHeader{uuid: uuid.New()}, 512)
	if _, err := decodeNVCacheHeader(buf, uuid.New()); err == nil {
		t.Fatal("expected error for mismatched uuid")
	}
}
