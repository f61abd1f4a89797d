// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"testing"

	"github.com/zoneftl/ftl/addr"
)

func testBand(id uint64) *Band {
	geom := addr.NewGeometry(128, 3, 16)
	zones := make([]zone, 3)
	for i := range zones {
		zones[i] = zone{punit: uint64(i), start: uint64(i) * 128, capacity: 128}
	}
	return newBand(id, geom, zones, 1, 1)
}

func TestBandLifecycle(t *testing.T) {
	b := testBand(0)
	if b.State() != BandFree {
		t.Fatalf("new band state = %s, want FREE", b.State())
	}

	b.beginPrep()
	if b.State() != BandPrep || b.writeCount != 1 {
		t.Fatalf("beginPrep: state=%s writeCount=%d", b.State(), b.writeCount)
	}

	b.prepDone()
	if b.State() != BandOpening {
		t.Fatalf("prepDone: state=%s", b.State())
	}
	wantUsable := b.geom.BlocksPerBand - 1 - 1
	if b.usableBlocks != wantUsable {
		t.Fatalf("usableBlocks = %d, want %d", b.usableBlocks, wantUsable)
	}

	b.markOpen(BandCompaction)
	if b.State() != BandOpen {
		t.Fatalf("markOpen: state=%s", b.State())
	}

	b.markFull()
	if b.State() != BandFull {
		t.Fatalf("markFull: state=%s", b.State())
	}

	b.beginClose(42)
	if b.State() != BandClosing || b.seq != 42 {
		t.Fatalf("beginClose: state=%s seq=%d", b.State(), b.seq)
	}

	b.markClosed(addr.Base(7), 0xdeadbeef)
	if b.State() != BandClosed || b.lbaMapChecksum != 0xdeadbeef {
		t.Fatalf("markClosed: state=%s checksum=%x", b.State(), b.lbaMapChecksum)
	}

	if err := b.reclaim(); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if b.State() != BandFree {
		t.Fatalf("after reclaim: state=%s", b.State())
	}
	if b.lbaMap != nil || b.validMap != nil {
		t.Fatalf("reclaim did not release lbaMap/validMap")
	}
}

func TestBandWrongStatePanics(t *testing.T) {
	b := testBand(0)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic transitioning from FREE via markOpen")
		}
	}()
	b.markOpen(BandCompaction)
}

func TestBandValidMap(t *testing.T) {
	b := testBand(0)
	b.beginPrep()
	b.prepDone()

	b.setValid(0, 100)
	b.setValid(1, 101)
	if got := b.NumValid(); got != 2 {
		t.Fatalf("NumValid = %d, want 2", got)
	}
	if lba := b.lbaAt(0); lba != 100 {
		t.Fatalf("lbaAt(0) = %d, want 100", lba)
	}

	// Overwriting an already-valid offset must not double count.
	b.setValid(0, 200)
	if got := b.NumValid(); got != 2 {
		t.Fatalf("NumValid after overwrite = %d, want 2", got)
	}
	if lba := b.lbaAt(0); lba != 200 {
		t.Fatalf("lbaAt(0) after overwrite = %d, want 200", lba)
	}

	if !b.invalidate(0) {
		t.Fatal("invalidate(0) = false, want true")
	}
	if got := b.NumValid(); got != 1 {
		t.Fatalf("NumValid after invalidate = %d, want 1", got)
	}
	if b.invalidate(0) {
		t.Fatal("invalidate(0) twice returned true")
	}
	if pct := b.validPct(); pct != uint32(uint64(1)*100/b.usableBlocks) {
		t.Fatalf("validPct = %d", pct)
	}
}

func TestBandRelocBookkeeping(t *testing.T) {
	src := testBand(0)
	dst := testBand(1)

	dst.addRelocSource(src)
	if src.numRelocTargets != 1 {
		t.Fatalf("src.numRelocTargets = %d, want 1", src.numRelocTargets)
	}
	if !dst.relocBitmap[src.id] {
		t.Fatal("dst.relocBitmap missing src")
	}

	// src cannot be reclaimed while dst still owes it.
	src.state = BandClosed
	if err := src.reclaim(); err == nil {
		t.Fatal("expected reclaim to fail while numRelocTargets > 0")
	}

	bands := map[uint64]*Band{src.id: src, dst.id: dst}
	dst.releaseRelocTargets(bands)
	if src.numRelocTargets != 0 {
		t.Fatalf("src.numRelocTargets after release = %d, want 0", src.numRelocTargets)
	}
	if err := src.reclaim(); err != nil {
		t.Fatalf("reclaim after release: %v", err)
	}
}

func TestBandNextWriteOffset(t *testing.T) {
	b := testBand(0)
	b.beginPrep()
	b.prepDone()

	off, ok := b.nextWriteOffset(4)
	if !ok || off != 0 {
		t.Fatalf("nextWriteOffset(4) = %d,%v want 0,true", off, ok)
	}
	off, ok = b.nextWriteOffset(4)
	if !ok || off != 4 {
		t.Fatalf("nextWriteOffset(4) = %d,%v want 4,true", off, ok)
	}
	if rem := b.remaining(); rem != b.usableBlocks-8 {
		t.Fatalf("remaining = %d, want %d", rem, b.usableBlocks-8)
	}

	// Claiming more than remains must fail without mutating the iterator.
	_, ok = b.nextWriteOffset(b.usableBlocks)
	if ok {
		t.Fatal("nextWriteOffset beyond usableBlocks should fail")
	}
}

func TestBandWritableZones(t *testing.T) {
	b := testBand(0)
	if n := b.writableZones(); n != 3 {
		t.Fatalf("writableZones = %d, want 3", n)
	}
	b.zones[1].offline()
	if n := b.writableZones(); n != 2 {
		t.Fatalf("writableZones after offline = %d, want 2", n)
	}
}

func TestBandAddrRoundTrip(t *testing.T) {
	b := testBand(2)
	b.beginPrep()
	b.prepDone()

	for _, off := range []uint64{0, 1, 5, b.usableBlocks - 1} {
		a := b.dataAddr(off)
		got, ok := b.offsetOfAddr(a)
		if !ok || got != off {
			t.Fatalf("offsetOfAddr(dataAddr(%d)) = %d,%v", off, got, ok)
		}
	}

	if _, ok := b.offsetOfAddr(b.headAddr()); ok {
		t.Fatal("offsetOfAddr(headAddr) should report false (metadata region)")
	}
	if _, ok := b.offsetOfAddr(b.tailAddr()); ok {
		t.Fatal("offsetOfAddr(tailAddr) should report false (metadata region)")
	}
}
