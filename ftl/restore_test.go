// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/zoneftl/ftl/addr"
	"github.com/zoneftl/ftl/memdev"
)

func TestFormatDeviceAllFree(t *testing.T) {
	ctx := context.Background()
	geom := addr.NewGeometry(4, 2, 1)
	dev, err := memdev.NewZoned(512, 4, 6, true)
	if err != nil {
		t.Fatalf("NewZoned: %v", err)
	}
	defer dev.Close()

	knobs := ConfigKnobs{}
	knobs.setDefaults()

	b, err := formatDevice(ctx, dev, nil, geom, 1, 1, knobs)
	if err != nil {
		t.Fatalf("formatDevice: %v", err)
	}
	if b.numBands != 3 {
		t.Fatalf("numBands = %d, want 3", b.numBands)
	}
	if len(b.free) != 3 || len(b.shut) != 0 {
		t.Fatalf("free/shut = %d/%d, want 3/0", len(b.free), len(b.shut))
	}
	for lba := uint64(0); lba < b.l2p.Len(); lba++ {
		if b.l2p.Get(lba).IsValid() {
			t.Fatalf("lba %d mapped on a freshly formatted device", lba)
		}
	}
	// usablePerBand=6, total=18, reserve_pct=10 -> reserved=1 -> num_lbas=17.
	if b.l2p.Len() != 17 {
		t.Fatalf("num_lbas = %d, want 17", b.l2p.Len())
	}
}

// restoreTestWriteThenClose drives a real reactor through writing 6 blocks
// into band 0 and closing it, leaving a replacement band OPEN (not
// CLOSED) behind, the same way core_test.go's full-cycle test does.
func restoreTestWriteThenClose(t *testing.T, dev *memdev.Zoned, geom addr.Geometry, deviceUUID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	bands := map[uint64]*Band{}
	var free []*Band
	for i := uint64(0); i < 3; i++ {
		b := newBand(i, geom, coreTestZones(i, 2, 4), 1, 1)
		bands[i] = b
		free = append(free, b)
	}

	knobs := ConfigKnobs{}
	knobs.setDefaults()
	knobs.Limits = generousLimits()
	stats := &statCounters{}
	l2p := NewL2P(17)
	r := newReactor(dev, geom, deviceUUID, l2p, bands, free, nil, map[uint64]time.Time{}, 0, 1, 1, knobs, nil, stats)

	ch := newWriteBuffer(0, 8, 512)
	r.AddChannel(ch)

	for lba := uint64(0); lba < 6; lba++ {
		e, ok := ch.acquire(false, l2p)
		if !ok {
			t.Fatalf("acquire lba %d failed", lba)
		}
		data := make([]byte, 512)
		data[0] = byte(lba + 1)
		cacheAddr := ch.fill(e, data, lba, false, 0, addr.Invalid)
		l2p.Set(lba, cacheAddr)
		ch.pushSubmit(e)
	}

	for i := 0; i < 10 && len(r.shut) == 0; i++ {
		if _, err := r.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	if len(r.shut) != 1 {
		t.Fatal("band 0 never closed")
	}
}

func TestRestoreDeviceReconstructsL2P(t *testing.T) {
	ctx := context.Background()
	geom := addr.NewGeometry(4, 2, 1)
	dev, err := memdev.NewZoned(512, 4, 6, true)
	if err != nil {
		t.Fatalf("NewZoned: %v", err)
	}
	defer dev.Close()

	deviceUUID := uuid.New()
	restoreTestWriteThenClose(t, dev, geom, deviceUUID)

	knobs := ConfigKnobs{}
	knobs.setDefaults()
	knobs.AllowOpenBands = true

	b, err := restoreDevice(ctx, dev, nil, deviceUUID, geom, 1, 1, knobs)
	if err != nil {
		t.Fatalf("restoreDevice: %v", err)
	}

	closed := b.bands[0]
	if closed.State() != BandClosed {
		t.Fatalf("band 0 state = %s, want CLOSED", closed.State())
	}
	if closed.NumValid() != 6 {
		t.Fatalf("band 0 NumValid = %d, want 6", closed.NumValid())
	}
	for lba := uint64(0); lba < 6; lba++ {
		want := closed.dataAddr(lba)
		if got := b.l2p.Get(lba); got != want {
			t.Fatalf("l2p[%d] = %v, want %v", lba, got, want)
		}
	}

	foundShut := false
	for _, sb := range b.shut {
		if sb.ID() == 0 {
			foundShut = true
		}
	}
	if !foundShut {
		t.Fatal("band 0 not in shut pool")
	}

	// The reactor's replacement band (band 1) was left OPEN, never
	// closed; with AllowOpenBands it is dropped back to free rather than
	// rejected.
	foundFreeReplacement := false
	for _, fb := range b.free {
		if fb.ID() == 1 {
			foundFreeReplacement = true
		}
	}
	if !foundFreeReplacement {
		t.Fatal("band 1 (left open) should have rejoined the free pool")
	}
}

func TestRestoreDeviceRejectsOpenBandWhenNotAllowed(t *testing.T) {
	ctx := context.Background()
	geom := addr.NewGeometry(4, 2, 1)
	dev, err := memdev.NewZoned(512, 4, 6, true)
	if err != nil {
		t.Fatalf("NewZoned: %v", err)
	}
	defer dev.Close()

	deviceUUID := uuid.New()
	restoreTestWriteThenClose(t, dev, geom, deviceUUID)

	knobs := ConfigKnobs{}
	knobs.setDefaults()
	knobs.AllowOpenBands = false

	if _, err := restoreDevice(ctx, dev, nil, deviceUUID, geom, 1, 1, knobs); err == nil {
		t.Fatal("expected restoreDevice to reject an open band when AllowOpenBands is false")
	}
}

func writeBandRecordsForTest(t *testing.T, dev *memdev.Zoned, geom addr.Geometry, id uint64, deviceUUID uuid.UUID, writeCount, seq uint64, lbaMap []uint64) {
	t.Helper()
	ctx := context.Background()
	b := newBand(id, geom, coreTestZones(id, int(geom.NumPunits), geom.ZoneSize), 1, 1)

	head := encodeHeadRecord(deviceUUID, id, writeCount, dev.BlockSize())
	if err := dev.WriteBlocks(ctx, b.headAddr().Block(), head); err != nil {
		t.Fatalf("write head band %d: %v", id, err)
	}
	tail := encodeTailRecord(deviceUUID, id, writeCount, seq, lbaMap)
	if err := dev.WriteBlocks(ctx, b.tailAddr().Block(), tail); err != nil {
		t.Fatalf("write tail band %d: %v", id, err)
	}
}

func TestRestoreDeviceRejectsDuplicateSeq(t *testing.T) {
	ctx := context.Background()
	geom := addr.NewGeometry(4, 2, 1)
	dev, err := memdev.NewZoned(512, 4, 6, true)
	if err != nil {
		t.Fatalf("NewZoned: %v", err)
	}
	defer dev.Close()

	deviceUUID := uuid.New()
	empty := make([]uint64, 6)
	for i := range empty {
		empty[i] = LBAInvalid
	}
	writeBandRecordsForTest(t, dev, geom, 0, deviceUUID, 1, 5, empty)
	writeBandRecordsForTest(t, dev, geom, 1, deviceUUID, 1, 5, empty)

	knobs := ConfigKnobs{}
	knobs.setDefaults()

	if _, err := restoreDevice(ctx, dev, nil, deviceUUID, geom, 1, 1, knobs); err == nil {
		t.Fatal("expected restoreDevice to reject duplicate seq numbers")
	}
}

func TestRestoreDeviceRejectsOutOfRangeLBA(t *testing.T) {
	ctx := context.Background()
	geom := addr.NewGeometry(4, 2, 1)
	dev, err := memdev.NewZoned(512, 4, 6, true)
	if err != nil {
		t.Fatalf("NewZoned: %v", err)
	}
	defer dev.Close()

	deviceUUID := uuid.New()
	lbaMap := make([]uint64, 6)
	for i := range lbaMap {
		lbaMap[i] = LBAInvalid
	}
	lbaMap[0] = 999999
	writeBandRecordsForTest(t, dev, geom, 0, deviceUUID, 1, 1, lbaMap)

	knobs := ConfigKnobs{}
	knobs.setDefaults()

	if _, err := restoreDevice(ctx, dev, nil, deviceUUID, geom, 1, 1, knobs); err == nil {
		t.Fatal("expected restoreDevice to reject an out-of-range lba_map entry")
	}
}

func TestRestoreDeviceReplaysNVCache(t *testing.T) {
	ctx := context.Background()
	geom := addr.NewGeometry(4, 2, 1)
	dev, err := memdev.NewZoned(512, 4, 6, true)
	if err != nil {
		t.Fatalf("NewZoned: %v", err)
	}
	defer dev.Close()

	cache, err := memdev.NewCache(512, 8, 5)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer cache.Close()

	// Format to get a consistent device UUID, phase-1 header and zeroed
	// data region.
	knobs := ConfigKnobs{}
	knobs.setDefaults()
	fmtd, err := formatDevice(ctx, dev, cache, geom, 1, 1, knobs)
	if err != nil {
		t.Fatalf("formatDevice: %v", err)
	}
	deviceUUID := fmtd.deviceUUID

	// Write one live (lba=3, phase=1) entry directly into the cache's
	// data region. This exercises restoreNVCache's replay scan in
	// isolation, the same way Device.Write's stageNVCache populates a
	// slot in real operation (device_test.go covers that path end to
	// end).
	data := make([]byte, 512)
	data[0] = 0x42
	md := blockMD(3, 1)
	if err := cache.WriteBlocksWithMD(ctx, 1, data, [][]byte{md}); err != nil {
		t.Fatalf("WriteBlocksWithMD: %v", err)
	}

	b, err := restoreDevice(ctx, dev, cache, deviceUUID, geom, 1, 1, knobs)
	if err != nil {
		t.Fatalf("restoreDevice: %v", err)
	}

	a := b.l2p.Get(3)
	if !a.IsNVCache() {
		t.Fatalf("l2p[3] = %v, want an nv-cache address", a)
	}
	if a.NVCacheOffset() != 0 {
		t.Fatalf("l2p[3] nv-cache offset = %d, want 0", a.NVCacheOffset())
	}

	r := NewReader(b.l2p, geom, dev, cache, 512, func(uint32) (*writeBuffer, bool) { return nil, false })
	dst := make([]byte, 512)
	if err := r.Read(ctx, 3, dst); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if dst[0] != 0x42 {
		t.Fatalf("replayed nv-cache read = %x, want 0x42", dst[0])
	}
}
