// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zoneftl/ftl/addr"
	"github.com/zoneftl/ftl/bdev"
)

// BandState is one of the states of the band life-cycle state machine
// (spec.md §4.3): FREE -> PREP -> OPENING -> OPEN -> FULL -> CLOSING ->
// CLOSED -> FREE.
type BandState int

const (
	BandFree BandState = iota
	BandPrep
	BandOpening
	BandOpen
	BandFull
	BandClosing
	BandClosed
)

func (s BandState) String() string {
	switch s {
	case BandFree:
		return "FREE"
	case BandPrep:
		return "PREP"
	case BandOpening:
		return "OPENING"
	case BandOpen:
		return "OPEN"
	case BandFull:
		return "FULL"
	case BandClosing:
		return "CLOSING"
	case BandClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// BandType distinguishes bands opened to absorb normal user writes from
// bands opened to receive relocated (GC) data (spec.md §4.3); the two are
// tracked separately because a GC band's age must not reset the selection
// heuristic the way a compaction band's does.
type BandType int

const (
	BandCompaction BandType = iota
	BandGC
)

// Band is one cross-unit stripe of zones, addressed, written and closed as
// a unit (spec.md §4.3). Fields mirror the spec's band record; lbaMap and
// validMap are allocated only once a band leaves PREP, so a FREE band is
// cheap to keep around in the free-band pool.
type Band struct {
	id    uint64
	geom  addr.Geometry
	zones []zone

	headMDBlocks uint64
	tailMDBlocks uint64
	usableBlocks uint64

	mu    sync.Mutex
	state BandState
	typ   BandType

	writeCount uint64
	seq        uint64 // assigned when the band transitions to CLOSING

	// iterOffset is the next logical (striped) block offset to be
	// written within the band, in [0, usableBlocks).
	iterOffset uint64

	lbaMapMu sync.Mutex
	lbaMap   []uint64 // usableBlocks entries; LBAInvalid when unmapped
	validMap *bitset
	numValid int

	tailMDAddr      addr.Addr
	lbaMapChecksum  uint32
	relocBitmap     map[uint64]bool // source band ids relocated into this one
	numRelocTargets int             // destination bands still holding this band's relocated data

	refCount int32
}

// LBAInvalid marks an lbaMap slot with no logical block mapped to it.
const LBAInvalid = ^uint64(0)

// newBand constructs a FREE band over the given zones (one per parallel
// unit, ordered by punit index).
func newBand(id uint64, geom addr.Geometry, zones []zone, headMDBlocks, tailMDBlocks uint64) *Band {
	return &Band{
		id:           id,
		geom:         geom,
		zones:        zones,
		headMDBlocks: headMDBlocks,
		tailMDBlocks: tailMDBlocks,
		usableBlocks: geom.BlocksPerBand - headMDBlocks - tailMDBlocks,
		relocBitmap:  make(map[uint64]bool),
	}
}

// headAddr and tailAddr are the band-relative physical addresses of the
// head and tail metadata regions (spec.md §4.4: head is the first
// xfer_size-aligned blocks, tail follows the user data region).
func (b *Band) headAddr() addr.Addr { return b.geom.FromBlockOffset(b.id, 0) }
func (b *Band) tailAddr() addr.Addr {
	return b.geom.FromBlockOffset(b.id, b.headMDBlocks+b.usableBlocks)
}

// dataAddr converts a band-relative data offset (0..usableBlocks) into a
// physical address within the band's data region.
func (b *Band) dataAddr(offset uint64) addr.Addr {
	return b.geom.FromBlockOffset(b.id, b.headMDBlocks+offset)
}

// offsetOfAddr is the inverse of dataAddr: given a physical address
// belonging to this band, it reports the data-region offset, or false if
// a falls within the head/tail metadata regions.
func (b *Band) offsetOfAddr(a addr.Addr) (uint64, bool) {
	raw := b.geom.ToBlockOffset(b.id, a)
	if raw < b.headMDBlocks || raw >= b.headMDBlocks+b.usableBlocks {
		return 0, false
	}
	return raw - b.headMDBlocks, true
}

func (b *Band) ID() uint64 { return b.id }

// WriteCount reports the band's current wear-leveling age counter, bumped
// each time it enters PREP (spec.md §4.3). Used when encoding its head/tail
// metadata records.
func (b *Band) WriteCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeCount
}

func (b *Band) State() BandState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// assertState panics if the band is not in the expected state; transitions
// are only ever driven by the single-threaded core loop (spec.md §5), so a
// mismatch is a programming error rather than a runtime condition to
// recover from.
func (b *Band) assertState(want BandState) {
	if b.state != want {
		panic(fmt.Sprintf("band %d: expected state %s, got %s", b.id, want, b.state))
	}
}

// beginPrep moves a FREE band to PREP and bumps write_count, per spec.md
// §4.3's "entering PREP increments write_count, used for wear-leveling
// age". Erasing the member zones is the caller's responsibility (core.go's openBand),
// since it requires device I/O this package deliberately keeps out of
// Band.
func (b *Band) beginPrep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assertState(BandFree)
	b.state = BandPrep
	b.writeCount++
}

// prepDone moves PREP -> OPENING once every member zone has finished
// resetting, and allocates the band's lba_map/valid_map.
func (b *Band) prepDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assertState(BandPrep)
	b.state = BandOpening
	b.lbaMapMu.Lock()
	b.lbaMap = make([]uint64, b.usableBlocks)
	for i := range b.lbaMap {
		b.lbaMap[i] = LBAInvalid
	}
	b.validMap = newBitset(int(b.usableBlocks))
	b.numValid = 0
	b.iterOffset = 0
	b.lbaMapMu.Unlock()
}

// markOpen moves OPENING -> OPEN once the head metadata record has landed
// (spec.md §4.4).
func (b *Band) markOpen(typ BandType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assertState(BandOpening)
	b.state = BandOpen
	b.typ = typ
}

// markFull moves OPEN -> FULL once the iterator has exhausted the band's
// usable blocks (spec.md §4.6, §4.8).
func (b *Band) markFull() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assertState(BandOpen)
	b.state = BandFull
}

// beginClose moves FULL -> CLOSING and assigns the band's sequence number;
// the caller still owes the band a tail metadata write.
func (b *Band) beginClose(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assertState(BandFull)
	b.state = BandClosing
	b.seq = seq
}

// markClosed moves CLOSING -> CLOSED once the tail metadata record has
// landed, recording where it was written and its checksum.
func (b *Band) markClosed(tailAddr addr.Addr, checksum uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assertState(BandClosing)
	b.state = BandClosed
	b.tailMDAddr = tailAddr
	b.lbaMapChecksum = checksum
}

// reclaim moves CLOSED -> FREE, releasing the band's lba_map and
// valid_map back to the allocator. Invariant 9 (spec.md §3): this must
// only be called once numRelocTargets reaches zero, i.e. every band that
// received this band's relocated blocks has itself closed.
func (b *Band) reclaim() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.assertState(BandClosed)
	if b.numRelocTargets != 0 {
		return fmt.Errorf("%w: band %d still has %d pending reloc targets", EBUSY, b.id, b.numRelocTargets)
	}
	b.state = BandFree
	b.lbaMapMu.Lock()
	b.lbaMap = nil
	b.validMap = nil
	b.lbaMapMu.Unlock()
	return nil
}

// addRelocSource records that blocks from srcBandID were relocated into b
// (b is the destination), and bumps the source's pending-target count.
func (b *Band) addRelocSource(src *Band) {
	b.mu.Lock()
	b.relocBitmap[src.id] = true
	b.mu.Unlock()

	src.mu.Lock()
	src.numRelocTargets++
	src.mu.Unlock()
}

// releaseRelocTargets is called once b itself reaches CLOSED: every band
// listed in b.relocBitmap no longer needs to wait on b before it can be
// reclaimed.
func (b *Band) releaseRelocTargets(bands map[uint64]*Band) {
	b.mu.Lock()
	srcs := make([]uint64, 0, len(b.relocBitmap))
	for id := range b.relocBitmap {
		srcs = append(srcs, id)
	}
	b.mu.Unlock()

	for _, id := range srcs {
		src, ok := bands[id]
		if !ok {
			continue
		}
		src.mu.Lock()
		if src.numRelocTargets > 0 {
			src.numRelocTargets--
		}
		src.mu.Unlock()
	}
}

// nextWriteOffset returns the current iterator offset and, if n blocks
// fit before usableBlocks, advances it and returns ok == true. Used by
// wptr.go to claim space for a child write without racing other callers
// (core loop is single-threaded, but tests may call this directly).
func (b *Band) nextWriteOffset(n uint64) (offset uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.iterOffset+n > b.usableBlocks {
		return 0, false
	}
	offset = b.iterOffset
	b.iterOffset += n
	return offset, true
}

// remaining reports how many usable blocks have not yet been claimed by
// the write iterator.
func (b *Band) remaining() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usableBlocks - b.iterOffset
}

// peekOffset returns the current iterator offset without claiming it.
func (b *Band) peekOffset() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.iterOffset
}

// setValid records that offset (within the band's usable-block space) now
// holds lba, invalidating whatever it held before.
func (b *Band) setValid(offset uint64, lba uint64) {
	b.lbaMapMu.Lock()
	defer b.lbaMapMu.Unlock()
	if !b.validMap.test(int(offset)) {
		b.validMap.set(int(offset))
		b.numValid++
	}
	b.lbaMap[offset] = lba
}

// invalidate clears offset's validity bit, e.g. because a newer write
// superseded its LBA elsewhere. Returns false if it was already invalid.
func (b *Band) invalidate(offset uint64) bool {
	b.lbaMapMu.Lock()
	defer b.lbaMapMu.Unlock()
	if !b.validMap.test(int(offset)) {
		return false
	}
	b.validMap.clear(int(offset))
	b.numValid--
	b.lbaMap[offset] = LBAInvalid
	return true
}

// NumValid returns the number of valid blocks still resident in the band.
func (b *Band) NumValid() int {
	b.lbaMapMu.Lock()
	defer b.lbaMapMu.Unlock()
	return b.numValid
}

// validPct returns the band's fill merit used by the relocator's
// candidate-selection heuristic (spec.md §4.10): lower means more
// attractive to reclaim.
func (b *Band) validPct() uint32 {
	b.lbaMapMu.Lock()
	defer b.lbaMapMu.Unlock()
	if b.usableBlocks == 0 {
		return 0
	}
	return uint32(uint64(b.numValid) * 100 / b.usableBlocks)
}

// lbaAt returns the LBA mapped at offset, or LBAInvalid.
func (b *Band) lbaAt(offset uint64) uint64 {
	b.lbaMapMu.Lock()
	defer b.lbaMapMu.Unlock()
	return b.lbaMap[offset]
}

// copyLBAMap returns an independent copy of the band's lba_map, for
// encoding into its tail metadata record on close (spec.md §4.4, §4.8).
func (b *Band) copyLBAMap() []uint64 {
	b.lbaMapMu.Lock()
	defer b.lbaMapMu.Unlock()
	out := make([]uint64, len(b.lbaMap))
	copy(out, b.lbaMap)
	return out
}

// addRef/release implement the band reference count guarding concurrent
// readers against a relocation freeing the band out from under them
// (spec.md §4.9, §4.10).
func (b *Band) addRef() { atomic.AddInt32(&b.refCount, 1) }
func (b *Band) release() int32 {
	return atomic.AddInt32(&b.refCount, -1)
}

// resetZonesDone marks every member zone EMPTY after a successful erase
// (spec.md §4.2). Like writableZones/writeBatch's zone-state access, this
// is unlocked: zones are touched only by the core thread (spec.md §5),
// never concurrently.
func (b *Band) resetZonesDone() {
	for i := range b.zones {
		b.zones[i].resetDone()
	}
}

// offlineZone marks the zone starting at zoneStart OFFLINE, e.g. after its
// erase failed (spec.md §4.2).
func (b *Band) offlineZone(zoneStart uint64) {
	for i := range b.zones {
		if b.zones[i].start == zoneStart {
			b.zones[i].offline()
			return
		}
	}
}

// writableZones reports how many of the band's member zones are not
// OFFLINE (spec.md §4.2); used to decide whether the band should be
// marked FULL early because a parallel unit went offline.
func (b *Band) writableZones() int {
	n := 0
	for i := range b.zones {
		if b.zones[i].state != bdev.ZoneOffline {
			n++
		}
	}
	return n
}
