// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zoneftl/ftl/addr"
	"github.com/zoneftl/ftl/bdev"
)

// reactor is the single-threaded core loop (spec.md §4.11): it owns band
// lifecycle (open/close/reclaim), drives the user and GC write pointers,
// feeds the relocator, reacts to media events, and computes back-pressure.
// Every exported method other than RunOnce and the read-only accessors is
// intended to be called only from the goroutine that calls RunOnce, the
// same single-writer discipline the teacher's FUSE server loop uses for
// its own per-request dispatch.
type reactor struct {
	dev        bdev.ZonedDevice
	geom       addr.Geometry
	deviceUUID uuid.UUID

	headMDBlocks uint64
	tailMDBlocks uint64

	l2p   *L2P
	table *relocBandTable
	reloc *Relocator
	stats *statCounters

	mu       sync.Mutex
	bands    map[uint64]*Band
	free     []*Band
	shut     []*Band
	closedAt map[uint64]time.Time
	seq      uint64

	userBand  *Band
	userWP    *writePointer
	userChans []*writeBuffer

	gcBand *Band
	gcWP   *writePointer
	gcCh   *writeBuffer

	limits              [numBackPressureLevels]Limit
	invalidThresholdPct uint32

	halting bool
}

// newReactor wires a reactor over an already-populated band table (built by
// Create's formatting pass or its restore pass; ftl/restore.go produces
// bands/free/shut/closedAt for the latter). gcCh is a dedicated internal
// channel never exposed to OpenChannel, sized the same as a user channel.
func newReactor(dev bdev.ZonedDevice, geom addr.Geometry, deviceUUID uuid.UUID, l2p *L2P, bands map[uint64]*Band, free, shut []*Band, closedAt map[uint64]time.Time, seq, headMDBlocks, tailMDBlocks uint64, knobs ConfigKnobs, gcCh *writeBuffer, stats *statCounters) *reactor {
	r := &reactor{
		dev:                 dev,
		geom:                geom,
		deviceUUID:          deviceUUID,
		headMDBlocks:        headMDBlocks,
		tailMDBlocks:        tailMDBlocks,
		l2p:                 l2p,
		stats:               stats,
		bands:               bands,
		free:                free,
		shut:                shut,
		closedAt:            closedAt,
		seq:                 seq,
		gcCh:                gcCh,
		limits:              knobs.Limits,
		invalidThresholdPct: knobs.InvalidThresholdPct,
	}
	r.table = newRelocBandTable(geom, r.ResolveChannel)
	for _, b := range bands {
		r.table.add(b)
	}
	r.reloc = NewRelocator(dev, geom, l2p, r.table, knobs.MaxActiveRelocs, knobs.MaxRelocQDepth)
	return r
}

// AddChannel registers a user-facing write buffer (device.go's OpenChannel)
// so the reactor's user write pointer drains it and the relocator's table
// can resolve its cache slots.
func (r *reactor) AddChannel(ch *writeBuffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userChans = append(r.userChans, ch)
}

// ResolveChannel implements ChannelResolver over the reactor's live channel
// set, for reader.go and reloc.go's relocBandTable.
func (r *reactor) ResolveChannel(channelIndex uint32) (*writeBuffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.userChans {
		if ch.channelIndex == channelIndex {
			return ch, true
		}
	}
	if r.gcCh != nil && r.gcCh.channelIndex == channelIndex {
		return r.gcCh, true
	}
	return nil, false
}

// Stats returns a point-in-time snapshot of the reactor's counters.
func (r *reactor) Stats() Stats { return r.stats.snapshot() }

// RequestHalt asks the reactor to stop opening new bands and to flush its
// currently-open bands to FULL, for an orderly Close (spec.md §6.1).
func (r *reactor) RequestHalt() {
	r.mu.Lock()
	r.halting = true
	userWP, gcWP := r.userWP, r.gcWP
	r.mu.Unlock()

	if userWP != nil {
		userWP.requestHalt()
	}
	if gcWP != nil {
		gcWP.requestHalt()
	}
}

// Idle reports whether the reactor has no open bands and no outstanding
// channel I/O, i.e. it is safe to tear down (device.go's Close waits on
// this after RequestHalt).
func (r *reactor) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.userBand != nil || r.gcBand != nil {
		return false
	}
	for _, ch := range r.userChans {
		if ch.Outstanding() != 0 {
			return false
		}
	}
	if r.gcCh != nil && r.gcCh.Outstanding() != 0 {
		return false
	}
	return true
}

// openBand erases every member zone, writes the head metadata record, and
// moves the band PREP -> OPEN (spec.md §4.2, §4.4).
func (r *reactor) openBand(ctx context.Context, b *Band, typ BandType) error {
	b.beginPrep()

	ok := true
	for i := range b.zones {
		if err := r.dev.ZoneManagementReset(ctx, b.zones[i].start); err != nil {
			b.offlineZone(b.zones[i].start)
			ok = false
			continue
		}
	}
	if !ok {
		return fmt.Errorf("%w: erase band %d", EIO, b.ID())
	}
	b.resetZonesDone()
	b.prepDone()

	head := encodeHeadRecord(r.deviceUUID, b.ID(), b.WriteCount(), r.dev.BlockSize())
	if err := r.dev.WriteBlocks(ctx, b.headAddr().Block(), head); err != nil {
		return fmt.Errorf("%w: write head metadata band %d", EIO, b.ID())
	}
	b.markOpen(typ)
	r.stats.bandOpens.Add(1)
	return nil
}

// closeBand writes the tail metadata record and moves FULL -> CLOSED once
// every feeding channel has drained (spec.md §4.4, §4.8). It returns false,
// nil if the band cannot be closed yet (still draining).
func (r *reactor) closeBand(ctx context.Context, b *Band, feeders []*writeBuffer) (bool, error) {
	if b.State() != BandFull {
		return false, nil
	}
	for _, ch := range feeders {
		if ch.Outstanding() != 0 {
			return false, nil
		}
	}

	r.mu.Lock()
	seq := r.seq
	r.seq++
	r.mu.Unlock()

	b.beginClose(seq)
	lbaMap := b.copyLBAMap()
	tail := encodeTailRecord(r.deviceUUID, b.ID(), b.WriteCount(), seq, lbaMap)
	if err := r.dev.WriteBlocks(ctx, b.tailAddr().Block(), tail); err != nil {
		return false, fmt.Errorf("%w: write tail metadata band %d", EIO, b.ID())
	}
	checksum := crc32c(tail[:len(tail)-4])
	b.markClosed(b.tailAddr(), checksum)
	r.stats.bandCloses.Add(1)

	r.mu.Lock()
	r.closedAt[b.ID()] = time.Now()
	r.shut = append(r.shut, b)
	r.mu.Unlock()

	// Releasing b's own reloc sources (bands whose data b now holds) only
	// happens once b is itself durably CLOSED; b is reclaimed in its turn
	// once whatever receives ITS relocated data (if any) closes too.
	b.releaseRelocTargets(r.bands)
	return true, nil
}

// reclaimEligible moves every CLOSED band with no remaining valid blocks
// and no pending reloc targets back to the free pool (spec.md §4.3, §4.8).
func (r *reactor) reclaimEligible() {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.shut[:0]
	for _, b := range r.shut {
		if b.NumValid() == 0 {
			if err := b.reclaim(); err == nil {
				r.table.remove(b.ID())
				delete(r.closedAt, b.ID())
				r.free = append(r.free, b)
				continue
			}
		}
		kept = append(kept, b)
	}
	r.shut = kept
}

// ensureBandsOpen opens a fresh user band and GC band from the free pool
// whenever one is missing, unless halting (spec.md §4.11).
func (r *reactor) ensureBandsOpen(ctx context.Context) error {
	r.mu.Lock()
	halting := r.halting
	r.mu.Unlock()
	if halting {
		return nil
	}
	if err := r.ensureBand(ctx, &r.userBand, &r.userWP, BandCompaction); err != nil {
		return err
	}
	if r.gcCh != nil {
		if err := r.ensureBand(ctx, &r.gcBand, &r.gcWP, BandGC); err != nil {
			return err
		}
	}
	return nil
}

func (r *reactor) ensureBand(ctx context.Context, bandSlot **Band, wpSlot **writePointer, typ BandType) error {
	r.mu.Lock()
	if *bandSlot != nil || len(r.free) == 0 {
		r.mu.Unlock()
		return nil
	}
	b := r.free[0]
	r.free = r.free[1:]
	r.mu.Unlock()

	if err := r.openBand(ctx, b, typ); err != nil {
		r.mu.Lock()
		r.free = append(r.free, b)
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	*bandSlot = b
	*wpSlot = newWritePointer(b, r.dev, r.geom)
	r.table.add(b)
	r.mu.Unlock()
	return nil
}

// numFree reports the current free-band count, the input to back-pressure
// level selection (spec.md §4.11).
func (r *reactor) numFree() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint64(len(r.free))
}

// backPressureLevel checks the levels CRIT, HIGH, LOW, START in that order
// and returns the first (most restrictive) one whose threshold numFree
// does not exceed (spec.md §4.11); when numFree exceeds every threshold it
// returns LevelStart, the most permissive.
func (r *reactor) backPressureLevel(numFree uint64) BackPressureLevel {
	for lvl := LevelCrit; lvl < numBackPressureLevels; lvl++ {
		if numFree <= r.limits[lvl].Threshold {
			return lvl
		}
	}
	return LevelStart
}

// applyBackPressure recomputes the active level from the current free-band
// count and propagates its AllowedPct to every user channel's queue-depth
// limit (spec.md §4.11). Internal (relocator, pad) writes are exempt by
// construction (writeBuffer.acquire's internal bypass), so only user
// channels need the limit applied.
func (r *reactor) applyBackPressure() {
	lvl := r.backPressureLevel(r.numFree())
	r.stats.setLevel(lvl)

	pct := uint64(r.limits[lvl].AllowedPct)
	r.mu.Lock()
	chans := append([]*writeBuffer(nil), r.userChans...)
	r.mu.Unlock()

	for _, ch := range chans {
		limit := uint32(uint64(ch.Size()) * pct / 100)
		ch.setQDepthLimit(limit)
	}
}

// maybeSelectDefrag enqueues at most one new defrag candidate per call,
// once the free-band count drops below the START threshold and the
// relocator isn't already working a priority or pending-defrag band
// (spec.md §4.10's merit-driven trigger).
func (r *reactor) maybeSelectDefrag() {
	r.mu.Lock()
	free := uint64(len(r.free))
	startThreshold := r.limits[LevelStart].Threshold
	critical := free <= r.limits[LevelCrit].Threshold
	candidates := append([]*Band(nil), r.shut...)
	closedAt := make(map[uint64]time.Time, len(r.closedAt))
	for k, v := range r.closedAt {
		closedAt[k] = v
	}
	r.mu.Unlock()

	if free >= startThreshold {
		return
	}
	if r.reloc.Pending() > 0 || r.reloc.Priority() > 0 {
		return
	}
	cand := SelectDefragCandidate(candidates, closedAt, time.Now(), r.invalidThresholdPct, critical)
	if cand != nil {
		r.reloc.AddDefrag(cand)
	}
}

// bandForZone finds the band owning the zone starting at zoneStart, for
// routing a media event to its band (spec.md §4.9).
func (r *reactor) bandForZone(zoneStart uint64) *Band {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bands {
		for i := range b.zones {
			if b.zones[i].start == zoneStart {
				return b
			}
		}
	}
	return nil
}

// RunOnce drives one iteration of the core loop: process user writes,
// process relocations into the GC band, drain media events into the
// relocator with priority, reclaim exhausted closed bands, recompute
// back-pressure, and (unless halting) keep the user/GC bands topped up and
// consider starting a new defrag (spec.md §4.11). It never blocks; busy
// reports whether any forward progress was made, for the caller's idle
// backoff policy.
func (r *reactor) RunOnce(ctx context.Context) (busy bool, err error) {
	if err := r.ensureBandsOpen(ctx); err != nil {
		return false, err
	}

	r.mu.Lock()
	userBand, userWP, userChans := r.userBand, r.userWP, append([]*writeBuffer(nil), r.userChans...)
	r.mu.Unlock()

	if userWP != nil {
		n, werr := userWP.processWrites(ctx, userChans, r.l2p)
		if werr != nil {
			return busy, werr
		}
		if n > 0 {
			busy = true
			r.stats.userWrites.Add(uint64(n))
		}
		if userBand.State() == BandFull {
			closed, cerr := r.closeBand(ctx, userBand, userChans)
			if cerr != nil {
				return busy, cerr
			}
			if closed {
				r.mu.Lock()
				r.userBand, r.userWP = nil, nil
				r.mu.Unlock()
			}
		}
	}

	r.mu.Lock()
	gcBand, gcWP, gcCh := r.gcBand, r.gcWP, r.gcCh
	r.mu.Unlock()

	if gcBand != nil && gcWP != nil {
		n, rerr := r.reloc.ProcessRelocs(ctx, gcBand, gcCh, gcWP)
		if rerr != nil {
			return busy, rerr
		}
		if n > 0 {
			busy = true
			r.stats.relocatedBlocks.Add(uint64(n))
			r.stats.internalWrites.Add(uint64(n))
		}
		if gcBand.State() == BandFull {
			closed, cerr := r.closeBand(ctx, gcBand, []*writeBuffer{gcCh})
			if cerr != nil {
				return busy, cerr
			}
			if closed {
				r.mu.Lock()
				r.gcBand, r.gcWP = nil, nil
				r.mu.Unlock()
			}
		}
	}

	events, eerr := r.dev.GetMediaEvents(ctx)
	if eerr != nil {
		return busy, eerr
	}
	for _, ev := range events {
		if b := r.bandForZone(ev.Zone); b != nil && b.State() == BandClosed {
			r.reloc.AddPriority(b)
			busy = true
		}
	}

	r.reclaimEligible()
	r.applyBackPressure()

	r.mu.Lock()
	halting := r.halting
	r.mu.Unlock()
	if !halting {
		if err := r.ensureBandsOpen(ctx); err != nil {
			return busy, err
		}
		r.maybeSelectDefrag()
	}

	return busy, nil
}
