// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zoneftl/ftl/addr"
	"github.com/zoneftl/ftl/bdev"
)

// pendingBatch is a claimed-but-not-yet-durable run of band offsets,
// requeued after an EAGAIN from the device (spec.md §4.8 step 1: "drain
// pending_queue by resubmitting any child writes that got EAGAIN").
type pendingBatch struct {
	offset  uint64
	entries []*wbufEntry // nil entries mark padding (no user data, just a skip)
}

// writePointer tracks the band currently being written (spec.md §4.8).
// Exactly one exists per OPEN band.
type writePointer struct {
	band *Band
	dev  bdev.ZonedDevice
	geom addr.Geometry

	mu      sync.Mutex
	pending []pendingBatch
	flush   bool
	halting bool
}

func newWritePointer(band *Band, dev bdev.ZonedDevice, geom addr.Geometry) *writePointer {
	return &writePointer{band: band, dev: dev, geom: geom}
}

// requestFlush asks the next processWrites call to pad the band's
// remaining write-buffer slack so outstanding user writes reach the
// device even without a full batch (spec.md §4.8 step 4).
func (wp *writePointer) requestFlush() {
	wp.mu.Lock()
	wp.flush = true
	wp.mu.Unlock()
}

// requestHalt begins the closing protocol: from then on every short batch
// is padded out, so the band fills and can close. Entries already on the
// submit rings are still written.
func (wp *writePointer) requestHalt() {
	wp.mu.Lock()
	wp.halting = true
	wp.mu.Unlock()
}

// ready reports the write-pointer readiness predicate (spec.md §4.8):
// the current zone is writable and the band is OPEN.
func (wp *writePointer) ready() bool {
	if wp.band.State() != BandOpen {
		return false
	}
	return wp.currentZone().writable()
}

// currentZone returns the zone the next write would target.
func (wp *writePointer) currentZone() *zone {
	off := wp.band.peekOffset()
	a := wp.band.dataAddr(off)
	punit := wp.geom.ParallelUnit(a)
	return &wp.band.zones[punit]
}

// processWrites runs one iteration of the write pointer's protocol
// (spec.md §4.8). It returns the number of blocks written to the
// device this call.
func (wp *writePointer) processWrites(ctx context.Context, chans []*writeBuffer, l2p *L2P) (int, error) {
	if n, err := wp.drainPending(ctx, l2p); n != 0 || err != nil {
		return n, err
	}

	if !wp.ready() {
		if z := wp.currentZone(); z.state == bdev.ZoneOffline {
			// Erase failed late; skip the offline zone's stripe and
			// retry on the next iteration (spec.md §4.8).
			wp.band.nextWriteOffset(wp.geom.XferSize)
		}
		return 0, nil
	}

	remaining := wp.band.remaining()
	if remaining == 0 {
		wp.band.markFull()
		return 0, nil
	}

	n := wp.geom.XferSize
	if n > remaining {
		n = remaining
	}

	batch := popBatch(chans, n)
	wp.mu.Lock()
	flushing, halting := wp.flush, wp.halting
	wp.mu.Unlock()

	if uint64(len(batch)) < n {
		if !flushing && !halting {
			// Not enough real data yet, and nobody is forcing a flush:
			// leave the entries where they are and wait.
			returnBatch(batch)
			return 0, nil
		}
		// Pad the remainder so the band can be flushed/closed.
		for uint64(len(batch)) < n {
			batch = append(batch, nil)
		}
	}

	return wp.writeBatch(ctx, batch, l2p)
}

// writeBatch claims offset space for the batch and issues a single
// device write spanning it (spec.md §4.8 steps 5-8).
func (wp *writePointer) writeBatch(ctx context.Context, batch []*wbufEntry, l2p *L2P) (int, error) {
	offset, ok := wp.band.nextWriteOffset(uint64(len(batch)))
	if !ok {
		returnBatch(batch) // can't happen: caller already checked remaining()
		return 0, fmt.Errorf("%w: band has insufficient space for batch", EINVAL)
	}

	start := wp.band.dataAddr(offset)
	punit := wp.geom.ParallelUnit(start)
	z := &wp.band.zones[punit]

	iov := make([][]byte, len(batch))
	for i, e := range batch {
		if e == nil {
			iov[i] = make([]byte, blockSizeOf(wp.dev)) // padding block
			continue
		}
		e.mu.Lock()
		iov[i] = append([]byte(nil), e.payload...)
		e.mu.Unlock()
	}

	z.busy = true
	var err error
	if wp.dev.SupportsAppend() {
		_, err = wp.dev.ZoneAppendv(ctx, z.start, iov)
	} else {
		err = wp.dev.WritevBlocks(ctx, start.Block(), iov)
	}

	if errors.Is(err, EAGAIN) {
		wp.mu.Lock()
		wp.pending = append(wp.pending, pendingBatch{offset: offset, entries: batch})
		wp.mu.Unlock()
		return 0, nil
	}
	if err != nil {
		wp.mu.Lock()
		wp.pending = append(wp.pending, pendingBatch{offset: offset, entries: batch})
		wp.mu.Unlock()
		return 0, fmt.Errorf("%w: band %d write", err, wp.band.id)
	}

	z.busy = false
	z.advance(uint64(len(batch)))
	wp.completeBatch(offset, batch, l2p)
	return len(batch), nil
}

// completeBatch implements spec.md §4.8 step 8: for each real (non-pad)
// entry, if L2P still names this entry's cache slot, mark the block
// valid in the band and record its LBA, then hand the entry back to its
// channel.
func (wp *writePointer) completeBatch(offset uint64, batch []*wbufEntry, l2p *L2P) {
	for i, e := range batch {
		if e == nil {
			continue
		}
		blockOffset := offset + uint64(i)
		persistent := wp.band.dataAddr(blockOffset)

		e.mu.Lock()
		lba := e.lba
		e.mu.Unlock()

		if l2p.Get(lba) == e.cacheAddr() {
			wp.band.setValid(blockOffset, lba)
		}
		e.owner.complete(e, persistent)

		e.mu.Lock()
		done := e.done
		e.done = nil
		e.mu.Unlock()

		e.owner.release(e)
		if done != nil {
			done(nil)
		}
	}

	wp.mu.Lock()
	wp.flush = false
	wp.mu.Unlock()
}

// drainPending resubmits batches that previously got EAGAIN (spec.md
// §4.8 step 1).
func (wp *writePointer) drainPending(ctx context.Context, l2p *L2P) (int, error) {
	wp.mu.Lock()
	if len(wp.pending) == 0 {
		wp.mu.Unlock()
		return 0, nil
	}
	next := wp.pending[0]
	wp.pending = wp.pending[1:]
	wp.mu.Unlock()

	start := wp.band.dataAddr(next.offset)
	punit := wp.geom.ParallelUnit(start)
	z := &wp.band.zones[punit]
	if !z.writable() {
		wp.mu.Lock()
		wp.pending = append([]pendingBatch{next}, wp.pending...)
		wp.mu.Unlock()
		return 0, nil
	}

	iov := make([][]byte, len(next.entries))
	for i, e := range next.entries {
		if e == nil {
			iov[i] = make([]byte, blockSizeOf(wp.dev))
			continue
		}
		e.mu.Lock()
		iov[i] = append([]byte(nil), e.payload...)
		e.mu.Unlock()
	}

	z.busy = true
	var err error
	if wp.dev.SupportsAppend() {
		_, err = wp.dev.ZoneAppendv(ctx, z.start, iov)
	} else {
		err = wp.dev.WritevBlocks(ctx, start.Block(), iov)
	}
	if errors.Is(err, EAGAIN) {
		wp.mu.Lock()
		wp.pending = append([]pendingBatch{next}, wp.pending...)
		wp.mu.Unlock()
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: band %d retry write", err, wp.band.id)
	}

	z.busy = false
	z.advance(uint64(len(next.entries)))
	wp.completeBatch(next.offset, next.entries, l2p)
	return len(next.entries), nil
}

func blockSizeOf(dev bdev.ZonedDevice) uint32 { return dev.BlockSize() }

// popBatch drains up to n entries round-robin across chans.
func popBatch(chans []*writeBuffer, n uint64) []*wbufEntry {
	batch := make([]*wbufEntry, 0, n)
	for uint64(len(batch)) < n {
		progressed := false
		for _, ch := range chans {
			if uint64(len(batch)) >= n {
				break
			}
			if e, ok := ch.popSubmit(); ok {
				batch = append(batch, e)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return batch
}

// returnBatch pushes entries back onto their owning channel's submit
// ring head, used when a gathered batch turns out not to be usable yet.
func returnBatch(batch []*wbufEntry) {
	for i := len(batch) - 1; i >= 0; i-- {
		e := batch[i]
		e.owner.mu.Lock()
		e.owner.submit = append([]uint32{e.index}, e.owner.submit...)
		e.owner.mu.Unlock()
	}
}
