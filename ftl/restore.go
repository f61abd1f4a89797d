// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/zoneftl/ftl/addr"
	"github.com/zoneftl/ftl/bdev"
)

// bootstrap is the result of either formatting or restoring a device: the
// full band table plus the free/shut pools the reactor starts from, and
// the L2P it has already reconstructed (spec.md §4.12).
type bootstrap struct {
	deviceUUID uuid.UUID
	geom       addr.Geometry
	numBands   uint64

	headMDBlocks uint64
	tailMDBlocks uint64

	bands    map[uint64]*Band
	free     []*Band
	shut     []*Band
	closedAt map[uint64]time.Time
	seq      uint64

	l2p *L2P

	nvCache *NVCache
}

// numUsableLBAs computes num_lbas from the device's formatted capacity
// minus the configured reserve, the same formula used at format time and
// re-derived at restore time rather than persisted (spec.md §6.1
// reserve_pct, §6.3: num_lbas is not itself part of the on-disk layout).
func numUsableLBAs(geom addr.Geometry, numBands, headMDBlocks, tailMDBlocks uint64, reservePct uint32) uint64 {
	usablePerBand := geom.BlocksPerBand - headMDBlocks - tailMDBlocks
	total := usablePerBand * numBands
	reserved := total * uint64(reservePct) / 100
	return total - reserved
}

// bandZones slices dev's zones into numPunits-wide, band-major groups
// (addr.go's package doc: "band b occupies ... each parallel unit occupies
// a further contiguous ZoneSize-sized sub-range").
func bandZones(dev bdev.ZonedDevice, geom addr.Geometry, bandID uint64) []zone {
	zones := make([]zone, geom.NumPunits)
	for p := uint64(0); p < geom.NumPunits; p++ {
		start := bandID*geom.NumPunits*geom.ZoneSize + p*geom.ZoneSize
		zones[p] = zone{punit: p, start: start, capacity: geom.ZoneSize, wp: start, state: bdev.ZoneEmpty}
	}
	return zones
}

// formatDevice implements the CREATE path of spec.md §4.12: a brand-new
// UUID, every band FREE, a zeroed L2P (all entries addr.Invalid, which
// NewL2P already establishes), and - if a cache device is present - a
// freshly scrubbed NV-cache with a phase-1 header.
func formatDevice(ctx context.Context, dev bdev.ZonedDevice, cache bdev.CacheDevice, geom addr.Geometry, headMDBlocks, tailMDBlocks uint64, knobs ConfigKnobs) (*bootstrap, error) {
	numBands := dev.NumZones() / geom.NumPunits
	if numBands == 0 {
		return nil, fmt.Errorf("%w: device has fewer zones than parallel units", EINVAL)
	}

	b := &bootstrap{
		deviceUUID:   uuid.New(),
		geom:         geom,
		numBands:     numBands,
		headMDBlocks: headMDBlocks,
		tailMDBlocks: tailMDBlocks,
		bands:        make(map[uint64]*Band, numBands),
		closedAt:     make(map[uint64]time.Time),
	}
	for id := uint64(0); id < numBands; id++ {
		band := newBand(id, geom, bandZones(dev, geom, id), headMDBlocks, tailMDBlocks)
		b.bands[id] = band
		b.free = append(b.free, band)
	}
	b.l2p = NewL2P(numUsableLBAs(geom, numBands, headMDBlocks, tailMDBlocks, knobs.ReservePct))

	if cache != nil {
		if err := scrubNVCache(ctx, cache, b.deviceUUID); err != nil {
			return nil, err
		}
		nv, err := NewNVCache(cache, b.deviceUUID)
		if err != nil {
			return nil, err
		}
		b.nvCache = nv
	}
	return b, nil
}

// scrubNVCache zeroes the cache device's data region and writes a fresh
// phase-1 header, per spec.md §4.7's format path.
func scrubNVCache(ctx context.Context, cache bdev.CacheDevice, deviceUUID uuid.UUID) error {
	if err := cache.WriteZeroesBlocks(ctx, 1, cache.GetNumBlocks()-1); err != nil {
		return fmt.Errorf("%w: scrub nv-cache", err)
	}
	hdr := encodeNVCacheHeader(nvCacheHeader{uuid: deviceUUID, phase: 1, size: cache.GetNumBlocks() - 1, currentAddr: 0}, cache.GetBlockSize())
	if err := cache.WriteBlocksWithMD(ctx, 0, hdr, nil); err != nil {
		return fmt.Errorf("%w: write nv-cache header", err)
	}
	return nil
}

// restoreDevice implements the non-CREATE path of spec.md §4.12.
//
//  1. Read every band's head metadata; accept ones that parse, reject
//     duplicates of the close sequence number carried by the tail record.
//  2. Sort by ascending seq; allocate the L2P from num_lbas.
//  3. For each non-offline, non-empty band in ascending seq order, read
//     its tail metadata and walk lba_map, installing each mapping into
//     L2P and the band's valid_map, invalidating whatever a given LBA
//     used to point at first.
//  4. Replay the NV-cache, if present, using per-block (lba, phase).
//  5. Bands with num_vld == 0 go to the free pool, the rest to shut.
func restoreDevice(ctx context.Context, dev bdev.ZonedDevice, cache bdev.CacheDevice, deviceUUID uuid.UUID, geom addr.Geometry, headMDBlocks, tailMDBlocks uint64, knobs ConfigKnobs) (*bootstrap, error) {
	numBands := dev.NumZones() / geom.NumPunits
	if numBands == 0 {
		return nil, fmt.Errorf("%w: device has fewer zones than parallel units", EINVAL)
	}

	type headResult struct {
		hdr  bandHeader
		open bool // head parsed but tail did not: band never closed
	}

	headBuf := make([]byte, headMDBlocks*uint64(dev.BlockSize()))
	seen := make(map[uint64]bool)
	var results []headResult

	for id := uint64(0); id < numBands; id++ {
		band := newBand(id, geom, bandZones(dev, geom, id), headMDBlocks, tailMDBlocks)

		if err := dev.ReadBlocks(ctx, band.headAddr().Block(), headBuf); err != nil {
			return nil, fmt.Errorf("%w: read head metadata band %d", EIO, id)
		}
		hdr, err := decodeHeadRecord(headBuf, deviceUUID)
		if err != nil {
			// No parseable head record: this band was never opened, or
			// belongs to a different device entirely. Either way it
			// starts FREE.
			continue
		}
		if hdr.bandID != id {
			return nil, fmt.Errorf("%w: band %d head record names band %d", InvalidSize, id, hdr.bandID)
		}

		tailLen := headerSize + 8*int(band.usableBlocks) + 4
		tailBuf := make([]byte, tailLen)
		if err := dev.ReadBlocks(ctx, band.tailAddr().Block(), tailBuf); err != nil {
			return nil, fmt.Errorf("%w: read tail metadata band %d", EIO, id)
		}
		thdr, _, terr := decodeTailRecord(tailBuf, deviceUUID, band.usableBlocks)
		if terr != nil {
			// Head parsed, tail didn't: the band was opened but never
			// closed before the device went away.
			results = append(results, headResult{hdr: hdr, open: true})
			continue
		}
		// The head record is written at open, before the band has a close
		// sequence number; the tail record carries it.
		hdr.seq = thdr.seq
		if seen[hdr.seq] {
			return nil, fmt.Errorf("%w: duplicate seq %d (band %d)", InvalidSize, hdr.seq, id)
		}
		seen[hdr.seq] = true
		results = append(results, headResult{hdr: hdr})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].hdr.seq < results[j].hdr.seq })

	b := &bootstrap{
		deviceUUID:   deviceUUID,
		geom:         geom,
		numBands:     numBands,
		headMDBlocks: headMDBlocks,
		tailMDBlocks: tailMDBlocks,
		bands:        make(map[uint64]*Band, numBands),
		closedAt:     make(map[uint64]time.Time),
	}
	for id := uint64(0); id < numBands; id++ {
		b.bands[id] = newBand(id, geom, bandZones(dev, geom, id), headMDBlocks, tailMDBlocks)
	}
	b.l2p = NewL2P(numUsableLBAs(geom, numBands, headMDBlocks, tailMDBlocks, knobs.ReservePct))

	closedCount := uint64(0)
	for _, res := range results {
		band := b.bands[res.hdr.bandID]

		if res.open {
			// spec.md §9's resolved open question: without a per-chunk
			// guard checksum recorded alongside each write-pointer batch
			// (this on-disk format doesn't carry one, see DESIGN.md),
			// there is no way to tell how much of an unclosed band's
			// data is intact. Both AllowOpenBands settings therefore
			// treat such a band the same way operationally - it rejoins
			// the free pool and its zones get re-erased the next time
			// it is opened - differing only in whether the caller is
			// told about the data loss.
			if !knobs.AllowOpenBands {
				return nil, fmt.Errorf("%w: band %d was open at shutdown (allow_open_bands=false)", NoMD, res.hdr.bandID)
			}
			b.free = append(b.free, band)
			continue
		}

		band.beginPrep()
		band.prepDone()
		band.markOpen(BandCompaction)
		band.mu.Lock()
		band.writeCount = res.hdr.writeCount
		band.mu.Unlock()

		tailLen := headerSize + 8*int(band.usableBlocks) + 4
		tailBuf := make([]byte, tailLen)
		if err := dev.ReadBlocks(ctx, band.tailAddr().Block(), tailBuf); err != nil {
			return nil, fmt.Errorf("%w: re-read tail metadata band %d", EIO, band.id)
		}
		_, lbaMap, err := decodeTailRecord(tailBuf, deviceUUID, band.usableBlocks)
		if err != nil {
			return nil, fmt.Errorf("%w: re-decode tail metadata band %d", EIO, band.id)
		}

		for offset, lba := range lbaMap {
			if lba == LBAInvalid {
				continue
			}
			if lba >= b.l2p.Len() {
				return nil, fmt.Errorf("%w: band %d lba_map[%d]=%d out of range", InvalidSize, band.id, offset, lba)
			}
			if old := b.l2p.Get(lba); old.IsValid() && !old.IsCached() {
				if oldBand, oldOffset, ok := bandForAddr(b.bands, geom, old); ok {
					oldBand.invalidate(oldOffset)
				}
			}
			b.l2p.Set(lba, band.dataAddr(uint64(offset)))
			band.setValid(uint64(offset), lba)
		}

		band.markFull()
		band.beginClose(res.hdr.seq)
		band.markClosed(band.tailAddr(), crc32c(tailBuf[:tailLen-4]))
		if res.hdr.seq >= b.seq {
			b.seq = res.hdr.seq + 1
		}
		closedCount++
	}

	for id := uint64(0); id < numBands; id++ {
		band := b.bands[id]
		switch band.State() {
		case BandClosed:
			if band.NumValid() == 0 {
				if err := band.reclaim(); err != nil {
					return nil, err
				}
				b.free = append(b.free, band)
			} else {
				b.closedAt[id] = time.Now()
				b.shut = append(b.shut, band)
			}
		case BandFree:
			b.free = append(b.free, band)
		}
	}

	if cache != nil {
		nv, err := restoreNVCache(ctx, cache, deviceUUID, b.l2p, b.bands, geom)
		if err != nil {
			return nil, err
		}
		b.nvCache = nv
	}

	return b, nil
}

// bandForAddr resolves a base address to its owning band and band-relative
// data offset. Restore keeps its own copy rather than relocBandTable
// because the reactor (and the relocBandTable it owns) doesn't exist yet
// at this point in bootstrap.
func bandForAddr(bands map[uint64]*Band, geom addr.Geometry, a addr.Addr) (*Band, uint64, bool) {
	band, ok := bands[geom.BandOf(a)]
	if !ok {
		return nil, 0, false
	}
	offset, ok := band.offsetOfAddr(a)
	if !ok {
		return nil, 0, false
	}
	return band, offset, true
}

// restoreNVCache implements spec.md §4.7/§4.12 step 4: read the cache's
// header to learn the live phase, then scan every data block and replay
// (lba, phase) entries matching that phase, since they record writes that
// may be newer than what made it to the base device before the last
// shutdown. Entries tagged with a stale phase are leftovers from an
// earlier pass around the ring and are ignored.
func restoreNVCache(ctx context.Context, cache bdev.CacheDevice, deviceUUID uuid.UUID, l2p *L2P, bands map[uint64]*Band, geom addr.Geometry) (*NVCache, error) {
	hdrBuf := make([]byte, nvCacheHeaderSize)
	if err := cache.ReadBlocksWithMD(ctx, 0, hdrBuf, nil); err != nil {
		return nil, fmt.Errorf("%w: read nv-cache header", EIO)
	}
	hdr, err := decodeNVCacheHeader(hdrBuf, deviceUUID)
	if err != nil {
		// No usable header: start fresh rather than fail restore outright,
		// since the NV-cache is a pure write-back accelerator (spec.md
		// §4.7) - losing it loses nothing the base device doesn't already
		// have a durable copy of.
		return NewNVCache(cache, deviceUUID)
	}

	numBlocks := cache.GetNumBlocks() - 1
	data := make([]byte, cache.GetBlockSize())
	md := make([]byte, cache.GetMDSize())
	for i := uint64(0); i < numBlocks; i++ {
		if err := cache.ReadBlocksWithMD(ctx, 1+i, data, [][]byte{md}); err != nil {
			return nil, fmt.Errorf("%w: read nv-cache block %d", EIO, i)
		}
		lba, phase := parseBlockMD(md)
		if phase != hdr.phase {
			continue
		}
		if lba >= l2p.Len() {
			continue
		}
		if old := l2p.Get(lba); old.IsValid() && !old.IsCached() && !old.IsNVCache() {
			if oldBand, oldOffset, ok := bandForAddr(bands, geom, old); ok {
				oldBand.invalidate(oldOffset)
			}
		}
		// Cache-resident entries have no owning band; Reader.readNVCache
		// services them directly against the cache device. They are not
		// reclaimed by the relocator - that's fine, since the cache ring
		// wraps over them on its own once every slot has been granted
		// and rewritten a full cycle (nvcache.go's reserve/wrapDone).
		l2p.Set(lba, addr.NVCache(i))
	}

	// hdr.currentAddr is LBAInvalid when the last shutdown wasn't clean
	// (nvcache.go's header doc); the exact cursor position is then
	// unknowable, so start the next pass fresh rather than risk granting
	// blocks the crashed writer already claimed.
	cur, available := hdr.currentAddr, numBlocks
	phase := hdr.phase
	if cur == LBAInvalid || cur >= numBlocks {
		cur, available, phase = 0, numBlocks, nextPhase(hdr.phase)
	} else {
		available = numBlocks - cur
	}
	n := &NVCache{dev: cache, deviceID: deviceUUID, numBlocks: numBlocks, currentAddr: cur, numAvailable: available, phase: phase, ready: true}
	return n, nil
}
