// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package addr implements the FTL physical address space: base (on-disk
// block offset) and cached (write-buffer slot) addresses, and the striping
// arithmetic used to advance a write pointer across a band's parallel
// units.
//
// The base address space is laid out band-major: band b occupies the
// absolute block range [b*BlocksPerBand, (b+1)*BlocksPerBand), and within
// that range each parallel unit (zone) occupies a further contiguous
// ZoneSize-sized sub-range. The *logical* write order within a band,
// however, stripes XferSize-sized chunks round-robin across parallel units;
// FromBlockOffset/ToBlockOffset convert between that logical band-relative
// offset and the physical address.
package addr

import "math/bits"

// Addr is a 64-bit physical address. The top bit distinguishes a cached
// write-buffer slot from a base on-disk block offset; the all-ones value is
// the Invalid sentinel ("no mapping").
type Addr uint64

const cachedBit = Addr(1) << 63

// nvCacheBit marks an address as referring to a block in the optional
// NV-cache device's own data region, rather than the zoned base device.
// It is independent of cachedBit: an NV-cache address is persistent
// (survives a restart), unlike a write-buffer slot.
const nvCacheBit = Addr(1) << 62

// Invalid denotes "no mapping" for both LBA and physical address contexts.
const Invalid Addr = ^Addr(0)

// Base constructs a base-form address from a block offset on the zoned
// device. The offset must fit in 62 bits; callers only ever pass block
// counts, so this is not a realistic overflow in practice.
func Base(blockOffset uint64) Addr {
	return Addr(blockOffset)
}

// Cached constructs a cached-form address referring to write-buffer entry
// entryIndex on channel channelIndex.
func Cached(channelIndex, entryIndex uint32) Addr {
	return cachedBit | Addr(channelIndex)<<32 | Addr(entryIndex)
}

// NVCache constructs an address referring to block offset blockOffset in
// the NV-cache device's data region (relative to the cache's own data
// region, not the zoned base device - see the cache device's header
// block, which occupies its block 0).
func NVCache(blockOffset uint64) Addr {
	return nvCacheBit | Addr(blockOffset)
}

// IsValid reports whether a is not the Invalid sentinel.
func (a Addr) IsValid() bool { return a != Invalid }

// IsCached reports whether a refers to a write-buffer entry rather than an
// on-disk block.
func (a Addr) IsCached() bool { return a != Invalid && a&cachedBit != 0 }

// IsNVCache reports whether a refers to an NV-cache-resident block rather
// than the zoned base device or a write-buffer slot.
func (a Addr) IsNVCache() bool { return a != Invalid && a&cachedBit == 0 && a&nvCacheBit != 0 }

// ChannelIndex returns the channel component of a cached address. Panics if
// a is not a cached address; callers must check IsCached first.
func (a Addr) ChannelIndex() uint32 {
	if !a.IsCached() {
		panic("addr: ChannelIndex of non-cached address")
	}
	return uint32((a &^ cachedBit) >> 32)
}

// EntryIndex returns the entry-slot component of a cached address. Panics if
// a is not a cached address.
func (a Addr) EntryIndex() uint32 {
	if !a.IsCached() {
		panic("addr: EntryIndex of non-cached address")
	}
	return uint32(a)
}

// Block returns the block offset of a base-form address. Panics if a is
// cached, NV-cache-resident, or invalid.
func (a Addr) Block() uint64 {
	if a == Invalid {
		panic("addr: Block of invalid address")
	}
	if a.IsCached() {
		panic("addr: Block of cached address")
	}
	if a.IsNVCache() {
		panic("addr: Block of nv-cache address")
	}
	return uint64(a)
}

// NVCacheOffset returns the block offset of an NV-cache address, relative
// to the cache device's data region. Panics if a is not an NV-cache
// address.
func (a Addr) NVCacheOffset() uint64 {
	if !a.IsNVCache() {
		panic("addr: NVCacheOffset of non-nv-cache address")
	}
	return uint64(a &^ nvCacheBit)
}

// Geometry captures the device layout constants needed for address
// arithmetic: zone size, parallel-unit count, and band layout. ZoneSize is
// typically a power of two, in which case the shift field is used instead
// of division on the hot path; the division path is correct either way.
type Geometry struct {
	ZoneSize      uint64 // blocks per zone
	NumPunits     uint64 // parallel units (zones) per band
	BlocksPerBand uint64 // NumPunits * ZoneSize
	XferSize      uint64 // blocks per stripe chunk
	zoneSizeShift uint   // 0 if ZoneSize is not a power of two
}

// NewGeometry builds a Geometry, precomputing the zone-size shift where
// possible so ParallelUnit/ZoneOffset avoid integer division on the hot
// path.
func NewGeometry(zoneSize, numPunits, xferSize uint64) Geometry {
	g := Geometry{
		ZoneSize:      zoneSize,
		NumPunits:     numPunits,
		BlocksPerBand: zoneSize * numPunits,
		XferSize:      xferSize,
	}
	if isPow2(zoneSize) {
		g.zoneSizeShift = uint(bits.TrailingZeros64(zoneSize))
	}
	return g
}

func isPow2(v uint64) bool { return v != 0 && v&(v-1) == 0 }

// BandOf returns the id of the band containing base address a.
func (g Geometry) BandOf(a Addr) uint64 {
	return a.Block() / g.BlocksPerBand
}

// withinBand returns a's offset relative to the start of its own band.
func (g Geometry) withinBand(a Addr) uint64 {
	return a.Block() % g.BlocksPerBand
}

// ParallelUnit returns the parallel-unit (zone) index within a's band.
func (g Geometry) ParallelUnit(a Addr) uint64 {
	wb := g.withinBand(a)
	if g.zoneSizeShift != 0 {
		return wb >> g.zoneSizeShift
	}
	return wb / g.ZoneSize
}

// ZoneOffset returns the offset of a within its own zone (0..ZoneSize).
func (g Geometry) ZoneOffset(a Addr) uint64 {
	if g.zoneSizeShift != 0 {
		return a.Block() & (g.ZoneSize - 1)
	}
	return a.Block() % g.ZoneSize
}

// FromBlockOffset maps a band-relative *logical* write offset (0..
// BlocksPerBand, assigned round-robin across parallel units in XferSize
// chunks) to an absolute base address within band bandID.
func (g Geometry) FromBlockOffset(bandID uint64, off uint64) Addr {
	chunk := off / g.XferSize
	within := off % g.XferSize
	punit := chunk % g.NumPunits
	chunkInZone := chunk / g.NumPunits
	zoneOff := chunkInZone*g.XferSize + within
	return Base(bandID*g.BlocksPerBand + punit*g.ZoneSize + zoneOff)
}

// ToBlockOffset is the inverse of FromBlockOffset: given an absolute base
// address known to lie within bandID, returns its band-relative logical
// write offset.
func (g Geometry) ToBlockOffset(bandID uint64, a Addr) uint64 {
	punit := g.ParallelUnit(a)
	zoneOff := g.ZoneOffset(a)
	chunkInZone := zoneOff / g.XferSize
	within := zoneOff % g.XferSize
	chunk := chunkInZone*g.NumPunits + punit
	return chunk*g.XferSize + within
}

// NextXfer advances addr by n blocks (n is normally XferSize) in logical
// write order, following the striping rule and skipping zones marked
// offline. offline(punit) reports whether the zone at parallel-unit index
// punit has failed and must be skipped; it may be nil. Returns Invalid once
// the advance runs past the band's last block.
func (g Geometry) NextXfer(bandID uint64, cur Addr, n uint64, offline func(punit uint64) bool) Addr {
	next := g.ToBlockOffset(bandID, cur) + n
	for {
		if next >= g.BlocksPerBand {
			return Invalid
		}
		punit := (next / g.XferSize) % g.NumPunits
		if offline == nil || !offline(punit) {
			return g.FromBlockOffset(bandID, next)
		}
		next += g.XferSize
	}
}
