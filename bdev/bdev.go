// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bdev declares the contracts the FTL consumes from the underlying
// zoned block device and the optional byte-addressable cache device. Only
// the operations and zone-info shape are declared here; the device drivers
// themselves (PCIe enumeration, SCSI/iSCSI/RDMA transports, the generic
// I/O-channel plumbing) are out of scope (spec.md §1) and live outside this
// module. memdev provides an in-memory reference implementation of both
// interfaces for tests.
package bdev

import "context"

// ZoneState mirrors the state of a single zone on the base device.
type ZoneState int

const (
	ZoneEmpty ZoneState = iota
	ZoneOpen
	ZoneFull
	ZoneClosed
	ZoneReadOnly
	ZoneOffline
)

func (s ZoneState) String() string {
	switch s {
	case ZoneEmpty:
		return "EMPTY"
	case ZoneOpen:
		return "OPEN"
	case ZoneFull:
		return "FULL"
	case ZoneClosed:
		return "CLOSED"
	case ZoneReadOnly:
		return "READ_ONLY"
	case ZoneOffline:
		return "OFFLINE"
	default:
		return "UNKNOWN"
	}
}

// ZoneInfo mirrors a single zone as reported by the base device.
type ZoneInfo struct {
	Start    uint64 // first block of the zone
	Capacity uint64 // usable blocks, <= zone size
	WP       uint64 // current write pointer, absolute block offset
	State    ZoneState
}

// MediaEvent reports an asynchronous media-error notification (e.g. a block
// range the device has found to be failing) that the relocator should
// evacuate with priority.
type MediaEvent struct {
	Zone  uint64
	Start uint64
	Count uint64
}

// ZonedDevice is the subset of the base (zoned) block device's operations
// the FTL consumes (spec.md §6.2). Every method is asynchronous in the
// SPDK original; here they are synchronous from the caller's perspective
// but accept a context for cancellation, matching the teacher's use of
// context.Context on blocking operations (nodefs/api.go's Operations
// interface threads ctx through every call).
type ZonedDevice interface {
	// BlockSize returns the device's logical block size in bytes.
	BlockSize() uint32
	// NumBlocks returns the total addressable blocks on the device.
	NumBlocks() uint64
	// ZoneSize returns the number of blocks per zone.
	ZoneSize() uint64
	// NumZones returns the number of zones on the device.
	NumZones() uint64
	// SupportsAppend reports whether ZoneAppendv is available; if false,
	// the write pointer must track offsets itself and use WritevBlocks.
	SupportsAppend() bool

	// GetZoneInfo returns info for the zone starting at zoneStart.
	GetZoneInfo(ctx context.Context, zoneStart uint64) (ZoneInfo, error)
	// ZoneManagementReset resets (erases) the zone starting at zoneStart.
	ZoneManagementReset(ctx context.Context, zoneStart uint64) error

	// WriteBlocks writes a single contiguous buffer at the given offset.
	WriteBlocks(ctx context.Context, offset uint64, data []byte) error
	// WritevBlocks writes a vector of buffers starting at offset.
	WritevBlocks(ctx context.Context, offset uint64, iov [][]byte) error
	// ZoneAppendv appends a vector of buffers to the zone starting at
	// zoneStart, returning the block offset the data actually landed at.
	ZoneAppendv(ctx context.Context, zoneStart uint64, iov [][]byte) (uint64, error)
	// ReadBlocks reads into dst starting at offset.
	ReadBlocks(ctx context.Context, offset uint64, dst []byte) error

	// GetMediaEvents drains pending asynchronous media-error
	// notifications, returning every one queued since the last call.
	GetMediaEvents(ctx context.Context) ([]MediaEvent, error)
}

// CacheDevice is the subset of the optional NV-cache device's operations
// the FTL consumes (spec.md §6.2). Per-block metadata is always a separate
// region from the data, at least 8 bytes, so (lba, phase) can be packed
// into it.
type CacheDevice interface {
	GetBlockSize() uint32
	GetNumBlocks() uint64
	// GetMDSize returns the per-block metadata size in bytes; must be >= 8.
	GetMDSize() uint32

	// WriteBlocksWithMD writes a single buffer plus per-block metadata at
	// offset.
	WriteBlocksWithMD(ctx context.Context, offset uint64, data []byte, md [][]byte) error
	// WritevBlocksWithMD writes a vector of buffers plus per-block
	// metadata at offset.
	WritevBlocksWithMD(ctx context.Context, offset uint64, iov [][]byte, md [][]byte) error
	// WriteZeroesBlocks writes count zeroed blocks at offset (used to
	// scrub the cache on create).
	WriteZeroesBlocks(ctx context.Context, offset uint64, count uint64) error
	// ReadBlocksWithMD reads data and per-block metadata starting at
	// offset.
	ReadBlocksWithMD(ctx context.Context, offset uint64, dst []byte, md [][]byte) error
}
