// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/zoneftl/ftl/bdev"
)

// Mode is a bitmask of device-open modes (spec.md §6.1).
type Mode uint32

const (
	// ModeCreate selects format (vs. restore) on Create.
	ModeCreate Mode = 1 << iota
)

// Limit is one entry of the back-pressure schedule (spec.md §4.11, §6.1):
// when the number of free bands is at or below Threshold, AllowedPct of the
// per-channel write buffer's entries may be used for user I/O.
type Limit struct {
	Threshold  uint64
	AllowedPct uint32
}

// BackPressureLevel names the four ordered back-pressure limits (spec.md
// §4.11: CRIT < HIGH < LOW < START).
type BackPressureLevel int

const (
	LevelCrit BackPressureLevel = iota
	LevelHigh
	LevelLow
	LevelStart
	numBackPressureLevels
)

func (l BackPressureLevel) String() string {
	switch l {
	case LevelCrit:
		return "CRIT"
	case LevelHigh:
		return "HIGH"
	case LevelLow:
		return "LOW"
	case LevelStart:
		return "START"
	default:
		return "UNKNOWN"
	}
}

// NVCacheConfig groups the NV-cache specific knobs (spec.md §6.1).
type NVCacheConfig struct {
	MaxRequestCnt  uint32
	MaxRequestSize uint32
}

// ConfigKnobs groups the tunables listed in spec.md §6.1's opts.conf table.
// Plain struct with documented zero-value-aware defaults, following the
// teacher's nodefs.Options/fs.Options (nodefs/api.go) rather than any flag-
// parsing or config-file library — configuration parsing is explicitly out
// of scope (spec.md §1).
type ConfigKnobs struct {
	// NumPunits is the number of parallel units (zones) per band; a band is
	// NumPunits*ZoneSize blocks. Defaults to 1 if zero, though real callers
	// normally set this to match the base device's die parallelism.
	NumPunits uint64

	// XferSize is the write pointer's striping granularity, in blocks
	// (spec.md §4.8). Defaults to 4 if zero.
	XferSize uint64

	// HeadMDBlocks and TailMDBlocks size each band's head and tail
	// metadata regions, in blocks (spec.md §4.4, §6.3); both must be a
	// multiple of XferSize. Default to XferSize if zero.
	HeadMDBlocks uint64
	TailMDBlocks uint64

	// ReservePct withholds this percentage of blocks from num_lbas.
	// Must be in (0, 100). Defaults to 10 if zero.
	ReservePct uint32

	// WriteBufferSize is the per-channel write buffer capacity in bytes;
	// must be a multiple of the device block size. Defaults to 1<<20 (1
	// MiB) if zero.
	WriteBufferSize uint64

	// UserIOPoolSize is the per-channel I/O descriptor pool size.
	// Defaults to 256 if zero.
	UserIOPoolSize uint32

	// MaxIOChannels upper-bounds the number of channels; rounded up to
	// the next power of two. Defaults to 16 if zero.
	MaxIOChannels uint32

	// MaxRelocQDepth bounds outstanding child I/Os per active reloc.
	// Defaults to 8 if zero.
	MaxRelocQDepth uint32
	// MaxActiveRelocs bounds the number of concurrently active relocs.
	// Defaults to 4 if zero.
	MaxActiveRelocs uint32

	// Limits is the back-pressure schedule, indexed by BackPressureLevel.
	// If unset, DefaultLimits is used.
	Limits [numBackPressureLevels]Limit

	// InvalidThresholdPct is the merit threshold for defrag eligibility
	// (spec.md §4.10). Defaults to 20 if zero.
	InvalidThresholdPct uint32

	// BandThresholdPct is the fill percentage at which the next band is
	// pre-selected. Defaults to 90 if zero.
	BandThresholdPct uint32

	// AllowOpenBands controls whether a dirty restart accepts bands that
	// never reached CLOSED (spec.md §4.12, §9).
	AllowOpenBands bool

	// L2PPath, if set, backs the L2P table with a persistent-memory-
	// mapped file at this path instead of DRAM (spec.md §6.3).
	L2PPath string

	NVCache NVCacheConfig
}

// DefaultLimits is the back-pressure schedule used when ConfigKnobs.Limits
// is left at its zero value. Thresholds are expressed as a count of free
// bands; the percentages follow spec.md §4.11's ordering CRIT < HIGH < LOW
// < START.
var DefaultLimits = [numBackPressureLevels]Limit{
	LevelCrit:  {Threshold: 1, AllowedPct: 0},
	LevelHigh:  {Threshold: 4, AllowedPct: 20},
	LevelLow:   {Threshold: 8, AllowedPct: 50},
	LevelStart: {Threshold: 16, AllowedPct: 100},
}

func (k *ConfigKnobs) setDefaults() {
	if k.NumPunits == 0 {
		k.NumPunits = 1
	}
	if k.XferSize == 0 {
		k.XferSize = 4
	}
	if k.HeadMDBlocks == 0 {
		k.HeadMDBlocks = k.XferSize
	}
	if k.TailMDBlocks == 0 {
		k.TailMDBlocks = k.XferSize
	}
	if k.ReservePct == 0 {
		k.ReservePct = 10
	}
	if k.WriteBufferSize == 0 {
		k.WriteBufferSize = 1 << 20
	}
	if k.UserIOPoolSize == 0 {
		k.UserIOPoolSize = 256
	}
	if k.MaxIOChannels == 0 {
		k.MaxIOChannels = 16
	}
	if k.MaxIOChannels&(k.MaxIOChannels-1) != 0 {
		p := uint32(1)
		for p < k.MaxIOChannels && p < 1<<31 {
			p <<= 1
		}
		k.MaxIOChannels = p
	}
	if k.MaxRelocQDepth == 0 {
		k.MaxRelocQDepth = 8
	}
	if k.MaxActiveRelocs == 0 {
		k.MaxActiveRelocs = 4
	}
	if k.Limits == ([numBackPressureLevels]Limit{}) {
		k.Limits = DefaultLimits
	}
	if k.InvalidThresholdPct == 0 {
		k.InvalidThresholdPct = 20
	}
	if k.BandThresholdPct == 0 {
		k.BandThresholdPct = 90
	}
}

// Validate reports an EINVAL-flavored error if k's explicitly-set fields
// violate their documented contract.
func (k *ConfigKnobs) Validate(blockSize uint32) error {
	if k.ReservePct != 0 && (k.ReservePct <= 0 || k.ReservePct >= 100) {
		return fmt.Errorf("%w: reserve_pct %d out of (0,100)", EINVAL, k.ReservePct)
	}
	if k.WriteBufferSize != 0 && k.WriteBufferSize%uint64(blockSize) != 0 {
		return fmt.Errorf("%w: write_buffer_size %d not a multiple of block size %d", EINVAL, k.WriteBufferSize, blockSize)
	}
	if k.XferSize != 0 {
		if k.HeadMDBlocks != 0 && k.HeadMDBlocks%k.XferSize != 0 {
			return fmt.Errorf("%w: head_md_blocks %d not a multiple of xfer_size %d", EINVAL, k.HeadMDBlocks, k.XferSize)
		}
		if k.TailMDBlocks != 0 && k.TailMDBlocks%k.XferSize != 0 {
			return fmt.Errorf("%w: tail_md_blocks %d not a multiple of xfer_size %d", EINVAL, k.TailMDBlocks, k.XferSize)
		}
	}
	return nil
}

// Config is the top-level device configuration (spec.md §6.1 opts).
//
// BaseDevice/CacheDevice carry the already-opened device handles directly:
// resolving BaseDeviceName/CacheDeviceName to a live bdev.ZonedDevice is the
// job of a bdev enumeration layer (PCIe/SCSI/iSCSI/RDMA transports), which
// is explicitly out of scope (spec.md §1) — the names are kept purely as
// descriptive metadata, the way a log line would name the device without
// this package doing the lookup itself.
type Config struct {
	BaseDeviceName  string
	CacheDeviceName string
	Name            string
	Mode            Mode
	UUID            uuid.UUID // device to restore; ignored under ModeCreate, which always generates a new one
	Conf            ConfigKnobs

	BaseDevice  bdev.ZonedDevice
	CacheDevice bdev.CacheDevice // nil if no NV-cache is configured

	// Logger receives diagnostics from the background core loop (dropped
	// RunOnce errors, final-flush failures on Close). Defaults to a
	// *log.Logger writing to stderr if nil.
	Logger Logger

	// OnReady, if set, is invoked once Create's format/restore pass
	// finishes, from a separate goroutine (spec.md §6.1: "returns
	// asynchronously via a completion channel/callback"). Create itself
	// still returns synchronously once bootstrap completes, since the
	// in-memory restore scan this implementation performs is not actually
	// long-running I/O the way SPDK's polling model assumes; OnReady exists
	// for API parity with callers written against that assumption.
	OnReady func(error)
}
