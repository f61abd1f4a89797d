// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import "github.com/zoneftl/ftl/bdev"

// zone is the FTL's own mirror of one member zone of a band (spec.md
// §4.2). It tracks what the band machinery needs beyond the bdev.ZoneInfo
// snapshot: a transient busy flag set while an outstanding write targets
// the zone (only consulted when the device lacks atomic append), and the
// parallel-unit index this zone occupies within its band.
type zone struct {
	punit    uint64 // parallel-unit index within the band
	start    uint64 // absolute block offset of the zone's first block
	capacity uint64
	wp       uint64 // next writable absolute block offset
	state    bdev.ZoneState
	busy     bool
}

// writable reports whether the zone may accept a new write (spec.md §4.2:
// "a zone is writable iff state ∈ {EMPTY, OPEN} and busy == false").
func (z *zone) writable() bool {
	return (z.state == bdev.ZoneEmpty || z.state == bdev.ZoneOpen) && !z.busy
}

// advance records a successful write of n blocks, advancing the write
// pointer and transitioning to FULL if the zone's capacity is now
// exhausted (spec.md §4.2).
func (z *zone) advance(n uint64) {
	z.state = bdev.ZoneOpen
	z.wp += n
	if z.wp >= z.start+z.capacity {
		z.state = bdev.ZoneFull
	}
}

// resetDone applies a completed zone reset (spec.md §4.2: "on completion,
// state = EMPTY, write_pointer = zone_id, busy = false").
func (z *zone) resetDone() {
	z.state = bdev.ZoneEmpty
	z.wp = z.start
	z.busy = false
}

// offline marks the zone OFFLINE following an erase failure (spec.md §4.2).
func (z *zone) offline() {
	z.state = bdev.ZoneOffline
	z.busy = false
}
