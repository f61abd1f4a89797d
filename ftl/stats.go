// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import "sync/atomic"

// Stats is a read-only snapshot of a device's lifetime counters (spec.md
// §3.2, a supplemented feature: the original SPDK implementation exposes
// this surface via ftl_debug.c/ftl_trace.c, out of scope here per §1's
// logging non-goal, but the counters themselves are kept since §8's
// testable properties need observable counts).
type Stats struct {
	UserWrites       uint64
	InternalWrites   uint64
	UserReads        uint64
	InternalReads    uint64
	RelocatedBlocks  uint64
	BandOpens        uint64
	BandCloses        uint64
	BackPressureTrips uint64
	Level             BackPressureLevel
}

// statCounters holds the live, concurrently-updated counters backing
// Stats. Plain atomics rather than a mutex-guarded struct, the same
// choice made for L2P: counters are incremented from whichever goroutine
// completes an operation without contending with a reader calling Stats().
type statCounters struct {
	userWrites        atomic.Uint64
	internalWrites    atomic.Uint64
	userReads         atomic.Uint64
	internalReads     atomic.Uint64
	relocatedBlocks   atomic.Uint64
	bandOpens         atomic.Uint64
	bandCloses        atomic.Uint64
	backPressureTrips atomic.Uint64
	level             atomic.Int32
}

func (c *statCounters) snapshot() Stats {
	return Stats{
		UserWrites:        c.userWrites.Load(),
		InternalWrites:    c.internalWrites.Load(),
		UserReads:         c.userReads.Load(),
		InternalReads:     c.internalReads.Load(),
		RelocatedBlocks:   c.relocatedBlocks.Load(),
		BandOpens:         c.bandOpens.Load(),
		BandCloses:        c.bandCloses.Load(),
		BackPressureTrips: c.backPressureTrips.Load(),
		Level:             BackPressureLevel(c.level.Load()),
	}
}

func (c *statCounters) setLevel(l BackPressureLevel) {
	if BackPressureLevel(c.level.Swap(int32(l))) != l {
		c.backPressureTrips.Add(1)
	}
}
