// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"sync/atomic"

	"github.com/zoneftl/ftl/addr"
)

// L2P is the flat logical-to-physical table (spec.md §4.5, §3): one entry
// per LBA, O(1) lookup. Entries are plain atomics rather than a mutex-
// guarded slice because reads must never block behind the core thread's
// updates (spec.md §4.11's ordering guarantees only ever serialize writes
// to the *same* LBA, not reads against writes to others).
type L2P struct {
	entries []atomic.Uint64
}

// NewL2P allocates a table of numLBAs entries, all initially INVALID
// (spec.md §3).
func NewL2P(numLBAs uint64) *L2P {
	l := &L2P{entries: make([]atomic.Uint64, numLBAs)}
	for i := range l.entries {
		l.entries[i].Store(uint64(addr.Invalid))
	}
	return l
}

func (l *L2P) Len() uint64 { return uint64(len(l.entries)) }

// Get returns the current physical address mapped to lba.
func (l *L2P) Get(lba uint64) addr.Addr {
	return addr.Addr(l.entries[lba].Load())
}

// Set unconditionally stores newAddr, skipping the invalidate-old-address
// protocol. Used only by restore.go, which reconstructs valid_map by
// itself rather than relying on this call to do it (spec.md §4.12).
func (l *L2P) Set(lba uint64, newAddr addr.Addr) {
	l.entries[lba].Store(uint64(newAddr))
}

// compareAndRedirect implements the write-buffer eviction half of the
// protocol (spec.md §4.6): if L2P[lba] still equals oldCache, redirect it
// to persistent; otherwise a newer write has already superseded the
// cache slot and L2P is left untouched.
func (l *L2P) compareAndRedirect(lba uint64, oldCache, persistent addr.Addr) {
	l.entries[lba].CompareAndSwap(uint64(oldCache), uint64(persistent))
}

// geometryResolver gives Update just enough of the band table to resolve
// a base address back to its owning band, without importing a Device
// type (avoids a dependency cycle and keeps L2P independently testable).
type geometryResolver interface {
	bandFor(a addr.Addr) (*Band, uint64, bool) // band, block offset, ok
	entryFor(a addr.Addr) *wbufEntry           // nil if the slot is gone
}

// Update implements the LBA-update protocol of spec.md §4.5: invalidate
// whatever A_old referred to (a band's valid_map bit, or nothing extra
// for a cache slot beyond taking its lock, since wbuf.go's evictLocked already
// handles cache-slot redirection), then store A_new.
//
// weak requests the spec's "weak write" idempotence check (§4.10): the
// update is skipped if the LBA no longer maps to expectedOld.
func (l *L2P) Update(lba uint64, expectedOld, newAddr addr.Addr, weak bool, res geometryResolver) bool {
	old := l.Get(lba)
	if weak && old != expectedOld {
		return false
	}

	if old.IsValid() {
		if old.IsCached() {
			if e := res.entryFor(old); e != nil {
				e.mu.Lock()
				e.mu.Unlock()
			}
		} else if b, offset, ok := res.bandFor(old); ok {
			b.invalidate(offset)
		}
	}

	l.entries[lba].Store(uint64(newAddr))
	return true
}
