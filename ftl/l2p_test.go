// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"testing"

	"github.com/zoneftl/ftl/addr"
)

type fakeResolver struct {
	bands   map[uint64]*Band
	geom    addr.Geometry
	entries map[addr.Addr]*wbufEntry
}

func (r *fakeResolver) bandFor(a addr.Addr) (*Band, uint64, bool) {
	bandID := r.geom.BandOf(a)
	b, ok := r.bands[bandID]
	if !ok {
		return nil, 0, false
	}
	off, ok := b.offsetOfAddr(a)
	return b, off, ok
}

func (r *fakeResolver) entryFor(a addr.Addr) *wbufEntry {
	return r.entries[a]
}

func TestL2PInitialAllInvalid(t *testing.T) {
	l := NewL2P(8)
	for i := uint64(0); i < 8; i++ {
		if l.Get(i) != addr.Invalid {
			t.Fatalf("entry %d = %v, want Invalid", i, l.Get(i))
		}
	}
}

func TestL2PUpdateInvalidatesOldBase(t *testing.T) {
	b := testBand(0)
	b.beginPrep()
	b.prepDone()
	b.setValid(3, 10)

	res := &fakeResolver{bands: map[uint64]*Band{0: b}, geom: b.geom, entries: map[addr.Addr]*wbufEntry{}}
	l := NewL2P(16)
	oldAddr := b.dataAddr(3)
	l.Set(10, oldAddr)

	ok := l.Update(10, addr.Invalid, b.dataAddr(7), false, res)
	if !ok {
		t.Fatal("Update returned false")
	}
	if b.NumValid() != 0 {
		t.Fatalf("NumValid after Update = %d, want 0 (old offset invalidated)", b.NumValid())
	}
	if l.Get(10) != b.dataAddr(7) {
		t.Fatalf("L2P[10] = %v, want new addr", l.Get(10))
	}
}

func TestL2PWeakUpdateSkipsOnStaleExpectation(t *testing.T) {
	res := &fakeResolver{bands: map[uint64]*Band{}, geom: addr.NewGeometry(128, 1, 16), entries: map[addr.Addr]*wbufEntry{}}
	l := NewL2P(4)
	l.Set(0, addr.Base(5))

	ok := l.Update(0, addr.Base(1) /* stale expectation */, addr.Base(99), true, res)
	if ok {
		t.Fatal("weak Update should have been skipped")
	}
	if l.Get(0) != addr.Base(5) {
		t.Fatalf("L2P[0] changed despite stale weak update: %v", l.Get(0))
	}
}

func TestL2PCompareAndRedirect(t *testing.T) {
	l := NewL2P(1)
	cache := addr.Cached(2, 9)
	l.Set(0, cache)

	l.compareAndRedirect(0, cache, addr.Base(42))
	if l.Get(0) != addr.Base(42) {
		t.Fatalf("L2P[0] = %v, want Base(42)", l.Get(0))
	}

	// A second redirect with a now-stale oldCache must be a no-op.
	l.compareAndRedirect(0, cache, addr.Base(1))
	if l.Get(0) != addr.Base(42) {
		t.Fatalf("L2P[0] changed on stale compareAndRedirect: %v", l.Get(0))
	}
}
