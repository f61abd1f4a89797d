// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"sync"
	"sync/atomic"

	"github.com/zoneftl/ftl/addr"
)

// ioFlags marks the provenance and handling requirements of one write-
// buffer entry (spec.md §4.6, §4.10).
type ioFlags uint32

const (
	ioInternal ioFlags = 1 << iota // relocator- or pad-originated, exempt from back-pressure
	ioWeak                         // skip the L2P update if the address changed meanwhile (§4.5)
)

// wbufEntry is one block-sized slot of a channel's write buffer (spec.md
// §3 "Write-buffer entry"). Its lock is the only mutex a reader needs to
// take to safely copy out payload that might be concurrently evicted.
type wbufEntry struct {
	mu      sync.Mutex
	owner   *writeBuffer
	index   uint32
	payload []byte
	lba     uint64
	addr    addr.Addr // persistent address once the child write completes
	valid   bool
	flags   ioFlags
	srcBand uint64 // relocator provenance
	srcAddr addr.Addr
	done    func(error) // device.go's per-block write completion notice
}

// cacheAddr is the addr.Cached slot identifying this entry, independent
// of which channel's batch currently holds it.
func (e *wbufEntry) cacheAddr() addr.Addr {
	return addr.Cached(e.owner.channelIndex, e.index)
}

// writeBuffer holds one channel's pool of entries (spec.md §4.6): a free
// ring, a submit ring, and an outstanding counter gated by a back-
// pressure-controlled queue-depth limit.
type writeBuffer struct {
	channelIndex uint32
	blockSize    uint32
	entries      []wbufEntry

	mu          sync.Mutex
	free        []uint32
	submit      []uint32
	outstanding int32
	qdepthLimit uint32
}

func newWriteBuffer(channelIndex uint32, size int, blockSize uint32) *writeBuffer {
	w := &writeBuffer{
		channelIndex: channelIndex,
		blockSize:    blockSize,
		entries:      make([]wbufEntry, size),
		free:         make([]uint32, size),
		qdepthLimit:  uint32(size),
	}
	for i := range w.entries {
		w.entries[i].owner = w
		w.entries[i].index = uint32(i)
		w.entries[i].payload = make([]byte, blockSize)
		w.free[i] = uint32(i)
	}
	return w
}

// setQDepthLimit applies the back-pressure controller's current per-
// channel allowance (spec.md §4.11).
func (w *writeBuffer) setQDepthLimit(limit uint32) {
	w.mu.Lock()
	w.qdepthLimit = limit
	w.mu.Unlock()
}

// Size reports the channel's total entry count, the basis the back-
// pressure controller scales AllowedPct against (spec.md §4.11).
func (w *writeBuffer) Size() int { return len(w.entries) }

// acquire pops a free entry and evicts it (spec.md §4.6: "when an entry
// is about to be re-acquired it must be evicted"), then resets it
// (addr=INVALID, valid=false). Internal requests (relocator, pad) bypass
// the queue-depth limit; user requests that would exceed it are rolled
// back.
func (w *writeBuffer) acquire(internal bool, l2p *L2P) (*wbufEntry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := atomic.AddInt32(&w.outstanding, 1)
	if !internal && uint32(next) > w.qdepthLimit {
		atomic.AddInt32(&w.outstanding, -1)
		return nil, false
	}
	if len(w.free) == 0 {
		atomic.AddInt32(&w.outstanding, -1)
		return nil, false
	}
	idx := w.free[len(w.free)-1]
	w.free = w.free[:len(w.free)-1]

	e := &w.entries[idx]
	w.evictLocked(e, l2p)

	e.mu.Lock()
	e.addr = addr.Invalid
	e.valid = false
	e.lba = 0
	e.srcBand = 0
	e.srcAddr = addr.Invalid
	e.flags = 0
	e.done = nil
	if internal {
		e.flags |= ioInternal
	}
	e.mu.Unlock()
	return e, true
}

// setDone registers a completion callback invoked once this entry's write
// lands durably (wptr.go's completeBatch hands it the device error, or nil
// on success). Relocator/pad entries never set one.
func (e *wbufEntry) setDone(cb func(error)) {
	e.mu.Lock()
	e.done = cb
	e.mu.Unlock()
}

// fill copies one block of user or relocated data into e, records its LBA
// and (for relocator-sourced writes) its source band/address, and
// returns the cache-slot address representing e for installation into
// L2P (spec.md §4.6 fill). It does not yet make e visible to the write
// pointer: per spec.md §4.6, e's cache address must be installed into L2P
// (and, for Device.Write, its completion callback set) before e is pushed
// to the submit ring, since the write pointer drains the submit ring from
// an independent goroutine and could otherwise complete e before the
// caller finishes wiring it up. Callers must call pushSubmit once that
// wiring is done.
func (w *writeBuffer) fill(e *wbufEntry, data []byte, lba uint64, weak bool, srcBand uint64, srcAddr addr.Addr) addr.Addr {
	e.mu.Lock()
	copy(e.payload, data)
	e.lba = lba
	e.srcBand = srcBand
	e.srcAddr = srcAddr
	if weak {
		e.flags |= ioWeak
	}
	e.mu.Unlock()

	return addr.Cached(w.channelIndex, e.index)
}

// pushSubmit makes e visible to the write pointer's popBatch (spec.md
// §4.6: "the entry is then pushed to the submit ring"). Callers must
// finish installing e's L2P mapping and completion callback before
// calling this.
func (w *writeBuffer) pushSubmit(e *wbufEntry) {
	w.mu.Lock()
	w.submit = append(w.submit, e.index)
	w.mu.Unlock()
}

// popSubmit dequeues the oldest entry awaiting device submission.
func (w *writeBuffer) popSubmit() (*wbufEntry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.submit) == 0 {
		return nil, false
	}
	idx := w.submit[0]
	w.submit = w.submit[1:]
	return &w.entries[idx], true
}

// complete marks e persisted at a, per wptr.go step 8: the caller is
// expected to have already updated the owning band's valid_map/lba_map
// under the band's lock before calling this.
func (w *writeBuffer) complete(e *wbufEntry, at addr.Addr) {
	e.mu.Lock()
	e.addr = at
	e.valid = true
	e.mu.Unlock()
}

// release returns e to the free ring, decrementing outstanding. Eviction
// (clearing valid, redirecting L2P) happens lazily in acquire, not here —
// spec.md §4.6 evicts "when an entry is about to be re-acquired".
func (w *writeBuffer) release(e *wbufEntry) {
	w.mu.Lock()
	w.free = append(w.free, e.index)
	w.mu.Unlock()
	atomic.AddInt32(&w.outstanding, -1)
}

// evictLocked implements spec.md §4.6's eviction protocol for entry e,
// about to be reused. It clears e.valid under e's lock and, if L2P[lba]
// still names this entry's cache slot, redirects it to e's now-durable
// persistent address; otherwise L2P is left untouched. Callers must hold
// w.mu (only acquire calls this).
func (w *writeBuffer) evictLocked(e *wbufEntry, l2p *L2P) {
	e.mu.Lock()
	e.valid = false
	lba, persistent := e.lba, e.addr
	e.mu.Unlock()

	if l2p == nil {
		return
	}
	cacheAddr := addr.Cached(w.channelIndex, e.index)
	l2p.compareAndRedirect(lba, cacheAddr, persistent)
}

func (w *writeBuffer) Outstanding() int32 {
	return atomic.LoadInt32(&w.outstanding)
}
