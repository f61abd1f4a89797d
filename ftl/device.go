// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zoneftl/ftl/addr"
	"github.com/zoneftl/ftl/bdev"
)

// gcChannelIndex is the write-buffer channel index reserved for the
// reactor's internal relocation channel; OpenChannel starts user channel
// indices at 1 so a relocated block's cache address never collides with
// one of them (spec.md §4.10).
const gcChannelIndex = 0

// Device is the top-level user-facing handle (spec.md §6.1). It owns the
// reactor driving the core loop on a dedicated goroutine, the L2P table,
// the reader servicing user reads, and the set of open channels feeding the
// write pointer. Every exported method is safe to call concurrently from
// multiple goroutines; internally only the reactor's own loop goroutine
// ever mutates band state, the same single-writer discipline core.go
// documents for itself.
type Device struct {
	baseDev  bdev.ZonedDevice
	cacheDev bdev.CacheDevice
	geom     addr.Geometry
	knobs    ConfigKnobs

	l2p        *L2P
	reader     *Reader
	reactor    *reactor
	nvCache    *NVCache
	deviceUUID uuid.UUID
	logger     Logger

	mu          sync.Mutex
	channels    []*Channel
	nextChannel uint32
	ready       bool

	stopOnce sync.Once
	stop     chan struct{}
	loopDone chan struct{}
}

// Create formats (ModeCreate set) or restores (otherwise) a device over
// opts.BaseDevice/opts.CacheDevice, wires a reactor over the resulting band
// table, and starts its core loop on a background goroutine (spec.md §6.1,
// §4.12). Close must be called to stop that goroutine and release
// resources.
func Create(ctx context.Context, opts Config) (dev *Device, err error) {
	defer func() {
		if opts.OnReady != nil {
			cbErr := err
			go opts.OnReady(cbErr)
		}
	}()

	if opts.BaseDevice == nil {
		return nil, fmt.Errorf("%w: no base device", ENODEV)
	}
	opts.Conf.setDefaults()
	if err := opts.Conf.Validate(opts.BaseDevice.BlockSize()); err != nil {
		return nil, err
	}

	geom := addr.NewGeometry(opts.BaseDevice.ZoneSize(), opts.Conf.NumPunits, opts.Conf.XferSize)

	var bt *bootstrap
	if opts.Mode&ModeCreate != 0 {
		bt, err = formatDevice(ctx, opts.BaseDevice, opts.CacheDevice, geom, opts.Conf.HeadMDBlocks, opts.Conf.TailMDBlocks, opts.Conf)
	} else {
		bt, err = restoreDevice(ctx, opts.BaseDevice, opts.CacheDevice, opts.UUID, geom, opts.Conf.HeadMDBlocks, opts.Conf.TailMDBlocks, opts.Conf)
	}
	if err != nil {
		return nil, err
	}

	wbufBlocks := int(opts.Conf.WriteBufferSize / uint64(opts.BaseDevice.BlockSize()))
	if wbufBlocks <= 0 {
		wbufBlocks = 1
	}
	// The GC channel always exists, even on a cache-less device: the
	// relocator needs somewhere to stage data it's evacuating (spec.md
	// §4.10).
	gcCh := newWriteBuffer(gcChannelIndex, wbufBlocks, opts.BaseDevice.BlockSize())

	stats := &statCounters{}
	r := newReactor(opts.BaseDevice, geom, bt.deviceUUID, bt.l2p, bt.bands, bt.free, bt.shut, bt.closedAt, bt.seq, opts.Conf.HeadMDBlocks, opts.Conf.TailMDBlocks, opts.Conf, gcCh, stats)

	reader := NewReader(bt.l2p, geom, opts.BaseDevice, opts.CacheDevice, opts.BaseDevice.BlockSize(), r.ResolveChannel)

	logger := opts.Logger
	if logger == nil {
		logger = defaultLogger
	}

	d := &Device{
		baseDev:     opts.BaseDevice,
		cacheDev:    opts.CacheDevice,
		geom:        geom,
		knobs:       opts.Conf,
		l2p:         bt.l2p,
		reader:      reader,
		reactor:     r,
		nvCache:     bt.nvCache,
		deviceUUID:  bt.deviceUUID,
		logger:      logger,
		ready:       true,
		nextChannel: gcChannelIndex + 1,
		stop:        make(chan struct{}),
		loopDone:    make(chan struct{}),
	}

	go d.runLoop(ctx)
	return d, nil
}

// runLoop drives the reactor until Close signals stop, backing off
// exponentially (capped) between idle RunOnce calls, the same way a
// cooperative polling loop with nothing else to wait on should (spec.md
// §4.11: RunOnce never blocks, so the caller owns the idle policy).
func (d *Device) runLoop(ctx context.Context) {
	defer close(d.loopDone)
	backoff := time.Millisecond
	const maxBackoff = 50 * time.Millisecond
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		busy, err := d.reactor.RunOnce(ctx)
		if err != nil {
			// No caller is waiting on this particular RunOnce outside of
			// Write/Read/Flush's own synchronous paths; log and retry next
			// iteration, matching the EAGAIN-style recovery wptr.go already
			// performs internally for device errors.
			d.logger.Printf("ftl: core loop iteration: %v", err)
			busy = false
		}
		if busy {
			backoff = time.Millisecond
			continue
		}

		select {
		case <-d.stop:
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// Close asks the reactor to stop accepting new bands, waits for it to
// drain to idle, stops the core loop goroutine, and persists a final
// NV-cache header recording the live cursor (spec.md §6.1).
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	d.ready = false
	d.mu.Unlock()

	d.reactor.RequestHalt()
	for !d.reactor.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	d.stopOnce.Do(func() { close(d.stop) })
	<-d.loopDone

	if d.cacheDev != nil && d.nvCache != nil {
		hdr := encodeNVCacheHeader(nvCacheHeader{
			uuid:        d.deviceUUID,
			phase:       d.nvCache.Phase(),
			size:        d.cacheDev.GetNumBlocks() - 1,
			currentAddr: d.nvCache.CurrentAddr(),
		}, d.cacheDev.GetBlockSize())
		if err := d.cacheDev.WriteBlocksWithMD(ctx, 0, hdr, nil); err != nil {
			d.logger.Printf("ftl: final nv-cache header write failed: %v", err)
			return fmt.Errorf("%w: write final nv-cache header", EIO)
		}
	}
	return nil
}

// Stats returns a point-in-time snapshot of the device's lifetime counters
// (spec.md §3.2, §6.1).
func (d *Device) Stats() Stats { return d.reactor.Stats() }

// blockSlices validates lbaCount against iov's total length and returns the
// per-block slices Write/Read operate on (spec.md §6.1: lbaCount must equal
// the sum of iov lengths in blocks).
func (d *Device) blockSlices(lbaCount uint32, iov [][]byte) ([][]byte, error) {
	bs := int(d.reader.blockSize)

	blocks := make([][]byte, 0, lbaCount)
	for _, buf := range iov {
		if len(buf)%bs != 0 {
			return nil, fmt.Errorf("%w: iov buffer length %d not a multiple of block size %d", EINVAL, len(buf), bs)
		}
		for off := 0; off < len(buf); off += bs {
			blocks = append(blocks, buf[off:off+bs])
		}
	}
	if uint32(len(blocks)) != lbaCount {
		return nil, fmt.Errorf("%w: lbaCount %d does not match iov block count %d", EINVAL, lbaCount, len(blocks))
	}
	return blocks, nil
}

// writeCompletion fans the per-block write completions of one Write call
// back into the single user-supplied callback, firing it once every block
// has landed (spec.md §6.1's cb is one callback per call, not per block).
type writeCompletion struct {
	remaining atomic.Int32
	mu        sync.Mutex
	err       error
	cb        func(error)
}

func (wc *writeCompletion) blockDone(err error) {
	if err != nil {
		wc.mu.Lock()
		if wc.err == nil {
			wc.err = err
		}
		wc.mu.Unlock()
	}
	if wc.remaining.Add(-1) == 0 {
		wc.mu.Lock()
		final := wc.err
		wc.mu.Unlock()
		if wc.cb != nil {
			wc.cb(final)
		}
	}
}

// Write stages lbaCount blocks of data for lba..lba+lbaCount into ch's
// write buffer and installs their cache-slot addresses into L2P, so a
// concurrent Read observes the new data immediately even though it is not
// yet durable (spec.md §4.5, §4.6). cb fires once every block in this call
// has been written to the base device.
func (d *Device) Write(ctx context.Context, ch *Channel, lba uint64, lbaCount uint32, iov [][]byte, cb func(error)) error {
	d.mu.Lock()
	ready := d.ready
	d.mu.Unlock()
	if !ready {
		return fmt.Errorf("%w: device not ready", EBUSY)
	}
	if ch == nil {
		return fmt.Errorf("%w: nil channel", EINVAL)
	}
	if lbaCount == 0 {
		return fmt.Errorf("%w: zero lbaCount", EINVAL)
	}
	if lba+uint64(lbaCount) > d.l2p.Len() {
		return fmt.Errorf("%w: write past end of LBA space", EINVAL)
	}

	blocks, err := d.blockSlices(lbaCount, iov)
	if err != nil {
		return err
	}

	entries := make([]*wbufEntry, 0, len(blocks))
	for range blocks {
		e, ok := ch.wb.acquire(false, d.l2p)
		if !ok {
			for _, acquired := range entries {
				ch.wb.release(acquired)
			}
			return fmt.Errorf("%w: write buffer exhausted", ENOMEM)
		}
		entries = append(entries, e)
	}

	wc := &writeCompletion{cb: cb}
	wc.remaining.Store(int32(len(entries)))

	for i, e := range entries {
		l := lba + uint64(i)
		d.stageNVCache(ctx, l, blocks[i])
		old := d.l2p.Get(l)
		cacheAddr := ch.wb.fill(e, blocks[i], l, false, 0, addr.Invalid)
		// L2P must name e, and e's completion callback must be set, before e
		// is pushed to the submit ring: the write pointer drains that ring
		// from the reactor's own goroutine and can complete and release e
		// the instant it's visible there (spec.md §4.6).
		d.l2p.Update(l, old, cacheAddr, false, d.reactor.table)
		e.setDone(wc.blockDone)
		ch.wb.pushSubmit(e)
	}
	return nil
}

// stageNVCache writes a redo-log copy of data into the NV-cache ring before
// the block is handed to the write buffer, when a cache device is
// configured (spec.md §4.7). This is the write-ahead half of the cache: it
// never touches L2P, since the write buffer/band path below remains the
// block's addressed location for the lifetime of this call. What it buys
// is restore-time recovery (restoreNVCache) of data that never made it out
// of the volatile write buffer before an unclean shutdown. Failure to
// stage (ring full, a wrap in progress, or a device error) is not fatal:
// the cache is an accelerator, and the caller still gets the normal
// durability path through the band write pointer.
func (d *Device) stageNVCache(ctx context.Context, lba uint64, data []byte) {
	if d.cacheDev == nil || d.nvCache == nil {
		return
	}
	cacheAddr, granted, phase, wrapped, err := d.nvCache.reserve(1)
	if err != nil || granted == 0 {
		return
	}
	md := blockMD(lba, phase)
	if err := d.cacheDev.WriteBlocksWithMD(ctx, 1+cacheAddr, data, [][]byte{md}); err != nil {
		d.nvCache.release(granted)
		return
	}
	if wrapped {
		hdr := encodeNVCacheHeader(nvCacheHeader{
			uuid:        d.deviceUUID,
			phase:       d.nvCache.Phase(),
			size:        d.cacheDev.GetNumBlocks() - 1,
			currentAddr: d.nvCache.CurrentAddr(),
		}, d.cacheDev.GetBlockSize())
		if err := d.cacheDev.WriteBlocksWithMD(ctx, 0, hdr, nil); err == nil {
			d.nvCache.wrapDone()
		}
		// A failed header write here leaves the ring not-ready; every
		// later reserve fails fast with EAGAIN (stageNVCache just becomes
		// a no-op) until Close persists a header of its own.
	}
}

// Read services a read synchronously against L2P/write-buffer/NV-cache/base
// device and invokes cb with the result before returning (spec.md §4.9,
// §6.1). Unlike Write there is no outstanding child I/O to wait on: the
// data referenced by L2P is already wherever L2P says it is.
func (d *Device) Read(ctx context.Context, ch *Channel, lba uint64, lbaCount uint32, iov [][]byte, cb func(error)) error {
	d.mu.Lock()
	ready := d.ready
	d.mu.Unlock()
	if !ready {
		err := fmt.Errorf("%w: device not ready", EBUSY)
		if cb != nil {
			cb(err)
		}
		return err
	}
	if lbaCount == 0 {
		err := fmt.Errorf("%w: zero lbaCount", EINVAL)
		if cb != nil {
			cb(err)
		}
		return err
	}

	blocks, err := d.blockSlices(lbaCount, iov)
	if err != nil {
		if cb != nil {
			cb(err)
		}
		return err
	}

	for i, block := range blocks {
		if rerr := d.reader.Read(ctx, lba+uint64(i), block); rerr != nil {
			if cb != nil {
				cb(rerr)
			}
			return rerr
		}
	}
	d.reactor.stats.userReads.Add(uint64(lbaCount))
	if cb != nil {
		cb(nil)
	}
	return nil
}

// Trim invalidates lbaCount LBAs starting at lba without writing new data
// (spec.md §3.2 supplemented feature): it runs the L2P-update protocol's
// invalidate-old-mapping steps only, then stores INVALID, skipping the
// "store a new address" step of a real write.
func (d *Device) Trim(ctx context.Context, ch *Channel, lba uint64, lbaCount uint32, cb func(error)) error {
	d.mu.Lock()
	ready := d.ready
	d.mu.Unlock()
	if !ready {
		err := fmt.Errorf("%w: device not ready", EBUSY)
		if cb != nil {
			cb(err)
		}
		return err
	}
	if lba+uint64(lbaCount) > d.l2p.Len() {
		err := fmt.Errorf("%w: trim past end of LBA space", EINVAL)
		if cb != nil {
			cb(err)
		}
		return err
	}

	for i := uint64(0); i < uint64(lbaCount); i++ {
		l := lba + i
		old := d.l2p.Get(l)
		d.l2p.Update(l, old, addr.Invalid, false, d.reactor.table)
	}
	if cb != nil {
		cb(nil)
	}
	return nil
}

// Flush requests the current user and GC bands pad out their remaining
// write-buffer slack so every write issued before this call reaches the
// device, then polls outstanding channel I/O until it drains to zero
// before invoking cb (spec.md §6.1, §4.8 step 4).
func (d *Device) Flush(ctx context.Context, cb func(error)) error {
	d.reactor.mu.Lock()
	userWP, gcWP := d.reactor.userWP, d.reactor.gcWP
	chans := append([]*writeBuffer(nil), d.reactor.userChans...)
	if d.reactor.gcCh != nil {
		chans = append(chans, d.reactor.gcCh)
	}
	d.reactor.mu.Unlock()

	if userWP != nil {
		userWP.requestFlush()
	}
	if gcWP != nil {
		gcWP.requestFlush()
	}

	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			drained := true
			for _, ch := range chans {
				if ch.Outstanding() != 0 {
					drained = false
					break
				}
			}
			if drained {
				if cb != nil {
					cb(nil)
				}
				return
			}
			select {
			case <-ctx.Done():
				if cb != nil {
					cb(ctx.Err())
				}
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}
