// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memdev provides reference in-memory implementations of the
// bdev.ZonedDevice and bdev.CacheDevice contracts, for use in tests and the
// ftlcheck diagnostic tool. Both back their vectored I/O onto a real
// temp-file-backed arena via golang.org/x/sys/unix positional vectored
// syscalls, following the pattern the teacher's loopback nodes use for real
// filesystem passthrough (nodefs/loopback_linux.go, fs/loopback_linux.go).
package memdev

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/zoneftl/ftl/bdev"
)

// Zoned is an in-memory zoned block device backed by a temp file.
type Zoned struct {
	blockSize    uint32
	zoneSize     uint64
	numZones     uint64
	supportAppnd bool

	f *os.File

	mu     sync.Mutex
	zones  []zoneRec
	events []bdev.MediaEvent
}

type zoneRec struct {
	state bdev.ZoneState
	wp    uint64 // absolute block offset
	cap   uint64
}

// NewZoned creates a new in-memory zoned device with numZones zones of
// zoneSize blocks each, all initially EMPTY with full capacity.
// supportAppend controls ZonedDevice.SupportsAppend.
func NewZoned(blockSize uint32, zoneSize, numZones uint64, supportAppend bool) (*Zoned, error) {
	f, err := os.CreateTemp("", "ftl-zoned-*.img")
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(zoneSize * numZones * uint64(blockSize))); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	z := &Zoned{
		blockSize:    blockSize,
		zoneSize:     zoneSize,
		numZones:     numZones,
		supportAppnd: supportAppend,
		f:            f,
		zones:        make([]zoneRec, numZones),
	}
	for i := range z.zones {
		z.zones[i] = zoneRec{state: bdev.ZoneEmpty, wp: uint64(i) * zoneSize, cap: zoneSize}
	}
	return z, nil
}

// Close releases the backing temp file.
func (z *Zoned) Close() error {
	name := z.f.Name()
	err := z.f.Close()
	os.Remove(name)
	return err
}

func (z *Zoned) BlockSize() uint32      { return z.blockSize }
func (z *Zoned) NumBlocks() uint64      { return z.zoneSize * z.numZones }
func (z *Zoned) ZoneSize() uint64       { return z.zoneSize }
func (z *Zoned) NumZones() uint64       { return z.numZones }
func (z *Zoned) SupportsAppend() bool   { return z.supportAppnd }

func (z *Zoned) zoneIndex(zoneStart uint64) (uint64, error) {
	idx := zoneStart / z.zoneSize
	if idx >= z.numZones || idx*z.zoneSize != zoneStart {
		return 0, fmt.Errorf("memdev: bad zone start %d", zoneStart)
	}
	return idx, nil
}

func (z *Zoned) GetZoneInfo(ctx context.Context, zoneStart uint64) (bdev.ZoneInfo, error) {
	idx, err := z.zoneIndex(zoneStart)
	if err != nil {
		return bdev.ZoneInfo{}, err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	r := z.zones[idx]
	return bdev.ZoneInfo{Start: zoneStart, Capacity: r.cap, WP: r.wp, State: r.state}, nil
}

// ZoneManagementReset resets the zone, synchronously in this reference
// implementation (a real device would complete this asynchronously).
func (z *Zoned) ZoneManagementReset(ctx context.Context, zoneStart uint64) error {
	idx, err := z.zoneIndex(zoneStart)
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	z.zones[idx] = zoneRec{state: bdev.ZoneEmpty, wp: zoneStart, cap: z.zoneSize}
	return nil
}

// FailZone marks a zone OFFLINE, as if an erase had failed; used by tests
// exercising §4.2's erase-failure path.
func (z *Zoned) FailZone(zoneStart uint64) error {
	idx, err := z.zoneIndex(zoneStart)
	if err != nil {
		return err
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	z.zones[idx].state = bdev.ZoneOffline
	return nil
}

func (z *Zoned) byteOffset(blockOff uint64) int64 { return int64(blockOff) * int64(z.blockSize) }

func (z *Zoned) WriteBlocks(ctx context.Context, offset uint64, data []byte) error {
	return z.WritevBlocks(ctx, offset, [][]byte{data})
}

func (z *Zoned) WritevBlocks(ctx context.Context, offset uint64, iov [][]byte) error {
	n, err := unix.Pwritev(int(z.f.Fd()), iov, z.byteOffset(offset))
	if err != nil {
		return err
	}
	if total := totalLen(iov); n != total {
		return fmt.Errorf("memdev: short write %d/%d", n, total)
	}
	return z.advanceWP(offset, iov)
}

// ZoneAppendv appends to the zone's current write pointer, returning the
// offset the data landed at.
func (z *Zoned) ZoneAppendv(ctx context.Context, zoneStart uint64, iov [][]byte) (uint64, error) {
	idx, err := z.zoneIndex(zoneStart)
	if err != nil {
		return 0, err
	}
	z.mu.Lock()
	wp := z.zones[idx].wp
	z.mu.Unlock()
	if err := z.WritevBlocks(ctx, wp, iov); err != nil {
		return 0, err
	}
	return wp, nil
}

func (z *Zoned) advanceWP(offset uint64, iov [][]byte) error {
	blocks := totalLen(iov) / int(z.blockSize)
	idx := offset / z.zoneSize
	if idx >= z.numZones {
		return fmt.Errorf("memdev: write past device end")
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	r := &z.zones[idx]
	r.state = bdev.ZoneOpen
	r.wp = offset + uint64(blocks)
	if r.wp >= idx*z.zoneSize+r.cap {
		r.state = bdev.ZoneFull
	}
	return nil
}

func (z *Zoned) ReadBlocks(ctx context.Context, offset uint64, dst []byte) error {
	n, err := unix.Pread(int(z.f.Fd()), dst, z.byteOffset(offset))
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("memdev: short read %d/%d", n, len(dst))
	}
	return nil
}

// PostMediaEvent queues a media-error notification to be drained by
// GetMediaEvents; used by tests exercising the relocator's priority path.
func (z *Zoned) PostMediaEvent(ev bdev.MediaEvent) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.events = append(z.events, ev)
}

func (z *Zoned) GetMediaEvents(ctx context.Context) ([]bdev.MediaEvent, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	evs := z.events
	z.events = nil
	return evs, nil
}

func totalLen(iov [][]byte) int {
	n := 0
	for _, b := range iov {
		n += len(b)
	}
	return n
}
