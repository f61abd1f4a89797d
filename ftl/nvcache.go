// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/zoneftl/ftl/bdev"
)

const (
	nvCacheHeaderMagic   = 0x4654434e // "FTCN"
	nvCacheHeaderVersion = 1
	// nvCacheHeaderSize is the on-disk size of the header block, padded
	// to the cache device's block size by Close/restore.
	nvCacheHeaderSize = 4 + 4 + 16 + 4 + 8 + 8 + 4
)

// NVCache is the optional byte-addressable redo-log cache described in
// spec.md §4.7: a ring of blocks, each tagged in its per-block metadata
// with an LBA and a phase, so restore can tell live entries from stale
// leftovers of an earlier pass around the ring.
type NVCache struct {
	dev       bdev.CacheDevice
	deviceID  uuid.UUID
	numBlocks uint64

	mu           sync.Mutex
	currentAddr  uint64 // next block offset to grant, relative to data region (0 = LBA 1 of the device, LBA 0 is the header)
	numAvailable uint64
	phase        uint8 // 1, 2 or 3
	ready        bool
}

// NewNVCache formats a fresh cache: phase starts at 1, the whole ring is
// available, cursor at the start of the data region.
func NewNVCache(dev bdev.CacheDevice, deviceID uuid.UUID) (*NVCache, error) {
	if dev.GetMDSize() < 8 {
		return nil, fmt.Errorf("%w: cache device metadata must be >= 8 bytes", EINVAL)
	}
	n := &NVCache{
		dev:          dev,
		deviceID:     deviceID,
		numBlocks:    dev.GetNumBlocks() - 1, // block 0 is the header
		numAvailable: dev.GetNumBlocks() - 1,
		phase:        1,
		ready:        true,
	}
	return n, nil
}

// nextPhase cycles through the three non-zero phase values (spec.md
// §4.7).
func nextPhase(p uint8) uint8 {
	if p >= 3 {
		return 1
	}
	return p + 1
}

// reserve grants up to n contiguous blocks from the ring (spec.md §4.7).
// It fails fast with an EAGAIN error while the cache isn't ready (a wrap
// is in progress). The caller is responsible for actually writing the blocks
// and calling release on failure.
func (n *NVCache) reserve(nBlocks uint64) (cacheAddr uint64, granted uint64, phase uint8, wrapped bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.ready {
		return 0, 0, 0, false, fmt.Errorf("%w: nv-cache not ready (wrap in progress)", EAGAIN)
	}
	if n.numAvailable == 0 {
		return 0, 0, 0, false, fmt.Errorf("%w: nv-cache full", EAGAIN)
	}

	granted = nBlocks
	remainingInRing := n.numBlocks - n.currentAddr
	if granted > remainingInRing {
		granted = remainingInRing
	}
	if granted > n.numAvailable {
		granted = n.numAvailable
	}

	cacheAddr = n.currentAddr
	phase = n.phase
	n.currentAddr += granted
	n.numAvailable -= granted

	if n.currentAddr >= n.numBlocks {
		n.currentAddr = 0
		n.numAvailable = n.numBlocks
		n.ready = false
		n.phase = nextPhase(n.phase)
		wrapped = true
	}
	return cacheAddr, granted, phase, wrapped, nil
}

// wrapDone re-arms the ring once the caller has persisted a fresh header
// recording the new phase (spec.md §4.7: "write a new header (phase)
// then mark ready again").
func (n *NVCache) wrapDone() {
	n.mu.Lock()
	n.ready = true
	n.mu.Unlock()
}

func (n *NVCache) Phase() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.phase
}

// CurrentAddr reports the next block offset the ring would grant, for
// persisting a clean-shutdown header (device.go's Close).
func (n *NVCache) CurrentAddr() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentAddr
}

// release returns unused blocks to num_available, e.g. because a caller
// that reserved n blocks only ended up needing fewer.
func (n *NVCache) release(blocks uint64) {
	n.mu.Lock()
	n.numAvailable += blocks
	n.mu.Unlock()
}

// blockMD packs the per-block (lba, phase) metadata tag (spec.md §4.7).
// Exactly 8 bytes are used regardless of the device's advertised md_size,
// matching the "≥8 bytes" cache-device contract (memdev.Cache enforces
// the minimum).
func blockMD(lba uint64, phase uint8) []byte {
	md := make([]byte, 8)
	binary.LittleEndian.PutUint64(md, lba)
	md[7] = phase // overwrites the top byte of the LBA; lba is capped to 56 bits by convention
	return md
}

func parseBlockMD(md []byte) (lba uint64, phase uint8) {
	var buf [8]byte
	copy(buf[:], md)
	phase = buf[7]
	buf[7] = 0
	lba = binary.LittleEndian.Uint64(buf[:])
	return lba, phase
}

// header is the NV-cache's LBA-0 header block (spec.md §4.7).
type nvCacheHeader struct {
	uuid        uuid.UUID
	phase       uint8
	size        uint64
	currentAddr uint64 // addr.Invalid if shutdown was not clean
}

func encodeNVCacheHeader(h nvCacheHeader, blockSize uint32) []byte {
	size := nvCacheHeaderSize
	if int(blockSize) > size {
		size = int(blockSize)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], nvCacheHeaderMagic)
	binary.LittleEndian.PutUint32(buf[4:8], nvCacheHeaderVersion)
	copy(buf[8:24], h.uuid[:])
	buf[24] = h.phase
	binary.LittleEndian.PutUint64(buf[28:36], h.size)
	binary.LittleEndian.PutUint64(buf[36:44], h.currentAddr)
	crc := crc32c(buf[:44])
	binary.LittleEndian.PutUint32(buf[44:48], crc)
	return buf
}

func decodeNVCacheHeader(buf []byte, deviceUUID uuid.UUID) (nvCacheHeader, error) {
	var h nvCacheHeader
	if len(buf) < nvCacheHeaderSize {
		return h, fmt.Errorf("%w: nv-cache header too short", NoMD)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != nvCacheHeaderMagic {
		return h, fmt.Errorf("%w: bad nv-cache magic", NoMD)
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != nvCacheHeaderVersion {
		return h, fmt.Errorf("%w: nv-cache header version", InvalidVersion)
	}
	copy(h.uuid[:], buf[8:24])
	if h.uuid != deviceUUID {
		return h, fmt.Errorf("%w: nv-cache uuid mismatch", NoMD)
	}
	h.phase = buf[24]
	h.size = binary.LittleEndian.Uint64(buf[28:36])
	h.currentAddr = binary.LittleEndian.Uint64(buf[36:44])
	crc := crc32c(buf[:44])
	if binary.LittleEndian.Uint32(buf[44:48]) != crc {
		return h, fmt.Errorf("%w: nv-cache header", InvalidCRC)
	}
	return h, nil
}
