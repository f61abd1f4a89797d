// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memdev

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Cache is an in-memory NV-cache device backed by a temp file for data plus
// a second temp file for the per-block metadata region, matching
// bdev.CacheDevice's contract that metadata is a separate region from data.
type Cache struct {
	blockSize uint32
	mdSize    uint32
	numBlocks uint64

	mu   sync.Mutex
	data *os.File
	md   *os.File
}

// NewCache creates a new in-memory cache device of numBlocks blocks,
// blockSize bytes each, with mdSize bytes of per-block metadata (must be
// >= 8, per spec.md §6.2).
func NewCache(blockSize, mdSize uint32, numBlocks uint64) (*Cache, error) {
	if mdSize < 8 {
		return nil, fmt.Errorf("memdev: cache md size %d < 8", mdSize)
	}
	data, err := os.CreateTemp("", "ftl-cache-data-*.img")
	if err != nil {
		return nil, err
	}
	if err := data.Truncate(int64(numBlocks) * int64(blockSize)); err != nil {
		data.Close()
		os.Remove(data.Name())
		return nil, err
	}
	md, err := os.CreateTemp("", "ftl-cache-md-*.img")
	if err != nil {
		data.Close()
		os.Remove(data.Name())
		return nil, err
	}
	if err := md.Truncate(int64(numBlocks) * int64(mdSize)); err != nil {
		data.Close()
		os.Remove(data.Name())
		md.Close()
		os.Remove(md.Name())
		return nil, err
	}
	return &Cache{blockSize: blockSize, mdSize: mdSize, numBlocks: numBlocks, data: data, md: md}, nil
}

// Close releases the backing temp files.
func (c *Cache) Close() error {
	dn, mn := c.data.Name(), c.md.Name()
	err1 := c.data.Close()
	err2 := c.md.Close()
	os.Remove(dn)
	os.Remove(mn)
	if err1 != nil {
		return err1
	}
	return err2
}

func (c *Cache) GetBlockSize() uint32 { return c.blockSize }
func (c *Cache) GetNumBlocks() uint64 { return c.numBlocks }
func (c *Cache) GetMDSize() uint32    { return c.mdSize }

func (c *Cache) WriteBlocksWithMD(ctx context.Context, offset uint64, data []byte, md [][]byte) error {
	return c.WritevBlocksWithMD(ctx, offset, [][]byte{data}, md)
}

func (c *Cache) WritevBlocksWithMD(ctx context.Context, offset uint64, iov [][]byte, md [][]byte) error {
	n, err := unix.Pwritev(int(c.data.Fd()), iov, int64(offset)*int64(c.blockSize))
	if err != nil {
		return err
	}
	if total := totalLen(iov); n != total {
		return fmt.Errorf("memdev: short cache data write %d/%d", n, total)
	}
	if len(md) == 0 {
		return nil
	}
	mn, err := unix.Pwritev(int(c.md.Fd()), md, int64(offset)*int64(c.mdSize))
	if err != nil {
		return err
	}
	if total := totalLen(md); mn != total {
		return fmt.Errorf("memdev: short cache md write %d/%d", mn, total)
	}
	return nil
}

func (c *Cache) WriteZeroesBlocks(ctx context.Context, offset uint64, count uint64) error {
	zero := make([]byte, c.blockSize)
	for i := uint64(0); i < count; i++ {
		if _, err := unix.Pwrite(int(c.data.Fd()), zero, int64(offset+i)*int64(c.blockSize)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) ReadBlocksWithMD(ctx context.Context, offset uint64, dst []byte, md [][]byte) error {
	n, err := unix.Pread(int(c.data.Fd()), dst, int64(offset)*int64(c.blockSize))
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("memdev: short cache data read %d/%d", n, len(dst))
	}
	if len(md) == 0 {
		return nil
	}
	mn, err := unix.Preadv(int(c.md.Fd()), md, int64(offset)*int64(c.mdSize))
	if err != nil {
		return err
	}
	if total := totalLen(md); mn != total {
		return fmt.Errorf("memdev: short cache md read %d/%d", mn, total)
	}
	return nil
}
