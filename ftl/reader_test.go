// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"context"
	"testing"

	"github.com/zoneftl/ftl/addr"
	"github.com/zoneftl/ftl/memdev"
)

func TestReaderUnmappedZeroFills(t *testing.T) {
	dev, err := memdev.NewZoned(512, 16, 2, false)
	if err != nil {
		t.Fatalf("NewZoned: %v", err)
	}
	defer dev.Close()

	l2p := NewL2P(4)
	r := NewReader(l2p, addr.NewGeometry(16, 2, 4), dev, nil, 512, func(uint32) (*writeBuffer, bool) { return nil, false })

	dst := make([]byte, 512)
	dst[0] = 0xff
	if err := r.Read(context.Background(), 0, dst); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for _, b := range dst {
		if b != 0 {
			t.Fatal("unmapped LBA read did not zero-fill")
		}
	}
}

func TestReaderBaseReadSingleAndCoalesced(t *testing.T) {
	dev, err := memdev.NewZoned(512, 16, 2, false)
	if err != nil {
		t.Fatalf("NewZoned: %v", err)
	}
	defer dev.Close()
	ctx := context.Background()

	payload := make([][]byte, 2)
	for i := range payload {
		payload[i] = make([]byte, 512)
		payload[i][0] = byte(i + 1)
	}
	if err := dev.WritevBlocks(ctx, 0, payload); err != nil {
		t.Fatalf("WritevBlocks: %v", err)
	}

	l2p := NewL2P(4)
	l2p.Set(0, addr.Base(0))
	l2p.Set(1, addr.Base(1))

	r := NewReader(l2p, addr.NewGeometry(16, 2, 4), dev, nil, 512, func(uint32) (*writeBuffer, bool) { return nil, false })
	dst := make([]byte, 1024)
	if err := r.Read(ctx, 0, dst); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if dst[0] != 1 || dst[512] != 2 {
		t.Fatalf("coalesced read payload = %d,%d want 1,2", dst[0], dst[512])
	}

	one := make([]byte, 512)
	if err := r.Read(ctx, 1, one); err != nil {
		t.Fatalf("single Read: %v", err)
	}
	if one[0] != 2 {
		t.Fatalf("single read payload = %d, want 2", one[0])
	}
}

func TestReaderCachedRead(t *testing.T) {
	dev, err := memdev.NewZoned(512, 16, 2, false)
	if err != nil {
		t.Fatalf("NewZoned: %v", err)
	}
	defer dev.Close()

	l2p := NewL2P(4)
	ch := newWriteBuffer(0, 4, 512)
	e, ok := ch.acquire(false, l2p)
	if !ok {
		t.Fatal("acquire failed")
	}
	data := make([]byte, 512)
	data[0] = 0x99
	cacheAddr := ch.fill(e, data, 2, false, 0, addr.Invalid)
	l2p.Set(2, cacheAddr)

	r := NewReader(l2p, addr.NewGeometry(16, 2, 4), dev, nil, 512, func(idx uint32) (*writeBuffer, bool) {
		if idx == 0 {
			return ch, true
		}
		return nil, false
	})

	dst := make([]byte, 512)
	if err := r.Read(context.Background(), 2, dst); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if dst[0] != 0x99 {
		t.Fatalf("cached read = %x, want 0x99", dst[0])
	}
}

func TestReaderRejectsMisalignedLength(t *testing.T) {
	dev, err := memdev.NewZoned(512, 16, 2, false)
	if err != nil {
		t.Fatalf("NewZoned: %v", err)
	}
	defer dev.Close()

	l2p := NewL2P(4)
	r := NewReader(l2p, addr.NewGeometry(16, 2, 4), dev, nil, 512, func(uint32) (*writeBuffer, bool) { return nil, false })
	if err := r.Read(context.Background(), 0, make([]byte, 100)); err == nil {
		t.Fatal("expected error for misaligned read length")
	}
}
