// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import "fmt"

// Channel is a caller's I/O handle for submitting Write/Read/Trim calls
// (spec.md §6.1): it pairs a write-buffer instance with the device it was
// opened against. Channels are not safe for concurrent use by multiple
// goroutines issuing overlapping Write calls against the same LBA, the same
// restriction the write buffer's acquire/fill/release sequence already
// implies; concurrent calls against disjoint LBAs, or concurrent Reads, are
// fine.
type Channel struct {
	dev *Device
	wb  *writeBuffer
}

// OpenChannel allocates a new I/O channel, sized from
// ConfigKnobs.WriteBufferSize, and registers it with the reactor's user
// write pointer (spec.md §6.1, §4.6). It fails with ENOMEM once
// MaxIOChannels channels are already open.
func (d *Device) OpenChannel() (*Channel, error) {
	d.mu.Lock()
	if uint32(len(d.channels)) >= d.knobs.MaxIOChannels {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: max_io_channels (%d) already open", ENOMEM, d.knobs.MaxIOChannels)
	}
	idx := d.nextChannel
	d.nextChannel++
	d.mu.Unlock()

	wbufBlocks := int(d.knobs.WriteBufferSize / uint64(d.baseDev.BlockSize()))
	if wbufBlocks <= 0 {
		wbufBlocks = 1
	}
	wb := newWriteBuffer(idx, wbufBlocks, d.baseDev.BlockSize())
	d.reactor.AddChannel(wb)

	ch := &Channel{dev: d, wb: wb}
	d.mu.Lock()
	d.channels = append(d.channels, ch)
	d.mu.Unlock()
	return ch, nil
}

// Outstanding reports the number of writes issued on ch that have not yet
// landed durably on the base device, for callers that want to poll without
// going through Flush's full callback protocol.
func (c *Channel) Outstanding() int32 { return c.wb.Outstanding() }
