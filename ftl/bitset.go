// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import "math/bits"

// bitset is a fixed-size bit vector used for a band's valid_map (spec.md
// §3, §4.3). It intentionally doesn't grow; size is fixed at construction
// to usable_blocks.
type bitset struct {
	bits []uint64
	n    int
}

func newBitset(n int) *bitset {
	return &bitset{bits: make([]uint64, (n+63)/64), n: n}
}

func (b *bitset) set(i int)   { b.bits[i/64] |= 1 << uint(i%64) }
func (b *bitset) clear(i int) { b.bits[i/64] &^= 1 << uint(i%64) }
func (b *bitset) test(i int) bool {
	return b.bits[i/64]&(1<<uint(i%64)) != 0
}

// popcount returns the number of set bits, used by tests and invariant
// checks to verify num_valid == popcount(valid_map) (spec.md invariant 1).
func (b *bitset) popcount() int {
	n := 0
	for _, w := range b.bits {
		n += bits.OnesCount64(w)
	}
	return n
}

// clone returns an independent copy, used when handing a snapshot of
// valid_map to the relocator without holding the band's lock for the
// iteration's duration.
func (b *bitset) clone() *bitset {
	c := &bitset{bits: make([]uint64, len(b.bits)), n: b.n}
	copy(c.bits, b.bits)
	return c
}
