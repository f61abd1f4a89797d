// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import "hash/crc32"

// crc32cTable is the Castagnoli CRC32C table used for band tail metadata
// and NV-cache header checksums (spec.md §4.4, §4.7). The standard
// library's implementation is hardware-accelerated on amd64/arm64; no
// dependency in the retrieved pack does this job any better (see
// DESIGN.md).
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func crc32c(b []byte) uint32 { return crc32.Checksum(b, crc32cTable) }
