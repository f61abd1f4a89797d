// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

// Status is the FTL's error taxonomy (spec.md §7), expressed as a small
// integer satisfying the error interface so it composes with ordinary Go
// error handling while still letting callers switch on the code the way
// SPDK callers switch on -ENOMEM etc. Grounded on the teacher's
// errnoToStatus/fuse.Status pattern (nodefs/bridge.go).
type Status int

const (
	// OK is the zero value: no error.
	OK Status = iota
	// ENOMEM: I/O descriptor or pool exhaustion. Hot-path policy: queue
	// on a retry ring; the caller observes success (§7).
	ENOMEM
	// EAGAIN: a child write was blocked by a busy zone. Policy: queue the
	// parent on the write pointer's pending queue and retry next
	// iteration (§7).
	EAGAIN
	// EFAULT: read of an unmapped LBA. Policy: zero-fill and complete
	// successfully (§7) — EFAULT is returned only internally; Read never
	// surfaces it to the caller.
	EFAULT
	// EIO: a completion carried a non-zero device status (§7).
	EIO
	// EINVAL: a user argument violated the contract (§7).
	EINVAL
	// EBUSY: the device is not initialized yet, or is halting (§7).
	EBUSY
	// ENODEV: the base device is missing (§7, fails Create).
	ENODEV

	// NoMD: restore found no parseable head/tail metadata for a band, or
	// its UUID did not match the device (§4.4).
	NoMD
	// InvalidCRC: a metadata record's CRC32C did not validate (§4.4).
	InvalidCRC
	// InvalidVersion: a metadata record's version did not match (§4.4).
	InvalidVersion
	// InvalidSize: a metadata record's size did not match device geometry
	// (§4.4).
	InvalidSize
)

func (s Status) Error() string {
	switch s {
	case OK:
		return "ftl: ok"
	case ENOMEM:
		return "ftl: out of memory (pool exhausted)"
	case EAGAIN:
		return "ftl: resource busy, try again"
	case EFAULT:
		return "ftl: unmapped address"
	case EIO:
		return "ftl: i/o error"
	case EINVAL:
		return "ftl: invalid argument"
	case EBUSY:
		return "ftl: device busy"
	case ENODEV:
		return "ftl: no such device"
	case NoMD:
		return "ftl: no metadata"
	case InvalidCRC:
		return "ftl: metadata crc mismatch"
	case InvalidVersion:
		return "ftl: metadata version mismatch"
	case InvalidSize:
		return "ftl: metadata size mismatch"
	default:
		return "ftl: unknown status"
	}
}
