// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftl

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Persistent band metadata layout (spec.md §4.4): a head record at the
// start of the band's on-device blocks, and a tail record (head fields
// plus the packed LBA map and a trailing checksum) once the band closes.

const (
	headMagic  = 0x46544c48 // "FTLH"
	tailMagic  = 0x46544c54 // "FTLT"
	mdVersion  = 1
	headerSize = 4 + 4 + 16 + 8 + 8 + 8 // magic, version, uuid, band_id, write_count, seq
)

// bandHeader is the common prefix of both the head and tail records.
type bandHeader struct {
	uuid       uuid.UUID
	bandID     uint64
	writeCount uint64
	seq        uint64
}

func putHeader(buf []byte, magic uint32, h bandHeader) int {
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], mdVersion)
	copy(buf[8:24], h.uuid[:])
	binary.LittleEndian.PutUint64(buf[24:32], h.bandID)
	binary.LittleEndian.PutUint64(buf[32:40], h.writeCount)
	binary.LittleEndian.PutUint64(buf[40:48], h.seq)
	return headerSize
}

func getHeader(buf []byte, wantMagic uint32, deviceUUID uuid.UUID) (bandHeader, error) {
	var h bandHeader
	if len(buf) < headerSize {
		return h, fmt.Errorf("%w: record too short for header", NoMD)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != wantMagic {
		return h, fmt.Errorf("%w: bad magic %#x", NoMD, magic)
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != mdVersion {
		return h, fmt.Errorf("%w: version %d", InvalidVersion, version)
	}
	copy(h.uuid[:], buf[8:24])
	if h.uuid != deviceUUID {
		return h, fmt.Errorf("%w: uuid mismatch", NoMD)
	}
	h.bandID = binary.LittleEndian.Uint64(buf[24:32])
	h.writeCount = binary.LittleEndian.Uint64(buf[32:40])
	h.seq = binary.LittleEndian.Uint64(buf[40:48])
	return h, nil
}

// encodeHeadRecord produces a head metadata record, padded with zeroes to
// blockSize. Written before the band transitions OPENING -> OPEN.
func encodeHeadRecord(deviceUUID uuid.UUID, bandID, writeCount uint64, blockSize uint32) []byte {
	size := headerSize + 4 // + trailing crc32c
	if int(blockSize) > size {
		size = int(blockSize)
	}
	buf := make([]byte, size)
	n := putHeader(buf, headMagic, bandHeader{uuid: deviceUUID, bandID: bandID, writeCount: writeCount})
	crc := crc32c(buf[:n])
	binary.LittleEndian.PutUint32(buf[n:n+4], crc)
	return buf
}

// decodeHeadRecord validates and parses a head record read back from the
// device (spec.md §4.12 restore path).
func decodeHeadRecord(buf []byte, deviceUUID uuid.UUID) (bandHeader, error) {
	h, err := getHeader(buf, headMagic, deviceUUID)
	if err != nil {
		return h, err
	}
	got := binary.LittleEndian.Uint32(buf[headerSize : headerSize+4])
	want := crc32c(buf[:headerSize])
	if got != want {
		return h, fmt.Errorf("%w: head record", InvalidCRC)
	}
	return h, nil
}

// encodeTailRecord produces the tail metadata record: header fields, the
// packed LBA map (8 bytes each), and a trailing CRC32C over everything
// before it (spec.md §4.4).
func encodeTailRecord(deviceUUID uuid.UUID, bandID, writeCount, seq uint64, lbaMap []uint64) []byte {
	body := headerSize + 8*len(lbaMap)
	buf := make([]byte, body+4)
	putHeader(buf, tailMagic, bandHeader{uuid: deviceUUID, bandID: bandID, writeCount: writeCount, seq: seq})
	off := headerSize
	for _, lba := range lbaMap {
		binary.LittleEndian.PutUint64(buf[off:off+8], lba)
		off += 8
	}
	crc := crc32c(buf[:body])
	binary.LittleEndian.PutUint32(buf[body:body+4], crc)
	return buf
}

// decodeTailRecord validates and parses a tail record, checking magic,
// version, uuid, size (against the band's usableBlocks) and CRC32C in that
// order, per spec.md §4.4's named rejection codes.
func decodeTailRecord(buf []byte, deviceUUID uuid.UUID, usableBlocks uint64) (bandHeader, []uint64, error) {
	wantSize := headerSize + 8*int(usableBlocks) + 4
	if len(buf) < headerSize {
		return bandHeader{}, nil, fmt.Errorf("%w: record too short", NoMD)
	}
	h, err := getHeader(buf, tailMagic, deviceUUID)
	if err != nil {
		return h, nil, err
	}
	if len(buf) != wantSize {
		return h, nil, fmt.Errorf("%w: got %d bytes, want %d", InvalidSize, len(buf), wantSize)
	}
	body := wantSize - 4
	got := binary.LittleEndian.Uint32(buf[body:body+4])
	want := crc32c(buf[:body])
	if got != want {
		return h, nil, fmt.Errorf("%w: tail record", InvalidCRC)
	}
	lbaMap := make([]uint64, usableBlocks)
	off := headerSize
	for i := range lbaMap {
		lbaMap[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}
	return h, lbaMap, nil
}
