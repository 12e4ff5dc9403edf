// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package ser implements the canonical length-prefixed binary encoding used
// for index records: a compact-size unsigned integer giving the byte length
// followed by that many raw bytes.
package ser

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Compact-size markers. Values below 0xfd encode as a single byte.
const (
	marker2 = 0xfd
	marker4 = 0xfe
	marker8 = 0xff
)

// AppendCompactSize appends the compact-size encoding of v to dst and
// returns the extended slice. Values below 0xfd encode as one byte; larger
// values use the smallest of the 0xfd/0xfe/0xff marker forms.
func AppendCompactSize(dst []byte, v uint64) []byte {
	switch {
	case v < marker2:
		return append(dst, byte(v))
	case v <= 0xffff:
		return binary.LittleEndian.AppendUint16(append(dst, marker2), uint16(v))
	case v <= 0xffffffff:
		return binary.LittleEndian.AppendUint32(append(dst, marker4), uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(append(dst, marker8), v)
	}
}

// CompactSize reads a compact-size unsigned integer from r.
func CompactSize(r *bytes.Reader) (uint64, error) {
	marker, err := r.ReadByte()
	if err != nil {
		return 0, eofToUnexpected(err)
	}

	var width int
	switch marker {
	case marker2:
		width = 2
	case marker4:
		width = 4
	case marker8:
		width = 8
	default:
		return uint64(marker), nil
	}

	var b [8]byte
	if _, err := io.ReadFull(r, b[:width]); err != nil {
		return 0, eofToUnexpected(err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// CompactSizeLen returns the encoded length of v.
func CompactSizeLen(v uint64) int {
	switch {
	case v < marker2:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// AppendBytes appends the length-prefixed encoding of b to dst and returns
// the extended slice.
func AppendBytes(dst, b []byte) []byte {
	dst = AppendCompactSize(dst, uint64(len(b)))
	return append(dst, b...)
}

// Bytes reads a length-prefixed byte sequence from r.
func Bytes(r *bytes.Reader) ([]byte, error) {
	n, err := CompactSize(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("serialized length %d exceeds remaining %d: %w",
			n, r.Len(), io.ErrUnexpectedEOF)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, eofToUnexpected(err)
	}
	return b, nil
}

// SerializedLen returns the length of the length-prefixed encoding of n
// payload bytes.
func SerializedLen(n int) int {
	return CompactSizeLen(uint64(n)) + n
}

// eofToUnexpected maps io.EOF to io.ErrUnexpectedEOF. A short record is a
// structural failure, not a clean end of input.
func eofToUnexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
