// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package ser

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"testing"
)

func TestCompactSize(t *testing.T) {
	tests := []struct {
		name string
		v    uint64
		want string
	}{
		{name: "zero", v: 0, want: "00"},
		{name: "one byte max", v: 0xfc, want: "fc"},
		{name: "two byte min", v: 0xfd, want: "fdfd00"},
		{name: "two byte max", v: 0xffff, want: "fdffff"},
		{name: "four byte min", v: 0x10000, want: "fe00000100"},
		{name: "four byte max", v: 0xffffffff, want: "feffffffff"},
		{name: "eight byte min", v: 0x100000000, want: "ff0000000001000000"},
		{name: "eight byte max", v: 0xffffffffffffffff, want: "ffffffffffffffffff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AppendCompactSize(nil, tt.v)
			if hex.EncodeToString(got) != tt.want {
				t.Fatalf("encode: got %x, want %v", got, tt.want)
			}
			if len(got) != CompactSizeLen(tt.v) {
				t.Fatalf("length: got %v, want %v",
					CompactSizeLen(tt.v), len(got))
			}

			v, err := CompactSize(bytes.NewReader(got))
			if err != nil {
				t.Fatal(err)
			}
			if v != tt.v {
				t.Fatalf("decode: got %v, want %v", v, tt.v)
			}
		})
	}
}

func TestCompactSizeShort(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "two byte marker only", raw: "fd"},
		{name: "two byte short", raw: "fdff"},
		{name: "four byte short", raw: "fe0000"},
		{name: "eight byte short", raw: "ff00000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := hex.DecodeString(tt.raw)
			if err != nil {
				t.Fatal(err)
			}
			_, err = CompactSize(bytes.NewReader(raw))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
				t.Fatalf("expected EOF error, got %v", err)
			}
		})
	}
}

func TestBytesRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		b    []byte
	}{
		{name: "empty", b: nil},
		{name: "short", b: []byte{0xde, 0xad, 0xbe, 0xef}},
		{name: "one byte max", b: bytes.Repeat([]byte{0x11}, 0xfc)},
		{name: "two byte min", b: bytes.Repeat([]byte{0x22}, 0xfd)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := AppendBytes(nil, tt.b)
			if len(raw) != SerializedLen(len(tt.b)) {
				t.Fatalf("length: got %v, want %v",
					len(raw), SerializedLen(len(tt.b)))
			}

			got, err := Bytes(bytes.NewReader(raw))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.b) {
				t.Fatalf("got %x, want %x", got, tt.b)
			}
		})
	}
}

func TestBytesShort(t *testing.T) {
	// Length prefix promises more than the reader holds.
	raw := AppendCompactSize(nil, 16)
	raw = append(raw, 0x01, 0x02)
	_, err := Bytes(bytes.NewReader(raw))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}
