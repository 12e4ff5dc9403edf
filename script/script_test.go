// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package script

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"github.com/go-test/deep"
)

func mustDecodeHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestTemplates(t *testing.T) {
	var pkh [HashLen]byte
	copy(pkh[:], mustDecodeHex(t, "0123456789abcdef0123456789abcdef01234567"))
	var pk [PubKeyLen]byte
	pk[0] = 0x02
	var pku [UncompressedPubKeyLen]byte
	pku[0] = 0x04

	tests := []struct {
		name   string
		script Script
		want   string
	}{
		{
			name:   "p2pkh",
			script: P2PKH(pkh),
			want:   "76a9140123456789abcdef0123456789abcdef0123456788ac",
		},
		{
			name:   "p2sh",
			script: P2SH(pkh),
			want:   "a9140123456789abcdef0123456789abcdef0123456787",
		},
		{
			name:   "p2pk",
			script: P2PK(pk),
			want: "2102000000000000000000000000000000000000000000000000" +
				"0000000000000000ac",
		},
		{
			name:   "p2pk uncompressed",
			script: P2PKUncompressed(pku),
			want: "41040000000000000000000000000000000000000000000000000000" +
				"00000000000000000000000000000000000000000000000000000000" +
				"0000000000000000ac",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.script.String(); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsOpReturn(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   bool
	}{
		{name: "empty", script: "", want: false},
		{name: "bare op_return", script: "6a", want: true},
		{name: "op_return with push", script: "6a01cc", want: true},
		{name: "op_checksig", script: "ac", want: false},
		{name: "p2pkh", script: "76a914000000000000000000000000000000000000000088ac", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scr := New(mustDecodeHex(t, tt.script))
			if got := scr.IsOpReturn(); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOpsSimple(t *testing.T) {
	scr := New(mustDecodeHex(t, "0301020387"))
	want := []Op{
		{Code: 0x03, Data: []byte{0x01, 0x02, 0x03}},
		{Code: OP_EQUAL},
	}

	var got []Op
	it := scr.Ops()
	for it.Next() {
		got = append(got, it.Op())
	}
	if err := it.Err(); err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(got, want); len(diff) > 0 {
		t.Fatalf("unexpected ops diff: %s", diff)
	}
}

func TestOpsComplex(t *testing.T) {
	// Exercises every push encoding and ends in a truncated push.
	scr := New(mustDecodeHex(t, "6a504c021234004d01001260884cffabcd"))
	want := []Op{
		{Code: OP_RETURN},
		{Code: OP_RESERVED},
		{Code: OP_PUSHDATA1, Data: []byte{0x12, 0x34}},
		{Code: OP_0},
		{Code: OP_PUSHDATA2, Data: []byte{0x12}},
		{Code: OP_16},
		{Code: OP_EQUALVERIFY},
	}

	var got []Op
	it := scr.Ops()
	for it.Next() {
		got = append(got, it.Op())
	}
	if diff := deep.Equal(got, want); len(diff) > 0 {
		t.Fatalf("unexpected ops diff: %s", diff)
	}

	var ile InvalidLengthError
	if err := it.Err(); !errors.As(err, &ile) {
		t.Fatalf("expected InvalidLengthError, got %v", err)
	}
	if ile.Expected != 0xff || ile.Actual != 2 {
		t.Fatalf("expected {255 2}, got {%v %v}", ile.Expected, ile.Actual)
	}

	// The iterator does not resume past an error.
	if it.Next() {
		t.Fatal("expected Next to keep returning false")
	}
	if err := it.Err(); !errors.As(err, &ile) {
		t.Fatalf("expected InvalidLengthError, got %v", err)
	}
}

func TestOpsTruncatedLengthField(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		expected int
		actual   int
	}{
		{name: "pushdata1 no length", script: "4c", expected: 1, actual: 0},
		{name: "pushdata2 short length", script: "4d01", expected: 2, actual: 1},
		{name: "pushdata4 short length", script: "4e010203", expected: 4, actual: 3},
		{name: "direct push short data", script: "05abcd", expected: 5, actual: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := New(mustDecodeHex(t, tt.script)).Ops()
			for it.Next() {
			}
			var ile InvalidLengthError
			if err := it.Err(); !errors.As(err, &ile) {
				t.Fatalf("expected InvalidLengthError, got %v", err)
			}
			if ile.Expected != tt.expected || ile.Actual != tt.actual {
				t.Fatalf("expected {%v %v}, got {%v %v}",
					tt.expected, tt.actual, ile.Expected, ile.Actual)
			}
		})
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		script []byte
		prefix string
	}{
		{name: "empty", script: nil, prefix: "00"},
		{name: "one byte", script: []byte{0xab}, prefix: "01"},
		{name: "fc bytes", script: bytes.Repeat([]byte{0xcc}, 0xfc), prefix: "fc"},
		{name: "fd bytes", script: bytes.Repeat([]byte{0xcc}, 0xfd), prefix: "fdfd00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scr := New(tt.script)
			raw := scr.Serialize()

			prefix := mustDecodeHex(t, tt.prefix)
			if !bytes.HasPrefix(raw, prefix) {
				t.Fatalf("expected prefix %x, got %x", prefix, raw[:len(prefix)])
			}
			if len(raw) != scr.SerializedLen() {
				t.Fatalf("expected serialized length %v, got %v",
					scr.SerializedLen(), len(raw))
			}

			got, err := Deserialize(bytes.NewReader(raw))
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(scr) {
				t.Fatalf("expected %v, got %v", scr, got)
			}
		})
	}
}

func TestDeserializeShort(t *testing.T) {
	// Declared length exceeds what remains.
	_, err := Deserialize(bytes.NewReader(mustDecodeHex(t, "05abcd")))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestHash160(t *testing.T) {
	want := "b472a266d0bd89c13706a4132ccfb16f7c3b9fcb"
	got := Hash160(nil)
	if hex.EncodeToString(got[:]) != want {
		t.Fatalf("expected %v, got %x", want, got)
	}
}
