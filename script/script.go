// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package script models output script bytecode: canonical template
// construction, structural decoding into opcodes and data pushes, and
// canonical serialization. The package is pure and performs no I/O; it does
// not validate opcode semantics, only structural decodability.
package script

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"

	"github.com/decred/dcrd/crypto/ripemd160"

	"github.com/tidelabs/tidenet/ser"
)

const (
	// HashLen is the length of a script or pubkey hash as used by the
	// pay-to-*-hash templates.
	HashLen = 20

	// PubKeyLen is the length of a compressed public key.
	PubKeyLen = 33

	// UncompressedPubKeyLen is the length of an uncompressed public key.
	UncompressedPubKeyLen = 65
)

// Script is an immutable wrapper around script bytecode. Constructors copy
// their input and accessors never hand out the internal buffer, so a Script
// may be shared freely across goroutines.
type Script struct {
	bytecode []byte
}

// New returns a Script wrapping a copy of the given bytecode.
func New(bytecode []byte) Script {
	return Script{bytecode: bytes.Clone(bytecode)}
}

// NewFromHex returns a Script decoded from a hexadecimal string.
func NewFromHex(s string) (Script, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Script{}, err
	}
	return Script{bytecode: b}, nil
}

// P2PKH returns the pay-to-public-key-hash template
// OP_DUP OP_HASH160 <hash> OP_EQUALVERIFY OP_CHECKSIG.
func P2PKH(pkh [HashLen]byte) Script {
	b := make([]byte, 0, 2+1+HashLen+2)
	b = append(b, byte(OP_DUP), byte(OP_HASH160), HashLen)
	b = append(b, pkh[:]...)
	b = append(b, byte(OP_EQUALVERIFY), byte(OP_CHECKSIG))
	return Script{bytecode: b}
}

// P2SH returns the pay-to-script-hash template
// OP_HASH160 <script hash> OP_EQUAL.
func P2SH(sh [HashLen]byte) Script {
	b := make([]byte, 0, 1+1+HashLen+1)
	b = append(b, byte(OP_HASH160), HashLen)
	b = append(b, sh[:]...)
	b = append(b, byte(OP_EQUAL))
	return Script{bytecode: b}
}

// P2PK returns the pay-to-public-key template <pubkey> OP_CHECKSIG for a
// compressed public key.
func P2PK(pubkey [PubKeyLen]byte) Script {
	b := make([]byte, 0, 1+PubKeyLen+1)
	b = append(b, PubKeyLen)
	b = append(b, pubkey[:]...)
	b = append(b, byte(OP_CHECKSIG))
	return Script{bytecode: b}
}

// P2PKUncompressed returns the pay-to-public-key template
// <pubkey> OP_CHECKSIG for an uncompressed public key.
func P2PKUncompressed(pubkey [UncompressedPubKeyLen]byte) Script {
	b := make([]byte, 0, 1+UncompressedPubKeyLen+1)
	b = append(b, UncompressedPubKeyLen)
	b = append(b, pubkey[:]...)
	b = append(b, byte(OP_CHECKSIG))
	return Script{bytecode: b}
}

// Bytes returns a copy of the script bytecode.
func (s Script) Bytes() []byte {
	return bytes.Clone(s.bytecode)
}

// Len returns the bytecode length.
func (s Script) Len() int {
	return len(s.bytecode)
}

// String returns the bytecode as a hexadecimal string.
func (s Script) String() string {
	return hex.EncodeToString(s.bytecode)
}

// Equal reports whether both scripts carry identical bytecode.
func (s Script) Equal(o Script) bool {
	return bytes.Equal(s.bytecode, o.bytecode)
}

// IsOpReturn reports whether the script starts with OP_RETURN. An empty
// script is not an OP_RETURN script.
func (s Script) IsOpReturn() bool {
	return len(s.bytecode) > 0 && Opcode(s.bytecode[0]) == OP_RETURN
}

// Ops returns a lazy iterator over the operations encoded in the script.
func (s Script) Ops() *OpIter {
	return &OpIter{bytecode: s.bytecode}
}

// Serialize returns the canonical length-prefixed encoding of the script.
func (s Script) Serialize() []byte {
	return ser.AppendBytes(make([]byte, 0, ser.SerializedLen(len(s.bytecode))), s.bytecode)
}

// SerializedLen returns the length of Serialize without encoding.
func (s Script) SerializedLen() int {
	return ser.SerializedLen(len(s.bytecode))
}

// Deserialize reads a canonically serialized script from r.
func Deserialize(r *bytes.Reader) (Script, error) {
	b, err := ser.Bytes(r)
	if err != nil {
		return Script{}, err
	}
	return Script{bytecode: b}, nil
}

// Hash160 returns ripemd160(sha256(b)), the hash used by the
// pay-to-*-hash templates.
func Hash160(b []byte) [HashLen]byte {
	s := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(s[:])
	var pkh [HashLen]byte
	copy(pkh[:], h.Sum(nil))
	return pkh
}
