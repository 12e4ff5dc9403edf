// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package script

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Op is one decoded script element: either a bare opcode (Data is nil) or a
// data push (Data holds the pushed bytes, Code the opcode that signaled the
// push). Ops are only produced by decoding; Data aliases the script's
// internal bytecode and must not be modified.
type Op struct {
	Code Opcode
	Data []byte
}

// Equal reports whether two ops have the same code and push data.
func (o Op) Equal(other Op) bool {
	if o.Code != other.Code {
		return false
	}
	if (o.Data == nil) != (other.Data == nil) {
		return false
	}
	return bytes.Equal(o.Data, other.Data)
}

func (o Op) String() string {
	if o.Data == nil {
		return o.Code.String()
	}
	return fmt.Sprintf("%v[%x]", o.Code, o.Data)
}

// InvalidLengthError is a structural decode failure: a push declared more
// bytes than the script has left.
type InvalidLengthError struct {
	Expected int // declared push or length-field size
	Actual   int // bytes actually remaining
}

func (e InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length: expected %d bytes, got %d",
		e.Expected, e.Actual)
}

func (e InvalidLengthError) Is(target error) bool {
	_, ok := target.(InvalidLengthError)
	return ok
}

// OpIter decodes script bytecode lazily, one op per Next call:
//
//	it := s.Ops()
//	for it.Next() {
//		op := it.Op()
//		...
//	}
//	if err := it.Err(); err != nil {
//		...
//	}
//
// Iteration ends when the bytecode is exhausted or on the first structural
// error; later bytes are never inspected and the iterator cannot be resumed
// past the error. A fresh iterator restarts from byte 0.
type OpIter struct {
	bytecode []byte
	off      int
	op       Op
	err      error
}

// Next advances to the next op. It returns false when the bytecode is
// exhausted or a structural error was hit; Err distinguishes the two.
func (it *OpIter) Next() bool {
	if it.err != nil || it.off >= len(it.bytecode) {
		return false
	}

	code := Opcode(it.bytecode[it.off])
	it.off++

	var n int
	switch {
	case code >= 0x01 && code <= maxDirectPush:
		n = int(code)
	case code == OP_PUSHDATA1, code == OP_PUSHDATA2, code == OP_PUSHDATA4:
		width := 1 << (code - OP_PUSHDATA1) // 1, 2 or 4 bytes, little endian
		if rest := len(it.bytecode) - it.off; rest < width {
			it.err = InvalidLengthError{Expected: width, Actual: rest}
			return false
		}
		var length [4]byte
		copy(length[:], it.bytecode[it.off:it.off+width])
		it.off += width
		n = int(binary.LittleEndian.Uint32(length[:]))
	default:
		it.op = Op{Code: code}
		return true
	}

	if rest := len(it.bytecode) - it.off; rest < n {
		it.err = InvalidLengthError{Expected: n, Actual: rest}
		return false
	}
	it.op = Op{Code: code, Data: it.bytecode[it.off : it.off+n : it.off+n]}
	it.off += n
	return true
}

// Op returns the op decoded by the last successful Next call.
func (it *OpIter) Op() Op {
	return it.op
}

// Err returns the structural error that ended iteration, or nil if the
// bytecode decoded cleanly.
func (it *OpIter) Err() error {
	return it.err
}
