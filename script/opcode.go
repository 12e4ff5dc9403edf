// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package script

import "fmt"

// Opcode is a single byte of script bytecode. It either names an operation
// or acts as a push-length marker for literal data embedded in the script.
type Opcode byte

const (
	OP_0         Opcode = 0x00
	OP_PUSHDATA1 Opcode = 0x4c
	OP_PUSHDATA2 Opcode = 0x4d
	OP_PUSHDATA4 Opcode = 0x4e
	OP_1NEGATE   Opcode = 0x4f
	OP_RESERVED  Opcode = 0x50
	OP_1         Opcode = 0x51
	OP_2         Opcode = 0x52
	OP_3         Opcode = 0x53
	OP_4         Opcode = 0x54
	OP_5         Opcode = 0x55
	OP_6         Opcode = 0x56
	OP_7         Opcode = 0x57
	OP_8         Opcode = 0x58
	OP_9         Opcode = 0x59
	OP_10        Opcode = 0x5a
	OP_11        Opcode = 0x5b
	OP_12        Opcode = 0x5c
	OP_13        Opcode = 0x5d
	OP_14        Opcode = 0x5e
	OP_15        Opcode = 0x5f
	OP_16        Opcode = 0x60

	OP_NOP    Opcode = 0x61
	OP_IF     Opcode = 0x63
	OP_NOTIF  Opcode = 0x64
	OP_ELSE   Opcode = 0x67
	OP_ENDIF  Opcode = 0x68
	OP_VERIFY Opcode = 0x69
	OP_RETURN Opcode = 0x6a

	OP_DUP Opcode = 0x76

	OP_EQUAL       Opcode = 0x87
	OP_EQUALVERIFY Opcode = 0x88

	OP_RIPEMD160 Opcode = 0xa6
	OP_SHA1      Opcode = 0xa7
	OP_SHA256    Opcode = 0xa8
	OP_HASH160   Opcode = 0xa9
	OP_HASH256   Opcode = 0xaa

	OP_CHECKSIG            Opcode = 0xac
	OP_CHECKSIGVERIFY      Opcode = 0xad
	OP_CHECKMULTISIG       Opcode = 0xae
	OP_CHECKMULTISIGVERIFY Opcode = 0xaf
)

// maxDirectPush is the largest opcode that pushes its own value in bytes
// directly, without a separate length field.
const maxDirectPush = 0x4b

var opcodeNames = map[Opcode]string{
	OP_0:                   "OP_0",
	OP_PUSHDATA1:           "OP_PUSHDATA1",
	OP_PUSHDATA2:           "OP_PUSHDATA2",
	OP_PUSHDATA4:           "OP_PUSHDATA4",
	OP_1NEGATE:             "OP_1NEGATE",
	OP_RESERVED:            "OP_RESERVED",
	OP_1:                   "OP_1",
	OP_2:                   "OP_2",
	OP_3:                   "OP_3",
	OP_4:                   "OP_4",
	OP_5:                   "OP_5",
	OP_6:                   "OP_6",
	OP_7:                   "OP_7",
	OP_8:                   "OP_8",
	OP_9:                   "OP_9",
	OP_10:                  "OP_10",
	OP_11:                  "OP_11",
	OP_12:                  "OP_12",
	OP_13:                  "OP_13",
	OP_14:                  "OP_14",
	OP_15:                  "OP_15",
	OP_16:                  "OP_16",
	OP_NOP:                 "OP_NOP",
	OP_IF:                  "OP_IF",
	OP_NOTIF:               "OP_NOTIF",
	OP_ELSE:                "OP_ELSE",
	OP_ENDIF:               "OP_ENDIF",
	OP_VERIFY:              "OP_VERIFY",
	OP_RETURN:              "OP_RETURN",
	OP_DUP:                 "OP_DUP",
	OP_EQUAL:               "OP_EQUAL",
	OP_EQUALVERIFY:         "OP_EQUALVERIFY",
	OP_RIPEMD160:           "OP_RIPEMD160",
	OP_SHA1:                "OP_SHA1",
	OP_SHA256:              "OP_SHA256",
	OP_HASH160:             "OP_HASH160",
	OP_HASH256:             "OP_HASH256",
	OP_CHECKSIG:            "OP_CHECKSIG",
	OP_CHECKSIGVERIFY:      "OP_CHECKSIGVERIFY",
	OP_CHECKMULTISIG:       "OP_CHECKMULTISIG",
	OP_CHECKMULTISIGVERIFY: "OP_CHECKMULTISIGVERIFY",
}

// String returns the canonical name of the opcode. Direct pushes and codes
// without a name render as OP_DATA_N and OP_UNKNOWN_0xNN respectively.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	if o >= 0x01 && o <= maxDirectPush {
		return fmt.Sprintf("OP_DATA_%d", int(o))
	}
	return fmt.Sprintf("OP_UNKNOWN_0x%02x", byte(o))
}
