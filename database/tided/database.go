// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package tided declares the persistent index contract: the record types
// the synchronization engine stores and the Database interface every
// backing store must implement. Each mutating call is one logically atomic
// batch; a failed write must not leave a block half indexed.
package tided

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/tidelabs/tidenet/database"
	"github.com/tidelabs/tidenet/script"
)

// ScriptHash is the index key for an output script: sha256 over the
// script's canonical stored (compressed) form.
type ScriptHash [sha256.Size]byte

// NewScriptHashFromBytes hashes the canonical stored form of a script.
func NewScriptHashFromBytes(compressed []byte) ScriptHash {
	return sha256.Sum256(compressed)
}

// NewScriptHashFromScript hashes a script's raw bytecode. Callers that
// compress scripts before storage must hash the compressed form instead.
func NewScriptHashFromScript(s script.Script) ScriptHash {
	return sha256.Sum256(s.Bytes())
}

func (sh ScriptHash) String() string {
	return hex.EncodeToString(sh[:])
}

// Block is the stored record of a connected block: its position, finality
// overlay and the ordered ids of the transactions it confirmed.
type Block struct {
	Hash      chainhash.Hash
	Height    uint64
	Finalized bool
	TxIds     []chainhash.Hash
}

// BlockTx is one confirmed transaction as stored in the tx index.
type BlockTx struct {
	TxId      chainhash.Hash
	BlockHash chainhash.Hash
	Raw       []byte // serialized transaction
}

// HistoryEntry is one script history row: the given script was touched by
// the given transaction in the given block.
type HistoryEntry struct {
	ScriptHash ScriptHash
	Height     uint64
	TxId       chainhash.Hash
	BlockHash  chainhash.Hash
}

// Database is the persistent index store. The engine is the only writer;
// the serving layer reads through the engine's shared guard.
type Database interface {
	database.Database

	// Version returns the on-disk database version.
	Version(ctx context.Context) (int, error)

	// BlockInsert atomically records a connected block, its transactions
	// and their script history rows.
	BlockInsert(ctx context.Context, b *Block, txs []BlockTx, history []HistoryEntry) error

	// BlockRemove atomically reverses BlockInsert for the given block.
	BlockRemove(ctx context.Context, b *Block, history []HistoryEntry) error

	// BlockFinalize sets the finality overlay on an already connected
	// block. Returns database.ErrBlockNotFound if the block was never
	// connected.
	BlockFinalize(ctx context.Context, hash chainhash.Hash) error

	// BlockByHash returns the stored block record.
	BlockByHash(ctx context.Context, hash chainhash.Hash) (*Block, error)

	// BlockHashByTxId returns the hash of the block that confirmed the
	// given transaction.
	BlockHashByTxId(ctx context.Context, txId chainhash.Hash) (*chainhash.Hash, error)

	// RawTxByTxId returns the serialized confirmed transaction.
	RawTxByTxId(ctx context.Context, txId chainhash.Hash) ([]byte, error)

	// HistoryByScriptHash returns the confirmed history of a script in
	// ascending (height, txid) order.
	HistoryByScriptHash(ctx context.Context, sh ScriptHash) ([]HistoryEntry, error)
}
