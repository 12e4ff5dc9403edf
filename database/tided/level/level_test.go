// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package level

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/go-test/deep"

	"github.com/tidelabs/tidenet/database"
	"github.com/tidelabs/tidenet/database/tided"
	"github.com/tidelabs/tidenet/ser"
)

func newTestDatabase(t *testing.T) (*ldb, context.Context) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := New(ctx, NewConfig(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatal(err)
		}
	})

	return db, ctx
}

func fillHash(b byte) chainhash.Hash {
	var h chainhash.Hash
	for k := range h {
		h[k] = b
	}
	return h
}

func fillScriptHash(b byte) tided.ScriptHash {
	var sh tided.ScriptHash
	for k := range sh {
		sh[k] = b
	}
	return sh
}

func testBlock(hashByte byte, height uint64, txBytes ...byte) (*tided.Block, []tided.BlockTx, []tided.HistoryEntry) {
	hash := fillHash(hashByte)
	b := &tided.Block{
		Hash:   hash,
		Height: height,
	}
	var txs []tided.BlockTx
	var history []tided.HistoryEntry
	for _, tb := range txBytes {
		txId := fillHash(tb)
		b.TxIds = append(b.TxIds, txId)
		txs = append(txs, tided.BlockTx{
			TxId:      txId,
			BlockHash: hash,
			Raw:       []byte{tb, tb, tb},
		})
		history = append(history, tided.HistoryEntry{
			ScriptHash: fillScriptHash(tb),
			Height:     height,
			TxId:       txId,
			BlockHash:  hash,
		})
	}
	return b, txs, history
}

func TestBlockInsert(t *testing.T) {
	db, ctx := newTestDatabase(t)

	b, txs, history := testBlock(0x01, 7, 0x0a, 0x0b)
	if err := db.BlockInsert(ctx, b, txs, history); err != nil {
		t.Fatal(err)
	}

	// Duplicate insert must fail.
	err := db.BlockInsert(ctx, b, txs, history)
	if !errors.Is(err, database.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	got, err := db.BlockByHash(ctx, b.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(got, b); len(diff) > 0 {
		t.Fatalf("unexpected block diff: %s", diff)
	}

	for k := range txs {
		raw, err := db.RawTxByTxId(ctx, txs[k].TxId)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(raw, txs[k].Raw) {
			t.Fatalf("tx %v: got %x, want %x", txs[k].TxId, raw, txs[k].Raw)
		}

		bh, err := db.BlockHashByTxId(ctx, txs[k].TxId)
		if err != nil {
			t.Fatal(err)
		}
		if !bh.IsEqual(&b.Hash) {
			t.Fatalf("tx %v: got block %v, want %v", txs[k].TxId, bh, b.Hash)
		}
	}
}

func TestBlockNotFound(t *testing.T) {
	db, ctx := newTestDatabase(t)

	_, err := db.BlockByHash(ctx, fillHash(0x99))
	if !errors.Is(err, database.ErrBlockNotFound) {
		t.Fatalf("expected block not found, got %v", err)
	}

	_, err = db.RawTxByTxId(ctx, fillHash(0x99))
	if !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_, err = db.BlockHashByTxId(ctx, fillHash(0x99))
	if !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBlockRemove(t *testing.T) {
	db, ctx := newTestDatabase(t)

	b, txs, history := testBlock(0x02, 9, 0x0c, 0x0d)
	if err := db.BlockInsert(ctx, b, txs, history); err != nil {
		t.Fatal(err)
	}
	if err := db.BlockRemove(ctx, b, history); err != nil {
		t.Fatal(err)
	}

	// Everything the block carried must be gone.
	if _, err := db.BlockByHash(ctx, b.Hash); !errors.Is(err, database.ErrBlockNotFound) {
		t.Fatalf("expected block not found, got %v", err)
	}
	for k := range txs {
		if _, err := db.RawTxByTxId(ctx, txs[k].TxId); !errors.Is(err, database.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	for k := range history {
		entries, err := db.HistoryByScriptHash(ctx, history[k].ScriptHash)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 0 {
			t.Fatalf("expected empty history, got %v", entries)
		}
	}

	// Removing an unknown block must fail.
	err := db.BlockRemove(ctx, b, history)
	if !errors.Is(err, database.ErrBlockNotFound) {
		t.Fatalf("expected block not found, got %v", err)
	}
}

func TestBlockFinalize(t *testing.T) {
	db, ctx := newTestDatabase(t)

	// Finalizing an unknown block must fail.
	err := db.BlockFinalize(ctx, fillHash(0x99))
	if !errors.Is(err, database.ErrBlockNotFound) {
		t.Fatalf("expected block not found, got %v", err)
	}

	b, txs, history := testBlock(0x03, 11, 0x0e)
	if err := db.BlockInsert(ctx, b, txs, history); err != nil {
		t.Fatal(err)
	}

	got, err := db.BlockByHash(ctx, b.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if got.Finalized {
		t.Fatal("expected block to not be finalized")
	}

	if err := db.BlockFinalize(ctx, b.Hash); err != nil {
		t.Fatal(err)
	}
	got, err = db.BlockByHash(ctx, b.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Finalized {
		t.Fatal("expected block to be finalized")
	}

	// Finality is monotonic; a second finalize is a no-op.
	if err := db.BlockFinalize(ctx, b.Hash); err != nil {
		t.Fatal(err)
	}
}

func TestHistoryOrder(t *testing.T) {
	db, ctx := newTestDatabase(t)

	sh := fillScriptHash(0x55)
	other := fillScriptHash(0x56)

	// Insert out of height order with multiple txs per height.
	heights := []uint64{12, 3, 7}
	for k, height := range heights {
		hash := fillHash(byte(0x20 + k))
		b := &tided.Block{Hash: hash, Height: height}
		var txs []tided.BlockTx
		var history []tided.HistoryEntry
		for _, tb := range []byte{0x90, 0x10} {
			txId := fillHash(tb + byte(k))
			b.TxIds = append(b.TxIds, txId)
			txs = append(txs, tided.BlockTx{
				TxId:      txId,
				BlockHash: hash,
				Raw:       []byte{tb},
			})
			history = append(history,
				tided.HistoryEntry{
					ScriptHash: sh,
					Height:     height,
					TxId:       txId,
					BlockHash:  hash,
				},
				tided.HistoryEntry{
					ScriptHash: other,
					Height:     height,
					TxId:       txId,
					BlockHash:  hash,
				})
		}
		if err := db.BlockInsert(ctx, b, txs, history); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := db.HistoryByScriptHash(ctx, sh)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 6 {
		t.Fatalf("expected 6 entries, got %v", len(entries))
	}
	for k := range entries {
		if entries[k].ScriptHash != sh {
			t.Fatalf("entry %v: foreign script hash %v", k, entries[k].ScriptHash)
		}
		if k == 0 {
			continue
		}
		prev, cur := entries[k-1], entries[k]
		if prev.Height > cur.Height {
			t.Fatalf("entry %v: height %v after %v", k, cur.Height, prev.Height)
		}
		if prev.Height == cur.Height &&
			bytes.Compare(prev.TxId[:], cur.TxId[:]) > 0 {
			t.Fatalf("entry %v: txid out of order", k)
		}
	}
}

func TestDecodeBlockCorrupt(t *testing.T) {
	record := func(count uint64, txidBytes int) []byte {
		e := binary.BigEndian.AppendUint64(nil, 5)
		e = append(e, 0)
		e = ser.AppendCompactSize(e, count)
		return append(e, make([]byte, txidBytes)...)
	}

	tests := []struct {
		name   string
		record []byte
	}{
		{name: "short record", record: []byte{0x00}},
		{name: "count short of payload", record: record(2, chainhash.HashSize)},
		{name: "payload not whole txids", record: record(1, chainhash.HashSize-1)},
		{
			// A count whose product with the txid size wraps to the
			// remaining length must not pass the length check.
			name:   "count overflows",
			record: record(1<<59, 0),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeBlock(fillHash(0x01), tt.record); err == nil {
				t.Fatal("expected corrupt record error")
			}
		})
	}
}
