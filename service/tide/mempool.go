// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package tide

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
)

// mempoolTx is one unconfirmed transaction as tracked by the engine.
type mempoolTx struct {
	txId      chainhash.Hash
	raw       []byte    // serialized transaction
	firstSeen time.Time // when the node first saw this tx
}

// mempool tracks the set of transactions the node considers pending. It is
// mutated only by the engine's lifecycle path; the serving layer reads it
// through the engine's shared guard.
type mempool struct {
	txs  map[chainhash.Hash]*mempoolTx
	size int // total size of raw transactions in the mempool
}

// txInsert inserts a transaction. Insertion is idempotent: a duplicate id
// keeps the original entry, including its first-seen time.
func (m *mempool) txInsert(ctx context.Context, mptx *mempoolTx) {
	log.Tracef("txInsert")
	defer log.Tracef("txInsert exit")

	if _, ok := m.txs[mptx.txId]; ok {
		return
	}
	m.txs[mptx.txId] = mptx
	m.size += len(mptx.raw)
}

// txRemove removes a transaction; removing an absent id is a no-op since
// the node may report removal of a tx already evicted by block connection.
func (m *mempool) txRemove(ctx context.Context, txId chainhash.Hash) bool {
	log.Tracef("txRemove")
	defer log.Tracef("txRemove exit")

	tx, ok := m.txs[txId]
	if !ok {
		return false
	}
	m.size -= len(tx.raw)
	delete(m.txs, txId)
	return true
}

// txsRemove evicts the given ids, returning how many were present.
func (m *mempool) txsRemove(ctx context.Context, txIds []chainhash.Hash) int {
	log.Tracef("txsRemove")
	defer log.Tracef("txsRemove exit")

	var removed int
	for k := range txIds {
		if m.txRemove(ctx, txIds[k]) {
			removed++
		}
	}
	return removed
}

func (m *mempool) txById(ctx context.Context, txId chainhash.Hash) *mempoolTx {
	return m.txs[txId]
}

func (m *mempool) stats(ctx context.Context) (int, int) {
	// Approximate size of mempool; map and cap overhead is missing.
	return len(m.txs), m.size + (len(m.txs) * chainhash.HashSize)
}

func (m *mempool) Dump(ctx context.Context) string {
	return spew.Sdump(m.txs)
}

func mempoolNew() (*mempool, error) {
	return &mempool{
		txs: make(map[chainhash.Hash]*mempoolTx, 10000),
	}, nil
}
