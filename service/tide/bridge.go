// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package tide

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/tidelabs/tidenet/database/tided"
	"github.com/tidelabs/tidenet/script"
)

// BlockMeta carries the node's view of a block's position in the chain.
// The node assigns height; the engine never derives it.
type BlockMeta struct {
	Hash   chainhash.Hash
	Height uint64
}

// BlockFetcher retrieves full block bodies from the node. Finality
// notifications carry metadata only, so the engine reads the body back
// through this interface before recording the flag.
type BlockFetcher interface {
	BlockByHash(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error)
}

// CompressScriptFunc maps an output script to the byte form that is hashed
// into the script index. Hosts may install their own compression; the
// default uses the script's canonical serialization.
type CompressScriptFunc func(scr script.Script) []byte

func compressScript(scr script.Script) []byte {
	return scr.Serialize()
}

// bridgeTx converts a native transaction into the engine's mempool
// representation.
func bridgeTx(tx *wire.MsgTx, firstSeen time.Time) (*mempoolTx, error) {
	if tx == nil {
		return nil, errors.New("nil transaction")
	}
	raw, err := serializeTx(tx)
	if err != nil {
		return nil, err
	}
	return &mempoolTx{
		txId:      tx.TxHash(),
		raw:       raw,
		firstSeen: firstSeen,
	}, nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var b bytes.Buffer
	b.Grow(tx.SerializeSize())
	if err := tx.Serialize(&b); err != nil {
		return nil, fmt.Errorf("serialize tx: %w", err)
	}
	return b.Bytes(), nil
}

// materializeBlock converts a native block into the records BlockInsert and
// BlockRemove operate on. The block's recomputed hash must match the node's
// metadata; a mismatch means the host handed us an inconsistent view and is
// not recoverable.
func (s *Server) materializeBlock(blk *wire.MsgBlock, meta BlockMeta) (*tided.Block, []tided.BlockTx, []tided.HistoryEntry, error) {
	log.Tracef("materializeBlock")
	defer log.Tracef("materializeBlock exit")

	if blk == nil {
		return nil, nil, nil, errors.New("nil block")
	}
	b := btcutil.NewBlock(blk)
	hash := *b.Hash()
	if !hash.IsEqual(&meta.Hash) {
		return nil, nil, nil, fmt.Errorf("block hash mismatch: node %v, computed %v",
			meta.Hash, hash)
	}

	txs := b.Transactions()
	block := &tided.Block{
		Hash:   hash,
		Height: meta.Height,
		TxIds:  make([]chainhash.Hash, 0, len(txs)),
	}
	blockTxs := make([]tided.BlockTx, 0, len(txs))
	var history []tided.HistoryEntry
	for _, tx := range txs {
		txId := *tx.Hash()
		raw, err := serializeTx(tx.MsgTx())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("tx %v: %w", txId, err)
		}
		block.TxIds = append(block.TxIds, txId)
		blockTxs = append(blockTxs, tided.BlockTx{
			TxId:      txId,
			BlockHash: hash,
			Raw:       raw,
		})
		for _, txOut := range tx.MsgTx().TxOut {
			scr := script.New(txOut.PkScript)
			if scr.IsOpReturn() {
				// Data carriers are unspendable and not indexed.
				continue
			}
			history = append(history, tided.HistoryEntry{
				ScriptHash: tided.NewScriptHashFromBytes(s.compressScript(scr)),
				Height:     meta.Height,
				TxId:       txId,
				BlockHash:  hash,
			})
		}
	}

	return block, blockTxs, history, nil
}
