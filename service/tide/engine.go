// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package tide

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/dustin/go-humanize"
	"github.com/sethvargo/go-retry"

	"github.com/tidelabs/tidenet/database/tided"
)

// Lifecycle entry points. The host node calls these synchronously, in
// event order, from its validation path. Failure to apply an event means
// the index can no longer mirror the node's view, so every entry point
// funnels errors through okOrAbort; there is no recovery path.

const finalizeFetchRetries = 4

func (s *Server) okOrAbort(what string, err error) {
	if err == nil {
		return
	}
	s.abort("%v: %v", what, err)
}

// TxAddedToMempool records a transaction the node accepted as pending.
func (s *Server) TxAddedToMempool(ctx context.Context, tx *wire.MsgTx, firstSeen time.Time) {
	log.Tracef("TxAddedToMempool")
	defer log.Tracef("TxAddedToMempool exit")

	s.okOrAbort("tx added to mempool", s.txAddedToMempool(ctx, tx, firstSeen))
}

func (s *Server) txAddedToMempool(ctx context.Context, tx *wire.MsgTx, firstSeen time.Time) error {
	mptx, err := bridgeTx(tx, firstSeen)
	if err != nil {
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.mp.txInsert(ctx, mptx)
	log.Debugf("tx %v added to mempool", mptx.txId)
	return nil
}

// TxRemovedFromMempool records that the node dropped a pending transaction
// for a reason other than block inclusion.
func (s *Server) TxRemovedFromMempool(ctx context.Context, txId chainhash.Hash) {
	log.Tracef("TxRemovedFromMempool")
	defer log.Tracef("TxRemovedFromMempool exit")

	s.mtx.Lock()
	defer s.mtx.Unlock()

	// Removal of an unknown id is normal; the tx may have been evicted
	// by an earlier block connection.
	if s.mp.txRemove(ctx, txId) {
		log.Debugf("tx %v removed from mempool", txId)
	}
}

// BlockConnected indexes a block the node attached to its active chain and
// evicts the block's transactions from the mempool.
func (s *Server) BlockConnected(ctx context.Context, blk *wire.MsgBlock, meta BlockMeta) {
	log.Tracef("BlockConnected")
	defer log.Tracef("BlockConnected exit")

	b, err := s.blockConnected(ctx, blk, meta)
	s.okOrAbort("block connected", err)
	if err == nil {
		log.Infof("block %v connected with %v txs", b.Hash, len(b.TxIds))
	}
}

func (s *Server) blockConnected(ctx context.Context, blk *wire.MsgBlock, meta BlockMeta) (*tided.Block, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	b, txs, history, err := s.materializeBlock(blk, meta)
	if err != nil {
		return nil, err
	}
	if err := s.db.BlockInsert(ctx, b, txs, history); err != nil {
		return nil, fmt.Errorf("insert block %v: %w", b.Hash, err)
	}
	s.mp.txsRemove(ctx, b.TxIds)
	s.blocksConnected.Inc()

	count, size := s.mp.stats(ctx)
	log.Debugf("mempool %v txs, %v", count, humanize.Bytes(uint64(size)))
	return b, nil
}

// BlockDisconnected unwinds a block the node detached during a reorg. The
// block's transactions return to the mempool pending re-confirmation on
// the new chain.
func (s *Server) BlockDisconnected(ctx context.Context, blk *wire.MsgBlock, meta BlockMeta) {
	log.Tracef("BlockDisconnected")
	defer log.Tracef("BlockDisconnected exit")

	s.okOrAbort("block disconnected", s.blockDisconnected(ctx, blk, meta))
}

func (s *Server) blockDisconnected(ctx context.Context, blk *wire.MsgBlock, meta BlockMeta) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	b, txs, history, err := s.materializeBlock(blk, meta)
	if err != nil {
		return err
	}
	if err := s.db.BlockRemove(ctx, b, history); err != nil {
		return fmt.Errorf("remove block %v: %w", b.Hash, err)
	}

	// Return the block's transactions to the mempool. The original
	// first-seen times are gone; the disconnect time stands in. The
	// coinbase is only valid inside its block and stays out.
	now := time.Now()
	for k := range txs {
		if k == 0 {
			continue
		}
		s.mp.txInsert(ctx, &mempoolTx{
			txId:      txs[k].TxId,
			raw:       txs[k].Raw,
			firstSeen: now,
		})
	}

	log.Infof("block %v disconnected with %v txs", b.Hash, len(b.TxIds))
	return nil
}

// BlockFinalized marks a previously connected block irreversible. The
// notification carries metadata only; the body is read back from the node
// to verify the engine and the node agree on what was finalized.
func (s *Server) BlockFinalized(ctx context.Context, meta BlockMeta) {
	log.Tracef("BlockFinalized")
	defer log.Tracef("BlockFinalized exit")

	s.okOrAbort("block finalized", s.blockFinalized(ctx, meta))
}

func (s *Server) blockFinalized(ctx context.Context, meta BlockMeta) error {
	s.mtx.RLock()
	fetcher := s.fetcher
	s.mtx.RUnlock()
	if fetcher == nil {
		return errors.New("no block fetcher")
	}

	// Fetch outside the exclusive window; the node may be slow to serve
	// the block and readers need not wait on it.
	var blk *wire.MsgBlock
	backoff := retry.WithMaxRetries(finalizeFetchRetries,
		retry.NewFibonacci(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		blk, err = fetcher.BlockByHash(ctx, meta.Hash)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("fetch block %v: %w", meta.Hash, err)
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	b, _, _, err := s.materializeBlock(blk, meta)
	if err != nil {
		return err
	}
	if err := s.db.BlockFinalize(ctx, b.Hash); err != nil {
		return fmt.Errorf("finalize block %v: %w", b.Hash, err)
	}

	log.Infof("block %v finalized with %v txs", b.Hash, len(b.TxIds))
	return nil
}
