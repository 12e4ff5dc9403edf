// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package level implements the tided.Database contract on top of a pool of
// leveldb databases.
package level

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/juju/loggo/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tidelabs/tidenet/database"
	"github.com/tidelabs/tidenet/database/level"
	"github.com/tidelabs/tidenet/database/tided"
	"github.com/tidelabs/tidenet/ser"
)

// Write ordering:
//	Tx and history rows are only reachable through their block record, so
//	mutations write the txs and history batches first and commit the block
//	record last. A failure anywhere before the final commit leaves no
//	visible trace of the block in the index.

const (
	ldbVersion = 1

	logLevel = "INFO"

	historyKeySize = 32 + 8 + chainhash.HashSize
)

var log = loggo.GetLogger("tidedlevel")

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

type ldb struct {
	*level.Database
	pool level.Pool

	cfg *Config
}

var _ tided.Database = (*ldb)(nil)

type Config struct {
	Home string // home directory
}

func NewConfig(home string) *Config {
	return &Config{
		Home: home, // require user to set home.
	}
}

func New(ctx context.Context, cfg *Config) (*ldb, error) {
	log.Tracef("New")
	defer log.Tracef("New exit")

	ld, err := level.New(ctx, cfg.Home, ldbVersion)
	if err != nil {
		return nil, err
	}

	l := &ldb{
		Database: ld,
		pool:     ld.DB(),
		cfg:      cfg,
	}

	dbVersion, err := l.Version(ctx)
	if err != nil {
		return nil, err
	}
	log.Infof("tided database version: %v", dbVersion)

	return l, nil
}

type (
	discardFunc func()
	commitFunc  func() error
)

func (l *ldb) startTransaction(db string) (*leveldb.Transaction, commitFunc, discardFunc, error) {
	bDB := l.pool[db]
	tx, err := bDB.OpenTransaction()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%v open transaction: %w", db, err)
	}
	d := true
	discard := &d
	df := func() {
		if *discard {
			log.Debugf("discarding transaction: %v", db)
			tx.Discard()
		}
	}
	cf := func() error {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("%v commit: %w", db, err)
		}
		*discard = false
		return nil
	}

	return tx, cf, df, nil
}

// encodeBlock encodes a block record as
// height (8 big endian) | finalized (1) | compact tx count | txids.
func encodeBlock(b *tided.Block) []byte {
	e := make([]byte, 0, 8+1+ser.CompactSizeLen(uint64(len(b.TxIds)))+
		len(b.TxIds)*chainhash.HashSize)
	e = binary.BigEndian.AppendUint64(e, b.Height)
	if b.Finalized {
		e = append(e, 1)
	} else {
		e = append(e, 0)
	}
	e = ser.AppendCompactSize(e, uint64(len(b.TxIds)))
	for k := range b.TxIds {
		e = append(e, b.TxIds[k][:]...)
	}
	return e
}

func decodeBlock(hash chainhash.Hash, e []byte) (*tided.Block, error) {
	if len(e) < 8+1 {
		return nil, fmt.Errorf("short block record: %v", len(e))
	}
	b := &tided.Block{
		Hash:      hash,
		Height:    binary.BigEndian.Uint64(e[0:8]),
		Finalized: e[8] == 1,
	}
	r := bytes.NewReader(e[9:])
	numTxs, err := ser.CompactSize(r)
	if err != nil {
		return nil, fmt.Errorf("block record tx count: %w", err)
	}
	// Compare by division; a corrupt count can overflow the product.
	rem := uint64(r.Len())
	if rem%chainhash.HashSize != 0 || numTxs != rem/chainhash.HashSize {
		return nil, fmt.Errorf("corrupt block record: %v txs, %v bytes",
			numTxs, r.Len())
	}
	b.TxIds = make([]chainhash.Hash, numTxs)
	for k := range b.TxIds {
		if _, err := r.Read(b.TxIds[k][:]); err != nil {
			return nil, fmt.Errorf("block record txid: %w", err)
		}
	}
	return b, nil
}

// historyKey encodes scripthash | height (8 big endian) | txid so that a
// scripthash prefix scan yields ascending (height, txid) order.
func historyKey(h tided.HistoryEntry) []byte {
	key := make([]byte, 0, historyKeySize)
	key = append(key, h.ScriptHash[:]...)
	key = binary.BigEndian.AppendUint64(key, h.Height)
	key = append(key, h.TxId[:]...)
	return key
}

func (l *ldb) BlockInsert(ctx context.Context, b *tided.Block, txs []tided.BlockTx, history []tided.HistoryEntry) error {
	log.Tracef("BlockInsert")
	defer log.Tracef("BlockInsert exit")

	bTX, bCommit, bDiscard, err := l.startTransaction(level.BlocksDB)
	if err != nil {
		return err
	}
	defer bDiscard()

	has, err := bTX.Has(b.Hash[:], nil)
	if err != nil {
		return fmt.Errorf("block insert has: %w", err)
	}
	if has {
		return database.DuplicateError(fmt.Sprintf("block insert: %v", b.Hash))
	}

	txsBatch := new(leveldb.Batch)
	for k := range txs {
		value := make([]byte, 0, chainhash.HashSize+len(txs[k].Raw))
		value = append(value, txs[k].BlockHash[:]...)
		value = append(value, txs[k].Raw...)
		txsBatch.Put(txs[k].TxId[:], value)
	}
	if err := l.pool[level.TxsDB].Write(txsBatch, nil); err != nil {
		return fmt.Errorf("txs insert: %w", err)
	}

	historyBatch := new(leveldb.Batch)
	for k := range history {
		historyBatch.Put(historyKey(history[k]), history[k].BlockHash[:])
	}
	if err := l.pool[level.HistoryDB].Write(historyBatch, nil); err != nil {
		return fmt.Errorf("history insert: %w", err)
	}

	// Commit block record last; it marks the block fully indexed.
	if err := bTX.Put(b.Hash[:], encodeBlock(b), nil); err != nil {
		return fmt.Errorf("block insert put: %w", err)
	}
	return bCommit()
}

func (l *ldb) BlockRemove(ctx context.Context, b *tided.Block, history []tided.HistoryEntry) error {
	log.Tracef("BlockRemove")
	defer log.Tracef("BlockRemove exit")

	bTX, bCommit, bDiscard, err := l.startTransaction(level.BlocksDB)
	if err != nil {
		return err
	}
	defer bDiscard()

	has, err := bTX.Has(b.Hash[:], nil)
	if err != nil {
		return fmt.Errorf("block remove has: %w", err)
	}
	if !has {
		return database.BlockNotFoundError{Hash: b.Hash}
	}

	txsBatch := new(leveldb.Batch)
	for k := range b.TxIds {
		txsBatch.Delete(b.TxIds[k][:])
	}
	if err := l.pool[level.TxsDB].Write(txsBatch, nil); err != nil {
		return fmt.Errorf("txs remove: %w", err)
	}

	historyBatch := new(leveldb.Batch)
	for k := range history {
		historyBatch.Delete(historyKey(history[k]))
	}
	if err := l.pool[level.HistoryDB].Write(historyBatch, nil); err != nil {
		return fmt.Errorf("history remove: %w", err)
	}

	if err := bTX.Delete(b.Hash[:], nil); err != nil {
		return fmt.Errorf("block remove delete: %w", err)
	}
	return bCommit()
}

func (l *ldb) BlockFinalize(ctx context.Context, hash chainhash.Hash) error {
	log.Tracef("BlockFinalize")
	defer log.Tracef("BlockFinalize exit")

	bTX, bCommit, bDiscard, err := l.startTransaction(level.BlocksDB)
	if err != nil {
		return err
	}
	defer bDiscard()

	e, err := bTX.Get(hash[:], nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return database.BlockNotFoundError{Hash: hash}
		}
		return fmt.Errorf("block finalize get: %w", err)
	}
	b, err := decodeBlock(hash, e)
	if err != nil {
		return fmt.Errorf("block finalize decode: %w", err)
	}
	if b.Finalized {
		// Finality is monotonic, re-finalizing is a no-op.
		return bCommit()
	}
	b.Finalized = true
	if err := bTX.Put(hash[:], encodeBlock(b), nil); err != nil {
		return fmt.Errorf("block finalize put: %w", err)
	}
	return bCommit()
}

func (l *ldb) BlockByHash(ctx context.Context, hash chainhash.Hash) (*tided.Block, error) {
	log.Tracef("BlockByHash")
	defer log.Tracef("BlockByHash exit")

	e, err := l.pool[level.BlocksDB].Get(hash[:], nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, database.BlockNotFoundError{Hash: hash}
		}
		return nil, fmt.Errorf("block by hash: %w", err)
	}
	return decodeBlock(hash, e)
}

func (l *ldb) BlockHashByTxId(ctx context.Context, txId chainhash.Hash) (*chainhash.Hash, error) {
	log.Tracef("BlockHashByTxId")
	defer log.Tracef("BlockHashByTxId exit")

	value, err := l.pool[level.TxsDB].Get(txId[:], nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, database.NotFoundError(fmt.Sprintf(
				"tx not found: %v", txId))
		}
		return nil, fmt.Errorf("block hash by txid: %w", err)
	}
	if len(value) < chainhash.HashSize {
		return nil, fmt.Errorf("corrupt tx record: %v", txId)
	}
	return chainhash.NewHash(value[0:chainhash.HashSize])
}

func (l *ldb) RawTxByTxId(ctx context.Context, txId chainhash.Hash) ([]byte, error) {
	log.Tracef("RawTxByTxId")
	defer log.Tracef("RawTxByTxId exit")

	value, err := l.pool[level.TxsDB].Get(txId[:], nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, database.NotFoundError(fmt.Sprintf(
				"tx not found: %v", txId))
		}
		return nil, fmt.Errorf("raw tx by txid: %w", err)
	}
	if len(value) < chainhash.HashSize {
		return nil, fmt.Errorf("corrupt tx record: %v", txId)
	}
	return bytes.Clone(value[chainhash.HashSize:]), nil
}

func (l *ldb) HistoryByScriptHash(ctx context.Context, sh tided.ScriptHash) ([]tided.HistoryEntry, error) {
	log.Tracef("HistoryByScriptHash")
	defer log.Tracef("HistoryByScriptHash exit")

	var history []tided.HistoryEntry
	it := l.pool[level.HistoryDB].NewIterator(util.BytesPrefix(sh[:]), nil)
	defer it.Release()
	for it.Next() {
		key, value := it.Key(), it.Value()
		if len(key) != historyKeySize || len(value) != chainhash.HashSize {
			return nil, fmt.Errorf("corrupt history row: %x", key)
		}
		h := tided.HistoryEntry{
			ScriptHash: sh,
			Height:     binary.BigEndian.Uint64(key[32:40]),
		}
		copy(h.TxId[:], key[40:])
		copy(h.BlockHash[:], value)
		history = append(history, h)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("history iterator: %w", err)
	}
	return history, nil
}
