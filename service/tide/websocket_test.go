// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package tide

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/phayes/freeport"

	"github.com/tidelabs/tidenet/api/protocol"
	"github.com/tidelabs/tidenet/api/tideapi"
)

func createAddress() string {
	port, err := freeport.GetFreePort()
	if err != nil {
		panic(fmt.Errorf("find free port: %w", err))
	}
	return fmt.Sprintf("localhost:%d", port)
}

func TestWebsocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := NewDefaultConfig()
	cfg.LevelDBHome = t.TempDir()
	cfg.ListenAddress = createAddress()

	s, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s.abort = func(format string, args ...any) {
		t.Fatalf("abort: %v", fmt.Sprintf(format, args...))
	}

	go func() {
		if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
			panic(err)
		}
	}()

	// Wait for the database before seeding the index.
	for {
		s.mtx.RLock()
		ready := s.db != nil
		s.mtx.RUnlock()
		if ready {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal(ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}

	mempoolTx := newTestTx(0x0a)
	mempoolTxId := mempoolTx.TxHash()
	firstSeen := time.Unix(1700000000, 0)
	s.TxAddedToMempool(ctx, mempoolTx, firstSeen)

	confirmedTx := newTestTx(0x0b)
	confirmedTxId := confirmedTx.TxHash()
	blk, meta := newTestBlock(7, newCoinbaseTx(7), confirmedTx)
	s.BlockConnected(ctx, blk, meta)

	conn, err := protocol.NewConn(fmt.Sprintf("ws://%s%s",
		cfg.ListenAddress, tideapi.RouteWebsocket), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	for conn.Connect(ctx) != nil {
		select {
		case <-ctx.Done():
			t.Fatal(ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Completes calls; the server opens with a ping which is ignored.
	go func() {
		for {
			if _, _, _, err := tideapi.ReadConn(ctx, conn); err != nil {
				return
			}
		}
	}()

	now := time.Now().Unix()
	cmd, _, payload, err := tideapi.Call(ctx, conn,
		tideapi.PingRequest{Timestamp: now})
	if err != nil {
		t.Fatal(err)
	}
	if cmd != tideapi.CmdPingResponse {
		t.Fatalf("unexpected command: %v", cmd)
	}
	if got := payload.(*tideapi.PingResponse).OriginTimestamp; got != now {
		t.Fatalf("expected origin timestamp %v, got %v", now, got)
	}

	cmd, _, payload, err = tideapi.Call(ctx, conn, tideapi.MempoolInfoRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if cmd != tideapi.CmdMempoolInfoResponse {
		t.Fatalf("unexpected command: %v", cmd)
	}
	mi := payload.(*tideapi.MempoolInfoResponse)
	if mi.Error != nil {
		t.Fatal(mi.Error)
	}
	if mi.TxCount != 1 {
		t.Fatalf("expected 1 mempool tx, got %v", mi.TxCount)
	}
	if mi.Size <= 0 {
		t.Fatalf("expected nonzero mempool size, got %v", mi.Size)
	}

	_, _, payload, err = tideapi.Call(ctx, conn,
		tideapi.MempoolTxByIdRequest{TxId: &mempoolTxId})
	if err != nil {
		t.Fatal(err)
	}
	mt := payload.(*tideapi.MempoolTxByIdResponse)
	if mt.Error != nil {
		t.Fatal(mt.Error)
	}
	if mt.TimeFirstSeen != firstSeen.Unix() {
		t.Fatalf("expected first seen %v, got %v",
			firstSeen.Unix(), mt.TimeFirstSeen)
	}
	var expected bytes.Buffer
	if err := mempoolTx.Serialize(&expected); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mt.Tx, expected.Bytes()) {
		t.Fatalf("expected %x, got %x", expected.Bytes(), mt.Tx)
	}

	_, _, payload, err = tideapi.Call(ctx, conn,
		tideapi.TxByIdRequest{TxId: &confirmedTxId})
	if err != nil {
		t.Fatal(err)
	}
	tr := payload.(*tideapi.TxByIdResponse)
	if tr.Error != nil {
		t.Fatal(tr.Error)
	}
	if tr.BlockHash == nil || !tr.BlockHash.IsEqual(&meta.Hash) {
		t.Fatalf("expected block %v, got %v", meta.Hash, tr.BlockHash)
	}
	expected.Reset()
	if err := confirmedTx.Serialize(&expected); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(tr.Tx, expected.Bytes()) {
		t.Fatalf("expected %x, got %x", expected.Bytes(), tr.Tx)
	}

	// Unknown txid is a user visible error, not a protocol failure.
	unknown := fillHash(0xee)
	_, _, payload, err = tideapi.Call(ctx, conn,
		tideapi.TxByIdRequest{TxId: &unknown})
	if err != nil {
		t.Fatal(err)
	}
	if tr := payload.(*tideapi.TxByIdResponse); tr.Error == nil {
		t.Fatal("expected error for unknown txid")
	}

	// So is a request with no txid at all.
	_, _, payload, err = tideapi.Call(ctx, conn, tideapi.TxByIdRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if tr := payload.(*tideapi.TxByIdResponse); tr.Error == nil {
		t.Fatal("expected error for missing txid")
	}

	_, _, payload, err = tideapi.Call(ctx, conn,
		tideapi.BlockByHashRequest{Hash: &meta.Hash})
	if err != nil {
		t.Fatal(err)
	}
	br := payload.(*tideapi.BlockByHashResponse)
	if br.Error != nil {
		t.Fatal(br.Error)
	}
	if br.Hash == nil || !br.Hash.IsEqual(&meta.Hash) {
		t.Fatalf("expected block %v, got %v", meta.Hash, br.Hash)
	}
	if br.Height != meta.Height {
		t.Fatalf("expected height %v, got %v", meta.Height, br.Height)
	}
	if len(br.TxIds) != 2 {
		t.Fatalf("expected 2 txs, got %v", len(br.TxIds))
	}
	if br.Finalized {
		t.Fatal("expected block to not be finalized")
	}

	_, _, payload, err = tideapi.Call(ctx, conn,
		tideapi.HistoryByScriptRequest{Script: confirmedTx.TxOut[0].PkScript})
	if err != nil {
		t.Fatal(err)
	}
	hr := payload.(*tideapi.HistoryByScriptResponse)
	if hr.Error != nil {
		t.Fatal(hr.Error)
	}
	if len(hr.History) != 1 {
		t.Fatalf("expected 1 history entry, got %v", len(hr.History))
	}
	if hr.History[0].TxId != confirmedTxId ||
		hr.History[0].BlockHash != meta.Hash ||
		hr.History[0].Height != meta.Height {
		t.Fatalf("unexpected history entry: %v", hr.History[0])
	}
}
