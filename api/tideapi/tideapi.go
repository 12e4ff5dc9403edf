// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package tideapi declares the read-only serving commands exposed by the
// tide indexer. The serving layer never mutates the index.
package tideapi

import (
	"context"
	"fmt"
	"maps"
	"reflect"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/tidelabs/tidenet/api"
	"github.com/tidelabs/tidenet/api/protocol"
)

const (
	APIVersion = 1

	CmdPingRequest  = "tideapi-ping-request"
	CmdPingResponse = "tideapi-ping-response"

	CmdTxByIdRequest  = "tideapi-tx-by-id-request"
	CmdTxByIdResponse = "tideapi-tx-by-id-response"

	CmdMempoolTxByIdRequest  = "tideapi-mempool-tx-by-id-request"
	CmdMempoolTxByIdResponse = "tideapi-mempool-tx-by-id-response"

	CmdMempoolInfoRequest  = "tideapi-mempool-info-request"
	CmdMempoolInfoResponse = "tideapi-mempool-info-response"

	CmdBlockByHashRequest  = "tideapi-block-by-hash-request"
	CmdBlockByHashResponse = "tideapi-block-by-hash-response"

	CmdHistoryByScriptRequest  = "tideapi-history-by-script-request"
	CmdHistoryByScriptResponse = "tideapi-history-by-script-response"
)

var (
	APIVersionRoute = fmt.Sprintf("v%d", APIVersion)
	RouteWebsocket  = fmt.Sprintf("/%s/ws", APIVersionRoute)

	DefaultListen = "localhost:8339"
	DefaultURL    = fmt.Sprintf("ws://%s%s", DefaultListen, RouteWebsocket)
)

type (
	PingRequest  protocol.PingRequest
	PingResponse protocol.PingResponse
)

// TxByIdRequest requests a confirmed transaction by its id.
type TxByIdRequest struct {
	TxId *chainhash.Hash `json:"tx_id"`
}

// TxByIdResponse is the response for [TxByIdRequest].
type TxByIdResponse struct {
	Tx        api.ByteSlice   `json:"tx"`
	BlockHash *chainhash.Hash `json:"block_hash"`
	Error     *protocol.Error `json:"error,omitempty"`
}

// MempoolTxByIdRequest requests an unconfirmed transaction by its id.
type MempoolTxByIdRequest struct {
	TxId *chainhash.Hash `json:"tx_id"`
}

// MempoolTxByIdResponse is the response for [MempoolTxByIdRequest].
type MempoolTxByIdResponse struct {
	Tx            api.ByteSlice   `json:"tx"`
	TimeFirstSeen int64           `json:"time_first_seen"`
	Error         *protocol.Error `json:"error,omitempty"`
}

type MempoolInfoRequest struct{}

type MempoolInfoResponse struct {
	TxCount int             `json:"tx_count"`
	Size    int             `json:"size"`
	Error   *protocol.Error `json:"error,omitempty"`
}

// BlockByHashRequest requests an indexed block record by its hash.
type BlockByHashRequest struct {
	Hash *chainhash.Hash `json:"hash"`
}

// BlockByHashResponse is the response for [BlockByHashRequest].
type BlockByHashResponse struct {
	Hash      *chainhash.Hash  `json:"hash"`
	Height    uint64           `json:"height"`
	Finalized bool             `json:"finalized"`
	TxIds     []chainhash.Hash `json:"tx_ids"`
	Error     *protocol.Error  `json:"error,omitempty"`
}

// HistoryByScriptRequest requests the confirmed history of an output
// script, given as raw bytecode.
type HistoryByScriptRequest struct {
	Script api.ByteSlice `json:"script"`
}

// HistoryEntry is one confirmed history row.
type HistoryEntry struct {
	TxId      chainhash.Hash `json:"tx_id"`
	BlockHash chainhash.Hash `json:"block_hash"`
	Height    uint64         `json:"height"`
}

// HistoryByScriptResponse is the response for [HistoryByScriptRequest].
type HistoryByScriptResponse struct {
	History []HistoryEntry  `json:"history"`
	Error   *protocol.Error `json:"error,omitempty"`
}

var commands = map[protocol.Command]reflect.Type{
	CmdPingRequest:             reflect.TypeOf(PingRequest{}),
	CmdPingResponse:            reflect.TypeOf(PingResponse{}),
	CmdTxByIdRequest:           reflect.TypeOf(TxByIdRequest{}),
	CmdTxByIdResponse:          reflect.TypeOf(TxByIdResponse{}),
	CmdMempoolTxByIdRequest:    reflect.TypeOf(MempoolTxByIdRequest{}),
	CmdMempoolTxByIdResponse:   reflect.TypeOf(MempoolTxByIdResponse{}),
	CmdMempoolInfoRequest:      reflect.TypeOf(MempoolInfoRequest{}),
	CmdMempoolInfoResponse:     reflect.TypeOf(MempoolInfoResponse{}),
	CmdBlockByHashRequest:      reflect.TypeOf(BlockByHashRequest{}),
	CmdBlockByHashResponse:     reflect.TypeOf(BlockByHashResponse{}),
	CmdHistoryByScriptRequest:  reflect.TypeOf(HistoryByScriptRequest{}),
	CmdHistoryByScriptResponse: reflect.TypeOf(HistoryByScriptResponse{}),
}

type tideAPI struct{}

func (a *tideAPI) Commands() map[protocol.Command]reflect.Type {
	return commands
}

func APICommands() map[protocol.Command]reflect.Type {
	return maps.Clone(commands)
}

// Write is the low level primitive of a protocol Write. One should generally
// not use this function and use WriteConn and Call instead.
func Write(ctx context.Context, c protocol.APIConn, id string, payload any) error {
	return protocol.Write(ctx, c, &tideAPI{}, id, payload)
}

// Read is the low level primitive of a protocol Read. One should generally
// not use this function and use ReadConn instead.
func Read(ctx context.Context, c protocol.APIConn) (protocol.Command, string, any, error) {
	return protocol.Read(ctx, c, &tideAPI{})
}

// Call is a blocking call. One should use ReadConn when using Call or else
// the completion will end up in the Read instead of being completed as
// expected.
func Call(ctx context.Context, c *protocol.Conn, payload any) (protocol.Command, string, any, error) {
	return c.Call(ctx, &tideAPI{}, payload)
}

// WriteConn writes to Conn. It is equivalent to Write but exists for
// symmetry reasons.
func WriteConn(ctx context.Context, c *protocol.Conn, id string, payload any) error {
	return c.Write(ctx, &tideAPI{}, id, payload)
}

// ReadConn reads from Conn and performs callbacks. One should use ReadConn
// over Read when mixing Write, WriteConn and Call.
func ReadConn(ctx context.Context, c *protocol.Conn) (protocol.Command, string, any, error) {
	return c.Read(ctx, &tideAPI{})
}
