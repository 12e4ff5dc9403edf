// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package tide

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/davecgh/go-spew/spew"

	"github.com/tidelabs/tidenet/api/protocol"
	"github.com/tidelabs/tidenet/api/tideapi"
	"github.com/tidelabs/tidenet/database"
	"github.com/tidelabs/tidenet/script"
)

type tideWs struct {
	wg             sync.WaitGroup
	addr           string
	conn           *protocol.WSConn
	sessionID      string
	requestContext context.Context
}

func (ws *tideWs) handlePingRequest(ctx context.Context, payload any, id string) error {
	log.Tracef("handlePingRequest: %v", ws.addr)
	defer log.Tracef("handlePingRequest exit: %v", ws.addr)

	p, ok := payload.(*tideapi.PingRequest)
	if !ok {
		return fmt.Errorf("handlePingRequest invalid payload type: %T", payload)
	}
	response := &tideapi.PingResponse{
		OriginTimestamp: p.Timestamp,
		Timestamp:       time.Now().Unix(),
	}

	log.Tracef("responding with %v", spew.Sdump(response))

	if err := tideapi.Write(ctx, ws.conn, id, response); err != nil {
		return fmt.Errorf("handlePingRequest write: %v %v",
			ws.addr, err)
	}
	return nil
}

func (ws *tideWs) handleTxByIdRequest(ctx context.Context, payload any, id string, s *Server) error {
	log.Tracef("handleTxByIdRequest: %v", ws.addr)
	defer log.Tracef("handleTxByIdRequest exit: %v", ws.addr)

	p, ok := payload.(*tideapi.TxByIdRequest)
	if !ok {
		return fmt.Errorf("handleTxByIdRequest invalid payload type: %T", payload)
	}

	response := tideapi.TxByIdResponse{}
	if p.TxId == nil {
		response.Error = protocol.RequestErrorf("invalid tx id")
		if err := tideapi.Write(ctx, ws.conn, id, response); err != nil {
			return fmt.Errorf("handleTxByIdRequest write: %v %v", ws.addr, err)
		}
		return nil
	}
	raw, blockHash, err := s.TxByTxId(ctx, *p.TxId)
	switch {
	case errors.Is(err, database.ErrNotFound):
		response.Error = protocol.Errorf("tx not found: %v", p.TxId)
	case err != nil:
		log.Errorf("error getting tx by id: %v", err)
		response.Error = protocol.NewInternalError(err).ProtocolError()
	default:
		response.Tx = raw
		response.BlockHash = blockHash
	}

	if err := tideapi.Write(ctx, ws.conn, id, response); err != nil {
		return fmt.Errorf("handleTxByIdRequest write: %v %v", ws.addr, err)
	}
	return nil
}

func (ws *tideWs) handleMempoolTxByIdRequest(ctx context.Context, payload any, id string, s *Server) error {
	log.Tracef("handleMempoolTxByIdRequest: %v", ws.addr)
	defer log.Tracef("handleMempoolTxByIdRequest exit: %v", ws.addr)

	p, ok := payload.(*tideapi.MempoolTxByIdRequest)
	if !ok {
		return fmt.Errorf("handleMempoolTxByIdRequest invalid payload type: %T", payload)
	}

	response := tideapi.MempoolTxByIdResponse{}
	if p.TxId == nil {
		response.Error = protocol.RequestErrorf("invalid tx id")
		if err := tideapi.Write(ctx, ws.conn, id, response); err != nil {
			return fmt.Errorf("handleMempoolTxByIdRequest write: %v %v", ws.addr, err)
		}
		return nil
	}
	raw, firstSeen, err := s.MempoolTxByTxId(ctx, *p.TxId)
	switch {
	case errors.Is(err, database.ErrNotFound):
		response.Error = protocol.Errorf("tx not in mempool: %v", p.TxId)
	case err != nil:
		log.Errorf("error getting mempool tx by id: %v", err)
		response.Error = protocol.NewInternalError(err).ProtocolError()
	default:
		response.Tx = raw
		response.TimeFirstSeen = firstSeen.Unix()
	}

	if err := tideapi.Write(ctx, ws.conn, id, response); err != nil {
		return fmt.Errorf("handleMempoolTxByIdRequest write: %v %v", ws.addr, err)
	}
	return nil
}

func (ws *tideWs) handleMempoolInfoRequest(ctx context.Context, payload any, id string, s *Server) error {
	log.Tracef("handleMempoolInfoRequest: %v", ws.addr)
	defer log.Tracef("handleMempoolInfoRequest exit: %v", ws.addr)

	if _, ok := payload.(*tideapi.MempoolInfoRequest); !ok {
		return fmt.Errorf("handleMempoolInfoRequest invalid payload type: %T", payload)
	}

	count, size := s.MempoolStats(ctx)
	response := tideapi.MempoolInfoResponse{
		TxCount: count,
		Size:    size,
	}

	if err := tideapi.Write(ctx, ws.conn, id, response); err != nil {
		return fmt.Errorf("handleMempoolInfoRequest write: %v %v", ws.addr, err)
	}
	return nil
}

func (ws *tideWs) handleBlockByHashRequest(ctx context.Context, payload any, id string, s *Server) error {
	log.Tracef("handleBlockByHashRequest: %v", ws.addr)
	defer log.Tracef("handleBlockByHashRequest exit: %v", ws.addr)

	p, ok := payload.(*tideapi.BlockByHashRequest)
	if !ok {
		return fmt.Errorf("handleBlockByHashRequest invalid payload type: %T", payload)
	}

	response := tideapi.BlockByHashResponse{}
	if p.Hash == nil {
		response.Error = protocol.RequestErrorf("invalid block hash")
		if err := tideapi.Write(ctx, ws.conn, id, response); err != nil {
			return fmt.Errorf("handleBlockByHashRequest write: %v %v", ws.addr, err)
		}
		return nil
	}
	b, err := s.BlockByHash(ctx, *p.Hash)
	switch {
	case errors.Is(err, database.ErrBlockNotFound):
		response.Error = protocol.Errorf("block not found: %v", p.Hash)
	case err != nil:
		log.Errorf("error getting block by hash: %v", err)
		response.Error = protocol.NewInternalError(err).ProtocolError()
	default:
		response.Hash = &b.Hash
		response.Height = b.Height
		response.Finalized = b.Finalized
		response.TxIds = b.TxIds
	}

	if err := tideapi.Write(ctx, ws.conn, id, response); err != nil {
		return fmt.Errorf("handleBlockByHashRequest write: %v %v", ws.addr, err)
	}
	return nil
}

func (ws *tideWs) handleHistoryByScriptRequest(ctx context.Context, payload any, id string, s *Server) error {
	log.Tracef("handleHistoryByScriptRequest: %v", ws.addr)
	defer log.Tracef("handleHistoryByScriptRequest exit: %v", ws.addr)

	p, ok := payload.(*tideapi.HistoryByScriptRequest)
	if !ok {
		return fmt.Errorf("handleHistoryByScriptRequest invalid payload type: %T", payload)
	}

	response := tideapi.HistoryByScriptResponse{}
	history, err := s.HistoryByScript(ctx, script.New(p.Script))
	if err != nil {
		log.Errorf("error getting history by script: %v", err)
		response.Error = protocol.NewInternalError(err).ProtocolError()
	} else {
		response.History = make([]tideapi.HistoryEntry, 0, len(history))
		for k := range history {
			response.History = append(response.History, tideapi.HistoryEntry{
				TxId:      history[k].TxId,
				BlockHash: history[k].BlockHash,
				Height:    history[k].Height,
			})
		}
	}

	if err := tideapi.Write(ctx, ws.conn, id, response); err != nil {
		return fmt.Errorf("handleHistoryByScriptRequest write: %v %v", ws.addr, err)
	}
	return nil
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	log.Tracef("handleWebsocket: %v", r.RemoteAddr)
	defer log.Tracef("handleWebsocket exit: %v", r.RemoteAddr)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Errorf("Failed to accept websocket connection for %s: %v",
			r.RemoteAddr, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "") // Force close connection

	ws := &tideWs{
		addr:           r.RemoteAddr,
		conn:           protocol.NewWSConn(conn),
		requestContext: r.Context(),
	}

	if ws.sessionID, err = s.newSession(ws); err != nil {
		log.Errorf("An error occurred while creating session: %v", err)
		return
	}
	defer s.deleteSession(ws.sessionID)

	ws.wg.Add(1)
	go s.handleWebsocketRead(r.Context(), ws)

	// Always ping, required by protocol.
	ping := &tideapi.PingRequest{
		Timestamp: time.Now().Unix(),
	}

	log.Tracef("Responding with %v", spew.Sdump(ping))
	if err = tideapi.Write(r.Context(), ws.conn, "0", ping); err != nil {
		log.Errorf("Write ping: %v", err)
	}

	log.Infof("Connection from %v", r.RemoteAddr)

	// Wait for termination
	ws.wg.Wait()

	log.Infof("Connection terminated from %v", r.RemoteAddr)
}

func (s *Server) handleWebsocketRead(ctx context.Context, ws *tideWs) {
	defer ws.wg.Done()

	log.Tracef("handleWebsocketRead: %v", ws.addr)
	defer log.Tracef("handleWebsocketRead exit: %v", ws.addr)

	for {
		cmd, id, payload, err := tideapi.Read(ctx, ws.conn)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				log.Tracef("handleWebsocketRead: %v", err)
				return
			}

			log.Errorf("handleWebsocketRead: %v", err)
			return
		}

		switch cmd {
		case tideapi.CmdPingRequest:
			err = ws.handlePingRequest(ctx, payload, id)
		case tideapi.CmdTxByIdRequest:
			err = ws.handleTxByIdRequest(ctx, payload, id, s)
		case tideapi.CmdMempoolTxByIdRequest:
			err = ws.handleMempoolTxByIdRequest(ctx, payload, id, s)
		case tideapi.CmdMempoolInfoRequest:
			err = ws.handleMempoolInfoRequest(ctx, payload, id, s)
		case tideapi.CmdBlockByHashRequest:
			err = ws.handleBlockByHashRequest(ctx, payload, id, s)
		case tideapi.CmdHistoryByScriptRequest:
			err = ws.handleHistoryByScriptRequest(ctx, payload, id, s)
		default:
			err = fmt.Errorf("unknown command: %v", cmd)
		}

		// Command failed
		if err != nil {
			log.Errorf("handleWebsocketRead %s %s %s: %v",
				ws.addr, cmd, id, err)
			return
		}

		// Command successfully completed
		s.cmdsProcessed.Inc()
	}
}

func (s *Server) newSession(ws *tideWs) (string, error) {
	b := make([]byte, 16)

	for {
		// Create random hexadecimal string to use as an ID
		_, err := rand.Read(b)
		if err != nil {
			return "", err
		}
		id := hex.EncodeToString(b)

		// Ensure the key is not already in use, if it is then try again.
		s.mtx.Lock()
		if _, ok := s.sessions[id]; ok {
			s.mtx.Unlock()
			continue
		}
		s.sessions[id] = ws
		s.mtx.Unlock()

		return id, nil
	}
}

func (s *Server) deleteSession(id string) {
	s.mtx.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mtx.Unlock()

	if !ok {
		log.Errorf("id not found in sessions %s", id)
	}
}
