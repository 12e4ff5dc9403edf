// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package tide implements the indexing synchronization engine. The engine
// mirrors a node's view of the chain into a persistent transaction, block
// and script index: the host node drives it with lifecycle events (tx
// added/removed, block connected/disconnected/finalized) and the engine
// answers queries over websockets from the state those events built.
//
// All mutations and queries share one guard. Lifecycle events take the
// write side so every mutation is atomic with respect to readers; queries
// take the read side and may run concurrently with each other.
package tide

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tidelabs/tidenet/api/tideapi"
	"github.com/tidelabs/tidenet/database"
	"github.com/tidelabs/tidenet/database/tided"
	"github.com/tidelabs/tidenet/database/tided/level"
	"github.com/tidelabs/tidenet/script"
	"github.com/tidelabs/tidenet/service/buoy"
)

const (
	logLevel = "INFO"

	promSubsystem = "tide_service" // Prometheus

	defaultNetwork = "mainnet"
)

var log = loggo.GetLogger("tide")

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

type Config struct {
	LevelDBHome             string
	ListenAddress           string
	LogLevel                string
	Network                 string
	PrometheusListenAddress string
}

func NewDefaultConfig() *Config {
	return &Config{
		LevelDBHome:   "~/.tided",
		ListenAddress: tideapi.DefaultListen,
		LogLevel:      logLevel,
		Network:       defaultNetwork,
	}
}

type Server struct {
	mtx sync.RWMutex
	wg  sync.WaitGroup

	cfg *Config

	chainParams *chaincfg.Params

	mp *mempool
	db tided.Database

	fetcher        BlockFetcher
	compressScript CompressScriptFunc

	// abort terminates the host process when a lifecycle event cannot be
	// applied; leaving the index behind the node's view is worse than
	// going down. Tests override it.
	abort func(format string, args ...any)

	sessions map[string]*tideWs

	// Prometheus
	cmdsProcessed   prometheus.Counter
	blocksConnected prometheus.Counter
	isRunning       bool
}

func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if _, err := net.ResolveTCPAddr("tcp", cfg.ListenAddress); err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w",
			cfg.ListenAddress, err)
	}
	mp, err := mempoolNew()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:            cfg,
		mp:             mp,
		compressScript: compressScript,
		sessions:       make(map[string]*tideWs),
		cmdsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: promSubsystem,
			Name:      "rpc_calls_total",
			Help:      "The total number of successful RPC commands",
		}),
		blocksConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: promSubsystem,
			Name:      "blocks_connected_total",
			Help:      "The total number of blocks connected to the index",
		}),
	}
	s.abort = func(format string, args ...any) {
		log.Criticalf(format, args...)
		os.Exit(1)
	}

	switch cfg.Network {
	case "mainnet":
		s.chainParams = &chaincfg.MainNetParams
	case "testnet3":
		s.chainParams = &chaincfg.TestNet3Params
	case "regtest", "localnet":
		s.chainParams = &chaincfg.RegressionNetParams
	default:
		return nil, fmt.Errorf("invalid network: %v", cfg.Network)
	}

	return s, nil
}

// SetBlockFetcher installs the host's block source. It must be called
// before Run; finality events fail without one.
func (s *Server) SetBlockFetcher(f BlockFetcher) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.fetcher = f
}

// SetCompressScript overrides the script compression applied before
// hashing output scripts into the history index.
func (s *Server) SetCompressScript(f CompressScriptFunc) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.compressScript = f
}

func (s *Server) running() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.isRunning
}

func (s *Server) testAndSetRunning(b bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	old := s.isRunning
	s.isRunning = b
	return old != s.isRunning
}

func (s *Server) promRunning() float64 {
	r := s.running()
	if r {
		return 1
	}
	return 0
}

func (s *Server) promMempoolTxs() float64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	count, _ := s.mp.stats(context.Background())
	return buoy.IntToFloat(count)
}

// MempoolTxByTxId returns the raw transaction and first-seen time for a
// pending transaction.
func (s *Server) MempoolTxByTxId(ctx context.Context, txId chainhash.Hash) ([]byte, time.Time, error) {
	log.Tracef("MempoolTxByTxId")
	defer log.Tracef("MempoolTxByTxId exit")

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	mptx := s.mp.txById(ctx, txId)
	if mptx == nil {
		return nil, time.Time{}, database.NotFoundError(fmt.Sprintf(
			"tx not in mempool: %v", txId))
	}
	return mptx.raw, mptx.firstSeen, nil
}

// MempoolStats returns the number of pending transactions and an estimate
// of their total size.
func (s *Server) MempoolStats(ctx context.Context) (int, int) {
	log.Tracef("MempoolStats")
	defer log.Tracef("MempoolStats exit")

	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.mp.stats(ctx)
}

// TxByTxId returns a confirmed transaction and the hash of the block that
// contains it.
func (s *Server) TxByTxId(ctx context.Context, txId chainhash.Hash) ([]byte, *chainhash.Hash, error) {
	log.Tracef("TxByTxId")
	defer log.Tracef("TxByTxId exit")

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	raw, err := s.db.RawTxByTxId(ctx, txId)
	if err != nil {
		return nil, nil, err
	}
	blockHash, err := s.db.BlockHashByTxId(ctx, txId)
	if err != nil {
		return nil, nil, err
	}
	return raw, blockHash, nil
}

// BlockByHash returns the index record of a connected block.
func (s *Server) BlockByHash(ctx context.Context, hash chainhash.Hash) (*tided.Block, error) {
	log.Tracef("BlockByHash")
	defer log.Tracef("BlockByHash exit")

	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.db.BlockByHash(ctx, hash)
}

// HistoryByScript returns the confirmed history of an output script in
// ascending (height, txid) order.
func (s *Server) HistoryByScript(ctx context.Context, scr script.Script) ([]tided.HistoryEntry, error) {
	log.Tracef("HistoryByScript")
	defer log.Tracef("HistoryByScript exit")

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	sh := tided.NewScriptHashFromBytes(s.compressScript(scr))
	return s.db.HistoryByScriptHash(ctx, sh)
}

func (s *Server) Run(pctx context.Context) error {
	log.Tracef("Run")
	defer log.Tracef("Run exit")

	if !s.testAndSetRunning(true) {
		return errors.New("tide already running")
	}
	defer s.testAndSetRunning(false)

	ctx, cancel := context.WithCancel(pctx)
	defer cancel()

	// Open db.
	var err error
	cfg := level.NewConfig(s.cfg.LevelDBHome)
	db, err := level.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	s.mtx.Lock()
	s.db = db
	s.mtx.Unlock()

	// Prometheus
	if s.cfg.PrometheusListenAddress != "" {
		b, err := buoy.New(&buoy.Config{
			ListenAddress: s.cfg.PrometheusListenAddress,
		})
		if err != nil {
			return fmt.Errorf("create prometheus server: %w", err)
		}
		cs := []prometheus.Collector{
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Subsystem: promSubsystem,
				Name:      "running",
				Help:      "Is tide service running.",
			}, s.promRunning),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Subsystem: promSubsystem,
				Name:      "mempool_txs",
				Help:      "Number of transactions in the mempool.",
			}, s.promMempoolTxs),
			s.cmdsProcessed,
			s.blocksConnected,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := b.Run(ctx, cs, s.health); !errors.Is(err, context.Canceled) {
				log.Errorf("prometheus terminated with error: %v", err)
				return
			}
			log.Infof("prometheus clean shutdown")
		}()
	}

	// Websocket server.
	mux := http.NewServeMux()
	handle("tide", mux, tideapi.RouteWebsocket, s.handleWebsocket)

	httpServer := &http.Server{
		Addr:        s.cfg.ListenAddress,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	httpErrCh := make(chan error)
	go func() {
		log.Infof("Listening: %v", s.cfg.ListenAddress)
		httpErrCh <- httpServer.ListenAndServe()
	}()
	defer func() {
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Errorf("http server exit: %v", err)
		}
	}()

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-httpErrCh:
	}
	cancel()

	log.Infof("tide service shutting down")
	s.wg.Wait()
	log.Infof("tide service clean shutdown")

	return err
}

func (s *Server) health(ctx context.Context) (bool, any, error) {
	log.Tracef("health")
	defer log.Tracef("health exit")
	return s.running(), nil, nil
}

func handle(service string, mux *http.ServeMux, pattern string, handler func(http.ResponseWriter, *http.Request)) {
	mux.HandleFunc(pattern, handler)
	log.Infof("handle (%v): %v", service, pattern)
}
