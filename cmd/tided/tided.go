// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/juju/loggo/v2"

	"github.com/tidelabs/tidenet/api/tideapi"
	"github.com/tidelabs/tidenet/config"
	"github.com/tidelabs/tidenet/service/tide"
	"github.com/tidelabs/tidenet/version"
)

const (
	daemonName      = "tided"
	defaultLogLevel = daemonName + "=INFO;tide=INFO;level=INFO"
	defaultNetwork  = "mainnet"
	defaultHome     = "~/." + daemonName
)

var (
	log     = loggo.GetLogger(daemonName)
	welcome = fmt.Sprintf("Tide Indexing Daemon: v%v", version.String())

	cfg = tide.NewDefaultConfig()
	cm  = config.CfgMap{
		"TIDED_LEVELDB_HOME": config.Config{
			Value:        &cfg.LevelDBHome,
			DefaultValue: defaultHome,
			Help:         "data directory for leveldb",
			Print:        config.PrintAll,
		},
		"TIDED_LISTEN_ADDRESS": config.Config{
			Value:        &cfg.ListenAddress,
			DefaultValue: tideapi.DefaultListen,
			Help:         "address and port tided listens on",
			Print:        config.PrintAll,
		},
		"TIDED_LOG_LEVEL": config.Config{
			Value:        &cfg.LogLevel,
			DefaultValue: defaultLogLevel,
			Help:         "loglevel for various packages; INFO, DEBUG and TRACE",
			Print:        config.PrintAll,
		},
		"TIDED_NETWORK": config.Config{
			Value:        &cfg.Network,
			DefaultValue: defaultNetwork,
			Help:         "network; mainnet, testnet3 or regtest",
			Print:        config.PrintAll,
		},
		"TIDED_PROMETHEUS_ADDRESS": config.Config{
			Value:        &cfg.PrometheusListenAddress,
			DefaultValue: "",
			Help:         "address and port tided prometheus listens on",
			Print:        config.PrintAll,
		},
	}
)

func HandleSignals(ctx context.Context, cancel context.CancelFunc, callback func(os.Signal)) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	signal.Notify(signalChan, os.Kill)
	defer func() {
		signal.Stop(signalChan)
		cancel()
	}()

	select {
	case <-ctx.Done():
	case s := <-signalChan: // First signal, cancel context.
		if callback != nil {
			callback(s) // Do whatever caller wants first.
			cancel()
		}
	}
	<-signalChan // Second signal, hard exit.
	os.Exit(2)
}

func _main() error {
	// Parse configuration from environment
	if err := config.Parse(cm); err != nil {
		return err
	}

	if err := loggo.ConfigureLoggers(cfg.LogLevel); err != nil {
		return err
	}
	log.Infof("%v", welcome)

	pc := config.PrintableConfig(cm)
	for k := range pc {
		log.Infof("%v", pc[k])
	}

	ctx, cancel := context.WithCancel(context.Background())
	go HandleSignals(ctx, cancel, func(s os.Signal) {
		log.Infof("tide service received signal: %s", s)
	})

	server, err := tide.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("create tide server: %w", err)
	}
	if err := server.Run(ctx); !errors.Is(err, context.Canceled) {
		return fmt.Errorf("tide server terminated: %w", err)
	}

	return nil
}

func main() {
	if len(os.Args) != 1 {
		fmt.Fprintf(os.Stderr, "%v\n", welcome)
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "\thelp (this help)\n")
		fmt.Fprintf(os.Stderr, "Environment:\n")
		config.Help(os.Stderr, cm)
		os.Exit(1)
	}

	if err := _main(); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
