// Copyright (c) 2025-2026 Tide Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

// Package level manages a pool of named leveldb databases under a single
// home directory. Higher level packages compose it into typed stores.
package level

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/loggo/v2"
	"github.com/mitchellh/go-homedir"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/tidelabs/tidenet/database"
)

const (
	logLevel = "INFO"

	BlocksDB   = "blocks"
	TxsDB      = "txs"
	HistoryDB  = "history"
	MetadataDB = "metadata"

	versionKey = "version"
)

var log = loggo.GetLogger("level")

func init() {
	if err := loggo.ConfigureLoggers(logLevel); err != nil {
		panic(err)
	}
}

type (
	Pool     map[string]*leveldb.DB
	Database struct {
		mtx sync.Mutex

		pool Pool // database pool

		home string // leveldb toplevel database directory
	}
)

var _ database.Database = (*Database)(nil)

func (l *Database) Close() error {
	log.Tracef("Close")
	defer log.Tracef("Close exit")

	l.mtx.Lock()
	defer l.mtx.Unlock()

	var errSeen error // return last error seen
	for k, v := range l.pool {
		if err := v.Close(); err != nil {
			// do continue, leveldb does not like unfresh shutdowns
			log.Errorf("close %v: %v", k, err)
			errSeen = err
		}
	}

	return errSeen
}

func (l *Database) DB() Pool {
	log.Tracef("DB")
	defer log.Tracef("DB exit")

	return l.pool
}

func (l *Database) openDB(name string, options *opt.Options) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	dir := filepath.Join(l.home, name)
	db, err := leveldb.OpenFile(dir, options)
	if err != nil {
		return fmt.Errorf("leveldb open %v: %w", name, err)
	}
	l.pool[name] = db

	return nil
}

func (l *Database) Version(ctx context.Context) (int, error) {
	mdDB := l.pool[MetadataDB]
	value, err := mdDB.Get([]byte(versionKey), nil)
	if err != nil {
		return -1, fmt.Errorf("version: %w", err)
	}
	dbVersion := binary.BigEndian.Uint64(value)

	return int(dbVersion), nil
}

func New(ctx context.Context, home string, version int) (*Database, error) {
	log.Tracef("New")
	defer log.Tracef("New exit")

	h, err := homedir.Expand(home)
	if err != nil {
		return nil, fmt.Errorf("home dir: %w", err)
	}
	if err := os.MkdirAll(h, 0o0700); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}

	l := &Database{
		home: h,
		pool: make(Pool),
	}

	unwind := true
	defer func() {
		if unwind {
			log.Errorf("new unwind exited with: %v", l.Close())
		}
	}()

	err = l.openDB(BlocksDB, &opt.Options{BlockCacheCapacity: 64 * opt.MiB})
	if err != nil {
		return nil, fmt.Errorf("leveldb %v: %w", BlocksDB, err)
	}
	err = l.openDB(TxsDB, nil)
	if err != nil {
		return nil, fmt.Errorf("leveldb %v: %w", TxsDB, err)
	}
	err = l.openDB(HistoryDB, nil)
	if err != nil {
		return nil, fmt.Errorf("leveldb %v: %w", HistoryDB, err)
	}

	// Treat metadata special so that the version record can be inserted on
	// first open.
	err = l.openDB(MetadataDB, &opt.Options{ErrorIfMissing: true})
	if errors.Is(err, fs.ErrNotExist) {
		err = l.openDB(MetadataDB, &opt.Options{ErrorIfMissing: false})
		if err != nil {
			return nil, fmt.Errorf("leveldb initial %v: %w", MetadataDB, err)
		}
		versionData := make([]byte, 8)
		binary.BigEndian.PutUint64(versionData, uint64(version))
		err = l.pool[MetadataDB].Put([]byte(versionKey), versionData, nil)
	}
	// Check metadata error
	if err != nil {
		return nil, fmt.Errorf("leveldb %v: %w", MetadataDB, err)
	}
	dbVersion, err := l.Version(ctx)
	if err != nil {
		return nil, err
	}
	if dbVersion != version {
		return nil, fmt.Errorf("invalid version: wanted %v got %v",
			version, dbVersion)
	}

	unwind = false

	return l, nil
}
