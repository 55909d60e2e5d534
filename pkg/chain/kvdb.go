// Copyright 2025 Archon Governance Systems
//
// KV adapter over CometBFT's storage engine. Adapted directly from
// pkg/kvdb/adapter.go: same wrapping pattern (dbm.DB -> a small Get/Set
// interface this package owns), generalized with Has/Iterator so Range and
// gap-detection queries (pkg/observer) can walk the keyspace without
// loading every value.

package chain

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KV is the storage interface the event store depends on. Keeping this
// interface narrow (rather than depending on dbm.DB directly) lets tests
// substitute an in-memory implementation without pulling in cometbft-db.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Has(key []byte) (bool, error)
	Iterator(start, end []byte) (dbm.Iterator, error)
}

// KVAdapter wraps a CometBFT dbm.DB and exposes KV.
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter wraps db. Typical callers construct db via
// dbm.NewGoLevelDB(name, dir) or dbm.NewMemDB() for tests.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	return a.db.Get(key)
}

// Set writes durably via SetSync: every event append must survive a
// crash immediately after the call returns (spec I6, immutability once
// acknowledged).
func (a *KVAdapter) Set(key, value []byte) error {
	return a.db.SetSync(key, value)
}

func (a *KVAdapter) Has(key []byte) (bool, error) {
	return a.db.Has(key)
}

func (a *KVAdapter) Iterator(start, end []byte) (dbm.Iterator, error) {
	return a.db.Iterator(start, end)
}
