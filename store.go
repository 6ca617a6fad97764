package quorumproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
)

// Row is one flushed aggregate: the full set of counters and quantile
// summaries accumulated for a single (period, rpc key, method, error state).
type Row struct {
	RPCKeyID        uint64
	ChainID         uint64
	Method          string
	ArchiveRequest  bool
	ErrorResponse   bool
	PeriodTimestamp time.Time

	FrontendRequests uint64
	BackendRequests  uint64
	BackendRetries   uint64
	NoServers        uint64
	CacheHits        uint64
	CacheMisses      uint64

	SumRequestBytes  uint64
	MinRequestBytes  uint64
	MeanRequestBytes float64
	P50RequestBytes  uint64
	P90RequestBytes  uint64
	P99RequestBytes  uint64
	MaxRequestBytes  uint64

	SumResponseBytes  uint64
	MinResponseBytes  uint64
	MeanResponseBytes float64
	P50ResponseBytes  uint64
	P90ResponseBytes  uint64
	P99ResponseBytes  uint64
	MaxResponseBytes  uint64

	SumResponseMillis  uint64
	MinResponseMillis  uint64
	MeanResponseMillis float64
	P50ResponseMillis  uint64
	P90ResponseMillis  uint64
	P99ResponseMillis  uint64
	MaxResponseMillis  uint64
}

// Store persists flushed aggregates. LevelDBStore realizes it as an
// embedded, durable key-value log rather than a relational table, since no
// SQL driver is wired into this service.
type Store interface {
	InsertAggregate(ctx context.Context, row Row) error
}

// LevelDBStore is the Store implementation backed by goleveldb.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDBStore opens (creating if absent) a LevelDB database at path.
func OpenLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening stat store")
	}
	return &LevelDBStore{db: db}, nil
}

// InsertAggregate writes row under a key derived from
// (rpc_key_id, method, error_response, period_ts), the unique aggregation
// key rows are flushed under.
func (s *LevelDBStore) InsertAggregate(ctx context.Context, row Row) error {
	key := fmt.Sprintf("%d|%s|%t|%d", row.RPCKeyID, row.Method, row.ErrorResponse, row.PeriodTimestamp.Unix())
	data, err := json.Marshal(row)
	if err != nil {
		return errors.Wrap(err, "marshaling stat row")
	}
	if err := s.db.Put([]byte(key), data, nil); err != nil {
		return &StoreError{Err: errors.Wrap(err, "writing stat row")}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *LevelDBStore) Close() error { return s.db.Close() }
