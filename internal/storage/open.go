package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "scbldr/pkg/logx"
)

// Store is the persistence API used by the serving layer.
//
// GetCached treats an expired entry as a miss; PutCached overwrites.
type Store interface {
	AppendSolve(ctx context.Context, rec SolveRecord) error
	GetCached(ctx context.Context, key string) (payload []byte, ok bool, err error)
	PutCached(ctx context.Context, key string, payload []byte, until time.Time) error
	Close() error
}

// Open initializes the configured store. A disabled configuration yields
// the no-op store, never a nil Store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return Nop(), nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Nop returns a store that remembers nothing: appends vanish and every
// cache lookup misses.
func Nop() Store { return nopStore{} }

type nopStore struct{}

func (nopStore) AppendSolve(context.Context, SolveRecord) error { return nil }
func (nopStore) GetCached(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}
func (nopStore) PutCached(context.Context, string, []byte, time.Time) error { return nil }
func (nopStore) Close() error                                               { return nil }
