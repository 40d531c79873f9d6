package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"loom/internal/services"
)

// sharedTier is the cross-process cache tier backed by BadgerDB. Entries
// carry a TTL so the shared tier never serves stale payloads past the
// configured window; expiry is enforced by badger itself.
type sharedTier struct {
	db  *badger.DB
	ttl time.Duration
}

func openSharedTier(dir string, ttl time.Duration, logger *slog.Logger) (*sharedTier, error) {
	if dir == "" {
		return nil, services.Wrap(services.ErrConfiguration, "cache", "open", "shared cache directory not set", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "cache", "open", fmt.Sprintf("create shared cache directory %s", dir), err)
	}

	opts := badger.DefaultOptions(dir).
		WithSyncWrites(false).
		WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, services.Wrap(services.ErrUnavailable, "cache", "open", "open shared cache database", err)
	}
	return &sharedTier{db: db, ttl: ttl}, nil
}

func (t *sharedTier) get(key string) ([]byte, bool, error) {
	var value []byte
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, services.Wrap(services.ErrUnavailable, "cache", "get", "read shared cache entry", err)
	}
	return value, true, nil
}

func (t *sharedTier) set(key string, value []byte) error {
	err := t.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if t.ttl > 0 {
			entry = entry.WithTTL(t.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return services.Wrap(services.ErrUnavailable, "cache", "set", "write shared cache entry", err)
	}
	return nil
}

func (t *sharedTier) invalidate(key string) error {
	err := t.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return services.Wrap(services.ErrUnavailable, "cache", "invalidate", "delete shared cache entry", err)
	}
	return nil
}

func (t *sharedTier) sizeBytes() int64 {
	lsm, vlog := t.db.Size()
	return lsm + vlog
}

func (t *sharedTier) close() error {
	return t.db.Close()
}

// badgerLogger adapts slog to badger's logging interface. Badger is chatty
// at info level, so everything below error is forwarded as debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
