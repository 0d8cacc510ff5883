package lens

import (
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/ristretto/v2"
)

// Storage defines persistence of keyed blobs for the run archive.
type Storage interface {
	SaveBlob(key string, blob []byte) error
	LoadBlob(key string) ([]byte, bool, error)
	DeleteBlob(key string) error
	// ListKeysPrefix returns the keys in the store that begin with the given prefix, in key order.
	ListKeysPrefix(prefix string) ([]string, error)
	Close() error
}

// KeyPrefixStorage wraps another Storage, prepending a fixed prefix to all keys.
// Its ListKeysPrefix method strips the prefix before returning. Closing the wrapper does not close s.
func KeyPrefixStorage(s Storage, prefix string) Storage {
	if prefix == "" {
		return s
	}
	return &prefixStorage{
		store:  s,
		prefix: prefix + ";",
	}
}

type prefixStorage struct {
	store  Storage
	prefix string
}

func (p *prefixStorage) SaveBlob(key string, blob []byte) error {
	return p.store.SaveBlob(p.prefix+key, blob)
}

func (p *prefixStorage) LoadBlob(key string) ([]byte, bool, error) {
	return p.store.LoadBlob(p.prefix + key)
}

func (p *prefixStorage) DeleteBlob(key string) error {
	return p.store.DeleteBlob(p.prefix + key)
}

func (p *prefixStorage) ListKeysPrefix(prefix string) ([]string, error) {
	underlying, err := p.store.ListKeysPrefix(p.prefix + prefix)
	if err != nil {
		return nil, err
	}
	stripped := make([]string, len(underlying))
	for i, k := range underlying {
		stripped[i] = strings.TrimPrefix(k, p.prefix)
	}
	return stripped, nil
}

func (p *prefixStorage) Close() error {
	return nil // the wrapped store is owned by the creator
}

type memStorage struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStorage returns an in-memory Storage implementation.
func NewMemStorage() Storage {
	return &memStorage{data: make(map[string][]byte)}
}

func (m *memStorage) SaveBlob(key string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = append([]byte(nil), blob...) // copy the blob to avoid external mutation
	return nil
}

func (m *memStorage) LoadBlob(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), blob...), true, nil
}

func (m *memStorage) DeleteBlob(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *memStorage) ListKeysPrefix(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *memStorage) Close() error {
	return nil // no resources to free
}

type badgerStorage struct {
	db   *badger.DB
	done chan struct{}
}

// OpenBadgerStorage opens, or creates, a persistent Badger backed Storage in dir.
// When debug is set the block and index cache metrics are logged periodically.
func OpenBadgerStorage(dir string, maxMemMB int, debug bool) (Storage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create archive dir failed: %w", err)
	}

	clamp := func(val, lo, high int64) int64 {
		return min(max(val, lo), high)
	}
	// values are compressed before storage, badger compression would only add overhead
	memTableSize := clamp(int64(maxMemMB/4), 8, 64) << 20
	opts := badger.DefaultOptions(dir).
		WithInMemory(false).
		WithDetectConflicts(false).
		WithCompression(options.None).
		WithNumMemtables(2).
		WithMemTableSize(memTableSize).
		WithBaseTableSize(memTableSize).
		WithIndexCacheSize(clamp(int64(maxMemMB/4), 16, 128) << 20).
		WithValueLogFileSize(64 << 20)
	if !debug {
		opts = opts.
			WithLoggingLevel(badger.ERROR).
			WithMetricsEnabled(false)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive db failed: %w", err)
	}
	b := &badgerStorage{db: db, done: make(chan struct{})}
	if debug {
		go b.logCacheMetrics(30 * time.Second)
	}
	return b, nil
}

func (b *badgerStorage) logCacheMetrics(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logMetrics := func(name string, metrics *ristretto.Metrics) {
		if metrics == nil {
			return
		} else if metrics.Hits() != 0 || metrics.Misses() != 0 {
			log.Println("archive " + name + " cache: " + metrics.String())
		}
		metrics.Clear()
	}
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			logMetrics("block", b.db.BlockCacheMetrics())
			logMetrics("index", b.db.IndexCacheMetrics())
		}
	}
}

func (b *badgerStorage) SaveBlob(key string, blob []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), blob)
	})
}

func (b *badgerStorage) LoadBlob(key string) ([]byte, bool, error) {
	var blob []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (b *badgerStorage) DeleteBlob(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *badgerStorage) ListKeysPrefix(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

func (b *badgerStorage) Close() error {
	close(b.done)
	return b.db.Close()
}
