package kv

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"groupsync/pkg/logger"
)

// Pebble is a KV backed by a pebble database.
type Pebble struct {
	mu     sync.RWMutex
	db     *pebble.DB
	path   string
	noSync bool
}

type openOptions struct {
	inMemory bool
	readOnly bool
	noSync   bool
}

// Option configures OpenPebble.
type Option func(*openOptions)

// WithInMemory keeps the database in an in-memory filesystem.
func WithInMemory() Option { return func(o *openOptions) { o.inMemory = true } }

// WithReadOnly opens an existing database without write access.
func WithReadOnly() Option { return func(o *openOptions) { o.readOnly = true } }

// WithNoSync commits without fsync. Only for tests and benchmarks.
func WithNoSync() Option { return func(o *openOptions) { o.noSync = true } }

// OpenPebble opens or creates the database at path.
func OpenPebble(path string, opts ...Option) (*Pebble, error) {
	var o openOptions
	for _, fn := range opts {
		fn(&o)
	}
	popts := &pebble.Options{ReadOnly: o.readOnly}
	if o.inMemory {
		popts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Pebble{db: db, path: path, noSync: o.noSync}, nil
}

func (p *Pebble) handle() (*pebble.DB, error) {
	if p.db == nil {
		return nil, fmt.Errorf("pebble %s: closed", p.path)
	}
	return p.db, nil
}

// Get returns a copy of the value stored at key.
func (p *Pebble) Get(key []byte) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.handle()
	if err != nil {
		return nil, err
	}
	v, closer, err := db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// GetMany reads keys from a single snapshot, so a concurrent Commit is
// either fully visible or not at all.
func (p *Pebble) GetMany(keys ...[]byte) ([][]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.handle()
	if err != nil {
		return nil, err
	}
	snap := db.NewSnapshot()
	defer snap.Close()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		v, closer, err := snap.Get(key)
		if err != nil {
			if errors.Is(err, pebble.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out[i] = append([]byte(nil), v...)
		closer.Close()
	}
	return out, nil
}

// Scan visits every key with prefix in ascending order. Returning an error
// from fn stops the scan and returns that error.
func (p *Pebble) Scan(prefix []byte, fn func(key, value []byte) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.handle()
	if err != nil {
		return err
	}
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: PrefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Commit applies b atomically with fsync.
func (p *Pebble) Commit(b *Batch) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	db, err := p.handle()
	if err != nil {
		return err
	}
	pb := db.NewBatch()
	defer pb.Close()
	var setErr error
	b.Each(func(key, value []byte, del bool) {
		if setErr != nil {
			return
		}
		if del {
			setErr = pb.Delete(key, nil)
		} else {
			setErr = pb.Set(key, value, nil)
		}
	})
	if setErr != nil {
		return setErr
	}
	wo := pebble.Sync
	if p.noSync {
		wo = pebble.NoSync
	}
	if err := pb.Commit(wo); err != nil {
		logger.Error("pebble_apply_batch_failed", "path", p.path, "ops", b.Len(), "error", err)
		return err
	}
	return nil
}

// DiskUsage reports the bytes pebble holds on disk.
func (p *Pebble) DiskUsage() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return 0
	}
	return p.db.Metrics().DiskSpaceUsage()
}

// Path returns the directory the database was opened at.
func (p *Pebble) Path() string { return p.path }

// Close closes the database. Later calls return an error.
func (p *Pebble) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
