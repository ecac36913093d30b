// Package kv is the ordered key-value engine under the local state store.
package kv

import "errors"

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("kv: key not found")

// KV is an ordered byte-keyed store. Commit applies a batch atomically and
// durably; Scan visits keys with the given prefix in ascending order.
type KV interface {
	Get(key []byte) ([]byte, error)
	// GetMany reads every key from one consistent snapshot. Missing keys
	// yield nil values.
	GetMany(keys ...[]byte) ([][]byte, error)
	Scan(prefix []byte, fn func(key, value []byte) error) error
	Commit(b *Batch) error
	Close() error
}

type opKind uint8

const (
	opSet opKind = iota
	opDelete
)

type op struct {
	kind  opKind
	key   []byte
	value []byte
}

// Batch collects writes applied together by Commit.
type Batch struct {
	ops []op
}

// NewBatch returns an empty batch.
func NewBatch() *Batch { return &Batch{} }

// Set queues key=value. Both slices are copied.
func (b *Batch) Set(key, value []byte) {
	b.ops = append(b.ops, op{kind: opSet, key: append([]byte(nil), key...), value: append([]byte(nil), value...)})
}

// Delete queues removal of key.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, op{kind: opDelete, key: append([]byte(nil), key...)})
}

// Len returns the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }

// Each visits queued operations in order. value is nil for deletes.
func (b *Batch) Each(fn func(key, value []byte, del bool)) {
	for _, o := range b.ops {
		fn(o.key, o.value, o.kind == opDelete)
	}
}

// PrefixEnd returns the smallest key greater than every key with prefix,
// or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
