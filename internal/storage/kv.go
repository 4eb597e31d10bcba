// Package storage provides the key-value backends used for graph caching and
// reputation persistence: SQLite as the fast structured store and LevelDB as
// the fallback.
package storage

import "errors"

// ErrClosed is returned by operations on a store that has been closed.
var ErrClosed = errors.New("storage: store closed")

// KV is a minimal byte-oriented key-value store. Get reports found=false with
// a nil error when the key is absent.
type KV interface {
	Get(key string) (value []byte, found bool, err error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Lister is a KV that can enumerate its keys by prefix.
type Lister interface {
	KV
	Keys(prefix string) ([]string, error)
}
