package store

import (
	"context"
	"errors"
)

// Store is the remote key-value cache artifacts are published to. Put is a full
// overwrite of the key; concurrent puts to the same key are last-write-wins.
type Store interface {
	Put(ctx context.Context, namespace, key string, value []byte) error
}

// ErrEmptyKey is returned when a put is attempted without a key.
var ErrEmptyKey = errors.New("store: empty key")

// FullKey scopes key under namespace the way every backend stores it.
func FullKey(namespace, key string) string {
	if namespace == "" {
		return key
	}
	return namespace + ":" + key
}
