package types

import (
	"context"
)

// CacheStorage owns the set of named stores visible to the worker.
type CacheStorage interface {
	LifecycleManager
	Open(ctx context.Context, name string) (CacheStore, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	// Match searches every store in creation order.
	Match(ctx context.Context, key string) (*Response, bool, error)
}

type CacheStore interface {
	Name() string
	Match(ctx context.Context, key string) (*Response, bool, error)
	Put(ctx context.Context, key string, resp *Response) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

type CacheStorageCreator func(config interface{}) (CacheStorage, error)
