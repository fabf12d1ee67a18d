package pinrange

import "context"

// storeBackend adapts an in-process Store to the Backend interface.
type storeBackend struct {
	store       *Store
	unversioned bool
}

// StoreBackendOption configures a store-backed Backend.
type StoreBackendOption func(*storeBackend)

// Unversioned strips version identifiers from every response,
// presenting the store as a non-versioned bucket. Reads always resolve
// the current version and sessions degrade to best-effort mode.
func Unversioned() StoreBackendOption {
	return func(b *storeBackend) { b.unversioned = true }
}

// NewStoreBackend exposes a Store as a Backend without any transport.
func NewStoreBackend(store *Store, opts ...StoreBackendOption) Backend {
	b := &storeBackend{store: store}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *storeBackend) Head(_ context.Context, key string) (ObjectInfo, error) {
	v, err := b.store.Resolve(key, "")
	if err != nil {
		return ObjectInfo{}, err
	}
	info := ObjectInfo{
		Key:  key,
		Size: v.Size,
		ETag: v.ETag(),
	}
	if !b.unversioned {
		info.VersionID = v.ID
	}
	return info, nil
}

func (b *storeBackend) ReadRange(_ context.Context, key, version string, rng ByteRange) ([]byte, string, error) {
	if b.unversioned {
		// A non-versioned bucket has no selector to honor and no
		// serving version to observe.
		data, _, err := b.store.Read(key, "", rng)
		return data, "", err
	}
	return b.store.Read(key, version, rng)
}
