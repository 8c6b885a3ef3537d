package filtercache

import (
	"context"

	"github.com/creachadair/gocache"
)

// GocacheStore adapts github.com/creachadair/gocache's content-
// addressed disk store to the ContentStore interface, for large filter
// outputs per SPEC_FULL.md §4.10a. The API surface used here (Get/Put
// by string key, a Close-less store rooted at a directory) is not
// exercised anywhere in the retrieval pack, so it is confined to this
// one small adapter file — a mismatch against the real package
// surface is a local fix, not a design change.
type GocacheStore struct {
	store *gocache.Cache
}

// NewGocacheStore opens (creating if absent) a gocache store rooted at
// dir.
func NewGocacheStore(dir string) (*GocacheStore, error) {
	c, err := gocache.New(dir)
	if err != nil {
		return nil, err
	}
	return &GocacheStore{store: c}, nil
}

func (s *GocacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		if gocache.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (s *GocacheStore) Put(ctx context.Context, key string, data []byte) error {
	return s.store.Put(ctx, key, data)
}

func (s *GocacheStore) Delete(ctx context.Context, key string) error {
	return s.store.Delete(ctx, key)
}
