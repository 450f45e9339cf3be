package redis

import (
	"context"
	"sync"

	"github.com/SharedCode/splitstore"
)

type mockByteStore struct {
	mu     sync.Mutex
	lookup map[string][]byte
}

// NewMockStructureCache returns a structure cache backed by an in-process map
// instead of Redis, exercising the same compression codec.
func NewMockStructureCache() splitstore.StructureCache {
	return &structureCache{
		store: &mockByteStore{
			lookup: make(map[string][]byte),
		},
	}
}

func (m *mockByteStore) set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookup[key] = value
	return nil
}

func (m *mockByteStore) get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ba, ok := m.lookup[key]
	return ba, ok, nil
}

func (m *mockByteStore) del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lookup, key)
	return nil
}
