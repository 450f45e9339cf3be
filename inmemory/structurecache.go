package inmemory

import (
	"context"
	"sync"

	"github.com/SharedCode/splitstore"
)

type structureCache struct {
	mux    sync.Mutex
	lookup map[splitstore.ObjectID]*splitstore.Structure
}

// NewStructureCache returns an in-memory StructureCache. Entries never
// expire; structures are immutable so identity is enough.
func NewStructureCache() splitstore.StructureCache {
	return &structureCache{
		lookup: make(map[splitstore.ObjectID]*splitstore.Structure),
	}
}

func (c *structureCache) Get(ctx context.Context, id splitstore.ObjectID) (*splitstore.Structure, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	structure, ok := c.lookup[id]
	if !ok {
		return nil, nil
	}
	return structure.Copy(), nil
}

func (c *structureCache) Set(ctx context.Context, structure *splitstore.Structure) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.lookup[structure.ID] = structure.Copy()
	return nil
}

func (c *structureCache) Delete(ctx context.Context, id splitstore.ObjectID) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	delete(c.lookup, id)
	return nil
}
