package inmemory

import (
	"context"
	"sync"

	"github.com/SharedCode/splitstore"
)

type definitionStore struct {
	mux    sync.Mutex
	lookup map[splitstore.ObjectID]*splitstore.Definition
}

// NewDefinitionStore returns an in-memory DefinitionStore.
func NewDefinitionStore() splitstore.DefinitionStore {
	return &definitionStore{
		lookup: make(map[splitstore.ObjectID]*splitstore.Definition),
	}
}

func (s *definitionStore) Get(ctx context.Context, id splitstore.ObjectID) (*splitstore.Definition, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	definition, ok := s.lookup[id]
	if !ok {
		return nil, nil
	}
	return definition.Copy(), nil
}

func (s *definitionStore) GetMany(ctx context.Context, ids []splitstore.ObjectID) ([]*splitstore.Definition, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	result := make([]*splitstore.Definition, 0, len(ids))
	for _, id := range ids {
		if definition, ok := s.lookup[id]; ok {
			result = append(result, definition.Copy())
		}
	}
	return result, nil
}

func (s *definitionStore) Insert(ctx context.Context, definition *splitstore.Definition) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.lookup[definition.ID]; ok {
		return splitstore.ErrDuplicateStructureID
	}
	s.lookup[definition.ID] = definition.Copy()
	return nil
}
