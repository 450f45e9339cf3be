// Package inmemory provides map-backed implementations of every splitstore
// store interface. They are used by the engine tests and are suitable for
// embedded, single-process callers that don't need durability.
package inmemory

import (
	"context"
	"sync"

	"github.com/SharedCode/splitstore"
)

type structureStore struct {
	mux    sync.Mutex
	lookup map[splitstore.ObjectID]*splitstore.Structure
}

// NewStructureStore returns an in-memory StructureStore.
func NewStructureStore() splitstore.StructureStore {
	return &structureStore{
		lookup: make(map[splitstore.ObjectID]*splitstore.Structure),
	}
}

func (s *structureStore) Get(ctx context.Context, id splitstore.ObjectID) (*splitstore.Structure, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	structure, ok := s.lookup[id]
	if !ok {
		return nil, nil
	}
	return structure.Copy(), nil
}

func (s *structureStore) GetMany(ctx context.Context, ids []splitstore.ObjectID) ([]*splitstore.Structure, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	result := make([]*splitstore.Structure, 0, len(ids))
	for _, id := range ids {
		if structure, ok := s.lookup[id]; ok {
			result = append(result, structure.Copy())
		}
	}
	return result, nil
}

func (s *structureStore) FindDerivedFrom(ctx context.Context, previousVersions []splitstore.ObjectID) ([]*splitstore.Structure, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	wanted := make(map[splitstore.ObjectID]bool, len(previousVersions))
	for _, id := range previousVersions {
		wanted[id] = true
	}
	var result []*splitstore.Structure
	for _, structure := range s.lookup {
		if wanted[structure.PreviousVersion] {
			result = append(result, structure.Copy())
		}
	}
	return result, nil
}

func (s *structureStore) FindAncestorsForBlock(ctx context.Context, originalVersion splitstore.ObjectID, blockID string) ([]*splitstore.Structure, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	var result []*splitstore.Structure
	for _, structure := range s.lookup {
		if structure.MatchesAncestor(originalVersion, blockID) {
			result = append(result, structure.Copy())
		}
	}
	return result, nil
}

func (s *structureStore) Insert(ctx context.Context, structure *splitstore.Structure) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.lookup[structure.ID]; ok {
		return splitstore.ErrDuplicateStructureID
	}
	s.lookup[structure.ID] = structure.Copy()
	return nil
}
