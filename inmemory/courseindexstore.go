package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/SharedCode/splitstore"
)

type courseIndexStore struct {
	mux sync.Mutex
	// Keyed by the case-sensitive course id; rows differing only by case
	// coexist (legacy data contains such pairs).
	lookup map[string]*splitstore.CourseIndex
}

// NewCourseIndexStore returns an in-memory CourseIndexStore.
func NewCourseIndexStore() splitstore.CourseIndexStore {
	return &courseIndexStore{
		lookup: make(map[string]*splitstore.CourseIndex),
	}
}

func (s *courseIndexStore) Get(ctx context.Context, key splitstore.CourseKey, ignoreCase bool) (*splitstore.CourseIndex, error) {
	key = key.ToCourseKey().ForBranch("").VersionAgnostic()
	s.mux.Lock()
	defer s.mux.Unlock()
	if !ignoreCase {
		if index, ok := s.lookup[key.MapKey()]; ok {
			return index.Copy(), nil
		}
		return nil, nil
	}
	// Only one case-insensitive match is expected; return the first found.
	for _, index := range s.lookup {
		if key.EqualFold(index.CourseKey()) {
			return index.Copy(), nil
		}
	}
	return nil, nil
}

func (s *courseIndexStore) FindMatching(ctx context.Context, query splitstore.CourseIndexQuery) ([]*splitstore.CourseIndex, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	var result []*splitstore.CourseIndex
	for _, index := range s.lookup {
		if query.Matches(index) {
			result = append(result, index.Copy())
		}
	}
	return result, nil
}

func (s *courseIndexStore) Insert(ctx context.Context, index *splitstore.CourseIndex) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	mapKey := index.CourseKey().MapKey()
	if _, ok := s.lookup[mapKey]; ok {
		return splitstore.ErrDuplicateCourseIndex
	}
	cp := index.Copy()
	if cp.LastUpdate.IsZero() {
		cp.LastUpdate = time.Now().UTC()
	}
	s.lookup[mapKey] = cp
	return nil
}

func (s *courseIndexStore) Update(ctx context.Context, index *splitstore.CourseIndex, from *splitstore.CourseIndex) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	mapKey := index.CourseKey().MapKey()
	existing, ok := s.lookup[mapKey]
	if ok {
		if existing.ObjectID != index.ObjectID {
			return false, &splitstore.ImmutableFieldError{Field: "objectid", CourseID: mapKey}
		}
		if from != nil && !existing.LastUpdate.Equal(from.LastUpdate) {
			// Collision: a concurrent writer got here first. Skip.
			return false, nil
		}
	}
	cp := index.Copy()
	if cp.LastUpdate.IsZero() {
		cp.LastUpdate = time.Now().UTC()
	}
	s.lookup[mapKey] = cp
	return true, nil
}

func (s *courseIndexStore) Delete(ctx context.Context, key splitstore.CourseKey) error {
	key = key.ToCourseKey().ForBranch("").VersionAgnostic()
	s.mux.Lock()
	defer s.mux.Unlock()
	delete(s.lookup, key.MapKey())
	return nil
}
