package splitstore

import "context"

// StructureStore is the append-only, content-addressed store of structures.
// Lookups return nil (not an error) for missing ids.
type StructureStore interface {
	// Get fetches one structure by id, or nil if absent.
	Get(ctx context.Context, id ObjectID) (*Structure, error)
	// GetMany fetches all structures whose ids are listed. Missing ids are skipped.
	GetMany(ctx context.Context, ids []ObjectID) ([]*Structure, error)
	// FindDerivedFrom returns structures whose PreviousVersion is in previousVersions.
	FindDerivedFrom(ctx context.Context, previousVersions []ObjectID) ([]*Structure, error)
	// FindAncestorsForBlock returns structures sharing originalVersion that
	// contain a versioned block with the given block id.
	FindAncestorsForBlock(ctx context.Context, originalVersion ObjectID, blockID string) ([]*Structure, error)
	// Insert appends a new structure. Returns ErrDuplicateStructureID if the id exists.
	Insert(ctx context.Context, structure *Structure) error
}

// DefinitionStore is the append-only store of block definitions.
type DefinitionStore interface {
	Get(ctx context.Context, id ObjectID) (*Definition, error)
	GetMany(ctx context.Context, ids []ObjectID) ([]*Definition, error)
	// Insert appends a new definition. Returns ErrDuplicateStructureID if the id exists.
	Insert(ctx context.Context, definition *Definition) error
}

// CourseIndexStore is one backend holding mutable course index rows.
// Both the relational primary and the document secondary satisfy it; the
// hybrid store composes two of them.
type CourseIndexStore interface {
	// Get returns the index for the key, or nil if absent. With ignoreCase,
	// org/course/run match case-insensitively; only one such match is
	// expected and the first found is returned.
	Get(ctx context.Context, key CourseKey, ignoreCase bool) (*CourseIndex, error)
	// FindMatching returns the indexes satisfying the query.
	FindMatching(ctx context.Context, query CourseIndexQuery) ([]*CourseIndex, error)
	// Insert creates a new row, stamping LastUpdate if the caller left it
	// zero. Returns ErrDuplicateCourseIndex if the course key exists
	// (case-sensitively).
	Insert(ctx context.Context, index *CourseIndex) error
	// Update writes the row for index's course key. When from is non-nil the
	// write only applies if the stored row's LastUpdate equals from's
	// (optimistic concurrency); a mismatch returns (false, nil) as collisions
	// are skipped, never raised. LastUpdate is stamped if the caller left it
	// zero.
	Update(ctx context.Context, index *CourseIndex, from *CourseIndex) (bool, error)
	// Delete removes the row for the key. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key CourseKey) error
}

// StructureCache is the shared (process-external) cache of structures.
// Entries never need invalidation: structure ids are content-addressed, so
// identity is enough.
type StructureCache interface {
	// Get returns the cached structure or nil on miss. A corrupted payload
	// is evicted and reported as a miss so the caller reads through.
	Get(ctx context.Context, id ObjectID) (*Structure, error)
	// Set caches the structure under its id, without expiration.
	Set(ctx context.Context, structure *Structure) error
	// Delete evicts the entry if present.
	Delete(ctx context.Context, id ObjectID) error
}
