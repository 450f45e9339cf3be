// Package engine implements the bulk-write layer of the split modulestore.
// A bulk operation buffers reads and writes for one course and flushes
// atomically on the outermost end: structures first (append-only, fresh
// ids, cannot collide), then the course index (collision-checked against
// the last_update token read at entry). On error nothing is flushed.
package engine

import (
	"context"
	"fmt"
	log "log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/SharedCode/splitstore"
)

// BulkWriteEngine exposes the read-through and write-buffering primitives of
// the split modulestore. When no bulk operation is open for a course key,
// every operation writes or reads straight through to the stores; within a
// bulk, reads are served from the buffer after the first load and writes
// stay buffered until the outermost EndBulk.
//
// A bulk operation record is not shared across goroutines; the engine's
// record map is guarded for callers working on different courses in parallel.
type BulkWriteEngine struct {
	structures   splitstore.StructureStore
	definitions  splitstore.DefinitionStore
	indexes      splitstore.CourseIndexStore
	cache        splitstore.StructureCache
	requestCache *RequestCache

	mux     sync.Mutex
	records map[string]*bulkRecord
}

// bulkRecord is the per-course-key stack frame of one (possibly nested)
// bulk operation.
type bulkRecord struct {
	depth     int
	courseKey splitstore.CourseKey

	// index is the working copy; initialIndex is the snapshot read from
	// storage at entry, used as the from token for the collision-checked
	// update. Both are nil when the course does not exist yet.
	index        *splitstore.CourseIndex
	initialIndex *splitstore.CourseIndex

	structures     map[splitstore.ObjectID]*splitstore.Structure
	structuresInDB map[splitstore.ObjectID]bool

	definitions     map[splitstore.ObjectID]*splitstore.Definition
	definitionsInDB map[splitstore.ObjectID]bool
}

func newBulkRecord(key splitstore.CourseKey) *bulkRecord {
	return &bulkRecord{
		courseKey:       key,
		structures:      make(map[splitstore.ObjectID]*splitstore.Structure),
		structuresInDB:  make(map[splitstore.ObjectID]bool),
		definitions:     make(map[splitstore.ObjectID]*splitstore.Definition),
		definitionsInDB: make(map[splitstore.ObjectID]bool),
	}
}

// dirtyBranch reports whether the branch's version pointer differs from what
// storage held at entry. With no initial index every branch of the working
// index is dirty by definition.
func (r *bulkRecord) dirtyBranch(branch string) bool {
	if r.index == nil {
		return false
	}
	if r.initialIndex == nil {
		_, ok := r.index.Versions[branch]
		return ok
	}
	return r.index.Versions[branch] != r.initialIndex.Versions[branch]
}

func (r *bulkRecord) structureForBranch(branch string) *splitstore.Structure {
	if r.index == nil {
		return nil
	}
	return r.structures[r.index.Versions[branch]]
}

func (r *bulkRecord) setStructureForBranch(branch string, structure *splitstore.Structure) {
	if r.index != nil {
		if r.index.Versions == nil {
			r.index.Versions = make(map[string]splitstore.ObjectID, 1)
		}
		r.index.Versions[branch] = structure.ID
	}
	r.structures[structure.ID] = structure
}

// NewBulkWriteEngine wires the engine over its stores. indexes is normally
// the HybridCourseIndexStore; any CourseIndexStore works (tests use the
// in-memory one directly).
func NewBulkWriteEngine(structures splitstore.StructureStore, definitions splitstore.DefinitionStore,
	indexes splitstore.CourseIndexStore, cache splitstore.StructureCache) *BulkWriteEngine {
	return &BulkWriteEngine{
		structures:   structures,
		definitions:  definitions,
		indexes:      indexes,
		cache:        cache,
		requestCache: NewRequestCache(),
		records:      make(map[string]*bulkRecord),
	}
}

// RequestCache returns the engine's request-scoped index cache so the owner
// can Reset it at request boundaries.
func (e *BulkWriteEngine) RequestCache() *RequestCache {
	return e.requestCache
}

func recordKey(key splitstore.CourseKey) string {
	return key.ToCourseKey().ForBranch("").VersionAgnostic().MapKey()
}

// activeRecord returns the open record for the key, or nil. With ignoreCase
// the records are scanned for a case-insensitive course key match.
func (e *BulkWriteEngine) activeRecord(key splitstore.CourseKey, ignoreCase bool) *bulkRecord {
	e.mux.Lock()
	defer e.mux.Unlock()
	if rec, ok := e.records[recordKey(key)]; ok {
		return rec
	}
	if ignoreCase {
		for _, rec := range e.records {
			if rec.courseKey.EqualFold(key) {
				return rec
			}
		}
	}
	return nil
}

// BeginBulk opens (or nests into) a bulk operation for the course key. The
// outermost begin snapshots the course index from storage; nested begins
// just increase depth and see the same buffer.
func (e *BulkWriteEngine) BeginBulk(ctx context.Context, key splitstore.CourseKey) error {
	e.mux.Lock()
	rec, ok := e.records[recordKey(key)]
	if !ok {
		rec = newBulkRecord(key.ToCourseKey().ForBranch("").VersionAgnostic())
		e.records[recordKey(key)] = rec
	}
	rec.depth++
	outermost := rec.depth == 1
	e.mux.Unlock()

	if !outermost {
		return nil
	}
	initial, err := e.indexes.Get(ctx, rec.courseKey, false)
	if err != nil {
		e.mux.Lock()
		delete(e.records, recordKey(key))
		e.mux.Unlock()
		return err
	}
	rec.initialIndex = initial
	// Edits to the working copy must not pollute the entry snapshot.
	if initial != nil {
		rec.index = initial.Copy()
	}
	return nil
}

// EndBulk closes one nesting level. The outermost EndBulk flushes: dirty
// structures and definitions first, then the index (insert when the course
// didn't exist at entry, collision-checked update otherwise), then the
// request cache is cleared and the record popped. Inner EndBulks only
// decrement depth. On a flush error the record is still discarded.
func (e *BulkWriteEngine) EndBulk(ctx context.Context, key splitstore.CourseKey) error {
	e.mux.Lock()
	rec, ok := e.records[recordKey(key)]
	if !ok {
		e.mux.Unlock()
		return nil
	}
	rec.depth--
	if rec.depth > 0 {
		e.mux.Unlock()
		return nil
	}
	delete(e.records, recordKey(key))
	e.mux.Unlock()
	return e.flush(ctx, rec)
}

// AbortBulk closes one nesting level discarding the buffer: nothing is
// flushed. Callers use it on error exit paths.
func (e *BulkWriteEngine) AbortBulk(key splitstore.CourseKey) {
	e.mux.Lock()
	defer e.mux.Unlock()
	rec, ok := e.records[recordKey(key)]
	if !ok {
		return
	}
	rec.depth--
	if rec.depth <= 0 {
		delete(e.records, recordKey(key))
	}
}

// Bulk runs fn within a bulk operation scope: on a nil return everything
// buffered is flushed by the outermost end; on an error return the buffer is
// discarded and the error comes back.
func (e *BulkWriteEngine) Bulk(ctx context.Context, key splitstore.CourseKey, fn func(ctx context.Context) error) error {
	if err := e.BeginBulk(ctx, key); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		e.AbortBulk(key)
		return err
	}
	return e.EndBulk(ctx, key)
}

func (e *BulkWriteEngine) flush(ctx context.Context, rec *bulkRecord) error {
	// Structures go first so the index never references an unpersisted id.
	for id, structure := range rec.structures {
		if structure == nil || rec.structuresInDB[id] {
			continue
		}
		if err := e.structures.Insert(ctx, structure); err != nil {
			if err == splitstore.ErrDuplicateStructureID {
				// We may not have looked this structure up inside this bulk
				// and didn't realize it was already in the database. The
				// store is append only, so keep going.
				log.Debug(fmt.Sprintf("attempted to insert duplicate structure %s", id))
				continue
			}
			return err
		}
	}
	for id, definition := range rec.definitions {
		if definition == nil || rec.definitionsInDB[id] {
			continue
		}
		if err := e.definitions.Insert(ctx, definition); err != nil {
			if err == splitstore.ErrDuplicateStructureID {
				log.Debug(fmt.Sprintf("attempted to insert duplicate definition %s", id))
				continue
			}
			return err
		}
	}

	if rec.index != nil && !reflect.DeepEqual(rec.index, rec.initialIndex) {
		if rec.initialIndex == nil {
			if err := e.indexes.Insert(ctx, rec.index); err != nil {
				return err
			}
		} else {
			// A false return is a collision: logged downstream, silently
			// skipped here. The loser retries its whole bulk.
			if _, err := e.indexes.Update(ctx, rec.index, rec.initialIndex); err != nil {
				return err
			}
		}
	}
	e.requestCache.Reset()
	return nil
}

// GetStructure returns the structure by id, honoring the open bulk buffer
// for the course key, then the shared structure cache, then the store. Reads
// within a bulk hit the store at most once per id.
func (e *BulkWriteEngine) GetStructure(ctx context.Context, key splitstore.CourseKey, id splitstore.ObjectID) (*splitstore.Structure, error) {
	rec := e.activeRecord(key, false)
	if rec == nil {
		return e.readStructure(ctx, id)
	}
	if structure, ok := rec.structures[id]; ok {
		return structure, nil
	}
	structure, err := e.readStructure(ctx, id)
	if err != nil {
		return nil, err
	}
	if structure != nil {
		rec.structures[id] = structure
		rec.structuresInDB[id] = true
	}
	return structure, nil
}

// readStructure is the cache-through read: structure cache, then store,
// populating the cache on a miss. Cache failures are tolerated.
func (e *BulkWriteEngine) readStructure(ctx context.Context, id splitstore.ObjectID) (*splitstore.Structure, error) {
	structure, err := e.cache.Get(ctx, id)
	if err != nil {
		log.Warn(fmt.Sprintf("structure cache get failed for %s, reading through: %v", id, err))
	}
	if structure != nil {
		return structure, nil
	}
	structure, err = e.structures.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if structure == nil {
		log.Warn(fmt.Sprintf("no structure found for id %s", id))
		return nil, nil
	}
	if err := e.cache.Set(ctx, structure); err != nil {
		// Tolerate cache failure.
		log.Error(fmt.Sprintf("structure cache set failed for %s: %v", id, err))
	}
	return structure, nil
}

// UpdateStructure stages the (new, immutable) structure. Within a bulk it is
// buffered; otherwise it is appended to the store directly and the possibly
// stale cache entry for the id is evicted.
func (e *BulkWriteEngine) UpdateStructure(ctx context.Context, key splitstore.CourseKey, structure *splitstore.Structure) error {
	rec := e.activeRecord(key, false)
	if rec != nil {
		rec.structures[structure.ID] = structure
		delete(rec.structuresInDB, structure.ID)
		return nil
	}
	if err := e.structures.Insert(ctx, structure); err != nil {
		return err
	}
	if err := e.cache.Delete(ctx, structure.ID); err != nil {
		log.Error(fmt.Sprintf("structure cache delete failed for %s: %v", structure.ID, err))
	}
	return nil
}

// VersionStructure derives a new structure version from base on the branch
// carried by key: a deep copy with a fresh id, previous_version pointing at
// base, and updated authorship. Within a bulk whose branch pointer was
// already moved, the buffered structure for that branch is returned instead,
// so one bulk never re-versions the same branch twice. The caller is
// expected to follow up with UpdateStructure.
func (e *BulkWriteEngine) VersionStructure(ctx context.Context, key splitstore.CourseKey, base *splitstore.Structure, userID int64) (*splitstore.Structure, error) {
	if err := splitstore.ValidateBranch(key.Branch); err != nil {
		return nil, err
	}
	rec := e.activeRecord(key, false)
	if rec != nil && rec.dirtyBranch(key.Branch) {
		return rec.structureForBranch(key.Branch), nil
	}

	structure := base.Copy()
	structure.ID = splitstore.NewObjectID()
	structure.PreviousVersion = base.ID
	structure.EditedBy = userID
	structure.EditedOn = time.Now().UTC()
	structure.SchemaVersion = splitstore.SchemaVersion

	if rec != nil {
		rec.setStructureForBranch(key.Branch, structure)
	}
	return structure, nil
}

// GetCourseIndex returns the index for the course key. Within a bulk the
// working copy is returned (the bulk is scoped to a single course key, so
// an ignore-case read matches the open record too). Outside a bulk the
// request cache is consulted before the store.
func (e *BulkWriteEngine) GetCourseIndex(ctx context.Context, key splitstore.CourseKey, ignoreCase bool) (*splitstore.CourseIndex, error) {
	if rec := e.activeRecord(key, ignoreCase); rec != nil {
		return rec.index, nil
	}
	if index, ok := e.requestCache.Get(key, ignoreCase); ok {
		return index, nil
	}
	index, err := e.indexes.Get(ctx, key, ignoreCase)
	if err != nil {
		return nil, err
	}
	e.requestCache.Set(key, ignoreCase, index)
	return index, nil
}

// InsertCourseIndex stages a brand-new course index. Within a bulk it
// becomes the working copy (the entry snapshot stays nil, so the flush path
// inserts rather than updates); otherwise it writes through and the request
// cache is cleared.
func (e *BulkWriteEngine) InsertCourseIndex(ctx context.Context, key splitstore.CourseKey, index *splitstore.CourseIndex) error {
	rec := e.activeRecord(key, false)
	if rec != nil {
		rec.index = index
		return nil
	}
	if err := e.indexes.Insert(ctx, index); err != nil {
		return err
	}
	e.requestCache.Reset()
	return nil
}

// UpdateCourseIndex stages a change to an existing course index. Note, this
// operation can be dangerous and break running courses; the caller owns the
// branch pointer discipline.
func (e *BulkWriteEngine) UpdateCourseIndex(ctx context.Context, key splitstore.CourseKey, index *splitstore.CourseIndex) error {
	rec := e.activeRecord(key, false)
	if rec != nil {
		rec.index = index
		return nil
	}
	if _, err := e.indexes.Update(ctx, index, nil); err != nil {
		return err
	}
	e.requestCache.Reset()
	return nil
}

// DeleteCourseIndex removes the course's index, dropping any open bulk
// buffer for it first.
func (e *BulkWriteEngine) DeleteCourseIndex(ctx context.Context, key splitstore.CourseKey) error {
	e.mux.Lock()
	delete(e.records, recordKey(key))
	e.mux.Unlock()
	if err := e.indexes.Delete(ctx, key); err != nil {
		return err
	}
	e.requestCache.Reset()
	return nil
}

// FindMatchingCourseIndexes queries the store, then merges in buffered
// indexes from open bulk operations that satisfy the same query, replacing
// store rows by course key so the in-flight version wins.
func (e *BulkWriteEngine) FindMatchingCourseIndexes(ctx context.Context, query splitstore.CourseIndexQuery) ([]*splitstore.CourseIndex, error) {
	result, err := e.indexes.FindMatching(ctx, query)
	if err != nil {
		return nil, err
	}
	for _, rec := range e.openRecords() {
		if rec.index == nil || !query.Matches(rec.index) {
			continue
		}
		replaced := false
		for i, existing := range result {
			if existing.CourseKey().Equal(rec.index.CourseKey()) {
				result[i] = rec.index
				replaced = true
				break
			}
		}
		if !replaced {
			result = append(result, rec.index)
		}
	}
	return result, nil
}

// FindStructuresByID returns the structures for the ids, preferring buffered
// copies from open bulk operations and querying the store only for the rest.
func (e *BulkWriteEngine) FindStructuresByID(ctx context.Context, ids []splitstore.ObjectID) ([]*splitstore.Structure, error) {
	wanted := make(map[splitstore.ObjectID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var result []*splitstore.Structure
	for _, rec := range e.openRecords() {
		for id, structure := range rec.structures {
			if structure != nil && wanted[id] {
				delete(wanted, id)
				result = append(result, structure)
			}
		}
	}
	remainder := make([]splitstore.ObjectID, 0, len(wanted))
	for id := range wanted {
		remainder = append(remainder, id)
	}
	if len(remainder) > 0 {
		fromDB, err := e.structures.GetMany(ctx, remainder)
		if err != nil {
			return nil, err
		}
		result = append(result, fromDB...)
	}
	return result, nil
}

// FindStructuresDerivedFrom returns structures whose previous_version is in
// previousVersions, unioning buffered matches over the store's and dropping
// store rows shadowed by a buffered copy.
func (e *BulkWriteEngine) FindStructuresDerivedFrom(ctx context.Context, previousVersions []splitstore.ObjectID) ([]*splitstore.Structure, error) {
	wanted := make(map[splitstore.ObjectID]bool, len(previousVersions))
	for _, id := range previousVersions {
		wanted[id] = true
	}
	buffered := make(map[splitstore.ObjectID]bool)
	var result []*splitstore.Structure
	for _, rec := range e.openRecords() {
		for id, structure := range rec.structures {
			if structure == nil {
				continue
			}
			buffered[id] = true
			if wanted[structure.PreviousVersion] {
				result = append(result, structure)
			}
		}
	}
	fromDB, err := e.structures.FindDerivedFrom(ctx, previousVersions)
	if err != nil {
		return nil, err
	}
	for _, structure := range fromDB {
		if !buffered[structure.ID] {
			result = append(result, structure)
		}
	}
	return result, nil
}

// FindAncestorStructures returns structures sharing originalVersion that
// contain a versioned block with the given block id, applying the same
// predicate to buffered structures as the store applies to persisted ones.
func (e *BulkWriteEngine) FindAncestorStructures(ctx context.Context, originalVersion splitstore.ObjectID, blockID string) ([]*splitstore.Structure, error) {
	buffered := make(map[splitstore.ObjectID]bool)
	var result []*splitstore.Structure
	for _, rec := range e.openRecords() {
		for id, structure := range rec.structures {
			if structure == nil {
				continue
			}
			buffered[id] = true
			if structure.MatchesAncestor(originalVersion, blockID) {
				result = append(result, structure)
			}
		}
	}
	fromDB, err := e.structures.FindAncestorsForBlock(ctx, originalVersion, blockID)
	if err != nil {
		return nil, err
	}
	for _, structure := range fromDB {
		if !buffered[structure.ID] {
			result = append(result, structure)
		}
	}
	return result, nil
}

// GetDefinition returns one definition by id, honoring the open bulk buffer.
func (e *BulkWriteEngine) GetDefinition(ctx context.Context, key splitstore.CourseKey, id splitstore.ObjectID) (*splitstore.Definition, error) {
	rec := e.activeRecord(key, false)
	if rec == nil {
		return e.definitions.Get(ctx, id)
	}
	if definition, ok := rec.definitions[id]; ok {
		return definition, nil
	}
	definition, err := e.definitions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if definition != nil {
		rec.definitions[id] = definition
		rec.definitionsInDB[id] = true
	}
	return definition, nil
}

// GetDefinitions returns all listed definitions, preferring buffered copies
// and querying the store only for the ids not already in the bulk buffer.
func (e *BulkWriteEngine) GetDefinitions(ctx context.Context, key splitstore.CourseKey, ids []splitstore.ObjectID) ([]*splitstore.Definition, error) {
	wanted := make(map[splitstore.ObjectID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var result []*splitstore.Definition
	rec := e.activeRecord(key, false)
	if rec != nil {
		for id, definition := range rec.definitions {
			if definition != nil && wanted[id] {
				delete(wanted, id)
				result = append(result, definition)
			}
		}
	}
	remainder := make([]splitstore.ObjectID, 0, len(wanted))
	for id := range wanted {
		remainder = append(remainder, id)
	}
	if len(remainder) > 0 {
		fromDB, err := e.definitions.GetMany(ctx, remainder)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			for _, definition := range fromDB {
				rec.definitions[definition.ID] = definition
				rec.definitionsInDB[definition.ID] = true
			}
		}
		result = append(result, fromDB...)
	}
	return result, nil
}

// UpdateDefinition stages a (new, immutable) definition: buffered within a
// bulk, appended to the store otherwise.
func (e *BulkWriteEngine) UpdateDefinition(ctx context.Context, key splitstore.CourseKey, definition *splitstore.Definition) error {
	rec := e.activeRecord(key, false)
	if rec != nil {
		rec.definitions[definition.ID] = definition
		delete(rec.definitionsInDB, definition.ID)
		return nil
	}
	return e.definitions.Insert(ctx, definition)
}

// openRecords snapshots the currently open bulk records.
func (e *BulkWriteEngine) openRecords() []*bulkRecord {
	e.mux.Lock()
	defer e.mux.Unlock()
	result := make([]*bulkRecord, 0, len(e.records))
	for _, rec := range e.records {
		if rec.depth > 0 {
			result = append(result, rec)
		}
	}
	return result
}
