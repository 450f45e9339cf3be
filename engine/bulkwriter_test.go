package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/SharedCode/splitstore"
	"github.com/SharedCode/splitstore/inmemory"
)

// countingStructureStore counts store round trips so tests can assert the
// bulk buffer actually short-circuits them.
type countingStructureStore struct {
	splitstore.StructureStore
	gets    int
	inserts int
}

func (c *countingStructureStore) Get(ctx context.Context, id splitstore.ObjectID) (*splitstore.Structure, error) {
	c.gets++
	return c.StructureStore.Get(ctx, id)
}

func (c *countingStructureStore) Insert(ctx context.Context, structure *splitstore.Structure) error {
	c.inserts++
	return c.StructureStore.Insert(ctx, structure)
}

type countingIndexStore struct {
	splitstore.CourseIndexStore
	gets    int
	inserts int
	updates int
}

func (c *countingIndexStore) Get(ctx context.Context, key splitstore.CourseKey, ignoreCase bool) (*splitstore.CourseIndex, error) {
	c.gets++
	return c.CourseIndexStore.Get(ctx, key, ignoreCase)
}

func (c *countingIndexStore) Insert(ctx context.Context, index *splitstore.CourseIndex) error {
	c.inserts++
	return c.CourseIndexStore.Insert(ctx, index)
}

func (c *countingIndexStore) Update(ctx context.Context, index *splitstore.CourseIndex, from *splitstore.CourseIndex) (bool, error) {
	c.updates++
	return c.CourseIndexStore.Update(ctx, index, from)
}

type fixture struct {
	engine      *BulkWriteEngine
	structures  *countingStructureStore
	definitions splitstore.DefinitionStore
	indexes     *countingIndexStore
	cache       splitstore.StructureCache
}

func newFixture() *fixture {
	structures := &countingStructureStore{StructureStore: inmemory.NewStructureStore()}
	definitions := inmemory.NewDefinitionStore()
	indexes := &countingIndexStore{CourseIndexStore: inmemory.NewCourseIndexStore()}
	cache := inmemory.NewStructureCache()
	return &fixture{
		engine:      NewBulkWriteEngine(structures, definitions, indexes, cache),
		structures:  structures,
		definitions: definitions,
		indexes:     indexes,
		cache:       cache,
	}
}

func newStructure() *splitstore.Structure {
	root := splitstore.BlockKey{Type: "course", ID: "course"}
	return &splitstore.Structure{
		ID:              splitstore.NewObjectID(),
		Root:            root,
		OriginalVersion: splitstore.NewObjectID(),
		EditedBy:        42,
		EditedOn:        time.Now().UTC(),
		SchemaVersion:   splitstore.SchemaVersion,
		Blocks: map[splitstore.BlockKey]*splitstore.BlockData{
			root: {BlockType: "course", Fields: map[string]any{"display_name": "Demo"}},
		},
	}
}

var demoKey = splitstore.CourseKey{Org: "edX", Course: "DemoX", Run: "2026", Branch: splitstore.DraftBranch}

func Test_Bulk_NothingFlushedUntilOutermostEnd(t *testing.T) {
	f := newFixture()
	index := newIndex("edX", "DemoX", "2026")

	if err := f.engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	structure := newStructure()
	if err := f.engine.UpdateStructure(ctx, demoKey, structure); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.InsertCourseIndex(ctx, demoKey, index); err != nil {
		t.Fatalf(err.Error())
	}

	// Inner end: still buffered.
	if err := f.engine.EndBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	if f.structures.inserts != 0 || f.indexes.inserts != 0 {
		t.Fatalf("inner EndBulk() flushed, got %d structure and %d index inserts, want 0 and 0.",
			f.structures.inserts, f.indexes.inserts)
	}

	// Outermost end: everything lands, structures before the index.
	if err := f.engine.EndBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	if f.structures.inserts != 1 || f.indexes.inserts != 1 {
		t.Errorf("outermost EndBulk() got %d structure and %d index inserts, want 1 and 1.",
			f.structures.inserts, f.indexes.inserts)
	}
	got, _ := f.indexes.Get(ctx, demoKey, false)
	if got == nil || got.LastUpdate.IsZero() {
		t.Errorf("flushed index got = %+v, want a stored index with a LastUpdate stamp.", got)
	}
}

func Test_Bulk_AbortDiscardsEverything(t *testing.T) {
	f := newFixture()
	if err := f.engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.UpdateStructure(ctx, demoKey, newStructure()); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.InsertCourseIndex(ctx, demoKey, newIndex("edX", "DemoX", "2026")); err != nil {
		t.Fatalf(err.Error())
	}
	f.engine.AbortBulk(demoKey)
	if f.structures.inserts != 0 || f.indexes.inserts != 0 {
		t.Errorf("AbortBulk() flushed, got %d structure and %d index inserts, want 0 and 0.",
			f.structures.inserts, f.indexes.inserts)
	}
	got, _ := f.indexes.Get(ctx, demoKey, false)
	if got != nil {
		t.Errorf("aborted index write reached the store.")
	}
}

func Test_Bulk_ScopedHelperAbortsOnError(t *testing.T) {
	f := newFixture()
	boom := errors.New("boom")
	err := f.engine.Bulk(ctx, demoKey, func(ctx context.Context) error {
		if err := f.engine.InsertCourseIndex(ctx, demoKey, newIndex("edX", "DemoX", "2026")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Bulk() got = %v, want the callback error.", err)
	}
	got, _ := f.indexes.Get(ctx, demoKey, false)
	if got != nil {
		t.Errorf("failed Bulk() flushed its buffer.")
	}

	if err := f.engine.Bulk(ctx, demoKey, func(ctx context.Context) error {
		return f.engine.InsertCourseIndex(ctx, demoKey, newIndex("edX", "DemoX", "2026"))
	}); err != nil {
		t.Fatalf(err.Error())
	}
	got, _ = f.indexes.Get(ctx, demoKey, false)
	if got == nil {
		t.Errorf("successful Bulk() did not flush.")
	}
}

func Test_Bulk_GetStructureReadsStoreOnce(t *testing.T) {
	f := newFixture()
	structure := newStructure()
	if err := f.structures.StructureStore.Insert(ctx, structure); err != nil {
		t.Fatalf(err.Error())
	}

	if err := f.engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	for i := 0; i < 3; i++ {
		got, err := f.engine.GetStructure(ctx, demoKey, structure.ID)
		if err != nil {
			t.Fatalf(err.Error())
		}
		if got == nil || got.ID != structure.ID {
			t.Fatalf("GetStructure() got = %+v, want the stored structure.", got)
		}
	}
	if f.structures.gets != 1 {
		t.Errorf("GetStructure() store reads got = %d, want = 1.", f.structures.gets)
	}
	// Already in the database, so the flush must not re-insert it.
	if err := f.engine.EndBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	if f.structures.inserts != 0 {
		t.Errorf("flush re-inserted a structure read from the store.")
	}
}

func Test_Bulk_GetStructurePopulatesSharedCache(t *testing.T) {
	f := newFixture()
	structure := newStructure()
	if err := f.structures.StructureStore.Insert(ctx, structure); err != nil {
		t.Fatalf(err.Error())
	}
	if _, err := f.engine.GetStructure(ctx, demoKey, structure.ID); err != nil {
		t.Fatalf(err.Error())
	}
	cached, err := f.cache.Get(ctx, structure.ID)
	if err != nil {
		t.Fatalf(err.Error())
	}
	if cached == nil {
		t.Errorf("read-through did not populate the structure cache.")
	}
	// A cache hit skips the store entirely.
	before := f.structures.gets
	if _, err := f.engine.GetStructure(ctx, demoKey, structure.ID); err != nil {
		t.Fatalf(err.Error())
	}
	if f.structures.gets != before {
		t.Errorf("cached read still hit the store.")
	}
}

func Test_Bulk_VersionStructureReusesDirtyBranchVersion(t *testing.T) {
	f := newFixture()
	base := newStructure()
	index := newIndex("edX", "DemoX", "2026")
	index.Versions[splitstore.DraftBranch] = base.ID
	if err := f.structures.StructureStore.Insert(ctx, base); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.indexes.CourseIndexStore.Insert(ctx, index); err != nil {
		t.Fatalf(err.Error())
	}

	if err := f.engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	first, err := f.engine.VersionStructure(ctx, demoKey, base, 99)
	if err != nil {
		t.Fatalf(err.Error())
	}
	if first.ID == base.ID || first.PreviousVersion != base.ID {
		t.Fatalf("VersionStructure() got id = %s, previous = %s, want a fresh id derived from base.",
			first.ID, first.PreviousVersion)
	}
	if first.EditedBy != 99 {
		t.Errorf("VersionStructure() EditedBy got = %d, want = 99.", first.EditedBy)
	}

	// The branch is now dirty within this bulk; re-versioning returns the
	// same in-flight structure instead of minting another id.
	second, err := f.engine.VersionStructure(ctx, demoKey, base, 99)
	if err != nil {
		t.Fatalf(err.Error())
	}
	if second.ID != first.ID {
		t.Errorf("second VersionStructure() got id = %s, want = %s.", second.ID, first.ID)
	}

	if err := f.engine.EndBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	stored, _ := f.indexes.Get(ctx, demoKey, false)
	if stored.Versions[splitstore.DraftBranch] != first.ID {
		t.Errorf("flushed branch pointer got = %s, want = %s.", stored.Versions[splitstore.DraftBranch], first.ID)
	}
	if s, _ := f.structures.StructureStore.Get(ctx, first.ID); s == nil {
		t.Errorf("flushed structure %s is not in the store.", first.ID)
	}
}

func Test_Bulk_VersionStructureRejectsBadBranch(t *testing.T) {
	f := newFixture()
	key := demoKey.ForBranch("")
	_, err := f.engine.VersionStructure(ctx, key, newStructure(), 99)
	var badBranch *splitstore.InvalidBranchError
	if !errors.As(err, &badBranch) {
		t.Errorf("VersionStructure() with no branch got = %v, want = InvalidBranchError.", err)
	}
}

func Test_Bulk_FlushToleratesDuplicateStructures(t *testing.T) {
	f := newFixture()
	structure := newStructure()
	// The structure is already persisted, unbeknownst to this bulk.
	if err := f.structures.StructureStore.Insert(ctx, structure); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.UpdateStructure(ctx, demoKey, structure); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.EndBulk(ctx, demoKey); err != nil {
		t.Errorf("EndBulk() with a duplicate structure got = %v, want = nil.", err)
	}
}

func Test_Bulk_NoChangeWritesNothing(t *testing.T) {
	f := newFixture()
	index := newIndex("edX", "DemoX", "2026")
	if err := f.indexes.CourseIndexStore.Insert(ctx, index); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.Bulk(ctx, demoKey, func(ctx context.Context) error {
		_, err := f.engine.GetCourseIndex(ctx, demoKey, false)
		return err
	}); err != nil {
		t.Fatalf(err.Error())
	}
	if f.indexes.updates != 0 || f.indexes.inserts != 0 {
		t.Errorf("read-only bulk wrote the index, got %d updates and %d inserts.",
			f.indexes.updates, f.indexes.inserts)
	}
}

func Test_Bulk_GetCourseIndexUsesRequestCache(t *testing.T) {
	f := newFixture()
	index := newIndex("edX", "DemoX", "2026")
	if err := f.indexes.CourseIndexStore.Insert(ctx, index); err != nil {
		t.Fatalf(err.Error())
	}
	for i := 0; i < 3; i++ {
		if _, err := f.engine.GetCourseIndex(ctx, demoKey, false); err != nil {
			t.Fatalf(err.Error())
		}
	}
	if f.indexes.gets != 1 {
		t.Fatalf("GetCourseIndex() store reads got = %d, want = 1.", f.indexes.gets)
	}

	// Misses are cached too.
	missing := splitstore.CourseKey{Org: "nope", Course: "nope", Run: "nope"}
	for i := 0; i < 2; i++ {
		got, err := f.engine.GetCourseIndex(ctx, missing, false)
		if err != nil {
			t.Fatalf(err.Error())
		}
		if got != nil {
			t.Fatalf("GetCourseIndex() for an unknown course got = %+v, want = nil.", got)
		}
	}
	if f.indexes.gets != 2 {
		t.Errorf("negative entry not cached, store reads got = %d, want = 2.", f.indexes.gets)
	}

	// A write clears the whole request cache.
	fresh := index.Copy()
	fresh.LastUpdate = time.Time{}
	if err := f.engine.UpdateCourseIndex(ctx, demoKey, fresh); err != nil {
		t.Fatalf(err.Error())
	}
	if _, err := f.engine.GetCourseIndex(ctx, demoKey, false); err != nil {
		t.Fatalf(err.Error())
	}
	if f.indexes.gets != 3 {
		t.Errorf("request cache not reset on write, store reads got = %d, want = 3.", f.indexes.gets)
	}
}

func Test_Bulk_GetCourseIndexSeesBufferedEdits(t *testing.T) {
	f := newFixture()
	index := newIndex("edX", "DemoX", "2026")
	if err := f.indexes.CourseIndexStore.Insert(ctx, index); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	working, err := f.engine.GetCourseIndex(ctx, demoKey, false)
	if err != nil {
		t.Fatalf(err.Error())
	}
	newVersion := splitstore.NewObjectID()
	working.Versions[splitstore.PublishedBranch] = newVersion

	// The edit is visible within the bulk, including via ignore-case reads.
	again, _ := f.engine.GetCourseIndex(ctx, splitstore.CourseKey{Org: "EDX", Course: "demox", Run: "2026"}, true)
	if again == nil || again.Versions[splitstore.PublishedBranch] != newVersion {
		t.Errorf("buffered edit invisible to in-bulk reads, got = %+v.", again)
	}
	// But not outside the store until flush.
	stored, _ := f.indexes.CourseIndexStore.Get(ctx, demoKey, false)
	if _, ok := stored.Versions[splitstore.PublishedBranch]; ok {
		t.Errorf("buffered edit leaked to the store before flush.")
	}

	if err := f.engine.EndBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	stored, _ = f.indexes.CourseIndexStore.Get(ctx, demoKey, false)
	if stored.Versions[splitstore.PublishedBranch] != newVersion {
		t.Errorf("flushed edit missing from the store.")
	}
	if f.indexes.updates != 1 {
		t.Errorf("flush updates got = %d, want = 1.", f.indexes.updates)
	}
}

func Test_Bulk_FindMatchingMergesBufferedIndexes(t *testing.T) {
	f := newFixture()
	stored := newIndex("edX", "DemoX", "2026")
	if err := f.indexes.CourseIndexStore.Insert(ctx, stored); err != nil {
		t.Fatalf(err.Error())
	}

	otherKey := splitstore.CourseKey{Org: "MITx", Course: "6.00x", Run: "2026", Branch: splitstore.DraftBranch}
	if err := f.engine.BeginBulk(ctx, otherKey); err != nil {
		t.Fatalf(err.Error())
	}
	buffered := newIndex("MITx", "6.00x", "2026")
	if err := f.engine.InsertCourseIndex(ctx, otherKey, buffered); err != nil {
		t.Fatalf(err.Error())
	}

	result, err := f.engine.FindMatchingCourseIndexes(ctx, splitstore.CourseIndexQuery{Branch: splitstore.DraftBranch})
	if err != nil {
		t.Fatalf(err.Error())
	}
	if len(result) != 2 {
		t.Fatalf("FindMatchingCourseIndexes() got = %d rows, want = 2 (stored + buffered).", len(result))
	}

	// An in-flight edit of a stored course shadows the store's row.
	if err := f.engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	working, _ := f.engine.GetCourseIndex(ctx, demoKey, false)
	working.SearchTargets = map[string]string{splitstore.WikiSlugTarget: "demo"}
	result, err = f.engine.FindMatchingCourseIndexes(ctx, splitstore.CourseIndexQuery{Branch: splitstore.DraftBranch})
	if err != nil {
		t.Fatalf(err.Error())
	}
	var found int
	for _, index := range result {
		if index.Org == "edX" {
			found++
			if index.SearchTargets[splitstore.WikiSlugTarget] != "demo" {
				t.Errorf("buffered edit did not shadow the stored row.")
			}
		}
	}
	if found != 1 {
		t.Errorf("stored course appeared %d times, want exactly once.", found)
	}
	f.engine.AbortBulk(demoKey)
	f.engine.AbortBulk(otherKey)
}

func Test_Bulk_FindStructuresPreferBuffered(t *testing.T) {
	f := newFixture()
	base := newStructure()
	if err := f.structures.StructureStore.Insert(ctx, base); err != nil {
		t.Fatalf(err.Error())
	}

	if err := f.engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	derived, err := f.engine.VersionStructure(ctx, demoKey, base, 99)
	if err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.UpdateStructure(ctx, demoKey, derived); err != nil {
		t.Fatalf(err.Error())
	}

	byID, err := f.engine.FindStructuresByID(ctx, []splitstore.ObjectID{base.ID, derived.ID})
	if err != nil {
		t.Fatalf(err.Error())
	}
	if len(byID) != 2 {
		t.Errorf("FindStructuresByID() got = %d structures, want = 2.", len(byID))
	}

	derivedFrom, err := f.engine.FindStructuresDerivedFrom(ctx, []splitstore.ObjectID{base.ID})
	if err != nil {
		t.Fatalf(err.Error())
	}
	if len(derivedFrom) != 1 || derivedFrom[0].ID != derived.ID {
		t.Errorf("FindStructuresDerivedFrom() got = %d structures, want the buffered derived one.", len(derivedFrom))
	}
	f.engine.AbortBulk(demoKey)
}

func Test_Bulk_FindAncestorStructuresScansBuffer(t *testing.T) {
	f := newFixture()
	original := splitstore.NewObjectID()
	blockKey := splitstore.BlockKey{Type: "chapter", ID: "ch1"}

	persisted := newStructure()
	persisted.OriginalVersion = original
	persisted.Blocks[blockKey] = &splitstore.BlockData{
		BlockType: "chapter",
		EditInfo:  splitstore.EditInfo{UpdateVersion: splitstore.NewObjectID()},
	}
	if err := f.structures.StructureStore.Insert(ctx, persisted); err != nil {
		t.Fatalf(err.Error())
	}

	if err := f.engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	buffered := newStructure()
	buffered.OriginalVersion = original
	buffered.Blocks[blockKey] = &splitstore.BlockData{
		BlockType: "chapter",
		EditInfo:  splitstore.EditInfo{UpdateVersion: splitstore.NewObjectID()},
	}
	if err := f.engine.UpdateStructure(ctx, demoKey, buffered); err != nil {
		t.Fatalf(err.Error())
	}

	result, err := f.engine.FindAncestorStructures(ctx, original, "ch1")
	if err != nil {
		t.Fatalf(err.Error())
	}
	if len(result) != 2 {
		t.Errorf("FindAncestorStructures() got = %d structures, want = 2 (persisted + buffered).", len(result))
	}
	f.engine.AbortBulk(demoKey)
}

func Test_Bulk_DefinitionsBufferedUntilFlush(t *testing.T) {
	f := newFixture()
	definition := &splitstore.Definition{
		ID:        splitstore.NewObjectID(),
		BlockType: "html",
		Fields:    map[string]any{"data": "<p>hi</p>"},
	}
	if err := f.engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.UpdateDefinition(ctx, demoKey, definition); err != nil {
		t.Fatalf(err.Error())
	}
	got, err := f.engine.GetDefinition(ctx, demoKey, definition.ID)
	if err != nil {
		t.Fatalf(err.Error())
	}
	if got == nil || got.ID != definition.ID {
		t.Fatalf("GetDefinition() did not see the buffered definition.")
	}
	if stored, _ := f.definitions.Get(ctx, definition.ID); stored != nil {
		t.Errorf("buffered definition leaked to the store before flush.")
	}
	if err := f.engine.EndBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	if stored, _ := f.definitions.Get(ctx, definition.ID); stored == nil {
		t.Errorf("flushed definition missing from the store.")
	}
}

func Test_Bulk_CollisionLoserIsSkipped(t *testing.T) {
	primary := inmemory.NewCourseIndexStore()
	secondary := inmemory.NewCourseIndexStore()
	hybrid := NewHybridCourseIndexStore(primary, secondary)
	structures := inmemory.NewStructureStore()
	definitions := inmemory.NewDefinitionStore()
	cache := inmemory.NewStructureCache()

	engineA := NewBulkWriteEngine(structures, definitions, hybrid, cache)
	engineB := NewBulkWriteEngine(structures, definitions, hybrid, cache)

	seed := newIndex("edX", "DemoX", "2026")
	if err := hybrid.Insert(ctx, seed); err != nil {
		t.Fatalf(err.Error())
	}

	// Both writers snapshot the same index, then A flushes first.
	if err := engineA.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	if err := engineB.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	a, _ := engineA.GetCourseIndex(ctx, demoKey, false)
	a.Versions[splitstore.DraftBranch] = splitstore.NewObjectID()
	b, _ := engineB.GetCourseIndex(ctx, demoKey, false)
	b.Versions[splitstore.DraftBranch] = splitstore.NewObjectID()

	if err := engineA.EndBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	// B's token is stale; its flush is skipped silently.
	if err := engineB.EndBulk(ctx, demoKey); err != nil {
		t.Errorf("losing EndBulk() got = %v, want = nil.", err)
	}
	stored, _ := primary.Get(ctx, demoKey, false)
	if stored.Versions[splitstore.DraftBranch] != a.Versions[splitstore.DraftBranch] {
		t.Errorf("collision loser overwrote the winner.")
	}
}

func Test_Bulk_DeleteCourseIndexDropsBuffer(t *testing.T) {
	f := newFixture()
	index := newIndex("edX", "DemoX", "2026")
	if err := f.indexes.CourseIndexStore.Insert(ctx, index); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	working, _ := f.engine.GetCourseIndex(ctx, demoKey, false)
	working.Versions[splitstore.PublishedBranch] = splitstore.NewObjectID()

	if err := f.engine.DeleteCourseIndex(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	stored, _ := f.indexes.Get(ctx, demoKey, false)
	if stored != nil {
		t.Errorf("DeleteCourseIndex() left the row in the store.")
	}
	// The open bulk is gone; EndBulk is a no-op, not a flush of stale edits.
	if err := f.engine.EndBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	stored, _ = f.indexes.Get(ctx, demoKey, false)
	if stored != nil {
		t.Errorf("EndBulk() after delete resurrected the index.")
	}
}

func Test_Bulk_ParallelCoursesDoNotShareBuffers(t *testing.T) {
	f := newFixture()
	otherKey := splitstore.CourseKey{Org: "MITx", Course: "6.00x", Run: "2026", Branch: splitstore.DraftBranch}
	if err := f.engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.BeginBulk(ctx, otherKey); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.InsertCourseIndex(ctx, demoKey, newIndex("edX", "DemoX", "2026")); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.EndBulk(ctx, otherKey); err != nil {
		t.Fatalf(err.Error())
	}
	// Ending the other course's bulk must not flush this one's buffer.
	if f.indexes.inserts != 0 {
		t.Errorf("sibling EndBulk() flushed a foreign buffer, got %d inserts.", f.indexes.inserts)
	}
	if err := f.engine.EndBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	if f.indexes.inserts != 1 {
		t.Errorf("own EndBulk() inserts got = %d, want = 1.", f.indexes.inserts)
	}
}

func Test_Bulk_UpdateStructureOutsideBulkWritesThrough(t *testing.T) {
	f := newFixture()
	structure := newStructure()
	// Pre-populate the cache with a same-id entry to prove write-through evicts it.
	if err := f.cache.Set(ctx, structure); err != nil {
		t.Fatalf(err.Error())
	}
	if err := f.engine.UpdateStructure(ctx, demoKey, structure); err != nil {
		t.Fatalf(err.Error())
	}
	if f.structures.inserts != 1 {
		t.Fatalf("write-through inserts got = %d, want = 1.", f.structures.inserts)
	}
	cached, _ := f.cache.Get(ctx, structure.ID)
	if cached != nil {
		t.Errorf("write-through did not evict the cache entry.")
	}
}

func Test_Bulk_ReadMissLogsAndReturnsNil(t *testing.T) {
	f := newFixture()
	got, err := f.engine.GetStructure(ctx, demoKey, splitstore.NewObjectID())
	if err != nil {
		t.Fatalf(err.Error())
	}
	if got != nil {
		t.Errorf("GetStructure() for an unknown id got = %+v, want = nil.", got)
	}
}

func Test_Bulk_FlushInsertsStructuresBeforeIndex(t *testing.T) {
	structures := inmemory.NewStructureStore()
	ordered := &orderRecorder{}
	indexes := &orderedIndexStore{CourseIndexStore: inmemory.NewCourseIndexStore(), rec: ordered}
	wrapped := &orderedStructureStore{StructureStore: structures, rec: ordered}
	engine := NewBulkWriteEngine(wrapped, inmemory.NewDefinitionStore(), indexes, inmemory.NewStructureCache())

	if err := engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	structure := newStructure()
	index := newIndex("edX", "DemoX", "2026")
	index.Versions[splitstore.DraftBranch] = structure.ID
	if err := engine.UpdateStructure(ctx, demoKey, structure); err != nil {
		t.Fatalf(err.Error())
	}
	if err := engine.InsertCourseIndex(ctx, demoKey, index); err != nil {
		t.Fatalf(err.Error())
	}
	if err := engine.EndBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	want := []string{"structure", "index"}
	if len(ordered.events) != 2 || ordered.events[0] != want[0] || ordered.events[1] != want[1] {
		t.Errorf("flush order got = %v, want = %v.", ordered.events, want)
	}
}

type orderRecorder struct {
	events []string
}

type orderedStructureStore struct {
	splitstore.StructureStore
	rec *orderRecorder
}

func (o *orderedStructureStore) Insert(ctx context.Context, structure *splitstore.Structure) error {
	o.rec.events = append(o.rec.events, "structure")
	return o.StructureStore.Insert(ctx, structure)
}

type orderedIndexStore struct {
	splitstore.CourseIndexStore
	rec *orderRecorder
}

func (o *orderedIndexStore) Insert(ctx context.Context, index *splitstore.CourseIndex) error {
	o.rec.events = append(o.rec.events, "index")
	return o.CourseIndexStore.Insert(ctx, index)
}

func (o *orderedIndexStore) Update(ctx context.Context, index *splitstore.CourseIndex, from *splitstore.CourseIndex) (bool, error) {
	o.rec.events = append(o.rec.events, "index")
	return o.CourseIndexStore.Update(ctx, index, from)
}

// failingStructureStore rejects every insert, for the error-propagation path.
type failingStructureStore struct {
	splitstore.StructureStore
}

func (f *failingStructureStore) Insert(ctx context.Context, structure *splitstore.Structure) error {
	return fmt.Errorf("disk full")
}

func Test_Bulk_FlushErrorPropagatesAndSkipsIndex(t *testing.T) {
	indexes := &countingIndexStore{CourseIndexStore: inmemory.NewCourseIndexStore()}
	engine := NewBulkWriteEngine(&failingStructureStore{StructureStore: inmemory.NewStructureStore()},
		inmemory.NewDefinitionStore(), indexes, inmemory.NewStructureCache())

	if err := engine.BeginBulk(ctx, demoKey); err != nil {
		t.Fatalf(err.Error())
	}
	if err := engine.UpdateStructure(ctx, demoKey, newStructure()); err != nil {
		t.Fatalf(err.Error())
	}
	if err := engine.InsertCourseIndex(ctx, demoKey, newIndex("edX", "DemoX", "2026")); err != nil {
		t.Fatalf(err.Error())
	}
	if err := engine.EndBulk(ctx, demoKey); err == nil {
		t.Fatalf("EndBulk() with a failing structure store got nil error, want error.")
	}
	// The index write never happens when structures fail to land.
	if indexes.inserts != 0 {
		t.Errorf("index insert ran despite a structure flush failure.")
	}
}
