package redis

import (
	"context"
	"testing"
	"time"

	"github.com/SharedCode/splitstore"
)

var ctx = context.Background()

func newStructure() *splitstore.Structure {
	root := splitstore.BlockKey{Type: "course", ID: "course"}
	child := splitstore.BlockKey{Type: "chapter", ID: "ch1"}
	return &splitstore.Structure{
		ID:              splitstore.NewObjectID(),
		Root:            root,
		OriginalVersion: splitstore.NewObjectID(),
		EditedBy:        42,
		EditedOn:        time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		SchemaVersion:   splitstore.SchemaVersion,
		Blocks: map[splitstore.BlockKey]*splitstore.BlockData{
			root:  {BlockType: "course", Fields: map[string]any{"display_name": "Demo"}, Children: []splitstore.BlockKey{child}},
			child: {BlockType: "chapter", Fields: map[string]any{"display_name": "Week 1"}},
		},
	}
}

func Test_StructureCache_CompressedRoundTrip(t *testing.T) {
	cache := NewMockStructureCache()
	s := newStructure()
	if err := cache.Set(ctx, s); err != nil {
		t.Fatalf(err.Error())
	}
	got, err := cache.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf(err.Error())
	}
	if got == nil {
		t.Fatalf("Get() got = nil, want the cached structure.")
	}
	if got.ID != s.ID || got.Root != s.Root || len(got.Blocks) != 2 {
		t.Errorf("round trip changed the structure, got = %+v.", got)
	}
	rootBlock := got.Blocks[s.Root]
	if len(rootBlock.Children) != 1 || rootBlock.Children[0].ID != "ch1" {
		t.Errorf("round trip children got = %v, want = [chapter+ch1].", rootBlock.Children)
	}
}

func Test_StructureCache_MissReturnsNil(t *testing.T) {
	cache := NewMockStructureCache()
	got, err := cache.Get(ctx, splitstore.NewObjectID())
	if err != nil {
		t.Fatalf(err.Error())
	}
	if got != nil {
		t.Errorf("Get() on a miss got = %+v, want = nil.", got)
	}
}

func Test_StructureCache_Delete(t *testing.T) {
	cache := NewMockStructureCache()
	s := newStructure()
	if err := cache.Set(ctx, s); err != nil {
		t.Fatalf(err.Error())
	}
	if err := cache.Delete(ctx, s.ID); err != nil {
		t.Fatalf(err.Error())
	}
	got, _ := cache.Get(ctx, s.ID)
	if got != nil {
		t.Errorf("Get() after Delete() got = %+v, want = nil.", got)
	}
}

func Test_StructureCache_CorruptEntryEvictedAsMiss(t *testing.T) {
	store := &mockByteStore{lookup: make(map[string][]byte)}
	cache := &structureCache{store: store}
	id := splitstore.NewObjectID()
	store.lookup[cacheKey(id)] = []byte("not zlib data")

	got, err := cache.Get(ctx, id)
	if err != nil {
		t.Fatalf("corrupt entry Get() got = %v, want = nil error (treated as miss).", err)
	}
	if got != nil {
		t.Errorf("corrupt entry Get() got = %+v, want = nil.", got)
	}
	if _, ok := store.lookup[cacheKey(id)]; ok {
		t.Errorf("corrupt entry was not evicted.")
	}
}
