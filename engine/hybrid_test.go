package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/SharedCode/splitstore"
	"github.com/SharedCode/splitstore/inmemory"
)

var ctx = context.Background()

func newIndex(org, course, run string) *splitstore.CourseIndex {
	return &splitstore.CourseIndex{
		ObjectID: uuid.New(),
		Org:      org,
		Course:   course,
		Run:      run,
		Versions: map[string]splitstore.ObjectID{
			splitstore.DraftBranch: splitstore.NewObjectID(),
		},
		EditedBy:      42,
		EditedOn:      time.Now().UTC(),
		SchemaVersion: splitstore.SchemaVersion,
	}
}

func newHybrid() (*HybridCourseIndexStore, splitstore.CourseIndexStore, splitstore.CourseIndexStore) {
	primary := inmemory.NewCourseIndexStore()
	secondary := inmemory.NewCourseIndexStore()
	return NewHybridCourseIndexStore(primary, secondary), primary, secondary
}

func Test_Hybrid_InsertMirrorsWithOneStamp(t *testing.T) {
	hybrid, primary, secondary := newHybrid()
	index := newIndex("edX", "DemoX", "2026")
	if err := hybrid.Insert(ctx, index); err != nil {
		t.Fatalf(err.Error())
	}
	p, _ := primary.Get(ctx, index.CourseKey(), false)
	s, _ := secondary.Get(ctx, index.CourseKey(), false)
	if p == nil || s == nil {
		t.Fatalf("Insert() did not reach both backends, got = %v, %v.", p, s)
	}
	if !p.LastUpdate.Equal(s.LastUpdate) {
		t.Errorf("LastUpdate differs across backends, got = %v and %v.", p.LastUpdate, s.LastUpdate)
	}
}

func Test_Hybrid_ReadsPrimaryOnly(t *testing.T) {
	hybrid, _, secondary := newHybrid()
	legacyOnly := newIndex("edX", "Legacy", "2020")
	if err := secondary.Insert(ctx, legacyOnly); err != nil {
		t.Fatalf(err.Error())
	}
	got, err := hybrid.Get(ctx, legacyOnly.CourseKey(), false)
	if err != nil {
		t.Fatalf(err.Error())
	}
	if got != nil {
		t.Errorf("Get() fell back to the secondary, got = %+v, want = nil.", got)
	}
	result, _ := hybrid.FindMatching(ctx, splitstore.CourseIndexQuery{})
	if len(result) != 0 {
		t.Errorf("FindMatching() read the secondary, got = %d rows, want = 0.", len(result))
	}
	legacy, _ := hybrid.FindMatchingLegacy(ctx, splitstore.CourseIndexQuery{})
	if len(legacy) != 1 {
		t.Errorf("FindMatchingLegacy() got = %d rows, want = 1.", len(legacy))
	}
}

func Test_Hybrid_GetUnwrapsCCXKey(t *testing.T) {
	hybrid, _, _ := newHybrid()
	index := newIndex("edX", "DemoX", "2026")
	if err := hybrid.Insert(ctx, index); err != nil {
		t.Fatalf(err.Error())
	}
	ccxKey := index.CourseKey()
	ccxKey.CCXID = "7"
	got, err := hybrid.Get(ctx, ccxKey, false)
	if err != nil {
		t.Fatalf(err.Error())
	}
	if got == nil || got.ObjectID != index.ObjectID {
		t.Errorf("Get() with a CCX key got = %+v, want the underlying course index.", got)
	}
}

func Test_Hybrid_UpdateCollisionSkipsSecondary(t *testing.T) {
	hybrid, primary, secondary := newHybrid()
	index := newIndex("edX", "DemoX", "2026")
	if err := hybrid.Insert(ctx, index); err != nil {
		t.Fatalf(err.Error())
	}
	snapshot, _ := primary.Get(ctx, index.CourseKey(), false)

	// Writer B wins the race.
	winning := snapshot.Copy()
	winning.Versions[splitstore.PublishedBranch] = splitstore.NewObjectID()
	winning.LastUpdate = time.Time{}
	if applied, err := hybrid.Update(ctx, winning, snapshot); !applied || err != nil {
		t.Fatalf("winning Update() got = %v, %v, want = true, nil.", applied, err)
	}

	// Writer A's token is stale: skipped, not raised, secondary untouched.
	losing := snapshot.Copy()
	losing.Versions[splitstore.DraftBranch] = splitstore.NewObjectID()
	losing.LastUpdate = time.Time{}
	applied, err := hybrid.Update(ctx, losing, snapshot)
	if err != nil {
		t.Fatalf(err.Error())
	}
	if applied {
		t.Errorf("stale Update() got applied = true, want = false.")
	}
	s, _ := secondary.Get(ctx, index.CourseKey(), false)
	if s.Versions[splitstore.DraftBranch] != snapshot.Versions[splitstore.DraftBranch] {
		t.Errorf("losing update leaked to the secondary.")
	}
	if _, ok := s.Versions[splitstore.PublishedBranch]; !ok {
		t.Errorf("winning update was not mirrored to the secondary.")
	}
}

func Test_Hybrid_DeleteFansOut(t *testing.T) {
	hybrid, primary, secondary := newHybrid()
	index := newIndex("edX", "DemoX", "2026")
	if err := hybrid.Insert(ctx, index); err != nil {
		t.Fatalf(err.Error())
	}
	if err := hybrid.Delete(ctx, index.CourseKey()); err != nil {
		t.Fatalf(err.Error())
	}
	p, _ := primary.Get(ctx, index.CourseKey(), false)
	s, _ := secondary.Get(ctx, index.CourseKey(), false)
	if p != nil || s != nil {
		t.Errorf("Delete() left a row behind, got = %v, %v.", p, s)
	}
}
