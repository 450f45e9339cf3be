package splitstore

import (
	"time"

	"github.com/google/uuid"
)

// WikiSlugTarget is the one search target key the relational backend
// denormalizes to its own column.
const WikiSlugTarget = "wiki_slug"

// CourseIndex is the mutable record saying, for one course or library, which
// structure id is current on each branch. LastUpdate is the collision token:
// every writer stamps it, and a collision-checked update only applies when
// the stored token still equals the one the writer read.
type CourseIndex struct {
	ObjectID      uuid.UUID           `json:"_id"`
	Org           string              `json:"org"`
	Course        string              `json:"course"`
	Run           string              `json:"run"`
	Versions      map[string]ObjectID `json:"versions"`
	SearchTargets map[string]string   `json:"search_targets"`
	EditedBy      int64               `json:"edited_by"`
	EditedOn      time.Time           `json:"edited_on"`
	LastUpdate    time.Time           `json:"last_update"`
	SchemaVersion int                 `json:"schema_version"`
}

// CourseKey returns the (org, course, run) key of this index.
func (ci *CourseIndex) CourseKey() CourseKey {
	return CourseKey{Org: ci.Org, Course: ci.Course, Run: ci.Run}
}

// Copy returns a deep copy. Bulk operations snapshot the index at entry with
// this so in-flight edits never pollute the collision check baseline.
func (ci *CourseIndex) Copy() *CourseIndex {
	cp := &CourseIndex{
		ObjectID:      ci.ObjectID,
		Org:           ci.Org,
		Course:        ci.Course,
		Run:           ci.Run,
		EditedBy:      ci.EditedBy,
		EditedOn:      ci.EditedOn,
		LastUpdate:    ci.LastUpdate,
		SchemaVersion: ci.SchemaVersion,
	}
	if ci.Versions != nil {
		cp.Versions = make(map[string]ObjectID, len(ci.Versions))
		for k, v := range ci.Versions {
			cp.Versions[k] = v
		}
	}
	if ci.SearchTargets != nil {
		cp.SearchTargets = make(map[string]string, len(ci.SearchTargets))
		for k, v := range ci.SearchTargets {
			cp.SearchTargets[k] = v
		}
	}
	return cp
}

// CourseIndexQuery is the filter set accepted by FindMatching. All set
// filters must hold; CourseKeys, when present, is an OR-ed list.
type CourseIndexQuery struct {
	// Branch, if set, requires the index's Versions to contain that branch.
	Branch string
	// SearchTargets entries must each equal the index's corresponding target.
	SearchTargets map[string]string
	// Org is an exact-match filter.
	Org string
	// CourseKeys restricts results to these courses (case-sensitive).
	CourseKeys []CourseKey
}

// Matches reports whether the index satisfies every filter in the query.
// The engine uses this to merge buffered indexes from open bulk operations
// into store query results; the in-memory backend uses it directly.
func (q CourseIndexQuery) Matches(ci *CourseIndex) bool {
	if ci == nil {
		return false
	}
	if q.Branch != "" {
		if _, ok := ci.Versions[q.Branch]; !ok {
			return false
		}
	}
	for k, v := range q.SearchTargets {
		if ci.SearchTargets[k] != v {
			return false
		}
	}
	if q.Org != "" && ci.Org != q.Org {
		return false
	}
	if len(q.CourseKeys) > 0 {
		found := false
		for _, key := range q.CourseKeys {
			if key.Equal(ci.CourseKey()) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
