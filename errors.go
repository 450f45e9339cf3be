package splitstore

import (
	"errors"
	"fmt"
)

// Sentinel errors for append-only uniqueness violations. Both indicate a
// programmer error: structure ids are supposed to be freshly minted, and a
// course key gets exactly one index row.
var (
	ErrDuplicateStructureID = errors.New("structure id already exists")
	ErrDuplicateCourseIndex = errors.New("course index already exists")
)

// ImmutableFieldError is raised when an update attempts to change a field of
// an existing course index row that is immutable (course_id or object_id).
type ImmutableFieldError struct {
	Field    string
	CourseID string
}

func (e *ImmutableFieldError) Error() string {
	return fmt.Sprintf("attempted to change the %s key of a course index entry (%s)", e.Field, e.CourseID)
}

// InvalidBranchError is raised when a branch name is not one of the
// recognized branches (draft-branch, published-branch, library), including
// the empty branch where one is required.
type InvalidBranchError struct {
	Branch string
}

func (e *InvalidBranchError) Error() string {
	if e.Branch == "" {
		return "course key has no branch"
	}
	return fmt.Sprintf("unknown branch name %q", e.Branch)
}
