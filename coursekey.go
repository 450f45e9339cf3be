package splitstore

import (
	"fmt"
	"strings"
)

// Recognized branch names. Courses use the draft and published branches;
// content libraries use the library branch.
const (
	DraftBranch     = "draft-branch"
	PublishedBranch = "published-branch"
	LibraryBranch   = "library"
)

// ValidateBranch returns an InvalidBranchError unless branch is one of the
// recognized branch names.
func ValidateBranch(branch string) error {
	switch branch {
	case DraftBranch, PublishedBranch, LibraryBranch:
		return nil
	}
	return &InvalidBranchError{Branch: branch}
}

// CourseKey identifies one course or library by its (org, course, run)
// triple, case-sensitively. A key may additionally carry a branch, a version
// annotation and a CCX id; all three are annotations on the triple and are
// stripped before the key is used to look up or store an index.
type CourseKey struct {
	Org    string
	Course string
	Run    string

	// Branch annotates which branch an operation targets. Empty means unspecified.
	Branch string
	// Version pins the key to one structure version. Zero means unpinned.
	Version ObjectID
	// CCXID is set when the key arrived wrapped as a CCX (custom course) key.
	CCXID string
}

// ForBranch returns a copy of the key with the branch annotation replaced.
func (k CourseKey) ForBranch(branch string) CourseKey {
	k.Branch = branch
	return k
}

// VersionAgnostic returns a copy of the key with the version annotation cleared.
func (k CourseKey) VersionAgnostic() CourseKey {
	k.Version = NilObjectID
	return k
}

// IsCCX reports whether the key carries a CCX annotation.
func (k CourseKey) IsCCX() bool {
	return k.CCXID != ""
}

// ToCourseKey strips the CCX annotation, returning the underlying course key.
func (k CourseKey) ToCourseKey() CourseKey {
	k.CCXID = ""
	return k
}

// IsZero reports whether org, course and run are all empty.
func (k CourseKey) IsZero() bool {
	return k.Org == "" && k.Course == "" && k.Run == ""
}

// MapKey returns the canonical, case-sensitive map key for the course,
// ignoring branch/version/CCX annotations.
func (k CourseKey) MapKey() string {
	return k.Org + "+" + k.Course + "+" + k.Run
}

// LowerMapKey returns the case-folded map key, used by backends that keep a
// lower-cased shadow column for ignore-case lookups.
func (k CourseKey) LowerMapKey() string {
	return strings.ToLower(k.MapKey())
}

// String renders the key including annotations, for logs.
func (k CourseKey) String() string {
	s := k.MapKey()
	if k.Branch != "" {
		s += "+branch@" + k.Branch
	}
	if !k.Version.IsZero() {
		s += "+version@" + k.Version.String()
	}
	if k.CCXID != "" {
		s += "+ccx@" + k.CCXID
	}
	return s
}

// Equal compares the (org, course, run) triples case-sensitively,
// ignoring annotations.
func (k CourseKey) Equal(other CourseKey) bool {
	return k.Org == other.Org && k.Course == other.Course && k.Run == other.Run
}

// EqualFold compares the (org, course, run) triples case-insensitively,
// ignoring annotations.
func (k CourseKey) EqualFold(other CourseKey) bool {
	return strings.EqualFold(k.Org, other.Org) &&
		strings.EqualFold(k.Course, other.Course) &&
		strings.EqualFold(k.Run, other.Run)
}

// ParseCourseID splits an "org+course+run" course id back into a CourseKey.
func ParseCourseID(courseID string) (CourseKey, error) {
	parts := strings.Split(courseID, "+")
	if len(parts) != 3 {
		return CourseKey{}, fmt.Errorf("invalid course id %q, 'expecting org+course+run", courseID)
	}
	return CourseKey{Org: parts[0], Course: parts[1], Run: parts[2]}, nil
}
