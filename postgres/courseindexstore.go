// Package postgres implements the primary (relational) course index store on
// PostgreSQL via GORM. One row per course, keyed by the surrogate uuid and
// carrying denormalized per-branch version columns plus the search targets
// both as dedicated columns (wiki_slug) and as a JSON document.
package postgres

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/SharedCode/splitstore"
	"github.com/SharedCode/splitstore/encoding"
)

// Options holds the connection details of the course index database.
type Options struct {
	// DSN is the PostgreSQL connection string.
	DSN string
	// LogQueries enables statement logging through GORM's logger.
	LogQueries bool
}

// Open connects to PostgreSQL and migrates the course index tables.
func Open(options Options) (*gorm.DB, error) {
	logLevel := gormlogger.Silent
	if options.LogQueries {
		logLevel = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(options.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("can't open course index database, '%w", err)
	}
	if err := db.AutoMigrate(&courseIndexRow{}, &courseIndexHistoryRow{}); err != nil {
		return nil, fmt.Errorf("can't migrate course index tables, '%w", err)
	}
	return db, nil
}

// courseIndexRow is the persisted shape of a course index. Branch version
// pointers are stored as 24 character hex ids, empty string when the branch
// has no pointer.
type courseIndexRow struct {
	ObjectID         string         `gorm:"column:objectid;type:uuid;primaryKey"`
	CourseID         string         `gorm:"column:course_id;uniqueIndex;size:255;not null"`
	Org              string         `gorm:"column:org;index;size:255;not null"`
	Course           string         `gorm:"column:course;size:255;not null"`
	Run              string         `gorm:"column:run;size:255;not null"`
	DraftVersion     string         `gorm:"column:draft_version;size:24;not null;default:''"`
	PublishedVersion string         `gorm:"column:published_version;size:24;not null;default:''"`
	LibraryVersion   string         `gorm:"column:library_version;size:24;not null;default:''"`
	WikiSlug         string         `gorm:"column:wiki_slug;index;size:255;not null;default:''"`
	SearchTargets    datatypes.JSON `gorm:"column:search_targets"`
	EditedByID       int64          `gorm:"column:edited_by_id;not null"`
	EditedOn         time.Time      `gorm:"column:edited_on;not null"`
	LastUpdate       time.Time      `gorm:"column:last_update;not null"`
	SchemaVersion    int            `gorm:"column:schema_version;not null"`
}

func (courseIndexRow) TableName() string { return "split_course_indexes" }

// courseIndexHistoryRow records one applied change per row, newest last.
type courseIndexHistoryRow struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ObjectID     string    `gorm:"column:objectid;type:uuid;index;not null"`
	CourseID     string    `gorm:"column:course_id;size:255;not null"`
	ChangeReason string    `gorm:"column:change_reason;size:255;not null"`
	EditedByID   int64     `gorm:"column:edited_by_id;not null"`
	EditedOn     time.Time `gorm:"column:edited_on;not null"`
}

func (courseIndexHistoryRow) TableName() string { return "split_course_index_history" }

// CourseIndexStore is the PostgreSQL backed splitstore.CourseIndexStore.
type CourseIndexStore struct {
	db *gorm.DB
}

// NewCourseIndexStore wraps an open GORM handle, normally Open's result.
func NewCourseIndexStore(db *gorm.DB) *CourseIndexStore {
	return &CourseIndexStore{db: db}
}

func toRow(index *splitstore.CourseIndex) (*courseIndexRow, error) {
	row := &courseIndexRow{
		ObjectID:      index.ObjectID.String(),
		CourseID:      index.CourseKey().MapKey(),
		Org:           index.Org,
		Course:        index.Course,
		Run:           index.Run,
		EditedByID:    index.EditedBy,
		EditedOn:      index.EditedOn,
		LastUpdate:    index.LastUpdate,
		SchemaVersion: index.SchemaVersion,
	}
	for branch, version := range index.Versions {
		hex := ""
		if !version.IsZero() {
			hex = version.String()
		}
		switch branch {
		case splitstore.DraftBranch:
			row.DraftVersion = hex
		case splitstore.PublishedBranch:
			row.PublishedVersion = hex
		case splitstore.LibraryBranch:
			row.LibraryVersion = hex
		default:
			return nil, &splitstore.InvalidBranchError{Branch: branch}
		}
	}
	if len(index.SearchTargets) > 0 {
		row.WikiSlug = index.SearchTargets[splitstore.WikiSlugTarget]
		ba, err := encoding.DefaultMarshaler.Marshal(index.SearchTargets)
		if err != nil {
			return nil, err
		}
		row.SearchTargets = datatypes.JSON(ba)
	}
	return row, nil
}

func fromRow(row *courseIndexRow) (*splitstore.CourseIndex, error) {
	oid, err := uuid.Parse(row.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("corrupt objectid on course index row %s, '%w", row.CourseID, err)
	}
	index := &splitstore.CourseIndex{
		ObjectID:      oid,
		Org:           row.Org,
		Course:        row.Course,
		Run:           row.Run,
		Versions:      make(map[string]splitstore.ObjectID, 3),
		EditedBy:      row.EditedByID,
		EditedOn:      row.EditedOn,
		LastUpdate:    row.LastUpdate,
		SchemaVersion: row.SchemaVersion,
	}
	for branch, hex := range map[string]string{
		splitstore.DraftBranch:     row.DraftVersion,
		splitstore.PublishedBranch: row.PublishedVersion,
		splitstore.LibraryBranch:   row.LibraryVersion,
	} {
		if hex == "" {
			continue
		}
		version, err := splitstore.ParseObjectID(hex)
		if err != nil {
			return nil, fmt.Errorf("corrupt %s pointer on course index row %s, '%w", branch, row.CourseID, err)
		}
		index.Versions[branch] = version
	}
	if len(row.SearchTargets) > 0 {
		if err := encoding.DefaultMarshaler.Unmarshal(row.SearchTargets, &index.SearchTargets); err != nil {
			return nil, fmt.Errorf("corrupt search targets on course index row %s, '%w", row.CourseID, err)
		}
	}
	return index, nil
}

// Get returns the course index, nil when unknown. ignoreCase folds the
// course id comparison to lower case; an exact-case match wins when both
// exist.
func (s *CourseIndexStore) Get(ctx context.Context, key splitstore.CourseKey, ignoreCase bool) (*splitstore.CourseIndex, error) {
	courseID := key.ToCourseKey().ForBranch("").VersionAgnostic().MapKey()
	tx := s.db.WithContext(ctx)
	if ignoreCase {
		var rows []courseIndexRow
		if err := tx.Where("lower(course_id) = lower(?)", courseID).
			Order("course_id").Find(&rows).Error; err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		// Prefer the exact-case row when case-variant siblings exist.
		match := &rows[0]
		for i := range rows {
			if rows[i].CourseID == courseID {
				match = &rows[i]
				break
			}
		}
		return fromRow(match)
	}
	var row courseIndexRow
	err := tx.Where("course_id = ?", courseID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromRow(&row)
}

// FindMatching returns all indexes satisfying the query. Search target
// filtering is supported for wiki_slug only; other targets have no dedicated
// column and are rejected.
func (s *CourseIndexStore) FindMatching(ctx context.Context, query splitstore.CourseIndexQuery) ([]*splitstore.CourseIndex, error) {
	tx := s.db.WithContext(ctx).Model(&courseIndexRow{})
	switch query.Branch {
	case "":
	case splitstore.DraftBranch:
		tx = tx.Where("draft_version <> ''")
	case splitstore.PublishedBranch:
		tx = tx.Where("published_version <> ''")
	case splitstore.LibraryBranch:
		tx = tx.Where("library_version <> ''")
	default:
		return nil, &splitstore.InvalidBranchError{Branch: query.Branch}
	}
	for target, value := range query.SearchTargets {
		if target != splitstore.WikiSlugTarget {
			return nil, fmt.Errorf("unsupported search target %q, 'only %s is indexed", target, splitstore.WikiSlugTarget)
		}
		tx = tx.Where("wiki_slug = ?", value)
	}
	if query.Org != "" {
		tx = tx.Where("org = ?", query.Org)
	}
	if len(query.CourseKeys) > 0 {
		courseIDs := make([]string, 0, len(query.CourseKeys))
		for _, key := range query.CourseKeys {
			courseIDs = append(courseIDs, key.ToCourseKey().ForBranch("").VersionAgnostic().MapKey())
		}
		tx = tx.Where("course_id IN ?", courseIDs)
	}
	var rows []courseIndexRow
	if err := tx.Order("course_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]*splitstore.CourseIndex, 0, len(rows))
	for i := range rows {
		index, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		result = append(result, index)
	}
	return result, nil
}

// Insert creates the course index row, failing with ErrDuplicateCourseIndex
// when the course id is already taken. A zero LastUpdate is stamped here.
func (s *CourseIndexStore) Insert(ctx context.Context, index *splitstore.CourseIndex) error {
	if index.LastUpdate.IsZero() {
		index.LastUpdate = time.Now().UTC()
	}
	row, err := toRow(index)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		return tx.Create(&courseIndexHistoryRow{
			ObjectID:     row.ObjectID,
			CourseID:     row.CourseID,
			ChangeReason: "created",
			EditedByID:   row.EditedByID,
			EditedOn:     row.EditedOn,
		}).Error
	})
	if err != nil && isUniqueViolation(err) {
		return splitstore.ErrDuplicateCourseIndex
	}
	return err
}

// Update applies the index conditionally. from carries the last_update token
// read before editing; a non-nil from that no longer matches the row means a
// concurrent writer won and (false, nil) is returned. objectid and course id
// are immutable.
func (s *CourseIndexStore) Update(ctx context.Context, index *splitstore.CourseIndex, from *splitstore.CourseIndex) (bool, error) {
	if index.LastUpdate.IsZero() {
		index.LastUpdate = time.Now().UTC()
	}
	row, err := toRow(index)
	if err != nil {
		return false, err
	}
	applied := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current courseIndexRow
		if err := tx.Where("course_id = ?", row.CourseID).First(&current).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if from != nil {
				return fmt.Errorf("no course index row for %s, 'can't update", row.CourseID)
			}
			// Unconditional update of an absent row is an upsert.
			if err := tx.Create(row).Error; err != nil {
				return err
			}
			applied = true
			return tx.Create(&courseIndexHistoryRow{
				ObjectID:     row.ObjectID,
				CourseID:     row.CourseID,
				ChangeReason: "created",
				EditedByID:   row.EditedByID,
				EditedOn:     row.EditedOn,
			}).Error
		}
		if current.ObjectID != row.ObjectID {
			return &splitstore.ImmutableFieldError{Field: "objectid", CourseID: row.CourseID}
		}
		if from != nil && !current.LastUpdate.Equal(from.LastUpdate) {
			return nil
		}
		if err := tx.Model(&courseIndexRow{}).Where("objectid = ?", row.ObjectID).
			Select("*").Omit("objectid", "course_id", "org", "course", "run").
			Updates(row).Error; err != nil {
			return err
		}
		applied = true
		return tx.Create(&courseIndexHistoryRow{
			ObjectID:     row.ObjectID,
			CourseID:     row.CourseID,
			ChangeReason: changeReason(&current, row),
			EditedByID:   row.EditedByID,
			EditedOn:     row.EditedOn,
		}).Error
	})
	return applied, err
}

// changeReason summarizes which branch pointers moved, for the history row.
func changeReason(before, after *courseIndexRow) string {
	var changed []string
	if before.DraftVersion != after.DraftVersion {
		changed = append(changed, splitstore.DraftBranch)
	}
	if before.PublishedVersion != after.PublishedVersion {
		changed = append(changed, splitstore.PublishedBranch)
	}
	if before.LibraryVersion != after.LibraryVersion {
		changed = append(changed, splitstore.LibraryBranch)
	}
	if len(changed) == 0 {
		return "edited"
	}
	return "moved " + strings.Join(changed, ", ")
}

// Delete removes the course index row, recording the removal in the history
// table. Unknown courses are a no-op; the hybrid store calls this for both
// primary and secondary regardless.
func (s *CourseIndexStore) Delete(ctx context.Context, key splitstore.CourseKey) error {
	courseID := key.ToCourseKey().ForBranch("").VersionAgnostic().MapKey()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current courseIndexRow
		if err := tx.Where("course_id = ?", courseID).First(&current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				log.Debug(fmt.Sprintf("delete of unknown course index %s, nothing removed", courseID))
				return nil
			}
			return err
		}
		if err := tx.Where("course_id = ?", courseID).Delete(&courseIndexRow{}).Error; err != nil {
			return err
		}
		return tx.Create(&courseIndexHistoryRow{
			ObjectID:     current.ObjectID,
			CourseID:     current.CourseID,
			ChangeReason: "deleted",
			EditedByID:   current.EditedByID,
			EditedOn:     time.Now().UTC(),
		}).Error
	})
}

// isUniqueViolation detects the PostgreSQL duplicate key error (SQLSTATE
// 23505) without binding to the driver's error type.
func isUniqueViolation(err error) bool {
	return err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key"))
}
