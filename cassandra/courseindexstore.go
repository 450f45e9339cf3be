package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/SharedCode/splitstore"
	"github.com/SharedCode/splitstore/encoding"
)

type courseIndexStore struct{}

// NewCourseIndexStore manages course index documents in the course_indexes
// table. This is the legacy mirror side of the hybrid store; the relational
// store owns collision arbitration.
func NewCourseIndexStore() splitstore.CourseIndexStore {
	return &courseIndexStore{}
}

func courseID(key splitstore.CourseKey) string {
	return key.ToCourseKey().ForBranch("").VersionAgnostic().MapKey()
}

func (v *courseIndexStore) Get(ctx context.Context, key splitstore.CourseKey, ignoreCase bool) (*splitstore.CourseIndex, error) {
	if connection == nil {
		return nil, fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	id := courseID(key)
	var selectStatement string
	var bind string
	if ignoreCase {
		selectStatement = fmt.Sprintf("SELECT course_id, objectid, org, course, run, versions, search_targets, edited_by, edited_on, last_update, schema_version FROM %s.course_indexes WHERE course_id_lc = ?;",
			connection.Config.Keyspace)
		bind = key.ToCourseKey().ForBranch("").VersionAgnostic().LowerMapKey()
	} else {
		selectStatement = fmt.Sprintf("SELECT course_id, objectid, org, course, run, versions, search_targets, edited_by, edited_on, last_update, schema_version FROM %s.course_indexes WHERE course_id = ?;",
			connection.Config.Keyspace)
		bind = id
	}
	var result *splitstore.CourseIndex
	err := splitstore.Retry(ctx, func(ctx context.Context) error {
		qry := connection.Session.Query(selectStatement, bind).WithContext(ctx)
		if connection.Config.ConsistencyBook.IndexGet > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.IndexGet)
		}
		indexes, err := scanCourseIndexes(qry.Iter())
		if err != nil {
			return splitstore.RetryableError(err)
		}
		result = nil
		for _, index := range indexes {
			// Prefer the exact-case row when case-variant siblings exist.
			if result == nil || index.CourseKey().MapKey() == id {
				result = index
			}
		}
		return nil
	}, nil)
	return result, err
}

// FindMatching scans the table and filters client side. The legacy table has
// no query shape beyond the course id, and this path only serves backfill
// and legacy readers.
func (v *courseIndexStore) FindMatching(ctx context.Context, query splitstore.CourseIndexQuery) ([]*splitstore.CourseIndex, error) {
	if connection == nil {
		return nil, fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	selectStatement := fmt.Sprintf("SELECT course_id, objectid, org, course, run, versions, search_targets, edited_by, edited_on, last_update, schema_version FROM %s.course_indexes;",
		connection.Config.Keyspace)
	var result []*splitstore.CourseIndex
	err := splitstore.Retry(ctx, func(ctx context.Context) error {
		qry := connection.Session.Query(selectStatement).WithContext(ctx)
		if connection.Config.ConsistencyBook.IndexGet > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.IndexGet)
		}
		indexes, err := scanCourseIndexes(qry.Iter())
		if err != nil {
			return splitstore.RetryableError(err)
		}
		result = result[:0]
		for _, index := range indexes {
			if query.Matches(index) {
				result = append(result, index)
			}
		}
		return nil
	}, nil)
	return result, err
}

func (v *courseIndexStore) Insert(ctx context.Context, index *splitstore.CourseIndex) error {
	if connection == nil {
		return fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	if index.LastUpdate.IsZero() {
		index.LastUpdate = time.Now().UTC()
	}
	id := index.CourseKey().MapKey()
	versionsBlob, targetsBlob, err := encodeIndexBlobs(index)
	if err != nil {
		return err
	}
	insertStatement := fmt.Sprintf("INSERT INTO %s.course_indexes (course_id, objectid, org, course, run, course_id_lc, versions, search_targets, edited_by, edited_on, last_update, schema_version) VALUES(?,?,?,?,?,?,?,?,?,?,?,?) IF NOT EXISTS;",
		connection.Config.Keyspace)
	qry := connection.Session.Query(insertStatement, id, gocql.UUID(index.ObjectID), index.Org, index.Course, index.Run,
		index.CourseKey().LowerMapKey(), versionsBlob, targetsBlob, index.EditedBy, index.EditedOn, index.LastUpdate, index.SchemaVersion).WithContext(ctx)
	if connection.Config.ConsistencyBook.IndexAdd > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.IndexAdd)
	}
	applied, err := qry.MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return splitstore.ErrDuplicateCourseIndex
	}
	return nil
}

// Update applies the index. The objectid is immutable; a non-nil from whose
// last_update no longer matches means a concurrent writer won and (false,
// nil) is returned. The hybrid store only ever passes from as nil here, the
// relational primary having already arbitrated.
func (v *courseIndexStore) Update(ctx context.Context, index *splitstore.CourseIndex, from *splitstore.CourseIndex) (bool, error) {
	if connection == nil {
		return false, fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	if index.LastUpdate.IsZero() {
		index.LastUpdate = time.Now().UTC()
	}
	id := index.CourseKey().MapKey()
	current, err := v.Get(ctx, index.CourseKey(), false)
	if err != nil {
		return false, err
	}
	if current == nil {
		if from != nil {
			return false, fmt.Errorf("no course index row for %s, 'can't update", id)
		}
		// Unconditional update of an absent row is an upsert. The plain INSERT
		// (no IF NOT EXISTS) lets a mirror that lagged behind catch up.
		versionsBlob, targetsBlob, err := encodeIndexBlobs(index)
		if err != nil {
			return false, err
		}
		insertStatement := fmt.Sprintf("INSERT INTO %s.course_indexes (course_id, objectid, org, course, run, course_id_lc, versions, search_targets, edited_by, edited_on, last_update, schema_version) VALUES(?,?,?,?,?,?,?,?,?,?,?,?);",
			connection.Config.Keyspace)
		qry := connection.Session.Query(insertStatement, id, gocql.UUID(index.ObjectID), index.Org, index.Course, index.Run,
			index.CourseKey().LowerMapKey(), versionsBlob, targetsBlob, index.EditedBy, index.EditedOn, index.LastUpdate, index.SchemaVersion).WithContext(ctx)
		if connection.Config.ConsistencyBook.IndexUpdate > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.IndexUpdate)
		}
		if err := qry.Exec(); err != nil {
			return false, err
		}
		return true, nil
	}
	if current.ObjectID != index.ObjectID {
		return false, &splitstore.ImmutableFieldError{Field: "objectid", CourseID: id}
	}
	if from != nil && !current.LastUpdate.Equal(from.LastUpdate) {
		return false, nil
	}
	versionsBlob, targetsBlob, err := encodeIndexBlobs(index)
	if err != nil {
		return false, err
	}
	updateStatement := fmt.Sprintf("UPDATE %s.course_indexes SET versions = ?, search_targets = ?, edited_by = ?, edited_on = ?, last_update = ?, schema_version = ? WHERE course_id = ?;",
		connection.Config.Keyspace)
	qry := connection.Session.Query(updateStatement, versionsBlob, targetsBlob, index.EditedBy, index.EditedOn,
		index.LastUpdate, index.SchemaVersion, id).WithContext(ctx)
	if connection.Config.ConsistencyBook.IndexUpdate > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.IndexUpdate)
	}
	if err := qry.Exec(); err != nil {
		return false, err
	}
	return true, nil
}

func (v *courseIndexStore) Delete(ctx context.Context, key splitstore.CourseKey) error {
	if connection == nil {
		return fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	deleteStatement := fmt.Sprintf("DELETE FROM %s.course_indexes WHERE course_id = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(deleteStatement, courseID(key)).WithContext(ctx)
	if connection.Config.ConsistencyBook.IndexRemove > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.IndexRemove)
	}
	return qry.Exec()
}

func encodeIndexBlobs(index *splitstore.CourseIndex) ([]byte, []byte, error) {
	versions := make(map[string]string, len(index.Versions))
	for branch, version := range index.Versions {
		if !version.IsZero() {
			versions[branch] = version.String()
		}
	}
	versionsBlob, err := encoding.DefaultMarshaler.Marshal(versions)
	if err != nil {
		return nil, nil, err
	}
	var targetsBlob []byte
	if len(index.SearchTargets) > 0 {
		if targetsBlob, err = encoding.DefaultMarshaler.Marshal(index.SearchTargets); err != nil {
			return nil, nil, err
		}
	}
	return versionsBlob, targetsBlob, nil
}

func scanCourseIndexes(iter *gocql.Iter) ([]*splitstore.CourseIndex, error) {
	var result []*splitstore.CourseIndex
	var (
		id, org, course, run      string
		objectID                  gocql.UUID
		versionsBlob, targetsBlob []byte
		editedBy                  int64
		editedOn, lastUpdate      time.Time
		schemaVersion             int
	)
	for iter.Scan(&id, &objectID, &org, &course, &run, &versionsBlob, &targetsBlob, &editedBy, &editedOn, &lastUpdate, &schemaVersion) {
		index := &splitstore.CourseIndex{
			ObjectID:      uuid.UUID(objectID),
			Org:           org,
			Course:        course,
			Run:           run,
			Versions:      make(map[string]splitstore.ObjectID, 3),
			EditedBy:      editedBy,
			EditedOn:      editedOn,
			LastUpdate:    lastUpdate,
			SchemaVersion: schemaVersion,
		}
		if len(versionsBlob) > 0 {
			versions := make(map[string]string, 3)
			if err := encoding.DefaultMarshaler.Unmarshal(versionsBlob, &versions); err != nil {
				return nil, fmt.Errorf("corrupt versions blob on course index %s, '%w", id, err)
			}
			for branch, hex := range versions {
				version, err := splitstore.ParseObjectID(hex)
				if err != nil {
					return nil, fmt.Errorf("corrupt %s pointer on course index %s, '%w", branch, id, err)
				}
				index.Versions[branch] = version
			}
		}
		if len(targetsBlob) > 0 {
			if err := encoding.DefaultMarshaler.Unmarshal(targetsBlob, &index.SearchTargets); err != nil {
				return nil, fmt.Errorf("corrupt search targets on course index %s, '%w", id, err)
			}
		}
		result = append(result, index)
		versionsBlob, targetsBlob = nil, nil
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return result, nil
}
