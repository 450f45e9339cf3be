// Package cassandra contains the document-side stores of the split
// modulestore: immutable structures and definitions, plus the legacy course
// index table the hybrid store mirrors to. Tables are auto-created by
// OpenConnection.
package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/SharedCode/splitstore"
	"github.com/SharedCode/splitstore/encoding"
)

type structureStore struct{}

// NewStructureStore manages structure documents in the structures table.
func NewStructureStore() splitstore.StructureStore {
	return &structureStore{}
}

func (v *structureStore) Get(ctx context.Context, id splitstore.ObjectID) (*splitstore.Structure, error) {
	if connection == nil {
		return nil, fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	selectStatement := fmt.Sprintf("SELECT root_type, root_id, blocks, previous_version, original_version, edited_by, edited_on, schema_version FROM %s.structures WHERE id = ?;",
		connection.Config.Keyspace)
	var structure *splitstore.Structure
	err := splitstore.Retry(ctx, func(ctx context.Context) error {
		qry := connection.Session.Query(selectStatement, id.String()).WithContext(ctx)
		if connection.Config.ConsistencyBook.StructureGet > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.StructureGet)
		}
		var (
			rootType, rootID, previousHex, originalHex string
			blocksBlob                                 []byte
			editedBy                                   int64
			editedOn                                   time.Time
			schemaVersion                              int
		)
		if err := qry.Scan(&rootType, &rootID, &blocksBlob, &previousHex, &originalHex, &editedBy, &editedOn, &schemaVersion); err != nil {
			if err == gocql.ErrNotFound {
				return nil
			}
			return splitstore.RetryableError(err)
		}
		s, err := decodeStructure(id, rootType, rootID, blocksBlob, previousHex, originalHex, editedBy, editedOn, schemaVersion)
		if err != nil {
			return err
		}
		structure = s
		return nil
	}, nil)
	return structure, err
}

func (v *structureStore) GetMany(ctx context.Context, ids []splitstore.ObjectID) ([]*splitstore.Structure, error) {
	if connection == nil {
		return nil, fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	hexIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		hexIDs = append(hexIDs, id.String())
	}
	selectStatement := fmt.Sprintf("SELECT id, root_type, root_id, blocks, previous_version, original_version, edited_by, edited_on, schema_version FROM %s.structures WHERE id IN ?;",
		connection.Config.Keyspace)
	var result []*splitstore.Structure
	err := splitstore.Retry(ctx, func(ctx context.Context) error {
		qry := connection.Session.Query(selectStatement, hexIDs).WithContext(ctx)
		if connection.Config.ConsistencyBook.StructureGet > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.StructureGet)
		}
		structures, err := scanStructures(qry.Iter())
		if err != nil {
			return splitstore.RetryableError(err)
		}
		result = structures
		return nil
	}, nil)
	return result, err
}

func (v *structureStore) FindDerivedFrom(ctx context.Context, previousVersions []splitstore.ObjectID) ([]*splitstore.Structure, error) {
	if connection == nil {
		return nil, fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	if len(previousVersions) == 0 {
		return nil, nil
	}
	hexIDs := make([]string, 0, len(previousVersions))
	for _, id := range previousVersions {
		hexIDs = append(hexIDs, id.String())
	}
	selectStatement := fmt.Sprintf("SELECT id, root_type, root_id, blocks, previous_version, original_version, edited_by, edited_on, schema_version FROM %s.structures WHERE previous_version IN ? ALLOW FILTERING;",
		connection.Config.Keyspace)
	var result []*splitstore.Structure
	err := splitstore.Retry(ctx, func(ctx context.Context) error {
		qry := connection.Session.Query(selectStatement, hexIDs).WithContext(ctx)
		if connection.Config.ConsistencyBook.StructureGet > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.StructureGet)
		}
		structures, err := scanStructures(qry.Iter())
		if err != nil {
			return splitstore.RetryableError(err)
		}
		result = structures
		return nil
	}, nil)
	return result, err
}

// FindAncestorsForBlock pulls the original_version family through the index
// and applies the block predicate client side, as the blocks ride in a blob.
func (v *structureStore) FindAncestorsForBlock(ctx context.Context, originalVersion splitstore.ObjectID, blockID string) ([]*splitstore.Structure, error) {
	if connection == nil {
		return nil, fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	selectStatement := fmt.Sprintf("SELECT id, root_type, root_id, blocks, previous_version, original_version, edited_by, edited_on, schema_version FROM %s.structures WHERE original_version = ?;",
		connection.Config.Keyspace)
	var result []*splitstore.Structure
	err := splitstore.Retry(ctx, func(ctx context.Context) error {
		qry := connection.Session.Query(selectStatement, originalVersion.String()).WithContext(ctx)
		if connection.Config.ConsistencyBook.StructureGet > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.StructureGet)
		}
		structures, err := scanStructures(qry.Iter())
		if err != nil {
			return splitstore.RetryableError(err)
		}
		result = result[:0]
		for _, s := range structures {
			if s.MatchesAncestor(originalVersion, blockID) {
				result = append(result, s)
			}
		}
		return nil
	}, nil)
	return result, err
}

func (v *structureStore) Insert(ctx context.Context, structure *splitstore.Structure) error {
	if connection == nil {
		return fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	storable := structure.ToStorable()
	blocksBlob, err := encoding.DefaultMarshaler.Marshal(storable.Blocks)
	if err != nil {
		return err
	}
	insertStatement := fmt.Sprintf("INSERT INTO %s.structures (id, root_type, root_id, blocks, previous_version, original_version, edited_by, edited_on, schema_version) VALUES(?,?,?,?,?,?,?,?,?) IF NOT EXISTS;",
		connection.Config.Keyspace)
	qry := connection.Session.Query(insertStatement, structure.ID.String(), structure.Root.Type, structure.Root.ID, blocksBlob,
		hexOrEmpty(structure.PreviousVersion), hexOrEmpty(structure.OriginalVersion),
		structure.EditedBy, structure.EditedOn, structure.SchemaVersion).WithContext(ctx)
	if connection.Config.ConsistencyBook.StructureAdd > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.StructureAdd)
	}
	applied, err := qry.MapScanCAS(map[string]interface{}{})
	if err != nil {
		return err
	}
	if !applied {
		return splitstore.ErrDuplicateStructureID
	}
	return nil
}

func scanStructures(iter *gocql.Iter) ([]*splitstore.Structure, error) {
	var result []*splitstore.Structure
	var (
		idHex, rootType, rootID, previousHex, originalHex string
		blocksBlob                                        []byte
		editedBy                                          int64
		editedOn                                          time.Time
		schemaVersion                                     int
	)
	for iter.Scan(&idHex, &rootType, &rootID, &blocksBlob, &previousHex, &originalHex, &editedBy, &editedOn, &schemaVersion) {
		id, err := splitstore.ParseObjectID(idHex)
		if err != nil {
			return nil, err
		}
		s, err := decodeStructure(id, rootType, rootID, append([]byte(nil), blocksBlob...), previousHex, originalHex, editedBy, editedOn, schemaVersion)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return result, nil
}

func decodeStructure(id splitstore.ObjectID, rootType, rootID string, blocksBlob []byte,
	previousHex, originalHex string, editedBy int64, editedOn time.Time, schemaVersion int) (*splitstore.Structure, error) {
	storable := splitstore.StorableStructure{
		ID:            id,
		Root:          splitstore.BlockKey{Type: rootType, ID: rootID},
		EditedBy:      editedBy,
		EditedOn:      editedOn,
		SchemaVersion: schemaVersion,
	}
	var err error
	if storable.PreviousVersion, err = parseHexOrEmpty(previousHex); err != nil {
		return nil, fmt.Errorf("corrupt previous_version on structure %s, '%w", id, err)
	}
	if storable.OriginalVersion, err = parseHexOrEmpty(originalHex); err != nil {
		return nil, fmt.Errorf("corrupt original_version on structure %s, '%w", id, err)
	}
	if len(blocksBlob) > 0 {
		if err := encoding.DefaultMarshaler.Unmarshal(blocksBlob, &storable.Blocks); err != nil {
			return nil, fmt.Errorf("corrupt blocks blob on structure %s, '%w", id, err)
		}
	}
	return storable.FromStorable()
}

func hexOrEmpty(id splitstore.ObjectID) string {
	if id.IsZero() {
		return ""
	}
	return id.String()
}

func parseHexOrEmpty(hex string) (splitstore.ObjectID, error) {
	if hex == "" {
		return splitstore.ObjectID{}, nil
	}
	return splitstore.ParseObjectID(hex)
}
