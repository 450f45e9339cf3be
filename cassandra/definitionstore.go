package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/SharedCode/splitstore"
	"github.com/SharedCode/splitstore/encoding"
)

type definitionStore struct{}

// NewDefinitionStore manages definition documents in the definitions table.
func NewDefinitionStore() splitstore.DefinitionStore {
	return &definitionStore{}
}

func (v *definitionStore) Get(ctx context.Context, id splitstore.ObjectID) (*splitstore.Definition, error) {
	if connection == nil {
		return nil, fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	selectStatement := fmt.Sprintf("SELECT block_type, fields, edited_by, edited_on, previous_version, original_version FROM %s.definitions WHERE id = ?;",
		connection.Config.Keyspace)
	var definition *splitstore.Definition
	err := splitstore.Retry(ctx, func(ctx context.Context) error {
		qry := connection.Session.Query(selectStatement, id.String()).WithContext(ctx)
		if connection.Config.ConsistencyBook.DefinitionGet > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.DefinitionGet)
		}
		var (
			blockType, previousHex, originalHex string
			fieldsBlob                          []byte
			editedBy                            int64
			editedOn                            time.Time
		)
		if err := qry.Scan(&blockType, &fieldsBlob, &editedBy, &editedOn, &previousHex, &originalHex); err != nil {
			if err == gocql.ErrNotFound {
				return nil
			}
			return splitstore.RetryableError(err)
		}
		d, err := decodeDefinition(id, blockType, fieldsBlob, editedBy, editedOn, previousHex, originalHex)
		if err != nil {
			return err
		}
		definition = d
		return nil
	}, nil)
	return definition, err
}

func (v *definitionStore) GetMany(ctx context.Context, ids []splitstore.ObjectID) ([]*splitstore.Definition, error) {
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
	selectStatement := fmt.Sprintf("SELECT id, block_type, fields, edited_by, edited_on, previous_version, original_version FROM %s.definitions WHERE id IN ?;",
		connection.Config.Keyspace)
	var result []*splitstore.Definition
	err := splitstore.Retry(ctx, func(ctx context.Context) error {
		qry := connection.Session.Query(selectStatement, hexIDs).WithContext(ctx)
		if connection.Config.ConsistencyBook.DefinitionGet > gocql.Any {
			qry.Consistency(connection.Config.ConsistencyBook.DefinitionGet)
		}
		iter := qry.Iter()
		var definitions []*splitstore.Definition
		var (
			idHex, blockType, previousHex, originalHex string
			fieldsBlob                                 []byte
			editedBy                                   int64
			editedOn                                   time.Time
		)
		for iter.Scan(&idHex, &blockType, &fieldsBlob, &editedBy, &editedOn, &previousHex, &originalHex) {
			id, err := splitstore.ParseObjectID(idHex)
			if err != nil {
				return err
			}
			d, err := decodeDefinition(id, blockType, append([]byte(nil), fieldsBlob...), editedBy, editedOn, previousHex, originalHex)
			if err != nil {
				return err
			}
			definitions = append(definitions, d)
		}
		if err := iter.Close(); err != nil {
			return splitstore.RetryableError(err)
		}
		result = definitions
		return nil
	}, nil)
	return result, err
}

func (v *definitionStore) Insert(ctx context.Context, definition *splitstore.Definition) error {
	if connection == nil {
		return fmt.Errorf("Cassandra connection is closed, 'call OpenConnection(config) to open it")
	}
	fieldsBlob, err := encoding.DefaultMarshaler.Marshal(definition.Fields)
	if err != nil {
		return err
	}
	insertStatement := fmt.Sprintf("INSERT INTO %s.definitions (id, block_type, fields, edited_by, edited_on, previous_version, original_version) VALUES(?,?,?,?,?,?,?) IF NOT EXISTS;",
		connection.Config.Keyspace)
	qry := connection.Session.Query(insertStatement, definition.ID.String(), definition.BlockType, fieldsBlob,
		definition.EditInfo.EditedBy, definition.EditInfo.EditedOn,
		hexOrEmpty(definition.EditInfo.PreviousVersion), hexOrEmpty(definition.EditInfo.OriginalVersion)).WithContext(ctx)
	if connection.Config.ConsistencyBook.DefinitionAdd > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.DefinitionAdd)
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

func decodeDefinition(id splitstore.ObjectID, blockType string, fieldsBlob []byte,
	editedBy int64, editedOn time.Time, previousHex, originalHex string) (*splitstore.Definition, error) {
	definition := &splitstore.Definition{
		ID:        id,
		BlockType: blockType,
		EditInfo: splitstore.EditInfo{
			EditedBy: editedBy,
			EditedOn: editedOn,
		},
	}
	var err error
	if definition.EditInfo.PreviousVersion, err = parseHexOrEmpty(previousHex); err != nil {
		return nil, fmt.Errorf("corrupt previous_version on definition %s, '%w", id, err)
	}
	if definition.EditInfo.OriginalVersion, err = parseHexOrEmpty(originalHex); err != nil {
		return nil, fmt.Errorf("corrupt original_version on definition %s, '%w", id, err)
	}
	if len(fieldsBlob) > 0 {
		if err := encoding.DefaultMarshaler.Unmarshal(fieldsBlob, &definition.Fields); err != nil {
			return nil, fmt.Errorf("corrupt fields blob on definition %s, '%w", id, err)
		}
	}
	return definition, nil
}
