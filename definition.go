package splitstore

// Definition holds per-block field data shared across usages. Like
// structures, definitions are append-only: an edit creates a new definition
// with a fresh id.
type Definition struct {
	ID        ObjectID       `json:"_id"`
	BlockType string         `json:"block_type"`
	Fields    map[string]any `json:"fields"`
	EditInfo  EditInfo       `json:"edit_info"`
}

// Copy returns a deep copy of the definition.
func (d *Definition) Copy() *Definition {
	return &Definition{
		ID:        d.ID,
		BlockType: d.BlockType,
		Fields:    copyFieldMap(d.Fields),
		EditInfo:  d.EditInfo,
	}
}
