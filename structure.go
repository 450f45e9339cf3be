package splitstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// SchemaVersion is the current structure/index schema version.
const SchemaVersion = 1

// BlockKey identifies one block within a structure by (type, id).
// Its wire form is the two-element array [block_type, block_id].
type BlockKey struct {
	Type string
	ID   string
}

// String returns the canonical "type+id" form used in logs and map keys.
func (b BlockKey) String() string {
	return b.Type + "+" + b.ID
}

// MarshalJSON encodes the key as [type, id].
func (b BlockKey) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{b.Type, b.ID})
}

// UnmarshalJSON decodes the [type, id] array form.
func (b *BlockKey) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("invalid block key: %w", err)
	}
	b.Type = pair[0]
	b.ID = pair[1]
	return nil
}

// EditInfo records authorship and version lineage of a block edit.
type EditInfo struct {
	EditedBy        int64     `json:"edited_by"`
	EditedOn        time.Time `json:"edited_on"`
	PreviousVersion ObjectID  `json:"previous_version"`
	UpdateVersion   ObjectID  `json:"update_version"`
	OriginalVersion ObjectID  `json:"original_version"`
	SourceVersion   ObjectID  `json:"source_version"`
}

// BlockData is the in-memory form of one block within a structure. Children
// reference other blocks by BlockKey, never by pointer, so a structure's
// block graph has no in-process cycles.
type BlockData struct {
	BlockType  string
	Definition ObjectID
	Fields     map[string]any
	Children   []BlockKey
	EditInfo   EditInfo
}

// Copy returns a deep copy of the block.
func (b *BlockData) Copy() *BlockData {
	cp := &BlockData{
		BlockType:  b.BlockType,
		Definition: b.Definition,
		Fields:     copyFieldMap(b.Fields),
		EditInfo:   b.EditInfo,
	}
	if b.Children != nil {
		cp.Children = append([]BlockKey(nil), b.Children...)
	}
	return cp
}

// Structure is one immutable snapshot of a course/library block tree.
// Edits never mutate a structure in place; they mint a new one with a fresh
// id whose PreviousVersion points at this one.
type Structure struct {
	ID              ObjectID
	Root            BlockKey
	Blocks          map[BlockKey]*BlockData
	PreviousVersion ObjectID
	OriginalVersion ObjectID
	EditedBy        int64
	EditedOn        time.Time
	SchemaVersion   int
}

// Copy returns a deep copy of the structure. version_structure relies on this
// to derive a new version without aliasing the base structure's blocks.
func (s *Structure) Copy() *Structure {
	cp := &Structure{
		ID:              s.ID,
		Root:            s.Root,
		PreviousVersion: s.PreviousVersion,
		OriginalVersion: s.OriginalVersion,
		EditedBy:        s.EditedBy,
		EditedOn:        s.EditedOn,
		SchemaVersion:   s.SchemaVersion,
	}
	if s.Blocks != nil {
		cp.Blocks = make(map[BlockKey]*BlockData, len(s.Blocks))
		for k, v := range s.Blocks {
			cp.Blocks[k] = v.Copy()
		}
	}
	return cp
}

// MatchesAncestor is the ancestry predicate used by FindAncestorsForBlock
// and by the engine's buffered-structure scan: the structure shares
// originalVersion and contains a block with the given id that has been
// stamped with an update version.
func (s *Structure) MatchesAncestor(originalVersion ObjectID, blockID string) bool {
	if s.OriginalVersion != originalVersion {
		return false
	}
	for key, block := range s.Blocks {
		if key.ID == blockID && !block.EditInfo.UpdateVersion.IsZero() {
			return true
		}
	}
	return false
}

// StorableBlock is the at-rest form of one block: block_type and block_id
// inlined, children carried inside fields as [[type, id], ...].
type StorableBlock struct {
	BlockType  string         `json:"block_type"`
	BlockID    string         `json:"block_id"`
	Definition ObjectID       `json:"definition"`
	Fields     map[string]any `json:"fields"`
	EditInfo   EditInfo       `json:"edit_info"`
}

// StorableStructure is the at-rest form of a structure, with blocks as a list.
type StorableStructure struct {
	ID              ObjectID        `json:"_id"`
	Root            BlockKey        `json:"root"`
	Blocks          []StorableBlock `json:"blocks"`
	PreviousVersion ObjectID        `json:"previous_version"`
	OriginalVersion ObjectID        `json:"original_version"`
	EditedBy        int64           `json:"edited_by"`
	EditedOn        time.Time       `json:"edited_on"`
	SchemaVersion   int             `json:"schema_version"`
}

// ToStorable converts the blocks map to the at-rest list form. Blocks are
// emitted in a stable order so the conversion is deterministic.
func (s *Structure) ToStorable() *StorableStructure {
	st := &StorableStructure{
		ID:              s.ID,
		Root:            s.Root,
		PreviousVersion: s.PreviousVersion,
		OriginalVersion: s.OriginalVersion,
		EditedBy:        s.EditedBy,
		EditedOn:        s.EditedOn,
		SchemaVersion:   s.SchemaVersion,
		Blocks:          make([]StorableBlock, 0, len(s.Blocks)),
	}
	for key, block := range s.Blocks {
		fields := copyFieldMap(block.Fields)
		if len(block.Children) > 0 {
			if fields == nil {
				fields = make(map[string]any, 1)
			}
			fields["children"] = block.Children
		}
		st.Blocks = append(st.Blocks, StorableBlock{
			BlockType:  key.Type,
			BlockID:    key.ID,
			Definition: block.Definition,
			Fields:     fields,
			EditInfo:   block.EditInfo,
		})
	}
	sort.Slice(st.Blocks, func(i, j int) bool {
		if st.Blocks[i].BlockType != st.Blocks[j].BlockType {
			return st.Blocks[i].BlockType < st.Blocks[j].BlockType
		}
		return st.Blocks[i].BlockID < st.Blocks[j].BlockID
	})
	return st
}

// FromStorable converts the at-rest list form back to the blocks map,
// lifting fields.children into typed BlockKeys.
func (st *StorableStructure) FromStorable() (*Structure, error) {
	s := &Structure{
		ID:              st.ID,
		Root:            st.Root,
		PreviousVersion: st.PreviousVersion,
		OriginalVersion: st.OriginalVersion,
		EditedBy:        st.EditedBy,
		EditedOn:        st.EditedOn,
		SchemaVersion:   st.SchemaVersion,
		Blocks:          make(map[BlockKey]*BlockData, len(st.Blocks)),
	}
	for _, sb := range st.Blocks {
		block := &BlockData{
			BlockType:  sb.BlockType,
			Definition: sb.Definition,
			Fields:     copyFieldMap(sb.Fields),
			EditInfo:   sb.EditInfo,
		}
		if raw, ok := block.Fields["children"]; ok {
			children, err := decodeChildren(raw)
			if err != nil {
				return nil, fmt.Errorf("block %s+%s: %w", sb.BlockType, sb.BlockID, err)
			}
			block.Children = children
			delete(block.Fields, "children")
		}
		s.Blocks[BlockKey{Type: sb.BlockType, ID: sb.BlockID}] = block
	}
	return s, nil
}

// decodeChildren accepts either typed []BlockKey (in-process round trip) or
// the generic []any form produced by JSON decoding.
func decodeChildren(raw any) ([]BlockKey, error) {
	switch v := raw.(type) {
	case []BlockKey:
		return append([]BlockKey(nil), v...), nil
	case []any:
		children := make([]BlockKey, 0, len(v))
		for _, item := range v {
			pair, ok := item.([]any)
			if !ok || len(pair) != 2 {
				return nil, fmt.Errorf("invalid child reference %v", item)
			}
			t, tok := pair[0].(string)
			id, iok := pair[1].(string)
			if !tok || !iok {
				return nil, fmt.Errorf("invalid child reference %v", item)
			}
			children = append(children, BlockKey{Type: t, ID: id})
		}
		return children, nil
	default:
		return nil, fmt.Errorf("invalid children field of type %T", raw)
	}
}

// copyFieldMap deep-copies a generic field map, recursing into nested maps
// and slices so derived structures never alias their base.
func copyFieldMap(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = copyFieldValue(v)
	}
	return cp
}

func copyFieldValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyFieldMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, item := range t {
			cp[i] = copyFieldValue(item)
		}
		return cp
	case []BlockKey:
		return append([]BlockKey(nil), t...)
	default:
		return v
	}
}
