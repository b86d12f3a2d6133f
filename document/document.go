package document

// Position is a block's location on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Block is a single node in the graph document. Fields holds the merged
// sub-block field values (the live form state inside the block); Config holds
// kind-specific configuration such as a subflow's input mapping.
type Block struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Name     string         `json:"name"`
	Position Position       `json:"position"`
	ParentID string         `json:"parentId,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// Edge connects two blocks by their handles.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Variable is a named document-scoped value.
type Variable struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Value any    `json:"value,omitempty"`
}

// Graph is a point-in-time view of the document used for validity checks.
type Graph struct {
	BlocksByID    map[string]Block
	EdgesByID     map[string]Edge
	VariablesByID map[string]Variable
}

// Has reports whether any entity with the given id exists in the graph.
func (g Graph) Has(id string) bool {
	if _, ok := g.BlocksByID[id]; ok {
		return true
	}
	if _, ok := g.EdgesByID[id]; ok {
		return true
	}
	_, ok := g.VariablesByID[id]
	return ok
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of the block, safe to embed in a snapshot.
func (b Block) Clone() Block {
	b.Fields = cloneMap(b.Fields)
	b.Config = cloneMap(b.Config)
	return b
}
