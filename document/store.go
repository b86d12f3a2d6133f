package document

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when a mutation targets an entity that does not
// exist in the document. Callers decide whether that is fatal; undo/redo
// replay treats it as a skip.
var ErrNotFound = errors.New("document: entity not found")

// Store is the document collaborator: the materialized graph the operation
// log mutates. All methods are safe for use from the session goroutine;
// implementations guard internal state with a mutex.
type Store interface {
	DocumentID() string

	GetBlock(id string) (Block, bool)
	Blocks() []Block
	GetEdge(id string) (Edge, bool)
	Edges() []Edge
	EdgesForBlock(blockID string) []Edge
	GetVariable(id string) (Variable, bool)
	Variables() []Variable
	Graph() Graph

	AddBlock(b Block) error
	RemoveBlock(id string) error
	SetPosition(blockID string, p Position) error
	SetParent(blockID, parentID string) error
	SetConfig(blockID string, cfg map[string]any) error
	SetField(blockID, field string, value any) error
	// MergeSubblockState returns the block with its live sub-block field
	// values merged in. Used to snapshot a block before recording a removal.
	MergeSubblockState(blockID string) (Block, error)

	AddEdge(e Edge) error
	RemoveEdge(id string) error

	AddVariable(v Variable) error
	UpdateVariable(v Variable) error
	RemoveVariable(id string) error
}

// MemStore holds the document state in memory, protected by a mutex.
type MemStore struct {
	mu         sync.Mutex
	documentID string
	blocks     map[string]Block
	edges      map[string]Edge
	variables  map[string]Variable
	// Live sub-block field state, kept separately from the block records the
	// way the editor keeps form state outside the graph itself.
	fields map[string]map[string]any
}

// NewMemStore creates an empty in-memory document.
func NewMemStore(documentID string) *MemStore {
	return &MemStore{
		documentID: documentID,
		blocks:     make(map[string]Block),
		edges:      make(map[string]Edge),
		variables:  make(map[string]Variable),
		fields:     make(map[string]map[string]any),
	}
}

func (s *MemStore) DocumentID() string { return s.documentID }

func (s *MemStore) GetBlock(id string) (Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return Block{}, false
	}
	return b.Clone(), true
}

func (s *MemStore) Blocks() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemStore) GetEdge(id string) (Edge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[id]
	return e, ok
}

func (s *MemStore) Edges() []Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemStore) EdgesForBlock(blockID string) []Edge {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Edge
	for _, e := range s.edges {
		if e.Source == blockID || e.Target == blockID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemStore) GetVariable(id string) (Variable, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.variables[id]
	return v, ok
}

func (s *MemStore) Variables() []Variable {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Variable, 0, len(s.variables))
	for _, v := range s.variables {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemStore) Graph() Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := Graph{
		BlocksByID:    make(map[string]Block, len(s.blocks)),
		EdgesByID:     make(map[string]Edge, len(s.edges)),
		VariablesByID: make(map[string]Variable, len(s.variables)),
	}
	for id, b := range s.blocks {
		g.BlocksByID[id] = b.Clone()
	}
	for id, e := range s.edges {
		g.EdgesByID[id] = e
	}
	for id, v := range s.variables {
		g.VariablesByID[id] = v
	}
	return g
}

func (s *MemStore) AddBlock(b Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		return fmt.Errorf("document: block id required")
	}
	s.blocks[b.ID] = b.Clone()
	if len(b.Fields) > 0 {
		s.fields[b.ID] = cloneMap(b.Fields)
	}
	return nil
}

func (s *MemStore) RemoveBlock(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[id]; !ok {
		return fmt.Errorf("remove block %q: %w", id, ErrNotFound)
	}
	delete(s.blocks, id)
	delete(s.fields, id)
	// Edges touching a removed block never survive it.
	for eid, e := range s.edges {
		if e.Source == id || e.Target == id {
			delete(s.edges, eid)
		}
	}
	return nil
}

func (s *MemStore) SetPosition(blockID string, p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("set position %q: %w", blockID, ErrNotFound)
	}
	b.Position = p
	s.blocks[blockID] = b
	return nil
}

func (s *MemStore) SetParent(blockID, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("set parent %q: %w", blockID, ErrNotFound)
	}
	b.ParentID = parentID
	s.blocks[blockID] = b
	return nil
}

func (s *MemStore) SetConfig(blockID string, cfg map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("set config %q: %w", blockID, ErrNotFound)
	}
	b.Config = cloneMap(cfg)
	s.blocks[blockID] = b
	return nil
}

func (s *MemStore) SetField(blockID, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[blockID]; !ok {
		return fmt.Errorf("set field %q: %w", blockID, ErrNotFound)
	}
	f := s.fields[blockID]
	if f == nil {
		f = make(map[string]any)
		s.fields[blockID] = f
	}
	f[field] = value
	return nil
}

func (s *MemStore) MergeSubblockState(blockID string) (Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[blockID]
	if !ok {
		return Block{}, fmt.Errorf("merge subblock state %q: %w", blockID, ErrNotFound)
	}
	b = b.Clone()
	if live := s.fields[blockID]; len(live) > 0 {
		if b.Fields == nil {
			b.Fields = make(map[string]any, len(live))
		}
		for k, v := range live {
			b.Fields[k] = v
		}
	}
	return b, nil
}

func (s *MemStore) AddEdge(e Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		return fmt.Errorf("document: edge id required")
	}
	if _, ok := s.blocks[e.Source]; !ok {
		return fmt.Errorf("add edge %q: source %q: %w", e.ID, e.Source, ErrNotFound)
	}
	if _, ok := s.blocks[e.Target]; !ok {
		return fmt.Errorf("add edge %q: target %q: %w", e.ID, e.Target, ErrNotFound)
	}
	s.edges[e.ID] = e
	return nil
}

func (s *MemStore) RemoveEdge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.edges[id]; !ok {
		return fmt.Errorf("remove edge %q: %w", id, ErrNotFound)
	}
	delete(s.edges, id)
	return nil
}

func (s *MemStore) AddVariable(v Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == "" {
		return fmt.Errorf("document: variable id required")
	}
	s.variables[v.ID] = v
	return nil
}

func (s *MemStore) UpdateVariable(v Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.variables[v.ID]; !ok {
		return fmt.Errorf("update variable %q: %w", v.ID, ErrNotFound)
	}
	s.variables[v.ID] = v
	return nil
}

func (s *MemStore) RemoveVariable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.variables[id]; !ok {
		return fmt.Errorf("remove variable %q: %w", id, ErrNotFound)
	}
	delete(s.variables, id)
	return nil
}
