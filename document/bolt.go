package document

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketBlocks    = []byte("blocks")
	bucketEdges     = []byte("edges")
	bucketVariables = []byte("variables")
	bucketFields    = []byte("fields")
)

// BoltStore is a bbolt-backed Store for documents that should survive agent
// restarts. Each document gets its own top-level bucket with blocks, edges,
// variables and live field state nested under it, JSON-encoded.
type BoltStore struct {
	db         *bolt.DB
	documentID string
}

// OpenBoltStore opens (or creates) the database at path and ensures the
// buckets for documentID exist.
func OpenBoltStore(path, documentID string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		doc, err := tx.CreateBucketIfNotExists([]byte(documentID))
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketBlocks, bucketEdges, bucketVariables, bucketFields} {
			if _, err := doc.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt store: %w", err)
	}
	return &BoltStore{db: db, documentID: documentID}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) DocumentID() string { return s.documentID }

func (s *BoltStore) bucket(tx *bolt.Tx, name []byte) *bolt.Bucket {
	return tx.Bucket([]byte(s.documentID)).Bucket(name)
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), raw)
}

func (s *BoltStore) GetBlock(id string) (Block, bool) {
	var b Block
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		raw := s.bucket(tx, bucketBlocks).Get([]byte(id))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		found = true
		return nil
	})
	return b, found
}

func (s *BoltStore) Blocks() []Block {
	var out []Block
	s.db.View(func(tx *bolt.Tx) error {
		return s.bucket(tx, bucketBlocks).ForEach(func(_, raw []byte) error {
			var b Block
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *BoltStore) GetEdge(id string) (Edge, bool) {
	var e Edge
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		raw := s.bucket(tx, bucketEdges).Get([]byte(id))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		found = true
		return nil
	})
	return e, found
}

func (s *BoltStore) Edges() []Edge {
	var out []Edge
	s.db.View(func(tx *bolt.Tx) error {
		return s.bucket(tx, bucketEdges).ForEach(func(_, raw []byte) error {
			var e Edge
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *BoltStore) EdgesForBlock(blockID string) []Edge {
	all := s.Edges()
	var out []Edge
	for _, e := range all {
		if e.Source == blockID || e.Target == blockID {
			out = append(out, e)
		}
	}
	return out
}

func (s *BoltStore) GetVariable(id string) (Variable, bool) {
	var v Variable
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		raw := s.bucket(tx, bucketVariables).Get([]byte(id))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		found = true
		return nil
	})
	return v, found
}

func (s *BoltStore) Variables() []Variable {
	var out []Variable
	s.db.View(func(tx *bolt.Tx) error {
		return s.bucket(tx, bucketVariables).ForEach(func(_, raw []byte) error {
			var v Variable
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			out = append(out, v)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *BoltStore) Graph() Graph {
	g := Graph{
		BlocksByID:    make(map[string]Block),
		EdgesByID:     make(map[string]Edge),
		VariablesByID: make(map[string]Variable),
	}
	for _, b := range s.Blocks() {
		g.BlocksByID[b.ID] = b
	}
	for _, e := range s.Edges() {
		g.EdgesByID[e.ID] = e
	}
	for _, v := range s.Variables() {
		g.VariablesByID[v.ID] = v
	}
	return g
}

func (s *BoltStore) AddBlock(b Block) error {
	if b.ID == "" {
		return fmt.Errorf("document: block id required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(s.bucket(tx, bucketBlocks), b.ID, b); err != nil {
			return err
		}
		if len(b.Fields) > 0 {
			return putJSON(s.bucket(tx, bucketFields), b.ID, b.Fields)
		}
		return nil
	})
}

func (s *BoltStore) RemoveBlock(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		blocks := s.bucket(tx, bucketBlocks)
		if blocks.Get([]byte(id)) == nil {
			return fmt.Errorf("remove block %q: %w", id, ErrNotFound)
		}
		if err := blocks.Delete([]byte(id)); err != nil {
			return err
		}
		if err := s.bucket(tx, bucketFields).Delete([]byte(id)); err != nil {
			return err
		}
		edges := s.bucket(tx, bucketEdges)
		var dead [][]byte
		err := edges.ForEach(func(key, raw []byte) error {
			var e Edge
			if err := json.Unmarshal(raw, &e); err != nil {
				return err
			}
			if e.Source == id || e.Target == id {
				dead = append(dead, append([]byte(nil), key...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, key := range dead {
			if err := edges.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) updateBlock(id string, mutate func(*Block)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		blocks := s.bucket(tx, bucketBlocks)
		raw := blocks.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("update block %q: %w", id, ErrNotFound)
		}
		var b Block
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		mutate(&b)
		return putJSON(blocks, id, b)
	})
}

func (s *BoltStore) SetPosition(blockID string, p Position) error {
	return s.updateBlock(blockID, func(b *Block) { b.Position = p })
}

func (s *BoltStore) SetParent(blockID, parentID string) error {
	return s.updateBlock(blockID, func(b *Block) { b.ParentID = parentID })
}

func (s *BoltStore) SetConfig(blockID string, cfg map[string]any) error {
	return s.updateBlock(blockID, func(b *Block) { b.Config = cloneMap(cfg) })
}

func (s *BoltStore) SetField(blockID, field string, value any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if s.bucket(tx, bucketBlocks).Get([]byte(blockID)) == nil {
			return fmt.Errorf("set field %q: %w", blockID, ErrNotFound)
		}
		fields := s.bucket(tx, bucketFields)
		state := make(map[string]any)
		if raw := fields.Get([]byte(blockID)); raw != nil {
			if err := json.Unmarshal(raw, &state); err != nil {
				return err
			}
		}
		state[field] = value
		return putJSON(fields, blockID, state)
	})
}

func (s *BoltStore) MergeSubblockState(blockID string) (Block, error) {
	var b Block
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := s.bucket(tx, bucketBlocks).Get([]byte(blockID))
		if raw == nil {
			return fmt.Errorf("merge subblock state %q: %w", blockID, ErrNotFound)
		}
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		if rawFields := s.bucket(tx, bucketFields).Get([]byte(blockID)); rawFields != nil {
			live := make(map[string]any)
			if err := json.Unmarshal(rawFields, &live); err != nil {
				return err
			}
			if b.Fields == nil {
				b.Fields = make(map[string]any, len(live))
			}
			for k, v := range live {
				b.Fields[k] = v
			}
		}
		return nil
	})
	if err != nil {
		return Block{}, err
	}
	return b, nil
}

func (s *BoltStore) AddEdge(e Edge) error {
	if e.ID == "" {
		return fmt.Errorf("document: edge id required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		blocks := s.bucket(tx, bucketBlocks)
		if blocks.Get([]byte(e.Source)) == nil {
			return fmt.Errorf("add edge %q: source %q: %w", e.ID, e.Source, ErrNotFound)
		}
		if blocks.Get([]byte(e.Target)) == nil {
			return fmt.Errorf("add edge %q: target %q: %w", e.ID, e.Target, ErrNotFound)
		}
		return putJSON(s.bucket(tx, bucketEdges), e.ID, e)
	})
}

func (s *BoltStore) RemoveEdge(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		edges := s.bucket(tx, bucketEdges)
		if edges.Get([]byte(id)) == nil {
			return fmt.Errorf("remove edge %q: %w", id, ErrNotFound)
		}
		return edges.Delete([]byte(id))
	})
}

func (s *BoltStore) AddVariable(v Variable) error {
	if v.ID == "" {
		return fmt.Errorf("document: variable id required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(s.bucket(tx, bucketVariables), v.ID, v)
	})
}

func (s *BoltStore) UpdateVariable(v Variable) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		vars := s.bucket(tx, bucketVariables)
		if vars.Get([]byte(v.ID)) == nil {
			return fmt.Errorf("update variable %q: %w", v.ID, ErrNotFound)
		}
		return putJSON(vars, v.ID, v)
	})
}

func (s *BoltStore) RemoveVariable(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		vars := s.bucket(tx, bucketVariables)
		if vars.Get([]byte(id)) == nil {
			return fmt.Errorf("remove variable %q: %w", id, ErrNotFound)
		}
		return vars.Delete([]byte(id))
	})
}
