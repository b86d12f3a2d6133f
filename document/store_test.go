package document

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

// storeUnderTest lets the same cases run against both implementations.
func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := OpenBoltStore(filepath.Join(t.TempDir(), "doc.db"), "doc1")
	if err != nil {
		t.Fatalf("open bolt store: %v", err)
	}
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{
		"mem":  NewMemStore("doc1"),
		"bolt": bolt,
	}
}

func TestStoreBlockLifecycle(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			b := Block{ID: "b1", Kind: "agent", Name: "start", Position: Position{X: 1, Y: 2}}
			if err := s.AddBlock(b); err != nil {
				t.Fatalf("add: %v", err)
			}
			got, ok := s.GetBlock("b1")
			if !ok {
				t.Fatal("block not found")
			}
			if got.Kind != "agent" || got.Position != (Position{X: 1, Y: 2}) {
				t.Errorf("got %+v", got)
			}

			if err := s.SetPosition("b1", Position{X: 9, Y: 9}); err != nil {
				t.Fatalf("set position: %v", err)
			}
			if err := s.SetParent("b1", "loop1"); err != nil {
				t.Fatalf("set parent: %v", err)
			}
			got, _ = s.GetBlock("b1")
			if got.Position != (Position{X: 9, Y: 9}) || got.ParentID != "loop1" {
				t.Errorf("after updates: %+v", got)
			}

			if err := s.RemoveBlock("b1"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if _, ok := s.GetBlock("b1"); ok {
				t.Error("block survived removal")
			}
		})
	}
}

func TestStoreMissingEntityErrors(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			checks := []error{
				s.RemoveBlock("ghost"),
				s.SetPosition("ghost", Position{}),
				s.SetParent("ghost", ""),
				s.SetConfig("ghost", nil),
				s.SetField("ghost", "f", 1),
				s.RemoveEdge("ghost"),
				s.UpdateVariable(Variable{ID: "ghost"}),
				s.RemoveVariable("ghost"),
			}
			for i, err := range checks {
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("check %d: err = %v, want ErrNotFound", i, err)
				}
			}
		})
	}
}

func TestStoreRemoveBlockCascadesEdges(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			s.AddBlock(Block{ID: "b1"})
			s.AddBlock(Block{ID: "b2"})
			s.AddBlock(Block{ID: "b3"})
			s.AddEdge(Edge{ID: "e1", Source: "b1", Target: "b2"})
			s.AddEdge(Edge{ID: "e2", Source: "b2", Target: "b3"})
			s.AddEdge(Edge{ID: "e3", Source: "b1", Target: "b3"})

			if err := s.RemoveBlock("b2"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if got := s.Edges(); len(got) != 1 || got[0].ID != "e3" {
				t.Errorf("surviving edges = %+v, want only e3", got)
			}
			if got := s.EdgesForBlock("b1"); len(got) != 1 {
				t.Errorf("edges for b1 = %+v", got)
			}
		})
	}
}

func TestStoreEdgeNeedsEndpoints(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			s.AddBlock(Block{ID: "b1"})
			if err := s.AddEdge(Edge{ID: "e1", Source: "b1", Target: "missing"}); !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreMergeSubblockState(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			s.AddBlock(Block{ID: "b1", Fields: map[string]any{"model": "large"}})
			if err := s.SetField("b1", "color", "red"); err != nil {
				t.Fatalf("set field: %v", err)
			}
			got, err := s.MergeSubblockState("b1")
			if err != nil {
				t.Fatalf("merge: %v", err)
			}
			if got.Fields["color"] != "red" || got.Fields["model"] != "large" {
				t.Errorf("merged fields = %v", got.Fields)
			}
		})
	}
}

func TestStoreVariables(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			v := Variable{ID: "v1", Name: "count", Kind: "number", Value: float64(1)}
			if err := s.AddVariable(v); err != nil {
				t.Fatalf("add: %v", err)
			}
			v.Value = float64(2)
			if err := s.UpdateVariable(v); err != nil {
				t.Fatalf("update: %v", err)
			}
			got, ok := s.GetVariable("v1")
			if !ok || got.Value != float64(2) {
				t.Errorf("got %+v (%v)", got, ok)
			}
			if err := s.RemoveVariable("v1"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if vs := s.Variables(); len(vs) != 0 {
				t.Errorf("variables = %+v, want none", vs)
			}
		})
	}
}

func TestStoreGraphView(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			s.AddBlock(Block{ID: "b1"})
			s.AddBlock(Block{ID: "b2"})
			s.AddEdge(Edge{ID: "e1", Source: "b1", Target: "b2"})
			s.AddVariable(Variable{ID: "v1", Name: "n"})

			g := s.Graph()
			for _, id := range []string{"b1", "b2", "e1", "v1"} {
				if !g.Has(id) {
					t.Errorf("graph missing %s", id)
				}
			}
			if g.Has("ghost") {
				t.Error("graph claims an entity that does not exist")
			}
		})
	}
}

func TestMemStoreSnapshotsAreIsolated(t *testing.T) {
	s := NewMemStore("doc1")
	s.AddBlock(Block{ID: "b1", Fields: map[string]any{"color": "red"}})
	got, _ := s.GetBlock("b1")
	got.Fields["color"] = "blue"
	again, _ := s.GetBlock("b1")
	if again.Fields["color"] != "red" {
		t.Error("mutating a returned block leaked into the store")
	}
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.db")
	s, err := OpenBoltStore(path, "doc1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.AddBlock(Block{ID: "b1", Kind: "agent", Position: Position{X: 3}})
	s.AddBlock(Block{ID: "b2"})
	s.AddEdge(Edge{ID: "e1", Source: "b1", Target: "b2"})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenBoltStore(path, "doc1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, ok := s.GetBlock("b1")
	if !ok || got.Position.X != 3 {
		t.Errorf("got %+v (%v)", got, ok)
	}
	if edges := s.Edges(); !reflect.DeepEqual(edges, []Edge{{ID: "e1", Source: "b1", Target: "b2"}}) {
		t.Errorf("edges = %+v", edges)
	}
}
