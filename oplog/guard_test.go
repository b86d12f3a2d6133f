package oplog

import "testing"

func TestGuardNestedBeginIsNoOp(t *testing.T) {
	g := &Guard{}
	outer := g.BeginRemote()
	inner := g.BeginRemote()
	inner()
	if !g.ApplyingRemote() {
		t.Fatal("inner release must not clear the outer hold")
	}
	outer()
	if g.ApplyingRemote() {
		t.Fatal("outer release must clear the flag")
	}
}

func TestGuardFlagsAreIndependent(t *testing.T) {
	g := &Guard{}
	release := g.BeginUndoRedo()
	if g.ApplyingRemote() {
		t.Error("undo/redo must not raise applyingRemote")
	}
	if !g.UndoRedoInProgress() || !g.Active() {
		t.Error("undo/redo flag not visible")
	}
	release()
	if g.Active() {
		t.Error("release left a flag set")
	}
}

func TestGuardForceRelease(t *testing.T) {
	g := &Guard{}
	g.BeginRemote()
	g.BeginUndoRedo()
	g.ForceRelease()
	if g.Active() {
		t.Error("force release must clear both flags")
	}
	// The stale release closures from before the force are harmless.
	release := g.BeginRemote()
	release()
	if g.Active() {
		t.Error("guard unusable after force release")
	}
}
