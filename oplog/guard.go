package oplog

import "sync"

// Guard holds the two reentrancy flags that keep local recording, remote
// application and undo/redo replay from feeding back into each other. Both
// are plain booleans, not counters: re-entrancy only happens via synchronous
// callouts, so a nested Begin while the flag is already set is a no-op whose
// release leaves the outer hold in place.
type Guard struct {
	mu             sync.Mutex
	applyingRemote bool
	undoRedo       bool
}

// BeginRemote raises applyingRemote and returns the release. Call the
// release in a defer so the flag clears even when the mutation errors.
func (g *Guard) BeginRemote() (release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.applyingRemote {
		return func() {}
	}
	g.applyingRemote = true
	return func() {
		g.mu.Lock()
		g.applyingRemote = false
		g.mu.Unlock()
	}
}

// BeginUndoRedo raises undoRedoInProgress and returns the release. The
// session calls the release only after the replayed mutation and its
// change-notification fan-out have run, so listeners that fire synchronously
// off the mutation still observe the guard as active.
func (g *Guard) BeginUndoRedo() (release func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.undoRedo {
		return func() {}
	}
	g.undoRedo = true
	return func() {
		g.mu.Lock()
		g.undoRedo = false
		g.mu.Unlock()
	}
}

// ApplyingRemote reports whether a remote operation is being applied.
func (g *Guard) ApplyingRemote() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applyingRemote
}

// UndoRedoInProgress reports whether an undo/redo replay is running.
func (g *Guard) UndoRedoInProgress() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.undoRedo
}

// Active reports whether either flag is set; the recorder skips while true.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applyingRemote || g.undoRedo
}

// ForceRelease clears both flags. Used on document revert/delete control
// events, which may interrupt an in-flight apply and leave a flag stuck.
func (g *Guard) ForceRelease() {
	g.mu.Lock()
	g.applyingRemote = false
	g.undoRedo = false
	g.mu.Unlock()
}
