// refs.go — Per-target snapshot reference store.
// A ref is a stable handle from a prior snapshot into a DOM node. Refs are
// scoped to one target and cleared when the target's top frame navigates or
// the page closes; a ref from one target is never valid in another.
package target

import (
	"fmt"
	"sync"

	"github.com/freshtechbro/opendevbrowser/internal/errkind"
)

// RefEntry resolves a snapshot ref to an element address.
type RefEntry struct {
	Selector      string `json:"selector"`
	BackendNodeID int64  `json:"backendNodeId"`
}

// RefStore holds (targetId, ref) → RefEntry mappings.
type RefStore struct {
	mu       sync.RWMutex
	byTarget map[string]map[string]RefEntry
	counters map[string]int
}

// NewRefStore creates an empty store.
func NewRefStore() *RefStore {
	return &RefStore{
		byTarget: make(map[string]map[string]RefEntry),
		counters: make(map[string]int),
	}
}

// Put stores a new ref for a target and returns its handle ("e1", "e2", ...).
func (s *RefStore) Put(targetID string, entry RefEntry) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, ok := s.byTarget[targetID]
	if !ok {
		refs = make(map[string]RefEntry)
		s.byTarget[targetID] = refs
	}
	s.counters[targetID]++
	ref := fmt.Sprintf("e%d", s.counters[targetID])
	refs[ref] = entry
	return ref
}

// Resolve looks up a ref for a target. A missing ref fails with unknown_ref
// and a message telling the caller to take a new snapshot.
func (s *RefStore) Resolve(targetID, ref string) (RefEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if refs, ok := s.byTarget[targetID]; ok {
		if entry, ok := refs[ref]; ok {
			return entry, nil
		}
	}
	return RefEntry{}, errkind.New(errkind.UnknownRef,
		"ref %q is not valid for this target (cleared by navigation or from a different tab); take a new snapshot", ref)
}

// ClearTarget drops all refs for one target. Called on top-frame navigation
// and page close. Child-frame navigations must not clear.
func (s *RefStore) ClearTarget(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byTarget, targetID)
	// The counter is kept so re-snapshotting never reissues an old handle.
}

// Count returns the number of live refs for a target.
func (s *RefStore) Count(targetID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTarget[targetID])
}
