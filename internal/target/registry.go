// registry.go — Per-session target registry.
// Maps opaque target ids to driver pages, tracks the active target and
// optional unique human names, and reconciles against the driver's
// authoritative page list.
package target

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/freshtechbro/opendevbrowser/internal/driver"
	"github.com/freshtechbro/opendevbrowser/internal/errkind"
	"github.com/freshtechbro/opendevbrowser/internal/ids"
)

// infoReadTimeout bounds title/url reads; on expiry the field is omitted.
const infoReadTimeout = 2 * time.Second

// Entry is the registry's record for one target.
type Entry struct {
	ID   string
	Name string // optional, unique per session
	Page driver.Page
}

// Summary is the caller-visible snapshot of one target.
type Summary struct {
	TargetID string `json:"targetId"`
	Name     string `json:"name,omitempty"`
	Active   bool   `json:"active"`
	Title    string `json:"title,omitempty"`
	URL      string `json:"url,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Registry owns the target set for one session.
type Registry struct {
	mu       sync.RWMutex
	targets  map[string]*Entry
	order    []string // registration order
	activeID string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]*Entry)}
}

// Register adds a page under a fresh opaque id. The first registered target
// becomes active. An optional name must be unique within the session.
func (r *Registry) Register(page driver.Page, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name != "" {
		if _, taken := r.nameLocked(name); taken {
			return "", errkind.New(errkind.InvalidInput, "target name %q is already in use", name)
		}
	}

	id := ids.NewTargetID()
	r.targets[id] = &Entry{ID: id, Name: name, Page: page}
	r.order = append(r.order, id)
	if r.activeID == "" {
		r.activeID = id
	}
	return id, nil
}

// SetName assigns or replaces a target's human name.
func (r *Registry) SetName(targetID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.targets[targetID]
	if !ok {
		return errkind.New(errkind.InvalidInput, "unknown target %s", targetID)
	}
	if name == "" {
		return errkind.New(errkind.InvalidInput, "target name cannot be empty")
	}
	if owner, taken := r.nameLocked(name); taken && owner != targetID {
		return errkind.New(errkind.InvalidInput, "target name %q is already in use", name)
	}
	entry.Name = name
	return nil
}

// RemoveName clears a target's human name.
func (r *Registry) RemoveName(targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.targets[targetID]
	if !ok {
		return errkind.New(errkind.InvalidInput, "unknown target %s", targetID)
	}
	entry.Name = ""
	return nil
}

// ListNamed returns name → targetId for all named targets, sorted by name.
func (r *Registry) ListNamed() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0)
	for _, id := range r.order {
		e := r.targets[id]
		if e.Name != "" {
			out = append(out, Summary{TargetID: e.ID, Name: e.Name, Active: e.ID == r.activeID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve finds a target by id or name.
func (r *Registry) Resolve(ref string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.targets[ref]; ok {
		return e, true
	}
	if id, ok := r.nameLocked(ref); ok {
		return r.targets[id], true
	}
	return nil, false
}

// SetActive makes the given target the active one.
func (r *Registry) SetActive(targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.targets[targetID]; !ok {
		return errkind.New(errkind.InvalidInput, "unknown target %s", targetID)
	}
	r.activeID = targetID
	return nil
}

// Active returns the active entry, or a no_active_target error when the
// registry is empty.
func (r *Registry) Active() (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.activeID == "" {
		return nil, errkind.New(errkind.NoActiveTarget, "no active target; open a page first")
	}
	return r.targets[r.activeID], nil
}

// ActiveID returns the active target id, or "".
func (r *Registry) ActiveID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeID
}

// Page returns the driver page for a target id.
func (r *Registry) Page(targetID string) (driver.Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.targets[targetID]
	if !ok {
		return nil, errkind.New(errkind.InvalidInput, "unknown target %s", targetID)
	}
	return e.Page, nil
}

// IDs returns all target ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

// List snapshots all targets. When includeURLs is set, titles and urls are
// read from the driver with a bounded deadline per page; on timeout the
// fields are omitted rather than failing the listing.
func (r *Registry) List(ctx context.Context, includeURLs bool) []Summary {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.targets[id])
	}
	activeID := r.activeID
	r.mu.RUnlock()

	out := make([]Summary, len(entries))
	for i, e := range entries {
		out[i] = Summary{TargetID: e.ID, Name: e.Name, Active: e.ID == activeID}
	}
	if !includeURLs {
		return out
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			infoCtx, cancel := context.WithTimeout(gctx, infoReadTimeout)
			defer cancel()
			info, err := e.Page.Info(infoCtx)
			if err != nil {
				return nil // omit, never fail the listing
			}
			out[i].Title = info.Title
			out[i].URL = info.URL
			out[i].Type = info.Type
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Close removes a target. Closing the active target reassigns active to the
// first remaining target, or clears it when none remain. Returns the removed
// entry so the caller can close the driver page outside the lock.
func (r *Registry) Close(targetID string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.targets[targetID]
	if !ok {
		return nil, errkind.New(errkind.InvalidInput, "unknown target %s", targetID)
	}
	r.removeLocked(targetID)
	return entry, nil
}

// Sync reconciles the registry against the driver's authoritative page list:
// targets whose pages disappeared are dropped, newly-appeared pages are
// registered. Returns ids of dropped and added targets.
func (r *Registry) Sync(pages []driver.Page) (dropped, added []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	known := make(map[string]driver.Page, len(pages))
	for _, p := range pages {
		known[p.ID()] = p
	}

	for _, id := range append([]string(nil), r.order...) {
		e := r.targets[id]
		if _, ok := known[e.Page.ID()]; !ok {
			r.removeLocked(id)
			dropped = append(dropped, id)
		}
	}

	registered := make(map[string]bool, len(r.targets))
	for _, e := range r.targets {
		registered[e.Page.ID()] = true
	}
	for _, p := range pages {
		if registered[p.ID()] {
			continue
		}
		id := ids.NewTargetID()
		r.targets[id] = &Entry{ID: id, Page: p}
		r.order = append(r.order, id)
		if r.activeID == "" {
			r.activeID = id
		}
		added = append(added, id)
	}
	return dropped, added
}

// removeLocked drops a target and fixes the active pointer. Caller holds mu.
func (r *Registry) removeLocked(targetID string) {
	delete(r.targets, targetID)
	for i, id := range r.order {
		if id == targetID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.activeID == targetID {
		if len(r.order) > 0 {
			r.activeID = r.order[0]
		} else {
			r.activeID = ""
		}
	}
}

// nameLocked resolves a human name to a target id. Caller holds mu.
func (r *Registry) nameLocked(name string) (string, bool) {
	for id, e := range r.targets {
		if e.Name == name {
			return id, true
		}
	}
	return "", false
}
