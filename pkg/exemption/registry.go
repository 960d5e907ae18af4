// Package exemption tracks which browser tabs opted out of the proxy.
package exemption

import (
	"sort"
	"sync"
)

// Status is the exemption choice recorded for a tab.
type Status string

const (
	// Unset means no choice was ever reported for the tab.
	Unset Status = ""
	// Exempt means the tab bypasses the proxy.
	Exempt Status = "exemptTab"
	// Ignored means the user explicitly opted the tab back in.
	Ignored Status = "ignoreTab"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case Unset, Exempt, Ignored:
		return true
	}
	return false
}

// Registry maps tab ids to their exemption status.
// A tab without an entry is treated as Unset.
type Registry struct {
	mu       sync.RWMutex
	statuses map[int]Status
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{statuses: make(map[int]Status)}
}

// SetStatus records status for tabID, replacing any previous value.
// Non-positive tab ids are ignored.
func (r *Registry) SetStatus(tabID int, status Status) {
	if tabID <= 0 {
		return
	}
	r.mu.Lock()
	r.statuses[tabID] = status
	r.mu.Unlock()
}

// Status returns the stored status for tabID or Unset.
func (r *Registry) Status(tabID int) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statuses[tabID]
}

// IsExempt reports whether tabID is currently exempt.
func (r *Registry) IsExempt(tabID int) bool {
	return r.Status(tabID) == Exempt
}

// Remove deletes the entry for tabID. Removing an absent tab is a no-op.
func (r *Registry) Remove(tabID int) {
	r.mu.Lock()
	delete(r.statuses, tabID)
	r.mu.Unlock()
}

// Len returns the number of tabs with a recorded status.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.statuses)
}

// Entry is a single tab/status pair.
type Entry struct {
	TabID  int    `json:"tabId"`
	Status Status `json:"status"`
}

// Snapshot returns a copy of all entries ordered by tab id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.statuses))
	for id, st := range r.statuses {
		entries = append(entries, Entry{TabID: id, Status: st})
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].TabID < entries[j].TabID
	})
	return entries
}
