package endpoint

import (
	"iter"
	"sort"
	"sync"
)

// Registry holds at most one panel endpoint and at most one content endpoint
// per tab. Later registrations replace earlier ones; the replaced endpoint is
// not closed here, the transport closes it on disconnect.
type Registry struct {
	mu      sync.RWMutex
	panel   Endpoint
	content map[int]Endpoint
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{content: make(map[int]Endpoint)}
}

// RegisterContent makes ep the addressable content endpoint for tabID.
func (r *Registry) RegisterContent(tabID int, ep Endpoint) {
	r.mu.Lock()
	r.content[tabID] = ep
	r.mu.Unlock()
}

// RegisterPanel makes ep the current panel endpoint.
func (r *Registry) RegisterPanel(ep Endpoint) {
	r.mu.Lock()
	r.panel = ep
	r.mu.Unlock()
}

// UnregisterContent removes the content endpoint for tabID, if any.
func (r *Registry) UnregisterContent(tabID int) {
	r.mu.Lock()
	delete(r.content, tabID)
	r.mu.Unlock()
}

// UnregisterContentIf removes the endpoint for tabID only while it is still ep.
// A disconnect from a replaced endpoint must not drop its successor.
func (r *Registry) UnregisterContentIf(tabID int, ep Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.content[tabID]
	if !ok || cur.ID() != ep.ID() {
		return false
	}
	delete(r.content, tabID)
	return true
}

// UnregisterPanel clears the panel endpoint.
func (r *Registry) UnregisterPanel() {
	r.mu.Lock()
	r.panel = nil
	r.mu.Unlock()
}

// UnregisterPanelIf clears the panel only while it is still ep.
func (r *Registry) UnregisterPanelIf(ep Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panel == nil || r.panel.ID() != ep.ID() {
		return false
	}
	r.panel = nil
	return true
}

// Panel returns the current panel endpoint.
func (r *Registry) Panel() (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.panel, r.panel != nil
}

// Content returns the content endpoint registered for tabID.
func (r *Registry) Content(tabID int) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.content[tabID]
	return ep, ok
}

// ContentCount returns the number of registered content endpoints.
func (r *Registry) ContentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.content)
}

// AllContent yields every registered content endpoint ordered by tab id.
// The sequence can be ranged over repeatedly; each pass copies the registry
// when it starts, so registrations made during a pass are seen by the next.
func (r *Registry) AllContent() iter.Seq2[int, Endpoint] {
	return func(yield func(int, Endpoint) bool) {
		type pair struct {
			tabID int
			ep    Endpoint
		}
		r.mu.RLock()
		pairs := make([]pair, 0, len(r.content))
		for id, ep := range r.content {
			pairs = append(pairs, pair{id, ep})
		}
		r.mu.RUnlock()

		sort.Slice(pairs, func(i, j int) bool { return pairs[i].tabID < pairs[j].tabID })
		for _, p := range pairs {
			if !yield(p.tabID, p.ep) {
				return
			}
		}
	}
}
