package crdt

import (
	"log"
	"sync"

	"mindmesh/internal/models"
)

// Registry holds the resident documents, one per workspace.
//
// The change observer passed at construction is installed on every document
// before the document becomes visible to callers, so no write can escape
// observation.
type Registry struct {
	actor    string
	onChange func(ev models.ChangeEvent)

	mu   sync.RWMutex
	docs map[string]*Doc
}

// NewRegistry creates a registry. onChange may be nil.
func NewRegistry(actor string, onChange func(ev models.ChangeEvent)) *Registry {
	return &Registry{
		actor:    actor,
		onChange: onChange,
		docs:     make(map[string]*Doc),
	}
}

// GetOrCreate returns the workspace's document, allocating it on first use.
func (r *Registry) GetOrCreate(workspaceID string) *Doc {
	r.mu.RLock()
	doc, ok := r.docs[workspaceID]
	r.mu.RUnlock()
	if ok {
		return doc
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if doc, ok := r.docs[workspaceID]; ok {
		return doc
	}

	doc = NewDoc(workspaceID, r.actor)
	// Observer goes in before the doc is published: there is no window
	// in which a write can bypass the outbox.
	if r.onChange != nil {
		doc.OnChange(r.onChange)
	}
	r.docs[workspaceID] = doc
	log.Printf("📄 [DOC] Document created for workspace %s (resident: %d)", workspaceID, len(r.docs))
	return doc
}

// Get returns the resident document, if any.
func (r *Registry) Get(workspaceID string) (*Doc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[workspaceID]
	return doc, ok
}

// Destroy releases a workspace's document. Idempotent.
func (r *Registry) Destroy(workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[workspaceID]; !ok {
		return
	}
	delete(r.docs, workspaceID)
	log.Printf("🗑️  [DOC] Document destroyed for workspace %s (resident: %d)", workspaceID, len(r.docs))
}

// Count returns the number of resident documents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}

// Stats returns per-workspace node counts for the stats endpoint.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]int, len(r.docs))
	for workspaceID, doc := range r.docs {
		stats[workspaceID] = doc.Len()
	}
	return stats
}
