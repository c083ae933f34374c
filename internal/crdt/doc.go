package crdt

import (
	"sync"
	"time"

	"mindmesh/internal/models"
)

// Tag orders concurrent writes. Ties on the clock break on the actor id,
// so every replica converges on the same winner.
type Tag struct {
	Clock uint64 `json:"clock"`
	Actor string `json:"actor"`
}

// Less reports whether t is ordered before o.
func (t Tag) Less(o Tag) bool {
	if t.Clock != o.Clock {
		return t.Clock < o.Clock
	}
	return t.Actor < o.Actor
}

// Op is one replicated mutation: either a field write or a tombstone.
type Op struct {
	NodeID string                 `json:"nodeId"`
	Delete bool                   `json:"delete,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
	Tag    Tag                    `json:"tag"`
}

// ChangeHandler observes classified document diffs on the mutation path.
type ChangeHandler func(ev models.ChangeEvent)

type fieldValue struct {
	value interface{}
	tag   Tag
}

type nodeState struct {
	fields    map[string]fieldValue
	deleted   bool
	deleteTag Tag
}

// Doc is a per-workspace replicated node map with field-level
// last-writer-wins merge semantics.
type Doc struct {
	workspaceID string
	actor       string

	mu        sync.Mutex
	clock     uint64
	nodes     map[string]*nodeState
	observers map[int]ChangeHandler
	nextObsID int
}

// NewDoc creates an empty document for a workspace.
func NewDoc(workspaceID, actor string) *Doc {
	return &Doc{
		workspaceID: workspaceID,
		actor:       actor,
		nodes:       make(map[string]*nodeState),
		observers:   make(map[int]ChangeHandler),
	}
}

// WorkspaceID returns the workspace this document belongs to.
func (d *Doc) WorkspaceID() string {
	return d.workspaceID
}

// OnChange subscribes a handler to document mutations. Handlers run
// synchronously on the mutation path; the returned function unsubscribes.
func (d *Doc) OnChange(handler ChangeHandler) func() {
	d.mu.Lock()
	id := d.nextObsID
	d.nextObsID++
	d.observers[id] = handler
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// SetNode applies a local full-node write. It returns the replicated op
// and the change event it notified, classified under the document lock
// so callers never re-derive ADD vs UPDATE from a racy second read.
// All of the node's fields receive the same fresh tag.
func (d *Doc) SetNode(nodeID string, node *models.Node) (Op, models.ChangeEvent) {
	d.mu.Lock()
	d.clock++
	tag := Tag{Clock: d.clock, Actor: d.actor}

	state, existed := d.nodes[nodeID]
	if !existed || state.deleted {
		state = &nodeState{fields: make(map[string]fieldValue)}
		d.nodes[nodeID] = state
		existed = false
	}

	fields := nodeFields(node)
	for name, value := range fields {
		state.fields[name] = fieldValue{value: value, tag: tag}
	}

	changeType := models.ChangeUpdate
	if !existed {
		changeType = models.ChangeAdd
	}
	snapshot := stateToNode(state)
	d.mu.Unlock()

	ev := models.ChangeEvent{
		WorkspaceID: d.workspaceID,
		NodeID:      nodeID,
		Type:        changeType,
		Node:        snapshot,
		Timestamp:   time.Now().UnixMilli(),
	}
	d.notify(ev)

	return Op{NodeID: nodeID, Fields: fields, Tag: tag}, ev
}

// MergeFields applies a partial field update with a fresh local tag.
// Unknown node ids are ignored; the caller decides whether absence matters.
func (d *Doc) MergeFields(nodeID string, fields map[string]interface{}) bool {
	d.mu.Lock()
	state, ok := d.nodes[nodeID]
	if !ok || state.deleted {
		d.mu.Unlock()
		return false
	}

	d.clock++
	tag := Tag{Clock: d.clock, Actor: d.actor}
	for name, value := range fields {
		state.fields[name] = fieldValue{value: value, tag: tag}
	}
	snapshot := stateToNode(state)
	d.mu.Unlock()

	d.notify(models.ChangeEvent{
		WorkspaceID: d.workspaceID,
		NodeID:      nodeID,
		Type:        models.ChangeUpdate,
		Node:        snapshot,
		Timestamp:   time.Now().UnixMilli(),
	})
	return true
}

// DeleteNode tombstones a node locally and returns the replicated op.
func (d *Doc) DeleteNode(nodeID string) (Op, bool) {
	d.mu.Lock()
	state, ok := d.nodes[nodeID]
	if !ok || state.deleted {
		d.mu.Unlock()
		return Op{}, false
	}

	d.clock++
	tag := Tag{Clock: d.clock, Actor: d.actor}
	state.deleted = true
	state.deleteTag = tag
	state.fields = make(map[string]fieldValue)
	d.mu.Unlock()

	d.notify(models.ChangeEvent{
		WorkspaceID: d.workspaceID,
		NodeID:      nodeID,
		Type:        models.ChangeDelete,
		Timestamp:   time.Now().UnixMilli(),
	})

	return Op{NodeID: nodeID, Delete: true, Tag: tag}, true
}

// ApplyRemote merges a replicated op from another actor. Per field, the
// higher tag wins; stale writes are dropped without notifying observers.
func (d *Doc) ApplyRemote(op Op) bool {
	d.mu.Lock()
	if op.Tag.Clock > d.clock {
		d.clock = op.Tag.Clock
	}

	state, existed := d.nodes[op.NodeID]

	if op.Delete {
		if !existed {
			state = &nodeState{fields: make(map[string]fieldValue)}
			d.nodes[op.NodeID] = state
		}
		if state.deleted && !state.deleteTag.Less(op.Tag) {
			d.mu.Unlock()
			return false
		}
		state.deleted = true
		state.deleteTag = op.Tag
		state.fields = make(map[string]fieldValue)
		d.mu.Unlock()

		d.notify(models.ChangeEvent{
			WorkspaceID: d.workspaceID,
			NodeID:      op.NodeID,
			Type:        models.ChangeDelete,
			Timestamp:   time.Now().UnixMilli(),
		})
		return true
	}

	added := false
	if !existed {
		state = &nodeState{fields: make(map[string]fieldValue)}
		d.nodes[op.NodeID] = state
		added = true
	}
	if state.deleted {
		// A write newer than the tombstone resurrects the node.
		if op.Tag.Less(state.deleteTag) {
			d.mu.Unlock()
			return false
		}
		state.deleted = false
		state.fields = make(map[string]fieldValue)
		added = true
	}

	changed := false
	for name, value := range op.Fields {
		current, ok := state.fields[name]
		if ok && !current.tag.Less(op.Tag) {
			continue
		}
		state.fields[name] = fieldValue{value: value, tag: op.Tag}
		changed = true
	}
	if !changed {
		d.mu.Unlock()
		return false
	}

	changeType := models.ChangeUpdate
	if added {
		changeType = models.ChangeAdd
	}
	snapshot := stateToNode(state)
	d.mu.Unlock()

	d.notify(models.ChangeEvent{
		WorkspaceID: d.workspaceID,
		NodeID:      op.NodeID,
		Type:        changeType,
		Node:        snapshot,
		Timestamp:   time.Now().UnixMilli(),
	})
	return true
}

// Initialize bulk-loads a persisted snapshot without notifying observers.
// Used when a client uploads the REST snapshot after reconnect.
func (d *Doc) Initialize(nodes map[string]*models.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.clock++
	tag := Tag{Clock: d.clock, Actor: d.actor}
	for nodeID, node := range nodes {
		state, ok := d.nodes[nodeID]
		if ok && !state.deleted {
			// Resident state wins over a stale snapshot upload.
			continue
		}
		state = &nodeState{fields: make(map[string]fieldValue)}
		for name, value := range nodeFields(node) {
			state.fields[name] = fieldValue{value: value, tag: tag}
		}
		d.nodes[nodeID] = state
	}
}

// GetNode returns a copy of one resident node.
func (d *Doc) GetNode(nodeID string) (*models.Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state, ok := d.nodes[nodeID]
	if !ok || state.deleted {
		return nil, false
	}
	return stateToNode(state), true
}

// Snapshot returns a copy of all live nodes keyed by node id.
func (d *Doc) Snapshot() map[string]*models.Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]*models.Node, len(d.nodes))
	for nodeID, state := range d.nodes {
		if state.deleted {
			continue
		}
		out[nodeID] = stateToNode(state)
	}
	return out
}

// Len returns the number of live nodes.
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, state := range d.nodes {
		if !state.deleted {
			n++
		}
	}
	return n
}

func (d *Doc) notify(ev models.ChangeEvent) {
	d.mu.Lock()
	handlers := make([]ChangeHandler, 0, len(d.observers))
	for _, h := range d.observers {
		handlers = append(handlers, h)
	}
	d.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// nodeFields flattens a node into field writes. Every field is written
// unconditionally; a full-node write must overwrite zero values and
// nulls, or the old value would survive under LWW.
func nodeFields(node *models.Node) map[string]interface{} {
	fields := map[string]interface{}{
		"keyword":        node.Keyword,
		"type":           node.Type,
		"memo":           node.Memo,
		"contentUrl":     node.ContentURL,
		"color":          node.Color,
		"createdBy":      node.CreatedBy,
		"analysisStatus": node.AnalysisStatus,
	}
	if node.ParentID != nil {
		fields["parentId"] = *node.ParentID
	} else {
		fields["parentId"] = nil
	}
	if node.X != nil {
		fields["x"] = *node.X
	} else {
		fields["x"] = nil
	}
	if node.Y != nil {
		fields["y"] = *node.Y
	} else {
		fields["y"] = nil
	}
	return fields
}

func stateToNode(state *nodeState) *models.Node {
	node := &models.Node{}
	for name, fv := range state.fields {
		switch name {
		case "parentId":
			if s, ok := fv.value.(string); ok {
				node.ParentID = &s
			}
		case "type":
			if s, ok := fv.value.(string); ok {
				node.Type = s
			}
		case "keyword":
			if s, ok := fv.value.(string); ok {
				node.Keyword = s
			}
		case "memo":
			if s, ok := fv.value.(string); ok {
				node.Memo = s
			}
		case "contentUrl":
			if s, ok := fv.value.(string); ok {
				node.ContentURL = s
			}
		case "x":
			if fv.value != nil {
				x := toFloat(fv.value)
				node.X = &x
			}
		case "y":
			if fv.value != nil {
				y := toFloat(fv.value)
				node.Y = &y
			}
		case "color":
			if s, ok := fv.value.(string); ok {
				node.Color = s
			}
		case "createdBy":
			if s, ok := fv.value.(string); ok {
				node.CreatedBy = s
			}
		case "analysisStatus":
			if s, ok := fv.value.(string); ok {
				node.AnalysisStatus = s
			}
		}
	}
	return node
}

// toFloat tolerates json.Unmarshal handing numbers back as float64
// while local writes store them as typed values.
func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
