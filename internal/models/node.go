package models

import "encoding/json"

// Node is a single mind-map node as stored in the replicated document.
// Coordinates are nullable: an unplaced node carries null, which is
// distinct from a node at the origin.
type Node struct {
	ParentID       *string  `json:"parentId"`
	Type           string   `json:"type,omitempty"`
	Keyword        string   `json:"keyword"`
	Memo           string   `json:"memo"`
	ContentURL     string   `json:"contentUrl,omitempty"`
	X              *float64 `json:"x"`
	Y              *float64 `json:"y"`
	Color          string   `json:"color,omitempty"`
	CreatedBy      string   `json:"createdBy,omitempty"`
	AnalysisStatus string   `json:"analysisStatus,omitempty"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.ParentID != nil {
		p := *n.ParentID
		c.ParentID = &p
	}
	if n.X != nil {
		x := *n.X
		c.X = &x
	}
	if n.Y != nil {
		y := *n.Y
		c.Y = &y
	}
	return &c
}

// ChangeType classifies a document mutation.
type ChangeType string

const (
	ChangeAdd    ChangeType = "ADD"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one observed document mutation, queued in the outbox
// and relayed to the durable event log.
type ChangeEvent struct {
	WorkspaceID string     `json:"workspaceId"`
	NodeID      string     `json:"nodeId"`
	Type        ChangeType `json:"type"`
	Node        *Node      `json:"node,omitempty"` // full snapshot for ADD/UPDATE, absent for DELETE
	Timestamp   int64      `json:"timestamp"`
}

// ChangeBatch is the unit published to the node-events stream.
type ChangeBatch struct {
	WorkspaceID string        `json:"workspaceId"`
	Events      []ChangeEvent `json:"events"`
	BatchedAt   int64         `json:"batchedAt"`
}

// SuggestedNode is one node proposed by the GPT suggestion engine.
// Payloads arrive as a JSON array and are validated all-or-nothing.
type SuggestedNode struct {
	Keyword  string  `json:"keyword"`
	ParentID *string `json:"parentId"`
	Memo     string  `json:"memo,omitempty"`
}

// FlexID accepts both JSON strings and numbers. Upstream workers emit
// workspace and node ids in either form.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// CreatedNode is one element of a batch-creation notice.
type CreatedNode struct {
	NodeID   FlexID   `json:"nodeId"`
	ParentID *FlexID  `json:"parentId"`
	Keyword  string   `json:"keyword"`
	Memo     string   `json:"memo"`
	Type     string   `json:"type"`
	Color    string   `json:"color"`
	X        *float64 `json:"x"`
	Y        *float64 `json:"y"`
}

// NodeUpdatePayload is the decoded form of a node-update stream entry.
// Which fields are populated decides the shape: nodeId+updates is a
// single-node update, message+nodes is a batch creation, a bare message
// is a completion notice.
type NodeUpdatePayload struct {
	WorkspaceID FlexID                 `json:"workspaceId"`
	NodeID      FlexID                 `json:"nodeId,omitempty"`
	Updates     map[string]interface{} `json:"updates,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Nodes       []CreatedNode          `json:"nodes,omitempty"`
	NodeCount   int                    `json:"nodeCount,omitempty"`
}
