package api

// ISCSIEventType represents the kind of an iSCSI event.
type ISCSIEventType string

const (
	// ISCSIEventNodeAdded is sent when a node appears (typically after a discovery).
	ISCSIEventNodeAdded ISCSIEventType = "node_added"

	// ISCSIEventNodeRemoved is sent when a node goes away.
	ISCSIEventNodeRemoved ISCSIEventType = "node_removed"

	// ISCSIEventNodeUpdated is sent when a node property changes (startup mode, connection).
	ISCSIEventNodeUpdated ISCSIEventType = "node_updated"

	// ISCSIEventInitiatorChanged is sent when the initiator name or IBFT flag changes.
	ISCSIEventInitiatorChanged ISCSIEventType = "initiator_changed"
)

// ISCSIEvent represents a single change notification.
//
// Only the fields relevant to the event type are set. For initiator changes, Name and
// IBFT are only present if that property changed.
type ISCSIEvent struct {
	Type   ISCSIEventType `json:"type"             yaml:"type"`
	Source string         `json:"source,omitempty" yaml:"source,omitempty"`

	Node   *ISCSINode `json:"node,omitempty"    yaml:"node,omitempty"`
	NodeID *uint32    `json:"node_id,omitempty" yaml:"node_id,omitempty"`

	Name *string `json:"name,omitempty" yaml:"name,omitempty"`
	IBFT *bool   `json:"ibft,omitempty" yaml:"ibft,omitempty"`
}
