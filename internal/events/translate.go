package events

import (
	"log/slog"

	"github.com/lxc/incus-os/iscsi-bridge/api"
	"github.com/lxc/incus-os/iscsi-bridge/internal/iscsi"
)

// Translator turns raw changes into iSCSI events.
type Translator struct {
	objects iscsi.Objects
}

// NewTranslator returns a translator for the given objects.
func NewTranslator(objects iscsi.Objects) Translator {
	return Translator{objects: objects}
}

// Translate maps a raw change to an event.
//
// It never fails: a value that can't be decoded is logged and treated as absent. The
// boolean is false if nothing meaningful was left in the change.
func (t Translator) Translate(change RawChange) (api.ISCSIEvent, bool) {
	switch change.Kind {
	case ChangeProperties:
		return t.initiatorChanged(change)

	case ChangeAdded, ChangeUpdated:
		id, err := t.objects.NodeID(change.Path)
		if err != nil {
			slog.Warn("Ignoring iSCSI node change", "path", change.Path, "err", err)

			return api.ISCSIEvent{}, false
		}

		node, err := iscsi.DecodeNode(id, change.Properties)
		if err != nil {
			slog.Warn("Could not read every iSCSI node property", "path", change.Path, "err", err)
		}

		eventType := api.ISCSIEventNodeAdded
		if change.Kind == ChangeUpdated {
			eventType = api.ISCSIEventNodeUpdated
		}

		return api.ISCSIEvent{Type: eventType, Node: &node}, true

	case ChangeRemoved:
		id, err := t.objects.NodeID(change.Path)
		if err != nil {
			slog.Warn("Ignoring iSCSI node removal", "path", change.Path, "err", err)

			return api.ISCSIEvent{}, false
		}

		return api.ISCSIEvent{Type: api.ISCSIEventNodeRemoved, NodeID: &id}, true
	}

	slog.Warn("Ignoring unknown change", "kind", change.Kind, "path", change.Path)

	return api.ISCSIEvent{}, false
}

func (Translator) initiatorChanged(change RawChange) (api.ISCSIEvent, bool) {
	event := api.ISCSIEvent{Type: api.ISCSIEventInitiatorChanged}

	name, ok, err := iscsi.Property[string](change.Properties, iscsi.PropInitiatorName)
	if err != nil {
		slog.Warn("Could not read the initiator change", "err", err)
	} else if ok {
		event.Name = &name
	}

	ibft, ok, err := iscsi.Property[bool](change.Properties, iscsi.PropIBFT)
	if err != nil {
		slog.Warn("Could not read the initiator change", "err", err)
	} else if ok {
		event.IBFT = &ibft
	}

	if event.Name == nil && event.IBFT == nil {
		return api.ISCSIEvent{}, false
	}

	return event, true
}
