package iscsi

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Default location of the storage service.
const (
	DefaultService = "org.opensuse.Agama.Storage1"
	DefaultRoot    = dbus.ObjectPath("/org/opensuse/Agama/Storage1")
)

// ErrNotNode is returned when an object path doesn't designate an iSCSI node.
var ErrNotNode = errors.New("not an iSCSI node path")

// Objects describes where the iSCSI objects live on the bus.
type Objects struct {
	Service string
	Root    dbus.ObjectPath
}

// DefaultObjects returns the objects of the default storage service.
func DefaultObjects() Objects {
	return Objects{Service: DefaultService, Root: DefaultRoot}
}

// InitiatorInterface returns the interface implemented by the root object.
func (o Objects) InitiatorInterface() string {
	return o.Service + ".ISCSI.Initiator"
}

// NodeInterface returns the interface implemented by each node object.
func (o Objects) NodeInterface() string {
	return o.Service + ".ISCSI.Node"
}

// NodesPath returns the namespace holding the node objects.
func (o Objects) NodesPath() dbus.ObjectPath {
	return o.Root + "/iscsi_nodes"
}

// NodePath returns the object path of the node with the given id.
func (o Objects) NodePath(id uint32) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("%s/%d", o.NodesPath(), id))
}

// NodeID extracts the node id from a node object path.
func (o Objects) NodeID(path dbus.ObjectPath) (uint32, error) {
	idStr, found := strings.CutPrefix(string(path), string(o.NodesPath())+"/")
	if !found || idStr == "" || strings.Contains(idStr, "/") {
		return 0, fmt.Errorf("%w: %q", ErrNotNode, path)
	}

	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotNode, path)
	}

	return uint32(id), nil
}
