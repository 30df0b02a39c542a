// Package events turns storage service signals into a stream of iSCSI events.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/godbus/dbus/v5"
	"github.com/lxc/incus/v6/shared/revert"

	"github.com/lxc/incus-os/iscsi-bridge/internal/bus"
	"github.com/lxc/incus-os/iscsi-bridge/internal/iscsi"
)

// ChangeKind describes the kind of a raw change.
type ChangeKind string

const (
	// ChangeProperties is a property change on a single object.
	ChangeProperties ChangeKind = "properties"

	// ChangeAdded is a node appearing in the collection.
	ChangeAdded ChangeKind = "added"

	// ChangeRemoved is a node leaving the collection.
	ChangeRemoved ChangeKind = "removed"

	// ChangeUpdated is a property change on a node of the collection.
	ChangeUpdated ChangeKind = "updated"
)

// RawChange is a single undecoded notification from the bus.
type RawChange struct {
	Kind       ChangeKind
	Path       dbus.ObjectPath
	Properties map[string]dbus.Variant
}

// Bus is the set of D-Bus operations the watchers rely on.
type Bus interface {
	Subscribe(ctx context.Context, rule bus.Rule) (*bus.Subscription, error)
	ManagedObjects(ctx context.Context, root dbus.ObjectPath) (bus.ManagedObjects, error)
}

// WatchProperties returns the property changes of one interface on one object.
//
// Subscription errors are returned immediately. The returned channel is closed once the
// bus connection goes away or ctx is cancelled, at which point the subscription is released.
func WatchProperties(ctx context.Context, b Bus, path dbus.ObjectPath, iface string) (<-chan RawChange, error) {
	sub, err := b.Subscribe(ctx, bus.Rule{
		Interface: bus.PropertiesInterface,
		Member:    "PropertiesChanged",
		Path:      path,
		Arg0:      iface,
	})
	if err != nil {
		return nil, err
	}

	changes := make(chan RawChange)

	go func() {
		defer close(changes)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-sub.C:
				if !ok {
					return
				}

				_, changed, err := decodePropertiesChanged(sig)
				if err != nil {
					slog.WarnContext(ctx, "Could not read the property change", "path", sig.Path, "err", err)

					continue
				}

				select {
				case changes <- RawChange{Kind: ChangeProperties, Path: sig.Path, Properties: changed}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return changes, nil
}

// WatchNodes returns the changes on the collection of iSCSI nodes.
//
// The signals are subscribed to before the current nodes get loaded, so a node showing up
// in between is still reported. Updates carry every known property of the node.
func WatchNodes(ctx context.Context, b Bus, objects iscsi.Objects) (<-chan RawChange, error) {
	reverter := revert.New()
	defer reverter.Fail()

	collection, err := b.Subscribe(ctx, bus.Rule{
		Interface: bus.ObjectManagerInterface,
		Path:      objects.Root,
	})
	if err != nil {
		return nil, err
	}

	reverter.Add(collection.Close)

	properties, err := b.Subscribe(ctx, bus.Rule{
		Interface:     bus.PropertiesInterface,
		Member:        "PropertiesChanged",
		PathNamespace: objects.NodesPath(),
		Arg0:          objects.NodeInterface(),
	})
	if err != nil {
		return nil, err
	}

	reverter.Add(properties.Close)

	// Signals received meanwhile stay queued and get applied on top of this list.
	managed, err := b.ManagedObjects(ctx, objects.Root)
	if err != nil {
		return nil, err
	}

	w := &nodeWatcher{objects: objects, cache: map[dbus.ObjectPath]map[string]dbus.Variant{}}

	for path, ifaces := range managed {
		props, ok := ifaces[objects.NodeInterface()]
		if ok && w.isNode(path) {
			w.cache[path] = maps.Clone(props)
		}
	}

	reverter.Success()

	changes := make(chan RawChange)

	go func() {
		defer close(changes)
		defer collection.Close()
		defer properties.Close()

		for {
			var (
				sig *dbus.Signal
				ok  bool
			)

			select {
			case <-ctx.Done():
				return
			case sig, ok = <-collection.C:
			case sig, ok = <-properties.C:
			}

			if !ok {
				return
			}

			change, relevant, err := w.handle(sig)
			if err != nil {
				slog.WarnContext(ctx, "Could not read the iSCSI nodes change", "path", sig.Path, "signal", sig.Name, "err", err)

				continue
			}

			if !relevant {
				continue
			}

			select {
			case changes <- change:
			case <-ctx.Done():
				return
			}
		}
	}()

	return changes, nil
}

// nodeWatcher tracks the known node properties. It's only used from the watcher goroutine.
type nodeWatcher struct {
	objects iscsi.Objects
	cache   map[dbus.ObjectPath]map[string]dbus.Variant
}

func (w *nodeWatcher) isNode(path dbus.ObjectPath) bool {
	_, err := w.objects.NodeID(path)

	return err == nil
}

func (w *nodeWatcher) handle(sig *dbus.Signal) (RawChange, bool, error) {
	switch sig.Name {
	case bus.ObjectManagerInterface + ".InterfacesAdded":
		if len(sig.Body) != 2 {
			return RawChange{}, false, errors.New("unexpected InterfacesAdded arguments")
		}

		path, okPath := sig.Body[0].(dbus.ObjectPath)
		ifaces, okIfaces := sig.Body[1].(map[string]map[string]dbus.Variant)

		if !okPath || !okIfaces {
			return RawChange{}, false, errors.New("unexpected InterfacesAdded argument types")
		}

		props, ok := ifaces[w.objects.NodeInterface()]
		if !ok || !w.isNode(path) {
			return RawChange{}, false, nil
		}

		w.cache[path] = maps.Clone(props)

		return RawChange{Kind: ChangeAdded, Path: path, Properties: props}, true, nil

	case bus.ObjectManagerInterface + ".InterfacesRemoved":
		if len(sig.Body) != 2 {
			return RawChange{}, false, errors.New("unexpected InterfacesRemoved arguments")
		}

		path, okPath := sig.Body[0].(dbus.ObjectPath)
		ifaces, okIfaces := sig.Body[1].([]string)

		if !okPath || !okIfaces {
			return RawChange{}, false, errors.New("unexpected InterfacesRemoved argument types")
		}

		if !w.isNode(path) || !slices.Contains(ifaces, w.objects.NodeInterface()) {
			return RawChange{}, false, nil
		}

		delete(w.cache, path)

		return RawChange{Kind: ChangeRemoved, Path: path}, true, nil

	case bus.PropertiesInterface + ".PropertiesChanged":
		iface, changed, err := decodePropertiesChanged(sig)
		if err != nil {
			return RawChange{}, false, err
		}

		if iface != w.objects.NodeInterface() || !w.isNode(sig.Path) {
			return RawChange{}, false, nil
		}

		props, ok := w.cache[sig.Path]
		if !ok {
			props = map[string]dbus.Variant{}
			w.cache[sig.Path] = props
		}

		maps.Copy(props, changed)

		return RawChange{Kind: ChangeUpdated, Path: sig.Path, Properties: maps.Clone(props)}, true, nil
	}

	return RawChange{}, false, nil
}

func decodePropertiesChanged(sig *dbus.Signal) (string, map[string]dbus.Variant, error) {
	if len(sig.Body) < 2 {
		return "", nil, fmt.Errorf("unexpected %s arguments", sig.Name)
	}

	iface, okIface := sig.Body[0].(string)
	changed, okChanged := sig.Body[1].(map[string]dbus.Variant)

	if !okIface || !okChanged {
		return "", nil, fmt.Errorf("unexpected %s argument types", sig.Name)
	}

	return iface, changed, nil
}
