package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/lxc/incus-os/iscsi-bridge/api"
	"github.com/lxc/incus-os/iscsi-bridge/internal/bus"
	"github.com/lxc/incus-os/iscsi-bridge/internal/events"
	"github.com/lxc/incus-os/iscsi-bridge/internal/iscsi"
	"github.com/lxc/incus-os/iscsi-bridge/internal/iscsi/iscsitest"
)

func newService(t *testing.T) (*iscsitest.Service, *iscsi.Client) {
	t.Helper()

	objects := iscsi.DefaultObjects()
	service := iscsitest.NewService(objects)

	return service, iscsi.NewClient(service, objects)
}

func requireNoSubscribers(t *testing.T, service *iscsitest.Service) {
	t.Helper()

	require.Eventually(t, func() bool { return service.Subscribers() == 0 }, waitTimeout, 10*time.Millisecond)
}

func TestWatchProperties(t *testing.T) {
	t.Parallel()

	service, client := newService(t)
	objects := client.Objects()

	ctx, cancel := context.WithCancel(context.Background())

	changes, err := events.WatchProperties(ctx, service, objects.Root, objects.InitiatorInterface())
	require.NoError(t, err)
	require.Equal(t, 1, service.Subscribers())

	// A malformed signal is skipped without ending the stream.
	service.Emit(&dbus.Signal{
		Path: objects.Root,
		Name: bus.PropertiesInterface + ".PropertiesChanged",
		Body: []any{objects.InitiatorInterface(), "garbage"},
	})

	err = client.SetInitiatorName(ctx, "iqn.2024-01.test:initiator")
	require.NoError(t, err)

	change, ok := receive(t, changes)
	require.True(t, ok)
	require.Equal(t, events.ChangeProperties, change.Kind)
	require.Equal(t, objects.Root, change.Path)
	require.Equal(t, "iqn.2024-01.test:initiator", change.Properties["InitiatorName"].Value())

	cancel()
	requireClosed(t, changes)
	requireNoSubscribers(t, service)
}

func TestWatchPropertiesDisconnect(t *testing.T) {
	t.Parallel()

	service, client := newService(t)
	objects := client.Objects()

	changes, err := events.WatchProperties(context.Background(), service, objects.Root, objects.InitiatorInterface())
	require.NoError(t, err)

	service.Disconnect()
	requireClosed(t, changes)
}

func TestWatchPropertiesSetupFailure(t *testing.T) {
	t.Parallel()

	service, client := newService(t)
	objects := client.Objects()
	service.FailSubscriptions(errors.New("AddMatch refused"))

	_, err := events.WatchProperties(context.Background(), service, objects.Root, objects.InitiatorInterface())
	require.ErrorContains(t, err, "AddMatch refused")
}

func TestWatchNodes(t *testing.T) {
	t.Parallel()

	service, client := newService(t)
	objects := client.Objects()
	service.AddNode(api.ISCSINode{ID: 1, Target: "iqn.2024-01.test:existing", Address: "192.0.2.1", Port: 3260, Startup: api.ISCSINodeStartupManual})
	service.AddPortal("192.0.2.10", 3260, "iqn.2024-01.test:a")

	ctx, cancel := context.WithCancel(context.Background())

	changes, err := events.WatchNodes(ctx, service, objects)
	require.NoError(t, err)
	require.Equal(t, 2, service.Subscribers())

	// Updates on nodes known before subscribing carry the full node.
	err = client.SetStartup(ctx, 1, api.ISCSINodeStartupAutomatic)
	require.NoError(t, err)

	change, ok := receive(t, changes)
	require.True(t, ok)
	require.Equal(t, events.ChangeUpdated, change.Kind)
	require.Equal(t, objects.NodePath(1), change.Path)
	require.Equal(t, "iqn.2024-01.test:existing", change.Properties["Target"].Value())
	require.Equal(t, "automatic", change.Properties["Startup"].Value())

	// Discovery adds a node.
	found, err := client.Discover(ctx, "192.0.2.10", 3260, api.ISCSIAuth{})
	require.NoError(t, err)
	require.True(t, found)

	change, ok = receive(t, changes)
	require.True(t, ok)
	require.Equal(t, events.ChangeAdded, change.Kind)
	require.Equal(t, objects.NodePath(2), change.Path)

	// Login updates it.
	result, err := client.Login(ctx, 2, api.ISCSIAuth{}, api.ISCSINodeStartupOnBoot)
	require.NoError(t, err)
	require.Equal(t, api.ISCSILoginSuccess, result)

	change, ok = receive(t, changes)
	require.True(t, ok)
	require.Equal(t, events.ChangeUpdated, change.Kind)
	require.Equal(t, true, change.Properties["Connected"].Value())
	require.Equal(t, "iqn.2024-01.test:a", change.Properties["Target"].Value())

	// Deleting removes it.
	err = client.DeleteNode(ctx, 1)
	require.NoError(t, err)

	change, ok = receive(t, changes)
	require.True(t, ok)
	require.Equal(t, events.ChangeRemoved, change.Kind)
	require.Equal(t, objects.NodePath(1), change.Path)

	// Other interfaces and objects are ignored.
	service.Emit(&dbus.Signal{
		Path: objects.Root,
		Name: bus.ObjectManagerInterface + ".InterfacesAdded",
		Body: []any{dbus.ObjectPath("/org/opensuse/Agama/Storage1/devices/5"), map[string]map[string]dbus.Variant{"org.example.Device": {}}},
	})

	service.Emit(&dbus.Signal{
		Path: objects.Root,
		Name: bus.ObjectManagerInterface + ".InterfacesRemoved",
		Body: []any{"not a path"},
	})

	ok, err = client.Logout(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)

	change, ok = receive(t, changes)
	require.True(t, ok)
	require.Equal(t, events.ChangeUpdated, change.Kind)
	require.Equal(t, objects.NodePath(2), change.Path)
	require.Equal(t, false, change.Properties["Connected"].Value())

	cancel()
	requireClosed(t, changes)
	requireNoSubscribers(t, service)
}

// racingService runs an action right after listing the nodes, before the caller gets the list.
type racingService struct {
	*iscsitest.Service

	afterList func()
}

func (s *racingService) ManagedObjects(ctx context.Context, root dbus.ObjectPath) (bus.ManagedObjects, error) {
	objects, err := s.Service.ManagedObjects(ctx, root)
	if err == nil && s.afterList != nil {
		s.afterList()
	}

	return objects, err
}

func TestWatchNodesAddedWhileListing(t *testing.T) {
	t.Parallel()

	service, client := newService(t)
	objects := client.Objects()
	service.AddPortal("192.0.2.10", 3260, "iqn.2024-01.test:a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	racing := &racingService{
		Service: service,
		afterList: func() {
			found, err := client.Discover(ctx, "192.0.2.10", 3260, api.ISCSIAuth{})
			require.NoError(t, err)
			require.True(t, found)
		},
	}

	changes, err := events.WatchNodes(ctx, racing, objects)
	require.NoError(t, err)

	// The node missing from the list is still reported as added.
	change, ok := receive(t, changes)
	require.True(t, ok)
	require.Equal(t, events.ChangeAdded, change.Kind)
	require.Equal(t, objects.NodePath(1), change.Path)

	// Later updates carry its full properties.
	result, err := client.Login(ctx, 1, api.ISCSIAuth{}, api.ISCSINodeStartupOnBoot)
	require.NoError(t, err)
	require.Equal(t, api.ISCSILoginSuccess, result)

	change, ok = receive(t, changes)
	require.True(t, ok)
	require.Equal(t, events.ChangeUpdated, change.Kind)

	node, err := iscsi.DecodeNode(1, change.Properties)
	require.NoError(t, err)
	require.Equal(t, api.ISCSINode{
		ID:        1,
		Target:    "iqn.2024-01.test:a",
		Address:   "192.0.2.10",
		Port:      3260,
		Interface: "default",
		Startup:   api.ISCSINodeStartupOnBoot,
		Connected: true,
	}, node)
}

func TestWatchNodesSetupFailure(t *testing.T) {
	t.Parallel()

	service, client := newService(t)
	service.Fail(errors.New("bus unreachable"))

	_, err := events.WatchNodes(context.Background(), service, client.Objects())
	require.ErrorContains(t, err, "bus unreachable")
	require.Equal(t, 0, service.Subscribers())

	service.Fail(nil)
	service.FailSubscriptions(errors.New("AddMatch refused"))

	_, err = events.WatchNodes(context.Background(), service, client.Objects())
	require.ErrorContains(t, err, "AddMatch refused")
	require.Equal(t, 0, service.Subscribers())
}

func TestStream(t *testing.T) {
	t.Parallel()

	service, client := newService(t)
	service.AddPortal("192.0.2.10", 3260, "iqn.2024-01.test:a")

	ctx, cancel := context.WithCancel(context.Background())

	stream, err := events.Stream(ctx, service, client.Objects())
	require.NoError(t, err)

	err = client.SetInitiatorName(ctx, "iqn.2024-01.test:initiator")
	require.NoError(t, err)

	event, ok := receive(t, stream)
	require.True(t, ok)
	require.Equal(t, api.ISCSIEventInitiatorChanged, event.Type)
	require.Equal(t, events.SourceInitiator, event.Source)
	require.Equal(t, "iqn.2024-01.test:initiator", *event.Name)
	require.Nil(t, event.IBFT)

	_, err = client.Discover(ctx, "192.0.2.10", 3260, api.ISCSIAuth{})
	require.NoError(t, err)

	event, ok = receive(t, stream)
	require.True(t, ok)
	require.Equal(t, api.ISCSIEventNodeAdded, event.Type)
	require.Equal(t, events.SourceNodes, event.Source)
	require.Equal(t, "iqn.2024-01.test:a", event.Node.Target)

	cancel()
	requireClosed(t, stream)
	requireNoSubscribers(t, service)
}

func TestStreamSetupFailure(t *testing.T) {
	t.Parallel()

	service, client := newService(t)
	service.FailSubscriptions(errors.New("AddMatch refused"))

	_, err := events.Stream(context.Background(), service, client.Objects())
	require.Error(t, err)
	requireNoSubscribers(t, service)
}
