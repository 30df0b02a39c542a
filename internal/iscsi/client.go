// Package iscsi provides a client for the iSCSI part of the storage service.
package iscsi

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"
	incusapi "github.com/lxc/incus/v6/shared/api"

	"github.com/lxc/incus-os/iscsi-bridge/api"
	"github.com/lxc/incus-os/iscsi-bridge/internal/bus"
)

// ErrUnsuccessful is returned when the service reports a failure for an action that has no
// domain-level outcome.
var ErrUnsuccessful = errors.New("the storage service reported a failure")

// Bus is the set of D-Bus operations the client relies on.
type Bus interface {
	Call(ctx context.Context, path dbus.ObjectPath, method string, args []any, ret ...any) error
	GetProperties(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error)
	SetProperty(ctx context.Context, path dbus.ObjectPath, iface string, name string, value any) error
	ManagedObjects(ctx context.Context, root dbus.ObjectPath) (bus.ManagedObjects, error)
}

// Client proxies the iSCSI operations to the storage service.
//
// It holds no state besides the bus handle and can be shared between requests.
type Client struct {
	bus     Bus
	objects Objects
}

// NewClient returns a new iSCSI client.
func NewClient(b Bus, objects Objects) *Client {
	return &Client{bus: b, objects: objects}
}

// Objects returns the location of the iSCSI objects on the bus.
func (c *Client) Objects() Objects {
	return c.objects
}

// GetInitiator returns the initiator configuration.
func (c *Client) GetInitiator(ctx context.Context) (*api.ISCSIInitiator, error) {
	iface := c.objects.InitiatorInterface()

	props, err := c.bus.GetProperties(ctx, c.objects.Root, iface)
	if err != nil {
		return nil, err
	}

	initiator := api.ISCSIInitiator{}

	err = errors.Join(
		decodeInto(props, PropInitiatorName, &initiator.Name),
		decodeInto(props, PropIBFT, &initiator.IBFT),
	)
	if err != nil {
		return nil, malformed(iface+".GetAll", err)
	}

	return &initiator, nil
}

// SetInitiatorName changes the initiator name.
func (c *Client) SetInitiatorName(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return incusapi.StatusErrorf(http.StatusBadRequest, "initiator name can't be empty")
	}

	return c.bus.SetProperty(ctx, c.objects.Root, c.objects.InitiatorInterface(), PropInitiatorName, name)
}

// GetNodes returns the known iSCSI nodes, ordered by id.
func (c *Client) GetNodes(ctx context.Context) ([]api.ISCSINode, error) {
	objects, err := c.bus.ManagedObjects(ctx, c.objects.Root)
	if err != nil {
		return nil, err
	}

	nodes := []api.ISCSINode{}

	for path, ifaces := range objects {
		props, ok := ifaces[c.objects.NodeInterface()]
		if !ok {
			continue
		}

		id, err := c.objects.NodeID(path)
		if err != nil {
			continue
		}

		node, err := DecodeNode(id, props)
		if err != nil {
			return nil, malformed(bus.ObjectManagerInterface+".GetManagedObjects", err)
		}

		nodes = append(nodes, node)
	}

	slices.SortFunc(nodes, func(a api.ISCSINode, b api.ISCSINode) int {
		return cmp.Compare(a.ID, b.ID)
	})

	return nodes, nil
}

// Discover looks for targets on the given portal.
//
// A discovery refused by the service returns false, not an error.
func (c *Client) Discover(ctx context.Context, address string, port uint32, auth api.ISCSIAuth) (bool, error) {
	if strings.TrimSpace(address) == "" {
		return false, incusapi.StatusErrorf(http.StatusBadRequest, "portal address can't be empty")
	}

	if port > 65535 {
		return false, incusapi.StatusErrorf(http.StatusBadRequest, "invalid portal port %d", port)
	}

	var result uint32

	err := c.bus.Call(ctx, c.objects.Root, c.objects.InitiatorInterface()+".Discover", []any{address, port, authOptions(auth)}, &result)
	if err != nil {
		return false, err
	}

	return result == 0, nil
}

// SetStartup changes the startup mode of a node.
func (c *Client) SetStartup(ctx context.Context, id uint32, startup api.ISCSINodeStartup) error {
	return c.bus.SetProperty(ctx, c.objects.NodePath(id), c.objects.NodeInterface(), PropStartup, string(startup))
}

// DeleteNode removes a node.
func (c *Client) DeleteNode(ctx context.Context, id uint32) error {
	method := c.objects.InitiatorInterface() + ".Delete"

	var result uint32

	err := c.bus.Call(ctx, c.objects.Root, method, []any{c.objects.NodePath(id)}, &result)
	if err != nil {
		return err
	}

	if result != 0 {
		return bus.NewServiceError(method, fmt.Errorf("%w (code %d)", ErrUnsuccessful, result))
	}

	return nil
}

// Login connects to a node.
//
// Only transport failures are returned as errors, a refused login is reported through
// the returned result.
func (c *Client) Login(ctx context.Context, id uint32, auth api.ISCSIAuth, startup api.ISCSINodeStartup) (api.ISCSILoginResult, error) {
	method := c.objects.NodeInterface() + ".Login"

	options := authOptions(auth)
	options["Startup"] = dbus.MakeVariant(string(startup))

	var code uint32

	err := c.bus.Call(ctx, c.objects.NodePath(id), method, []any{options}, &code)
	if err != nil {
		return "", err
	}

	result, err := api.ISCSILoginResultFromCode(code)
	if err != nil {
		return "", malformed(method, err)
	}

	return result, nil
}

// Logout disconnects from a node.
//
// A logout refused by the service returns false, not an error.
func (c *Client) Logout(ctx context.Context, id uint32) (bool, error) {
	var result uint32

	err := c.bus.Call(ctx, c.objects.NodePath(id), c.objects.NodeInterface()+".Logout", nil, &result)
	if err != nil {
		return false, err
	}

	return result == 0, nil
}

func malformed(method string, err error) error {
	return bus.NewServiceError(method, fmt.Errorf("%w: %w", bus.ErrMalformedReply, err))
}
