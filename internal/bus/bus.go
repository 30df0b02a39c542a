// Package bus wraps the D-Bus connection used to reach the storage service.
package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// Standard D-Bus interfaces used to reach the storage service objects.
const (
	PropertiesInterface    = "org.freedesktop.DBus.Properties"
	ObjectManagerInterface = "org.freedesktop.DBus.ObjectManager"
)

// ManagedObjects maps object paths to their interfaces and properties.
type ManagedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Conn represents a connection to a single D-Bus service.
type Conn struct {
	conn    *dbus.Conn
	service string
}

// Connect opens a connection to the selected bus.
//
// The bus is either "system", "session" or a D-Bus address.
func Connect(ctx context.Context, address string, service string) (*Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)

	switch address {
	case "", "system":
		conn, err = dbus.ConnectSystemBus(dbus.WithContext(ctx))
	case "session":
		conn, err = dbus.ConnectSessionBus(dbus.WithContext(ctx))
	default:
		conn, err = dbus.Connect(address, dbus.WithContext(ctx))
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to the %q bus: %w", address, err)
	}

	slog.DebugContext(ctx, "Connected to D-Bus", "bus", address, "service", service)

	return &Conn{conn: conn, service: service}, nil
}

// Close closes the underlying connection, terminating all subscriptions.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Service returns the name of the service this connection talks to.
func (c *Conn) Service() string {
	return c.service
}

// Call runs a method on the object at path and stores the reply into ret.
//
// The method name must be fully qualified ("interface.Method").
func (c *Conn) Call(ctx context.Context, path dbus.ObjectPath, method string, args []any, ret ...any) error {
	call := c.conn.Object(c.service, path).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return NewServiceError(method, call.Err)
	}

	if len(ret) == 0 {
		return nil
	}

	err := call.Store(ret...)
	if err != nil {
		return NewServiceError(method, fmt.Errorf("%w: %w", ErrMalformedReply, err))
	}

	return nil
}

// GetProperties returns all the properties of an interface on the object at path.
func (c *Conn) GetProperties(ctx context.Context, path dbus.ObjectPath, iface string) (map[string]dbus.Variant, error) {
	props := map[string]dbus.Variant{}

	err := c.Call(ctx, path, PropertiesInterface+".GetAll", []any{iface}, &props)
	if err != nil {
		return nil, err
	}

	return props, nil
}

// SetProperty sets a single property of an interface on the object at path.
func (c *Conn) SetProperty(ctx context.Context, path dbus.ObjectPath, iface string, name string, value any) error {
	return c.Call(ctx, path, PropertiesInterface+".Set", []any{iface, name, dbus.MakeVariant(value)})
}

// ManagedObjects lists the objects exported by the service below root.
func (c *Conn) ManagedObjects(ctx context.Context, root dbus.ObjectPath) (ManagedObjects, error) {
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{}

	err := c.Call(ctx, root, ObjectManagerInterface+".GetManagedObjects", nil, &objects)
	if err != nil {
		return nil, err
	}

	return ManagedObjects(objects), nil
}
