package iscsi

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/lxc/incus-os/iscsi-bridge/api"
)

// Property names exported by the storage service.
const (
	PropInitiatorName = "InitiatorName"
	PropIBFT          = "IBFT"

	PropTarget    = "Target"
	PropAddress   = "Address"
	PropPort      = "Port"
	PropInterface = "Interface"
	PropStartup   = "Startup"
	PropConnected = "Connected"
)

// Property looks up a property and checks its type.
//
// The boolean is false if the property is missing, an error is returned if it's
// present with an unexpected type.
func Property[T any](props map[string]dbus.Variant, name string) (T, bool, error) {
	var zero T

	variant, ok := props[name]
	if !ok {
		return zero, false, nil
	}

	value, ok := variant.Value().(T)
	if !ok {
		return zero, false, fmt.Errorf("property %q has unexpected type %q", name, variant.Signature())
	}

	return value, true, nil
}

// DecodeNode builds a node from its object properties.
//
// Missing properties are left empty. All the decoding failures are returned together
// and the node is filled with whatever could be decoded.
func DecodeNode(id uint32, props map[string]dbus.Variant) (api.ISCSINode, error) {
	var (
		errs    []error
		startup string
	)

	node := api.ISCSINode{ID: id}

	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	collect(decodeInto(props, PropTarget, &node.Target))
	collect(decodeInto(props, PropAddress, &node.Address))
	collect(decodeInto(props, PropPort, &node.Port))
	collect(decodeInto(props, PropInterface, &node.Interface))
	collect(decodeInto(props, PropIBFT, &node.IBFT))
	collect(decodeInto(props, PropStartup, &startup))
	collect(decodeInto(props, PropConnected, &node.Connected))

	node.Startup = api.ISCSINodeStartup(startup)

	return node, errors.Join(errs...)
}

func decodeInto[T any](props map[string]dbus.Variant, name string, target *T) error {
	value, ok, err := Property[T](props, name)
	if err != nil {
		return err
	}

	if ok {
		*target = value
	}

	return nil
}

// authOptions converts the credentials into the options dictionary expected by the service.
func authOptions(auth api.ISCSIAuth) map[string]dbus.Variant {
	options := map[string]dbus.Variant{}

	for key, value := range map[string]string{
		"Username":        auth.Username,
		"Password":        auth.Password,
		"ReverseUsername": auth.ReverseUsername,
		"ReversePassword": auth.ReversePassword,
	} {
		if value == "" {
			continue
		}

		options[key] = dbus.MakeVariant(value)
	}

	return options
}
