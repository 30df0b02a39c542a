package bus

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// ErrMalformedReply is returned when a reply doesn't have the expected shape.
var ErrMalformedReply = errors.New("malformed reply")

// ServiceError represents a failed exchange with the storage service.
type ServiceError struct {
	Method string
	Err    error
}

// NewServiceError wraps err as a failure of the named D-Bus method.
func NewServiceError(method string, err error) *ServiceError {
	return &ServiceError{Method: method, Err: err}
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("D-Bus call %q failed: %v", e.Method, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Names of the D-Bus errors meaning the service can't be reached at all.
var unavailableErrors = []string{
	"org.freedesktop.DBus.Error.ServiceUnknown",
	"org.freedesktop.DBus.Error.NameHasNoOwner",
	"org.freedesktop.DBus.Error.NoReply",
	"org.freedesktop.DBus.Error.Disconnected",
	"org.freedesktop.DBus.Error.Timeout",
}

// IsUnavailable checks whether the error means the storage service couldn't be reached.
func IsUnavailable(err error) bool {
	if errors.Is(err, dbus.ErrClosed) {
		return true
	}

	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		for _, name := range unavailableErrors {
			if dbusErr.Name == name {
				return true
			}
		}
	}

	return false
}
