package response

import (
	"github.com/lxc/incus/v6/shared/api"

	"github.com/lxc/incus-os/iscsi-bridge/internal/bus"
)

// SmartError returns the response matching the error.
//
// Errors carrying an HTTP status keep it, an unreachable storage service gives a 503 and
// anything else is an internal error.
func SmartError(err error) Response {
	if err == nil {
		return EmptySyncResponse
	}

	status, found := api.StatusErrorMatch(err)
	if found {
		return ErrorResponse(status, err.Error())
	}

	if bus.IsUnavailable(err) {
		return Unavailable(err)
	}

	return InternalError(err)
}
