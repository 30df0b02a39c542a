package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lxc/incus-os/iscsi-bridge/api"
	"github.com/lxc/incus-os/iscsi-bridge/internal/rest/response"
)

// apiISCSIInitiator returns the initiator name and iBFT flag (GET) or renames it (PATCH).
func (s *Server) apiISCSIInitiator(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		initiator, err := s.client.GetInitiator(r.Context())
		if err != nil {
			_ = response.SmartError(err).Render(w)

			return
		}

		_ = response.SyncResponse(initiator).Render(w)

	case http.MethodPatch:
		req := api.ISCSIInitiatorPatch{}

		err := decodeBody(r, &req)
		if err != nil {
			_ = response.BadRequest(err).Render(w)

			return
		}

		err = s.client.SetInitiatorName(r.Context(), req.Name)
		if err != nil {
			_ = response.SmartError(err).Render(w)

			return
		}

		_ = response.EmptySyncResponse.Render(w)

	default:
		_ = response.NotImplemented(nil).Render(w)
	}
}

func (s *Server) apiISCSINodes(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	nodes, err := s.client.GetNodes(r.Context())
	if err != nil {
		_ = response.SmartError(err).Render(w)

		return
	}

	_ = response.SyncResponse(nodes).Render(w)
}

// apiISCSIDiscover looks for targets on a portal. A refused discovery is a bare 400.
func (s *Server) apiISCSIDiscover(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	req := api.ISCSIDiscoverPost{}

	err := decodeBody(r, &req)
	if err != nil {
		_ = response.BadRequest(err).Render(w)

		return
	}

	found, err := s.client.Discover(r.Context(), req.Address, req.Port, req.Options)
	if err != nil {
		_ = response.SmartError(err).Render(w)

		return
	}

	if !found {
		slog.WarnContext(r.Context(), "iSCSI discovery refused", "address", req.Address, "port", req.Port)

		_ = response.SyncResponseCode(http.StatusBadRequest, nil).Render(w)

		return
	}

	_ = response.EmptySyncResponse.Render(w)
}

func (s *Server) apiISCSINode(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id, err := nodeID(r)
	if err != nil {
		_ = response.BadRequest(err).Render(w)

		return
	}

	switch r.Method {
	case http.MethodPatch:
		req := api.ISCSINodePatch{}

		err := decodeBody(r, &req)
		if err != nil {
			_ = response.BadRequest(err).Render(w)

			return
		}

		_, ok := api.ISCSINodeStartups[req.Startup]
		if !ok {
			_ = response.BadRequest(fmt.Errorf("invalid startup mode %q", req.Startup)).Render(w)

			return
		}

		err = s.client.SetStartup(r.Context(), id, req.Startup)
		if err != nil {
			_ = response.SmartError(err).Render(w)

			return
		}

		_ = response.EmptySyncResponse.Render(w)

	case http.MethodDelete:
		err := s.client.DeleteNode(r.Context(), id)
		if err != nil {
			_ = response.SmartError(err).Render(w)

			return
		}

		_ = response.EmptySyncResponse.Render(w)

	default:
		_ = response.NotImplemented(nil).Render(w)
	}
}

// apiISCSINodeLogin connects to a node. A refused login is a 422 with the reason in "code".
func (s *Server) apiISCSINodeLogin(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	id, err := nodeID(r)
	if err != nil {
		_ = response.BadRequest(err).Render(w)

		return
	}

	req := api.ISCSINodeLoginPost{}

	err = decodeBody(r, &req)
	if err != nil {
		_ = response.BadRequest(err).Render(w)

		return
	}

	result, err := s.client.Login(r.Context(), id, req.ISCSIAuth, req.Startup)
	if err != nil {
		_ = response.SmartError(err).Render(w)

		return
	}

	if result != api.ISCSILoginSuccess {
		slog.WarnContext(r.Context(), "iSCSI login refused", "node", id, "result", result)

		_ = response.SyncResponseCode(http.StatusUnprocessableEntity, api.ISCSILoginError{Code: result}).Render(w)

		return
	}

	_ = response.EmptySyncResponse.Render(w)
}

// apiISCSINodeLogout disconnects from a node. A refused logout is a bare 422.
func (s *Server) apiISCSINodeLogout(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	id, err := nodeID(r)
	if err != nil {
		_ = response.BadRequest(err).Render(w)

		return
	}

	ok, err := s.client.Logout(r.Context(), id)
	if err != nil {
		_ = response.SmartError(err).Render(w)

		return
	}

	if !ok {
		slog.WarnContext(r.Context(), "iSCSI logout refused", "node", id)

		_ = response.SyncResponseCode(http.StatusUnprocessableEntity, nil).Render(w)

		return
	}

	_ = response.EmptySyncResponse.Render(w)
}

// nodeID parses the node id from the request path.
func nodeID(r *http.Request) (uint32, error) {
	value := r.PathValue("id")

	id, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q", value)
	}

	return uint32(id), nil
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("missing request body")
	}

	err := json.NewDecoder(r.Body).Decode(target)
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}

	return nil
}
