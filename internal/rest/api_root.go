package rest

import (
	"net/http"

	"github.com/lxc/incus-os/iscsi-bridge/internal/rest/response"
)

func (*Server) apiRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path != "/" {
		_ = response.NotFound(nil).Render(w)

		return
	}

	_ = response.SyncResponse([]string{"/1.0"}).Render(w)
}

func (s *Server) apiRoot10(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	objects := s.client.Objects()

	resp := map[string]any{
		"environment": map[string]any{
			"service":     objects.Service,
			"object_path": objects.Root,
		},
		"endpoints": []string{
			"/1.0/iscsi/discover",
			"/1.0/iscsi/events",
			"/1.0/iscsi/initiator",
			"/1.0/iscsi/nodes",
		},
	}

	_ = response.SyncResponse(resp).Render(w)
}
