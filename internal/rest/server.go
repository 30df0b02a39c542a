package rest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/lxc/incus-os/iscsi-bridge/internal/events"
	"github.com/lxc/incus-os/iscsi-bridge/internal/iscsi"
)

// Server holds the internal state of the REST API server.
type Server struct {
	socketPath    string
	listenAddress string

	client  *iscsi.Client
	watcher events.Bus
}

// NewServer returns a REST API server object.
//
// The server always listens on socketPath and additionally on listenAddress when set.
func NewServer(_ context.Context, client *iscsi.Client, watcher events.Bus, socketPath string, listenAddress string) (*Server, error) {
	// Define the struct.
	server := Server{
		socketPath:    socketPath,
		listenAddress: listenAddress,
		client:        client,
		watcher:       watcher,
	}

	// Create runtime path if missing.
	err := os.MkdirAll(filepath.Dir(socketPath), 0o700)
	if err != nil {
		return nil, err
	}

	return &server, nil
}

// Handler returns the HTTP router of the API.
func (s *Server) Handler() http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("/", s.apiRoot)
	router.HandleFunc("/1.0", s.apiRoot10)
	router.Handle("/1.0/iscsi/", http.StripPrefix("/1.0/iscsi", s.iscsiHandler()))

	return router
}

func (s *Server) iscsiHandler() http.Handler {
	router := http.NewServeMux()

	router.HandleFunc("/discover", s.apiISCSIDiscover)
	router.HandleFunc("/events", s.apiISCSIEvents)
	router.HandleFunc("/initiator", s.apiISCSIInitiator)
	router.HandleFunc("/nodes", s.apiISCSINodes)
	router.HandleFunc("/nodes/{id}", s.apiISCSINode)
	router.HandleFunc("/nodes/{id}/login", s.apiISCSINodeLogin)
	router.HandleFunc("/nodes/{id}/logout", s.apiISCSINodeLogout)

	return router
}

// Serve starts the REST API server and blocks until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	// Setup listeners.
	_ = os.Remove(s.socketPath)
	lc := &net.ListenConfig{}

	listeners := []net.Listener{}

	listener, err := lc.Listen(ctx, "unix", s.socketPath)
	if err != nil {
		return err
	}

	listeners = append(listeners, listener)

	if s.listenAddress != "" {
		listener, err := lc.Listen(ctx, "tcp", s.listenAddress)
		if err != nil {
			_ = listeners[0].Close()

			return err
		}

		listeners = append(listeners, listener)
	}

	// Setup server.
	server := &http.Server{
		Handler: s.Handler(),

		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0,

		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, len(listeners))

	for _, listener := range listeners {
		slog.InfoContext(ctx, "Listening for API requests", "address", listener.Addr().String())

		go func() {
			errCh <- server.Serve(listener)
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = server.Close()

			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = server.Shutdown(shutdownCtx)
	if err != nil {
		return err
	}

	_ = os.Remove(s.socketPath)

	return nil
}
