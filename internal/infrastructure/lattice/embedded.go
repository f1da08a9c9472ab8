package lattice

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer is an in-process broker for single-host lattices and tests.
type EmbeddedServer struct {
	srv *server.Server
}

// StartEmbedded starts an in-process NATS server. Port -1 picks a free port.
func StartEmbedded(host string, port int) (*EmbeddedServer, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	opts := &server.Options{
		ServerName: "latticed-embedded",
		Host:       host,
		Port:       port,
		NoLog:      true,
		NoSigs:     true,
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded broker: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded broker did not become ready")
	}
	return &EmbeddedServer{srv: srv}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.srv.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
