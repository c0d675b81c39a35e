// Package natsserver runs an in-process NATS server so a single binary can host the room bus.
package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/loqa-room/internal/config"
)

const readyTimeout = 5 * time.Second

type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start runs a core NATS server on 127.0.0.1 guarded by the bus credentials from cfg.
// Port -1 picks a free port. It returns nil when cfg does not ask for an embedded server.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	opts, err := serverOptions(cfg)
	if err != nil {
		return nil, err
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready within %s", readyTimeout)
	}

	log = log.With(slog.String("component", "natsserver"))
	log.Info("embedded NATS server started", slog.String("url", ns.ClientURL()))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

func serverOptions(cfg config.BusConfig) (*server.Options, error) {
	opts := &server.Options{
		ServerName: "loqa-room",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
		NoLog:      true,
	}
	switch {
	case cfg.Token != "" && (cfg.Username != "" || cfg.Password != ""):
		return nil, errors.New("embedded bus accepts either a token or a username and password")
	case cfg.Token != "":
		opts.Authorization = cfg.Token
	case cfg.Username != "":
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}
	return opts, nil
}

func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for client connections to close. Safe on a nil server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
