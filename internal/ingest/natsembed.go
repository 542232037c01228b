package ingest

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

const (
	// DefaultEmbedPort is the TCP port the embedded broker listens on.
	DefaultEmbedPort = 4222

	// embedMaxMem is the JetStream memory limit (256 MiB).
	embedMaxMem = 256 << 20

	// embedMaxStore is the JetStream file storage limit (1 GiB).
	embedMaxStore = 1 << 30
)

// EmbedOptions configure the embedded broker.
type EmbedOptions struct {
	Port     int    // TCP port, DefaultEmbedPort when zero
	StoreDir string // JetStream file storage directory
}

// EmbeddedServer runs a NATS broker with JetStream inside the daemon
// process, for single-binary deployments where no external broker is
// available. Feeders and extra daemon instances connect over TCP.
type EmbeddedServer struct {
	server *server.Server
	port   int
}

// StartEmbedded creates and starts the broker, blocking until it
// accepts connections.
func StartEmbedded(opts EmbedOptions) (*EmbeddedServer, error) {
	if opts.Port == 0 {
		opts.Port = DefaultEmbedPort
	}
	if err := os.MkdirAll(opts.StoreDir, 0700); err != nil {
		return nil, fmt.Errorf("create broker store dir: %w", err)
	}

	ns, err := server.NewServer(&server.Options{
		ServerName:         "recond-broker",
		Host:               "0.0.0.0",
		Port:               opts.Port,
		JetStream:          true,
		JetStreamMaxMemory: embedMaxMem,
		JetStreamMaxStore:  embedMaxStore,
		StoreDir:           opts.StoreDir,
		NoLog:              true,
		NoSigs:             true,
	})
	if err != nil {
		return nil, fmt.Errorf("create broker: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("broker failed to become ready within 10 seconds")
	}

	return &EmbeddedServer{server: ns, port: opts.Port}, nil
}

// ClientURL is the URL local clients should dial.
func (e *EmbeddedServer) ClientURL() string {
	return fmt.Sprintf("nats://127.0.0.1:%d", e.port)
}

// Shutdown stops the broker and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	e.server.Shutdown()
	e.server.WaitForShutdown()
}
