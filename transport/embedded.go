package transport

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// Embedded is an in-process NATS server for local runs and tests.
type Embedded struct {
	server   *server.Server
	storeDir string
}

// StartEmbedded starts a NATS server on a random loopback port.
// JetStream is enabled with a temporary store directory when jetStream is true.
func StartEmbedded(jetStream bool) (*Embedded, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: jetStream,
		NoLog:     true,
		NoSigs:    true,
	}

	e := &Embedded{}
	if jetStream {
		dir, err := os.MkdirTemp("", "houseagent-nats-*")
		if err != nil {
			return nil, fmt.Errorf("create JetStream store dir: %w", err)
		}
		opts.StoreDir = dir
		e.storeDir = dir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		e.cleanup()
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		e.cleanup()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}

	e.server = ns
	return e, nil
}

// ClientURL returns the URL clients should dial.
func (e *Embedded) ClientURL() string {
	return e.server.ClientURL()
}

// Shutdown stops the server and removes its store.
func (e *Embedded) Shutdown() {
	if e.server != nil {
		e.server.Shutdown()
		e.server.WaitForShutdown()
	}
	e.cleanup()
}

func (e *Embedded) cleanup() {
	if e.storeDir != "" {
		_ = os.RemoveAll(e.storeDir)
	}
}
