package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// NATSSink publishes each event on
// {prefix}.runs.{run_id}.{stage}.{phase}, so subscribers can follow one run
// with {prefix}.runs.{run_id}.> or every failure with {prefix}.runs.*.*.error.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink wraps an established connection.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	return &NATSSink{nc: nc, prefix: prefix}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(_ context.Context, ev TraceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal trace event: %w", err)
	}
	return s.nc.Publish(Subject(s.prefix, ev), data)
}

// Subject returns the NATS subject an event is published on.
func Subject(prefix string, ev TraceEvent) string {
	return fmt.Sprintf("%s.runs.%s.%s.%s", prefix, ev.RunID, subjectToken(ev.Stage), ev.Phase)
}

// subjectToken lowercases and strips characters NATS treats as separators
// or wildcards.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, strings.ToLower(s))
}

// EmbeddedServer runs an in-process NATS server for single-node setups.
type EmbeddedServer struct {
	srv *natsserver.Server
}

// StartEmbeddedServer starts a NATS server bound to 127.0.0.1:port. Pass
// port -1 for a random port.
func StartEmbeddedServer(port int) (*EmbeddedServer, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:           "127.0.0.1",
		Port:           port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}

	go srv.Start()

	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready")
	}
	return &EmbeddedServer{srv: srv}, nil
}

// ClientURL returns the URL clients connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.srv.ClientURL()
}

func (e *EmbeddedServer) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
