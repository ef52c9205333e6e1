package rcon

import "context"

// Client is the uniform contract implemented by both protocol engines
// (source.Client and battleye.Client).
//
// Connect, Execute, and Disconnect suspend until completion, failure, or
// timeout; no other operation blocks. A client is not safe to share
// across goroutines without external synchronisation of the Execute
// ordering the caller needs — the engines correlate each reply to its own
// waiter, but do not queue concurrent Source commands.
type Client interface {
	// Connect dials the server and runs the authentication handshake.
	// On success the state is StateAuthenticated. It is rejected unless
	// the state is StateDisconnected.
	Connect(ctx context.Context) error

	// Execute runs an administrative command and returns the server's
	// response, possibly empty. It is rejected with ErrNotAuthenticated
	// unless the state is StateAuthenticated.
	Execute(ctx context.Context, command string) (string, error)

	// Disconnect tears the session down: every in-flight command fails
	// with a connection-closed error, the socket is destroyed, and the
	// state becomes StateDisconnected. It never fails and is idempotent.
	Disconnect()

	// State returns the current connection state.
	State() State

	// IsAuthenticated reports whether the state is StateAuthenticated.
	IsAuthenticated() bool
}

// MetricsReporter receives client activity for metric export. The
// engines often call it while holding their internal lock;
// implementations must be fast and must not call back into the client.
//
// internal/metrics provides a Prometheus-backed implementation; the
// default is a no-op.
type MetricsReporter interface {
	// PacketSent records one outbound protocol packet.
	PacketSent()

	// PacketReceived records one inbound protocol packet.
	PacketReceived()

	// PacketDropped records one inbound packet discarded by validation
	// or correlation.
	PacketDropped()

	// StateTransition records a connection state change.
	StateTransition(from, to State)
}

// NopMetrics returns a MetricsReporter that discards everything.
func NopMetrics() MetricsReporter {
	return nopMetrics{}
}

type nopMetrics struct{}

func (nopMetrics) PacketSent()                {}
func (nopMetrics) PacketReceived()            {}
func (nopMetrics) PacketDropped()             {}
func (nopMetrics) StateTransition(_, _ State) {}
