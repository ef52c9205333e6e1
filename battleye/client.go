package battleye

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/dantte-lp/gorcon/rcon"
)

// -------------------------------------------------------------------------
// Engine Constants
// -------------------------------------------------------------------------

const (
	// heartbeatInterval is how often an empty command is sent while
	// authenticated. The server drops sessions silent for 45 seconds, so
	// the heartbeat runs at exactly that bound.
	heartbeatInterval = 45 * time.Second

	// readBufSize is the size of the datagram read buffer. BattlEye
	// responses fit well under this; oversized datagrams are truncated
	// by the socket and then fail the checksum.
	readBufSize = 4096
)

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// Option configures optional Client parameters.
type Option func(*Client)

// WithLogger attaches a logger to the client. If l is nil, slog.Default
// is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics attaches a MetricsReporter to the client. If mr is nil,
// the default no-op reporter is used.
func WithMetrics(mr rcon.MetricsReporter) Option {
	return func(c *Client) {
		if mr != nil {
			c.metrics = mr
		}
	}
}

// -------------------------------------------------------------------------
// In-flight request bookkeeping
// -------------------------------------------------------------------------

// commandResult carries the outcome of an in-flight command to its waiter.
type commandResult struct {
	body string
	err  error
}

// pendingCommand is one in-flight Execute, keyed by its sequence number.
// At most one live entry exists per sequence value; released is closed
// when the entry leaves the table so a wrapped-around Execute can wait
// for its slot.
type pendingCommand struct {
	seq      byte
	done     chan commandResult
	timer    *time.Timer
	released chan struct{}
}

// -------------------------------------------------------------------------
// Client — BattlEye RCON protocol engine
// -------------------------------------------------------------------------

// Client is a BattlEye RCON client.
//
// Commands correlate through the 8-bit sequence number that wraps at
// 256. Concurrent Execute calls are allowed; a caller that wraps onto a
// still-outstanding sequence waits for the slot and observes the command
// timeout as backpressure rather than an explicit rejection.
//
// The command timeout equals the connect timeout in this protocol.
//
// Server-pushed messages are acknowledged unconditionally and
// idempotently, then delivered through OnServerMessage listeners.
type Client struct {
	cfg     rcon.Config
	logger  *slog.Logger
	metrics rcon.MetricsReporter
	machine *rcon.Machine

	mu            sync.Mutex
	conn          net.Conn
	nextSeq       byte
	pending       map[byte]*pendingCommand
	loginWait     chan error
	heartbeatStop chan struct{}
	msgHandlers   []func(string)
}

var _ rcon.Client = (*Client)(nil)

// New returns a BattlEye client for the given configuration. Zero Config
// fields take their BattlEye defaults (port 2305, 5 s connect timeout).
func New(cfg rcon.Config, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg.Normalized(rcon.DefaultBattlEyePort),
		logger:  slog.Default(),
		metrics: rcon.NopMetrics(),
		machine: rcon.NewMachine(),
		pending: make(map[byte]*pendingCommand),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.machine.OnStateChange(func(newState, oldState rcon.State) {
		c.metrics.StateTransition(oldState, newState)
	})
	return c
}

// Machine exposes the session state machine for event subscription.
func (c *Client) Machine() *rcon.Machine {
	return c.machine
}

// State returns the current connection state.
func (c *Client) State() rcon.State {
	return c.machine.State()
}

// IsAuthenticated reports whether the client accepts Execute.
func (c *Client) IsAuthenticated() bool {
	return c.machine.State() == rcon.StateAuthenticated
}

// OnServerMessage registers a listener for server-pushed messages.
// Listeners run on the receive goroutine and must not call back into
// the client.
func (c *Client) OnServerMessage(fn func(message string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgHandlers = append(c.msgHandlers, fn)
}

// -------------------------------------------------------------------------
// Connect
// -------------------------------------------------------------------------

// Connect opens the UDP socket and runs the login handshake. On return
// the state is StateAuthenticated (nil error) or StateDisconnected
// (non-nil error); a rejected login is never retried since repeated
// attempts risk server-imposed IP bans. Success starts the keep-alive
// heartbeat.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if st := c.machine.State(); st != rcon.StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("connect in state %s: %w", st, rcon.ErrConnectionFailed)
	}
	c.machine.Transition(rcon.StateConnecting)
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "udp", c.cfg.Addr())
	if err != nil {
		werr := fmt.Errorf("dial: %v: %w", err, rcon.ErrConnectionFailed)
		c.mu.Lock()
		c.teardownLocked(werr)
		c.mu.Unlock()
		return werr
	}

	c.mu.Lock()
	c.conn = conn
	c.machine.Transition(rcon.StateConnected)
	c.machine.Transition(rcon.StateAuthenticating)
	wait := make(chan error, 1)
	c.loginWait = wait
	c.mu.Unlock()

	go c.readLoop(conn)

	if _, err := conn.Write(Build(LoginPayload(c.cfg.Password))); err != nil {
		werr := fmt.Errorf("send login packet: %v: %w", err, rcon.ErrConnectionFailed)
		c.fail(werr)
		return werr
	}
	c.metrics.PacketSent()

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case err := <-wait:
		if err != nil {
			c.fail(err)
			return err
		}
		return nil
	case <-timer.C:
		werr := fmt.Errorf("login: %w", rcon.ErrTimeout)
		c.fail(werr)
		return werr
	case <-ctx.Done():
		werr := fmt.Errorf("connect: %w", ctx.Err())
		c.fail(werr)
		return werr
	}
}

// -------------------------------------------------------------------------
// Execute
// -------------------------------------------------------------------------

// Execute sends a command and returns its response. The reply correlates
// through the allocated sequence number; the timer enforces the connect
// timeout, which doubles as the command timeout in this protocol.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	if st := c.machine.State(); st != rcon.StateAuthenticated {
		c.mu.Unlock()
		return "", fmt.Errorf("execute in state %s: %w", st, rcon.ErrNotAuthenticated)
	}
	seq := c.allocateSeqLocked()

	// A wrapped sequence whose previous entry is still outstanding must
	// not be reissued. Wait for the slot; the caller observes the
	// timeout as backpressure.
	deadline := time.NewTimer(c.cfg.ConnectTimeout)
	defer deadline.Stop()
	for {
		prev, ok := c.pending[seq]
		if !ok {
			break
		}
		released := prev.released
		c.mu.Unlock()

		select {
		case <-released:
		case <-deadline.C:
			return "", rcon.WrapCommand(fmt.Errorf("sequence %d still in flight: %w",
				seq, rcon.ErrTimeout))
		case <-ctx.Done():
			return "", rcon.WrapCommand(ctx.Err())
		}

		c.mu.Lock()
		if st := c.machine.State(); st != rcon.StateAuthenticated {
			c.mu.Unlock()
			return "", fmt.Errorf("execute in state %s: %w", st, rcon.ErrNotAuthenticated)
		}
	}

	entry := &pendingCommand{
		seq:      seq,
		done:     make(chan commandResult, 1),
		released: make(chan struct{}),
	}
	c.pending[seq] = entry
	entry.timer = time.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.expire(entry)
	})
	conn := c.conn
	c.mu.Unlock()

	if _, err := conn.Write(Build(CommandPayload(seq, command))); err != nil {
		c.mu.Lock()
		c.removeLocked(entry)
		c.mu.Unlock()
		return "", rcon.WrapCommand(fmt.Errorf("send command: %v: %w", err, rcon.ErrSocketError))
	}
	c.metrics.PacketSent()

	select {
	case res := <-entry.done:
		if res.err != nil {
			return "", rcon.WrapCommand(res.err)
		}
		return res.body, nil
	case <-ctx.Done():
		c.mu.Lock()
		c.removeLocked(entry)
		c.mu.Unlock()
		return "", rcon.WrapCommand(ctx.Err())
	}
}

// expire is the command timer callback for one in-flight entry.
func (c *Client) expire(entry *pendingCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[entry.seq] != entry {
		return // already resolved or failed
	}
	c.removeLocked(entry)
	entry.done <- commandResult{err: fmt.Errorf("command response: %w", rcon.ErrTimeout)}
}

// removeLocked drops an entry from the correlation table, stops its
// timer, and releases its sequence slot. A second removal of the same
// entry (a resolved command racing its caller's context cancellation)
// is a no-op. Caller must hold c.mu.
func (c *Client) removeLocked(entry *pendingCommand) {
	if c.pending[entry.seq] != entry {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(c.pending, entry.seq)
	close(entry.released)
}

// allocateSeqLocked returns the next sequence number. The byte counter
// wraps 255 -> 0 naturally. Caller must hold c.mu.
func (c *Client) allocateSeqLocked() byte {
	seq := c.nextSeq
	c.nextSeq++
	return seq
}

// PendingRequests returns the number of in-flight commands. Empty after
// Disconnect.
func (c *Client) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// -------------------------------------------------------------------------
// Heartbeat
// -------------------------------------------------------------------------

// heartbeatLoop keeps the authenticated session alive on the server by
// sending an empty command every 45 seconds.
//
// Heartbeats are fire-and-forget: they never register an in-flight
// entry. Correlating them would leak entries indefinitely, because the
// empty replies are common and may be dropped; any reply that does
// arrive falls out of dispatch as uncorrelated. Send errors are logged
// and never propagated as faults.
func (c *Client) heartbeatLoop(conn net.Conn, stop <-chan struct{}) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			if c.machine.State() != rcon.StateAuthenticated {
				c.mu.Unlock()
				return
			}
			seq := c.allocateSeqLocked()
			c.mu.Unlock()

			if _, err := conn.Write(Build(CommandPayload(seq, ""))); err != nil {
				c.logger.Warn("heartbeat send failed", "error", err)
				continue
			}
			c.metrics.PacketSent()
		}
	}
}

// -------------------------------------------------------------------------
// Receive path
// -------------------------------------------------------------------------

// readLoop reads datagrams and dispatches their payloads until the
// socket dies. Unparseable datagrams are dropped silently: UDP peers
// sharing the port may deliver unrelated traffic.
func (c *Client) readLoop(conn net.Conn) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			c.handleReadError(err)
			return
		}

		payload, perr := Parse(buf[:n])
		if perr != nil {
			c.metrics.PacketDropped()
			if c.cfg.Debug {
				c.logger.Debug("drop datagram", "error", perr, "len", n)
			}
			continue
		}

		c.mu.Lock()
		c.dispatchLocked(payload)
		c.mu.Unlock()
	}
}

// dispatchLocked routes one validated payload. Caller must hold c.mu.
func (c *Client) dispatchLocked(payload []byte) {
	c.metrics.PacketReceived()
	if c.cfg.Debug {
		c.logger.Debug("recv payload", "type", payload[0], "len", len(payload))
	}

	switch payload[0] {
	case PayloadTypeLogin:
		c.handleLoginLocked(payload)
	case PayloadTypeCommand:
		c.handleCommandLocked(payload)
	case PayloadTypeMessage:
		c.handleMessageLocked(payload)
	default:
		c.metrics.PacketDropped()
	}
}

// handleLoginLocked processes the server's login verdict {0x00, result}.
func (c *Client) handleLoginLocked(payload []byte) {
	if c.loginWait == nil || len(payload) < 2 {
		c.metrics.PacketDropped()
		return
	}

	if payload[1] != LoginSuccess {
		c.loginWait <- fmt.Errorf("login result %#02x: %w", payload[1], rcon.ErrAuthFailed)
		c.loginWait = nil
		return
	}

	c.machine.Transition(rcon.StateAuthenticated)
	c.machine.EmitAuthenticated()
	c.heartbeatStop = make(chan struct{})
	go c.heartbeatLoop(c.conn, c.heartbeatStop)
	c.loginWait <- nil
	c.loginWait = nil
}

// handleCommandLocked resolves the in-flight entry matching
// {0x01, seq, response}. Uncorrelated responses — typically heartbeat
// echoes — are dropped.
func (c *Client) handleCommandLocked(payload []byte) {
	if len(payload) < 2 {
		c.metrics.PacketDropped()
		return
	}
	seq := payload[1]

	entry, ok := c.pending[seq]
	if !ok {
		c.metrics.PacketDropped()
		if c.cfg.Debug {
			c.logger.Debug("drop uncorrelated command response", "seq", seq)
		}
		return
	}

	c.removeLocked(entry)
	entry.done <- commandResult{body: string(payload[2:])}
}

// handleMessageLocked acknowledges a server message {0x02, seq, text}
// and delivers the text to subscribers. The ack is unconditional and
// idempotent: a repeated seq (the server missed our ack) is acked again.
func (c *Client) handleMessageLocked(payload []byte) {
	if len(payload) < 2 {
		c.metrics.PacketDropped()
		return
	}
	seq := payload[1]

	if c.conn != nil {
		if _, err := c.conn.Write(Build(AckPayload(seq))); err != nil {
			c.logger.Warn("server message ack failed", "seq", seq, "error", err)
		} else {
			c.metrics.PacketSent()
		}
	}

	message := string(payload[2:])
	for _, fn := range slices.Clone(c.msgHandlers) {
		fn(message)
	}
}

// handleReadError fails the session after a socket read error.
func (c *Client) handleReadError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.State() == rcon.StateDisconnected {
		return // expected: Disconnect already tore the session down
	}

	werr := fmt.Errorf("read socket: %v: %w", err, rcon.ErrSocketError)
	if errors.Is(err, net.ErrClosed) {
		werr = fmt.Errorf("connection closed: %w", rcon.ErrConnectionFailed)
	}

	if c.loginWait != nil {
		c.loginWait <- werr
		c.loginWait = nil
		// Connect owns the teardown for handshake failures.
		return
	}

	c.machine.EmitError(werr)
	c.teardownLocked(werr)
}

// -------------------------------------------------------------------------
// Disconnect / teardown
// -------------------------------------------------------------------------

// Disconnect tears the session down: the heartbeat stops, every
// in-flight command fails with a connection-closed error, the socket is
// destroyed, and the state becomes StateDisconnected. Safe to call in
// any state.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked(nil)
}

// fail tears the session down after an error.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked(cause)
}

// teardownLocked is the single teardown path. With a non-nil cause the
// machine passes through StateError first; either way the heartbeat is
// stopped and every in-flight entry failed before the state becomes
// StateDisconnected. Caller must hold c.mu.
func (c *Client) teardownLocked(cause error) {
	if c.machine.State() == rcon.StateDisconnected {
		return
	}

	if cause != nil {
		c.machine.Transition(rcon.StateError)
	}

	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}

	closedErr := fmt.Errorf("connection closed: %w", rcon.ErrConnectionFailed)
	for _, entry := range c.pending {
		c.removeLocked(entry)
		entry.done <- commandResult{err: closedErr}
	}
	if c.loginWait != nil {
		c.loginWait <- closedErr
		c.loginWait = nil
	}

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	c.machine.Transition(rcon.StateDisconnected)
	c.machine.EmitDisconnected()
	c.machine.EmitClose(cause != nil)
}
