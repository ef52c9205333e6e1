package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dantte-lp/gorcon/rcon"
)

// -------------------------------------------------------------------------
// Engine Constants
// -------------------------------------------------------------------------

const (
	// requestIDWrap is the exclusive upper bound of the request id
	// counter. The counter wraps back to 1, never reaching 0 (ambiguous
	// with an empty id) or -1 (the auth failure flag).
	requestIDWrap = 1_000_000

	// readBufSize is the size of the per-connection read buffer.
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

// pendingCommand is one in-flight Execute. The engine exclusively owns
// entries; once resolved or failed, no reference survives outside the
// waiter's one-shot channel.
type pendingCommand struct {
	commandID    int32
	terminatorID int32

	// fragments collects response bodies in arrival order until the
	// terminator echo arrives.
	fragments [][]byte

	// done is the one-shot completion channel (buffered, capacity 1).
	done chan commandResult

	// timer enforces the io timeout; stopped on completion.
	timer *time.Timer
}

// -------------------------------------------------------------------------
// Client — Source RCON protocol engine
// -------------------------------------------------------------------------

// Client is a Source RCON client.
//
// The engine funnels every observable effect — send, receive dispatch,
// timer fire, state transition — through one mutex covering the state,
// the correlation table, and the frame buffer, mirroring the protocol's
// single-threaded model.
//
// Multi-fragment responses are assembled with the terminator convention:
// each Execute sends the command followed by an empty RESPONSE_VALUE
// request. The server processes requests in order, so once the terminator
// echo arrives no fragment of the command's reply can still be
// outstanding.
//
// Exactly one authentication exchange is ever in flight: Connect is
// rejected outside StateDisconnected, and the engine keeps a single auth
// waiter. Any packet with id -1 during the handshake fails that waiter.
type Client struct {
	cfg     rcon.Config
	logger  *slog.Logger
	metrics rcon.MetricsReporter
	machine *rcon.Machine

	mu           sync.Mutex
	conn         net.Conn
	framer       *Framer
	nextID       int32
	authID       int32
	authWait     chan error
	pending      map[int32]*pendingCommand
	byTerminator map[int32]*pendingCommand
}

var _ rcon.Client = (*Client)(nil)

// New returns a Source client for the given configuration. Zero Config
// fields take their Source defaults (port 25575, 5 s timers, IPv4-only
// dialing).
func New(cfg rcon.Config, opts ...Option) *Client {
	c := &Client{
		cfg:          cfg.Normalized(rcon.DefaultSourcePort),
		logger:       slog.Default(),
		metrics:      rcon.NopMetrics(),
		machine:      rcon.NewMachine(),
		pending:      make(map[int32]*pendingCommand),
		byTerminator: make(map[int32]*pendingCommand),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.framer = NewFramer(c.logger)
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

// -------------------------------------------------------------------------
// Connect
// -------------------------------------------------------------------------

// Connect dials host:port over TCP and runs the authentication
// handshake. On return the state is StateAuthenticated (nil error) or
// StateDisconnected (non-nil error); a failed handshake is never retried
// since repeated attempts risk server-imposed IP bans.
//
// The dial forces the IPv4 family unless Config.AllowIPv6 is set.
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

	network := "tcp4"
	if c.cfg.AllowIPv6 {
		network = "tcp"
	}
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, network, c.cfg.Addr())
	if err != nil {
		werr := classifyDialError(err)
		c.mu.Lock()
		c.teardownLocked(werr)
		c.mu.Unlock()
		return werr
	}

	c.mu.Lock()
	c.conn = conn
	c.framer.Reset()
	c.machine.Transition(rcon.StateConnected)
	c.machine.Transition(rcon.StateAuthenticating)
	c.authID = c.allocateIDLocked()
	wait := make(chan error, 1)
	c.authWait = wait
	authPkt, err := Encode(Packet{
		ID:   c.authID,
		Type: PacketTypeAuth,
		Body: []byte(c.cfg.Password),
	})
	if err != nil {
		c.teardownLocked(err)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	go c.readLoop(conn)

	if _, err := conn.Write(authPkt); err != nil {
		werr := fmt.Errorf("send auth packet: %v: %w", err, rcon.ErrConnectionFailed)
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
		werr := fmt.Errorf("authentication: %w", rcon.ErrTimeout)
		c.fail(werr)
		return werr
	case <-ctx.Done():
		werr := fmt.Errorf("connect: %w", ctx.Err())
		c.fail(werr)
		return werr
	}
}

// classifyDialError maps a dial failure onto the error taxonomy.
func classifyDialError(err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("dial: %w", rcon.ErrTimeout)
	}
	return fmt.Errorf("dial: %v: %w", err, rcon.ErrConnectionFailed)
}

// -------------------------------------------------------------------------
// Execute
// -------------------------------------------------------------------------

// Execute sends a command and returns its complete response.
//
// Two packets go out back to back: the command itself and an empty
// RESPONSE_VALUE terminator. Fragments arriving with the command id
// accumulate until the terminator id is echoed back, at which point the
// concatenation resolves the call. The per-command timer enforces
// Config.IOTimeout.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	if st := c.machine.State(); st != rcon.StateAuthenticated {
		c.mu.Unlock()
		return "", fmt.Errorf("execute in state %s: %w", st, rcon.ErrNotAuthenticated)
	}

	entry := &pendingCommand{
		commandID:    c.allocateIDLocked(),
		terminatorID: c.allocateIDLocked(),
		done:         make(chan commandResult, 1),
	}

	cmdPkt, err := Encode(Packet{
		ID:   entry.commandID,
		Type: PacketTypeCommand,
		Body: []byte(command),
	})
	if err != nil {
		c.mu.Unlock()
		return "", rcon.WrapCommand(err)
	}
	termPkt, _ := Encode(Packet{
		ID:   entry.terminatorID,
		Type: PacketTypeResponse,
	})

	c.pending[entry.commandID] = entry
	c.byTerminator[entry.terminatorID] = entry
	entry.timer = time.AfterFunc(c.cfg.IOTimeout, func() {
		c.expire(entry)
	})
	conn := c.conn
	c.mu.Unlock()

	if _, err := conn.Write(append(cmdPkt, termPkt...)); err != nil {
		c.mu.Lock()
		c.removeLocked(entry)
		c.mu.Unlock()
		return "", rcon.WrapCommand(fmt.Errorf("send command: %v: %w", err, rcon.ErrSocketError))
	}
	c.metrics.PacketSent()
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

// expire is the io timer callback for one in-flight command.
func (c *Client) expire(entry *pendingCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[entry.commandID] != entry {
		return // already resolved or failed
	}
	c.removeLocked(entry)
	entry.done <- commandResult{err: fmt.Errorf("command response: %w", rcon.ErrTimeout)}
}

// removeLocked drops an entry from both correlation indexes and stops
// its timer. Caller must hold c.mu.
func (c *Client) removeLocked(entry *pendingCommand) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(c.pending, entry.commandID)
	delete(c.byTerminator, entry.terminatorID)
}

// allocateIDLocked returns the next request id. Caller must hold c.mu.
func (c *Client) allocateIDLocked() int32 {
	c.nextID++
	if c.nextID >= requestIDWrap {
		c.nextID = 1
	}
	return c.nextID
}

// PendingRequests returns the number of in-flight commands. Empty after
// Disconnect.
func (c *Client) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// -------------------------------------------------------------------------
// Receive path
// -------------------------------------------------------------------------

// readLoop reads the TCP stream, frames it, and dispatches packets until
// the connection dies.
func (c *Client) readLoop(conn net.Conn) {
	buf := make([]byte, readBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			for _, pkt := range c.framer.Push(buf[:n]) {
				c.dispatchLocked(pkt)
			}
			c.mu.Unlock()
		}
		if err != nil {
			c.handleReadError(err)
			return
		}
	}
}

// dispatchLocked routes one framed packet. Caller must hold c.mu.
func (c *Client) dispatchLocked(pkt Packet) {
	c.metrics.PacketReceived()
	if c.cfg.Debug {
		c.logger.Debug("recv packet",
			"id", pkt.ID,
			"type", pkt.Type,
			"body_len", len(pkt.Body))
	}

	// Authentication verdict. The id field is authoritative: -1 on any
	// packet during the handshake means rejection; the auth id with the
	// verdict type means success. The empty RESPONSE_VALUE some servers
	// send first falls through and is ignored.
	if c.authWait != nil {
		switch {
		case pkt.ID == -1:
			c.authWait <- fmt.Errorf("auth response id -1: %w", rcon.ErrAuthFailed)
			c.authWait = nil
		case pkt.ID == c.authID && pkt.Type == PacketTypeAuthResponse:
			c.machine.Transition(rcon.StateAuthenticated)
			c.machine.EmitAuthenticated()
			c.authWait <- nil
			c.authWait = nil
		}
		return
	}

	if entry, ok := c.pending[pkt.ID]; ok {
		entry.fragments = append(entry.fragments, pkt.Body)
		return
	}
	if entry, ok := c.byTerminator[pkt.ID]; ok {
		c.removeLocked(entry)
		entry.done <- commandResult{body: string(joinFragments(entry.fragments))}
		return
	}

	// Response to a request that already timed out, or unsolicited.
	c.metrics.PacketDropped()
	if c.cfg.Debug {
		c.logger.Debug("drop uncorrelated packet", "id", pkt.ID, "type", pkt.Type)
	}
}

// joinFragments concatenates response fragments byte-wise in arrival order.
func joinFragments(fragments [][]byte) []byte {
	var total int
	for _, f := range fragments {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range fragments {
		out = append(out, f...)
	}
	return out
}

// handleReadError fails the session after a stream read error.
func (c *Client) handleReadError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.State() == rcon.StateDisconnected {
		return // expected: Disconnect already tore the session down
	}

	werr := fmt.Errorf("read stream: %v: %w", err, rcon.ErrSocketError)
	if errors.Is(err, net.ErrClosed) {
		werr = fmt.Errorf("connection closed: %w", rcon.ErrConnectionFailed)
	}

	if c.authWait != nil {
		c.authWait <- werr
		c.authWait = nil
		// Connect owns the teardown for handshake failures.
		return
	}

	c.machine.EmitError(werr)
	c.teardownLocked(werr)
}

// -------------------------------------------------------------------------
// Disconnect / teardown
// -------------------------------------------------------------------------

// Disconnect tears the session down. Every in-flight command fails with
// a connection-closed error, the stream is destroyed, and the state
// becomes StateDisconnected. Safe to call in any state.
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
// machine passes through StateError first; either way every in-flight
// entry is failed and the correlation table emptied before the state
// becomes StateDisconnected. Caller must hold c.mu.
func (c *Client) teardownLocked(cause error) {
	if c.machine.State() == rcon.StateDisconnected {
		return
	}

	if cause != nil {
		c.machine.Transition(rcon.StateError)
	}

	closedErr := fmt.Errorf("connection closed: %w", rcon.ErrConnectionFailed)
	for _, entry := range c.pending {
		c.removeLocked(entry)
		entry.done <- commandResult{err: closedErr}
	}
	if c.authWait != nil {
		c.authWait <- closedErr
		c.authWait = nil
	}

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.framer.Reset()

	c.machine.Transition(rcon.StateDisconnected)
	c.machine.EmitDisconnected()
	c.machine.EmitClose(cause != nil)
}
