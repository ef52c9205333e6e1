package source_test

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dantte-lp/gorcon/rcon"
	"github.com/dantte-lp/gorcon/source"
)

// TestMain checks for goroutine leaks after all tests complete: every
// client read loop must exit with its session.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -------------------------------------------------------------------------
// Fake Source RCON server
// -------------------------------------------------------------------------

// startServer runs script against the first accepted connection and
// returns a client config pointing at the listener. The script must
// leave the connection open until the client closes it.
func startServer(t *testing.T, script func(t *testing.T, conn net.Conn)) rcon.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	var mu sync.Mutex
	var accepted net.Conn
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		mu.Lock()
		accepted = conn
		mu.Unlock()
		defer conn.Close()
		script(t, conn)
	}()
	t.Cleanup(func() {
		// Unblock the script whatever state the test left it in.
		ln.Close()
		mu.Lock()
		if accepted != nil {
			accepted.Close()
		}
		mu.Unlock()
		<-done
	})

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	return rcon.Config{
		Host:           host,
		Port:           uint16(port),
		Password:       "test_password",
		ConnectTimeout: 2 * time.Second,
		IOTimeout:      2 * time.Second,
	}
}

// recvPackets frames exactly n packets off the connection.
func recvPackets(t *testing.T, conn net.Conn, f *source.Framer, n int) []source.Packet {
	t.Helper()

	buf := make([]byte, 4096)
	var pkts []source.Packet
	for len(pkts) < n {
		rn, err := conn.Read(buf)
		if err != nil {
			t.Errorf("server read: %v", err)
			return pkts
		}
		pkts = append(pkts, f.Push(buf[:rn])...)
	}
	return pkts
}

// sendPackets encodes and writes packets in one segment, exercising
// coalescing on the client side.
func sendPackets(t *testing.T, conn net.Conn, pkts ...source.Packet) {
	t.Helper()

	var raw []byte
	for _, p := range pkts {
		b, err := source.Encode(p)
		if err != nil {
			t.Errorf("server encode: %v", err)
			return
		}
		raw = append(raw, b...)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Errorf("server write: %v", err)
	}
}

// hold blocks until the client closes its side of the connection.
func hold(conn net.Conn) {
	_, _ = io.Copy(io.Discard, conn)
}

// acceptAuth consumes the auth request, verifies the password, and
// replies with the verdict packet.
func acceptAuth(t *testing.T, conn net.Conn, f *source.Framer) {
	t.Helper()

	pkts := recvPackets(t, conn, f, 1)
	if len(pkts) != 1 {
		return
	}
	auth := pkts[0]
	if auth.Type != source.PacketTypeAuth {
		t.Errorf("first packet type = %d, want auth", auth.Type)
	}
	if string(auth.Body) != "test_password" {
		t.Errorf("auth body = %q", auth.Body)
	}
	sendPackets(t, conn, source.Packet{ID: auth.ID, Type: source.PacketTypeAuthResponse})
}

// -------------------------------------------------------------------------
// Connect / authentication
// -------------------------------------------------------------------------

func TestConnectAndExecute(t *testing.T) {
	t.Parallel()

	const response = "There are 3 players online: Alice, Bob, Charlie"

	cfg := startServer(t, func(t *testing.T, conn net.Conn) {
		f := source.NewFramer(nil)
		acceptAuth(t, conn, f)

		pkts := recvPackets(t, conn, f, 2)
		if len(pkts) != 2 {
			return
		}
		cmd, term := pkts[0], pkts[1]
		if string(cmd.Body) != "list" || cmd.Type != source.PacketTypeCommand {
			t.Errorf("command packet = %+v", cmd)
		}
		if term.Type != source.PacketTypeResponse || len(term.Body) != 0 {
			t.Errorf("terminator packet = %+v", term)
		}

		sendPackets(t, conn,
			source.Packet{ID: cmd.ID, Type: source.PacketTypeResponse, Body: []byte(response)},
			source.Packet{ID: term.ID, Type: source.PacketTypeResponse},
		)
		hold(conn)
	})

	client := source.New(cfg)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !client.IsAuthenticated() {
		t.Fatal("client not authenticated after Connect")
	}

	got, err := client.Execute(context.Background(), "list")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != response {
		t.Errorf("Execute = %q, want %q", got, response)
	}

	client.Disconnect()
	if got := client.State(); got != rcon.StateDisconnected {
		t.Errorf("state after Disconnect = %s", got)
	}
}

func TestConnectWrongPassword(t *testing.T) {
	t.Parallel()

	cfg := startServer(t, func(t *testing.T, conn net.Conn) {
		f := source.NewFramer(nil)
		recvPackets(t, conn, f, 1)
		// Auth rejection: the verdict carries id -1.
		sendPackets(t, conn, source.Packet{ID: -1, Type: source.PacketTypeAuthResponse})
		hold(conn)
	})

	client := source.New(cfg)
	err := client.Connect(context.Background())
	if !errors.Is(err, rcon.ErrAuthFailed) {
		t.Fatalf("Connect = %v, want ErrAuthFailed", err)
	}
	if got := client.State(); got != rcon.StateDisconnected {
		t.Errorf("state = %s, want Disconnected", got)
	}
}

func TestConnectIgnoresEmptyResponseValue(t *testing.T) {
	t.Parallel()

	cfg := startServer(t, func(t *testing.T, conn net.Conn) {
		f := source.NewFramer(nil)
		pkts := recvPackets(t, conn, f, 1)
		if len(pkts) != 1 {
			return
		}
		// Some servers precede the verdict with an empty RESPONSE_VALUE.
		sendPackets(t, conn,
			source.Packet{ID: pkts[0].ID, Type: source.PacketTypeResponse},
			source.Packet{ID: pkts[0].ID, Type: source.PacketTypeAuthResponse},
		)
		hold(conn)
	})

	client := source.New(cfg)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()

	if !client.IsAuthenticated() {
		t.Fatal("client not authenticated")
	}
}

func TestConnectRefused(t *testing.T) {
	t.Parallel()

	// Grab a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	client := source.New(rcon.Config{
		Host:           host,
		Port:           uint16(port),
		ConnectTimeout: time.Second,
	})
	cerr := client.Connect(context.Background())
	if !errors.Is(cerr, rcon.ErrConnectionFailed) {
		t.Fatalf("Connect = %v, want ErrConnectionFailed", cerr)
	}
	if got := client.State(); got != rcon.StateDisconnected {
		t.Errorf("state = %s, want Disconnected", got)
	}
}

func TestConnectRejectedOutsideDisconnected(t *testing.T) {
	t.Parallel()

	cfg := startServer(t, func(t *testing.T, conn net.Conn) {
		f := source.NewFramer(nil)
		acceptAuth(t, conn, f)
		hold(conn)
	})

	client := source.New(cfg)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()

	if err := client.Connect(context.Background()); !errors.Is(err, rcon.ErrConnectionFailed) {
		t.Fatalf("second Connect = %v, want ErrConnectionFailed", err)
	}
}

// -------------------------------------------------------------------------
// Execute
// -------------------------------------------------------------------------

func TestExecuteMultiFragment(t *testing.T) {
	t.Parallel()

	cfg := startServer(t, func(t *testing.T, conn net.Conn) {
		f := source.NewFramer(nil)
		acceptAuth(t, conn, f)

		pkts := recvPackets(t, conn, f, 2)
		if len(pkts) != 2 {
			return
		}
		cmd, term := pkts[0], pkts[1]
		sendPackets(t, conn,
			source.Packet{ID: cmd.ID, Type: source.PacketTypeResponse, Body: []byte("foo")},
			source.Packet{ID: cmd.ID, Type: source.PacketTypeResponse, Body: []byte("bar")},
			source.Packet{ID: term.ID, Type: source.PacketTypeResponse},
		)
		hold(conn)
	})

	client := source.New(cfg)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()

	got, err := client.Execute(context.Background(), "status")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "foobar" {
		t.Errorf("Execute = %q, want %q", got, "foobar")
	}
}

func TestExecuteEmptyResponse(t *testing.T) {
	t.Parallel()

	cfg := startServer(t, func(t *testing.T, conn net.Conn) {
		f := source.NewFramer(nil)
		acceptAuth(t, conn, f)

		pkts := recvPackets(t, conn, f, 2)
		if len(pkts) != 2 {
			return
		}
		// Exactly one packet: the terminator echo, empty body.
		sendPackets(t, conn, source.Packet{ID: pkts[1].ID, Type: source.PacketTypeResponse})
		hold(conn)
	})

	client := source.New(cfg)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()

	got, err := client.Execute(context.Background(), "save-all")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "" {
		t.Errorf("Execute = %q, want empty", got)
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	cfg := startServer(t, func(t *testing.T, conn net.Conn) {
		f := source.NewFramer(nil)
		acceptAuth(t, conn, f)
		recvPackets(t, conn, f, 2)
		// Never reply.
		hold(conn)
	})
	cfg.IOTimeout = 150 * time.Millisecond

	client := source.New(cfg)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Disconnect()

	_, err := client.Execute(context.Background(), "slow")
	if !errors.Is(err, rcon.ErrTimeout) {
		t.Fatalf("Execute = %v, want ErrTimeout", err)
	}
	if got := client.PendingRequests(); got != 0 {
		t.Errorf("pending after timeout = %d, want 0", got)
	}
}

func TestExecuteNotAuthenticated(t *testing.T) {
	t.Parallel()

	client := source.New(rcon.Config{Host: "192.0.2.1"})

	_, err := client.Execute(context.Background(), "list")
	if !errors.Is(err, rcon.ErrNotAuthenticated) {
		t.Fatalf("Execute = %v, want ErrNotAuthenticated", err)
	}
	if got := client.PendingRequests(); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

// -------------------------------------------------------------------------
// Disconnect / teardown
// -------------------------------------------------------------------------

func TestDisconnectFailsInFlight(t *testing.T) {
	t.Parallel()

	cfg := startServer(t, func(t *testing.T, conn net.Conn) {
		f := source.NewFramer(nil)
		acceptAuth(t, conn, f)
		recvPackets(t, conn, f, 2)
		// Never reply; the client disconnects mid-command.
		hold(conn)
	})

	client := source.New(cfg)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	execErr := make(chan error, 1)
	go func() {
		_, err := client.Execute(context.Background(), "hang")
		execErr <- err
	}()

	// Wait until the command is registered, then tear down.
	for i := 0; i < 100; i++ {
		if client.PendingRequests() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	client.Disconnect()

	err := <-execErr
	if !errors.Is(err, rcon.ErrConnectionFailed) {
		t.Fatalf("Execute after Disconnect = %v, want ErrConnectionFailed", err)
	}
	if got := client.PendingRequests(); got != 0 {
		t.Errorf("pending after Disconnect = %d, want 0", got)
	}
	if got := client.State(); got != rcon.StateDisconnected {
		t.Errorf("state = %s, want Disconnected", got)
	}
}

func TestServerCloseFailsSession(t *testing.T) {
	t.Parallel()

	closeNow := make(chan struct{})
	closeServer := sync.OnceFunc(func() { close(closeNow) })
	cfg := startServer(t, func(t *testing.T, conn net.Conn) {
		f := source.NewFramer(nil)
		acceptAuth(t, conn, f)
		<-closeNow
		// Returning closes the connection under the client.
	})
	t.Cleanup(closeServer)

	client := source.New(cfg)
	errCh := make(chan error, 1)
	client.Machine().OnError(func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	closeServer()

	select {
	case err := <-errCh:
		if !errors.Is(err, rcon.ErrSocketError) && !errors.Is(err, rcon.ErrConnectionFailed) {
			t.Errorf("error event = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error event after server close")
	}

	// The read loop tears the session down on its own.
	for i := 0; i < 100; i++ {
		if client.State() == rcon.StateDisconnected {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := client.State(); got != rcon.StateDisconnected {
		t.Errorf("state = %s, want Disconnected", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	t.Parallel()

	client := source.New(rcon.Config{Host: "192.0.2.1"})
	client.Disconnect()
	client.Disconnect()
	if got := client.State(); got != rcon.StateDisconnected {
		t.Errorf("state = %s, want Disconnected", got)
	}
}
