package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clawde-io/cortexd/internal/broadcast"
)

// startConn wires a server-side handleConn loop to an in-memory pipe and
// returns the client end.
func startConn(t *testing.T, token string, bus *broadcast.Broadcaster, register func(*Dispatcher)) net.Conn {
	t.Helper()
	d := NewDispatcher(token, 600, nil)
	if register != nil {
		register(d)
	}
	srv := NewServer("", d, bus, nil)

	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.handleConn(ctx, server)
	t.Cleanup(func() { client.Close() })
	return client
}

func send(t *testing.T, conn net.Conn, frame map[string]any) {
	t.Helper()
	line, err := json.Marshal(frame)
	require.NoError(t, err)
	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)
}

func readFrame(t *testing.T, scanner *bufio.Scanner) map[string]any {
	t.Helper()
	require.True(t, scanner.Scan(), "expected a frame before the connection closed")
	var out map[string]any
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &out))
	return out
}

func TestAuthHandshakeAndDispatch(t *testing.T) {
	client := startConn(t, "tok-123", nil, func(d *Dispatcher) {
		d.Register("ping", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
			return map[string]string{"pong": "ok"}, nil
		})
	})
	scanner := bufio.NewScanner(client)

	send(t, client, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "daemon.auth", "params": map[string]string{"token": "tok-123"}})
	resp := readFrame(t, scanner)
	require.Nil(t, resp["error"])

	send(t, client, map[string]any{"jsonrpc": "2.0", "id": 2, "method": "ping"})
	resp = readFrame(t, scanner)
	require.Nil(t, resp["error"])
	result := resp["result"].(map[string]any)
	require.Equal(t, "ok", result["pong"])
}

func TestAuthRejectionClosesConnection(t *testing.T) {
	client := startConn(t, "tok-123", nil, nil)
	scanner := bufio.NewScanner(client)

	send(t, client, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "daemon.auth", "params": map[string]string{"token": "wrong"}})
	resp := readFrame(t, scanner)
	errObj := resp["error"].(map[string]any)
	require.Equal(t, string(CodeUnauthenticated), errObj["code"])

	require.False(t, scanner.Scan(), "connection closed after the single rejection response")
}

func TestUnauthenticatedCallRejected(t *testing.T) {
	client := startConn(t, "tok-123", nil, func(d *Dispatcher) {
		d.Register("ping", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
			return "pong", nil
		})
	})
	scanner := bufio.NewScanner(client)

	send(t, client, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "ping"})
	resp := readFrame(t, scanner)
	errObj := resp["error"].(map[string]any)
	require.Equal(t, string(CodeUnauthenticated), errObj["code"])
}

func TestPushEventsDelivered(t *testing.T) {
	bus := broadcast.New(nil)
	client := startConn(t, "", bus, nil)
	scanner := bufio.NewScanner(client)

	// The subscription is registered synchronously in handleConn before
	// the read loop, but give the pipe a moment to settle.
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	bus.Publish("session.toolCallRejected", map[string]string{"session_id": "s-1"})

	frame := readFrame(t, scanner)
	require.Equal(t, "session.toolCallRejected", frame["method"])
	params := frame["params"].(map[string]any)
	require.Equal(t, "s-1", params["session_id"])
	_, hasID := frame["id"]
	require.False(t, hasID, "push events carry no id")
}

func TestMalformedFrameGetsInvalidParams(t *testing.T) {
	client := startConn(t, "", nil, nil)
	scanner := bufio.NewScanner(client)

	_, err := client.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	resp := readFrame(t, scanner)
	errObj := resp["error"].(map[string]any)
	require.Equal(t, string(CodeInvalidParams), errObj["code"])
}

func TestServerServesOverTCP(t *testing.T) {
	bus := broadcast.New(nil)
	d := NewDispatcher("", 600, nil)
	d.Register("ping", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
		return "pong", nil
	})

	// Find a free port, then serve on it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	srv := NewServer(addr, d, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	var conn net.Conn
	require.Eventually(t, func() bool {
		conn, err = net.Dial("tcp", addr)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	fmt.Fprintf(conn, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")
	scanner := bufio.NewScanner(conn)
	resp := readFrame(t, scanner)
	require.Equal(t, "pong", resp["result"])

	cancel()
	require.NoError(t, <-done)
}
