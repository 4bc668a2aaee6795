package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawde-io/cortexd/internal/broadcast"
)

// request is one inbound JSON-RPC 2.0 frame.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// response is one outbound result/error frame.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// pushFrame is an out-of-band event notification: a method name and
// params with no id.
type pushFrame struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

const (
	perCallTimeout = 5 * time.Second
	writeTimeout   = 5 * time.Second
	maxFrameBytes  = 16 * 1024 * 1024
)

// Server owns the TCP listener and the per-connection read/write loops.
// Push events from the broadcaster are delivered on every connection that
// stays attached; clients register implicitly by staying connected.
type Server struct {
	addr       string
	dispatcher *Dispatcher
	bus        *broadcast.Broadcaster
	logger     *slog.Logger
}

// NewServer builds a server bound to addr (host:port).
func NewServer(addr string, d *Dispatcher, bus *broadcast.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, dispatcher: d, bus: bus, logger: logger}
}

// Serve listens and accepts until ctx is cancelled, then closes the
// listener and waits for in-flight connections to drain.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", s.addr, err)
	}
	s.logger.Info("rpc server listening", "addr", s.addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("rpc: accept: %w", err)
			}
			g.Go(func() error {
				s.handleConn(ctx, conn)
				return nil
			})
		}
	})

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// connWriter serializes frame writes so responses and push events never
// interleave mid-line.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) writeFrame(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = w.conn.Write(line)
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Unblock the read loop on shutdown: closing the conn fails the
	// scanner, letting this handler drain.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchdogDone:
		}
	}()

	state := s.dispatcher.NewConnState(conn.RemoteAddr().String())
	writer := &connWriter{conn: conn}

	// Push-event fan-out: forward broadcast events until the connection
	// or the server goes away.
	if s.bus != nil {
		events, unsubscribe := s.bus.Subscribe(64)
		defer unsubscribe()
		pushDone := make(chan struct{})
		defer close(pushDone)
		go func() {
			for {
				select {
				case <-pushDone:
					return
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					if err := writer.writeFrame(pushFrame{JSONRPC: "2.0", Method: ev.Name, Params: ev.Payload}); err != nil {
						s.logger.Debug("rpc: push write failed", "event", ev.Name, "error", err)
						return
					}
				}
			}
		}()
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			writer.writeFrame(response{JSONRPC: "2.0", Error: Errorf(CodeInvalidParams, "malformed request frame")})
			continue
		}

		if req.Method == "daemon.auth" {
			if !s.handleAuth(writer, state, req) {
				return // single rejection response, then close
			}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
		result, rpcErr := s.dispatcher.Dispatch(callCtx, state, req.Method, req.Params)
		cancel()

		resp := response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
		if err := writer.writeFrame(resp); err != nil {
			s.logger.Debug("rpc: response write failed", "method", req.Method, "error", err)
			return
		}
		if rpcErr != nil && rpcErr.Code == CodeUnauthenticated {
			return
		}
	}
}

// handleAuth processes daemon.auth inline: the token check must happen
// before any registered handler runs. Returns false when the connection
// must close.
func (s *Server) handleAuth(writer *connWriter, state *ConnState, req request) bool {
	var params struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil && len(req.Params) > 0 {
		writer.writeFrame(response{JSONRPC: "2.0", ID: req.ID, Error: Errorf(CodeInvalidParams, "malformed params: %s", err)})
		return true
	}

	if !s.dispatcher.CheckAuth(state, params.Token) {
		writer.writeFrame(response{JSONRPC: "2.0", ID: req.ID, Error: Errorf(CodeUnauthenticated, "invalid token")})
		return false
	}
	writer.writeFrame(response{JSONRPC: "2.0", ID: req.ID, Result: map[string]bool{"ok": true}})
	return true
}
