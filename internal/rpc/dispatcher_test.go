package rpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoHandler(ctx context.Context, params json.RawMessage, _ *ConnState) (any, error) {
	var p map[string]any
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return p, nil
}

func TestDispatchRequiresAuth(t *testing.T) {
	d := NewDispatcher("secret-token", 600, nil)
	d.Register("echo", echoHandler)
	conn := d.NewConnState("127.0.0.1:1")

	_, rpcErr := d.Dispatch(context.Background(), conn, "echo", nil)
	require.NotNil(t, rpcErr)
	require.Equal(t, CodeUnauthenticated, rpcErr.Code)

	require.False(t, d.CheckAuth(conn, "wrong"))
	require.True(t, d.CheckAuth(conn, "secret-token"))

	result, rpcErr := d.Dispatch(context.Background(), conn, "echo", json.RawMessage(`{"a":1}`))
	require.Nil(t, rpcErr)
	require.NotNil(t, result)
}

func TestDispatchEmptyTokenDisablesAuth(t *testing.T) {
	d := NewDispatcher("", 600, nil)
	d.Register("echo", echoHandler)
	conn := d.NewConnState("127.0.0.1:1")

	_, rpcErr := d.Dispatch(context.Background(), conn, "echo", nil)
	require.Nil(t, rpcErr)
}

func TestDispatchRateLimit(t *testing.T) {
	d := NewDispatcher("", 2, nil)
	d.Register("echo", echoHandler)
	conn := d.NewConnState("127.0.0.1:1")

	for i := 0; i < 2; i++ {
		_, rpcErr := d.Dispatch(context.Background(), conn, "echo", nil)
		require.Nil(t, rpcErr)
	}
	_, rpcErr := d.Dispatch(context.Background(), conn, "echo", nil)
	require.NotNil(t, rpcErr)
	require.Equal(t, CodeRateLimited, rpcErr.Code)
	require.Equal(t, int64(1), d.Metrics().RateLimitHits.Load())
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := NewDispatcher("", 600, nil)
	conn := d.NewConnState("127.0.0.1:1")

	_, rpcErr := d.Dispatch(context.Background(), conn, "no.such.method", nil)
	require.NotNil(t, rpcErr)
	require.Equal(t, CodeNotFound, rpcErr.Code)
}

func TestDispatchTranslatesUnknownErrorsToInternal(t *testing.T) {
	d := NewDispatcher("", 600, nil)
	d.Register("boom", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
		return nil, context.DeadlineExceeded
	})
	conn := d.NewConnState("127.0.0.1:1")

	_, rpcErr := d.Dispatch(context.Background(), conn, "boom", nil)
	require.NotNil(t, rpcErr)
	require.Equal(t, CodeInternal, rpcErr.Code)
	require.Equal(t, "internal error", rpcErr.Message, "internal details never cross the transport")
}

func TestDispatchRecoversHandlerPanics(t *testing.T) {
	d := NewDispatcher("", 600, nil)
	d.Register("panic", func(ctx context.Context, _ json.RawMessage, _ *ConnState) (any, error) {
		panic("handler bug")
	})
	conn := d.NewConnState("127.0.0.1:1")

	_, rpcErr := d.Dispatch(context.Background(), conn, "panic", nil)
	require.NotNil(t, rpcErr)
	require.Equal(t, CodeInternal, rpcErr.Code)
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"empty allowed", "", false},
		{"absolute ok", "/abs/path", false},
		{"relative rejected", "rel/path", true},
		{"traversal rejected", "/abs/../etc/passwd", true},
		{"null byte rejected", "/abs/\x00path", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePath(tt.path)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestTranslatePassesThroughRPCErrors(t *testing.T) {
	orig := Errorf(CodePolicyDenied, "tool denied")
	require.Equal(t, orig, translate(orig))
	require.Nil(t, translate(nil))
}
