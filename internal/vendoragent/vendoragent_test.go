package vendoragent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeInvokerReplaysChunks(t *testing.T) {
	f := &FakeInvoker{Chunks: []Chunk{{Text: "hello"}, {ToolCall: &ToolCall{Name: "read", Args: `{"path":"a.go"}`}}}}
	ch, err := f.Invoke(context.Background(), InvokeRequest{Provider: "claude"})
	require.NoError(t, err)

	var got []Chunk
	for c := range ch {
		got = append(got, c)
	}
	require.Len(t, got, 3)
	require.Equal(t, "hello", got[0].Text)
	require.Equal(t, "read", got[1].ToolCall.Name)
	require.True(t, got[2].Done)
}

func TestParseToolCallLine(t *testing.T) {
	tc, ok := parseToolCallLine(`TOOL_CALL apply-patch {"diff":"..."}`)
	require.True(t, ok)
	require.Equal(t, "apply-patch", tc.Name)
	require.Equal(t, `{"diff":"..."}`, tc.Args)

	_, ok = parseToolCallLine("just some text")
	require.False(t, ok)
}

func TestCLIInvokerRejectsEmptyCommand(t *testing.T) {
	inv := NewCLIInvoker(func(req InvokeRequest) ([]string, error) { return nil, nil })
	_, err := inv.Invoke(context.Background(), InvokeRequest{Provider: "claude"})
	require.Error(t, err)
}
