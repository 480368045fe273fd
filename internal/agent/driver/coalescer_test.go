package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

func chunk(recType, text string) v1.SessionRecord {
	return v1.SessionRecord{Type: recType, Text: text}
}

func TestCoalescerMergesMessageChunks(t *testing.T) {
	c := NewCoalescer()

	require.Empty(t, c.Feed(chunk(v1.SessionRecordMessageChunk, "Hello, ")))
	require.Empty(t, c.Feed(chunk(v1.SessionRecordMessageChunk, "world")))

	out := c.FlushAll()
	require.Len(t, out, 1)
	assert.Equal(t, v1.SessionRecordMessageComplete, out[0].Type)
	assert.Equal(t, "Hello, world", out[0].Text)
}

func TestCoalescerFlushesMessageWhenThoughtStarts(t *testing.T) {
	c := NewCoalescer()

	c.Feed(chunk(v1.SessionRecordMessageChunk, "answer"))
	out := c.Feed(chunk(v1.SessionRecordThoughtChunk, "thinking"))
	require.Len(t, out, 1)
	assert.Equal(t, v1.SessionRecordMessageComplete, out[0].Type)
	assert.Equal(t, "answer", out[0].Text)

	out = c.FlushAll()
	require.Len(t, out, 1)
	assert.Equal(t, v1.SessionRecordThoughtComplete, out[0].Type)
	assert.Equal(t, "thinking", out[0].Text)
}

func TestCoalescerMergesToolCallLifecycle(t *testing.T) {
	c := NewCoalescer()

	out := c.Feed(v1.SessionRecord{
		Type: v1.SessionRecordToolCall,
		ToolCall: &v1.ToolCallInfo{
			ID:     "tc-1",
			Title:  "Read file",
			Kind:   "read",
			Status: v1.ToolCallInProgress,
			Input:  map[string]any{"path": "main.go"},
		},
	})
	require.Empty(t, out)

	out = c.Feed(v1.SessionRecord{
		Type: v1.SessionRecordToolCallUpdate,
		ToolCall: &v1.ToolCallInfo{
			ID:     "tc-1",
			Status: v1.ToolCallCompleted,
			Output: map[string]any{"content": "package main"},
		},
	})
	require.Len(t, out, 1)
	assert.Equal(t, v1.SessionRecordToolCallDone, out[0].Type)
	require.NotNil(t, out[0].ToolCall)
	assert.Equal(t, "tc-1", out[0].ToolCall.ID)
	assert.Equal(t, "Read file", out[0].ToolCall.Title)
	assert.Equal(t, v1.ToolCallCompleted, out[0].ToolCall.Status)
	assert.Equal(t, map[string]any{"path": "main.go"}, out[0].ToolCall.Input)
	assert.Equal(t, map[string]any{"content": "package main"}, out[0].ToolCall.Output)

	// Once emitted the call is gone.
	assert.Empty(t, c.FlushAll())
}

func TestCoalescerEmitsFailedToolCall(t *testing.T) {
	c := NewCoalescer()

	c.Feed(v1.SessionRecord{
		Type:     v1.SessionRecordToolCall,
		ToolCall: &v1.ToolCallInfo{ID: "tc-2", Status: v1.ToolCallInProgress},
	})
	out := c.Feed(v1.SessionRecord{
		Type:     v1.SessionRecordToolCallUpdate,
		ToolCall: &v1.ToolCallInfo{ID: "tc-2", Status: v1.ToolCallFailed},
	})
	require.Len(t, out, 1)
	assert.Equal(t, v1.ToolCallFailed, out[0].ToolCall.Status)
}

func TestCoalescerUpdateForUnknownCallTracksIt(t *testing.T) {
	c := NewCoalescer()

	out := c.Feed(v1.SessionRecord{
		Type:     v1.SessionRecordToolCallUpdate,
		ToolCall: &v1.ToolCallInfo{ID: "tc-x", Status: v1.ToolCallInProgress},
	})
	require.Empty(t, out)

	out = c.FlushAll()
	require.Len(t, out, 1)
	assert.Equal(t, v1.SessionRecordToolCallDone, out[0].Type)
	assert.Equal(t, "tc-x", out[0].ToolCall.ID)
}

func TestCoalescerPassesPlanThroughAfterPendingText(t *testing.T) {
	c := NewCoalescer()

	c.Feed(chunk(v1.SessionRecordMessageChunk, "working on it"))
	out := c.Feed(v1.SessionRecord{
		Type: v1.SessionRecordPlan,
		Plan: []v1.PlanEntry{{Content: "step one", Status: "pending"}},
	})
	require.Len(t, out, 2)
	assert.Equal(t, v1.SessionRecordMessageComplete, out[0].Type)
	assert.Equal(t, v1.SessionRecordPlan, out[1].Type)
	require.Len(t, out[1].Plan, 1)
	assert.Equal(t, "step one", out[1].Plan[0].Content)
}

func TestCoalescerFlushAllClosesOpenToolCalls(t *testing.T) {
	c := NewCoalescer()

	c.Feed(v1.SessionRecord{
		Type:     v1.SessionRecordToolCall,
		ToolCall: &v1.ToolCallInfo{ID: "tc-open", Status: v1.ToolCallInProgress},
	})
	c.Feed(chunk(v1.SessionRecordMessageChunk, "done"))

	out := c.FlushAll()
	require.Len(t, out, 2)
	assert.Equal(t, v1.SessionRecordMessageComplete, out[0].Type)
	assert.Equal(t, v1.SessionRecordToolCallDone, out[1].Type)
	assert.Equal(t, "tc-open", out[1].ToolCall.ID)
}
