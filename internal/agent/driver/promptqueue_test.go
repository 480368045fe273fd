package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptQueueReplacesPending(t *testing.T) {
	q := newPromptQueue()

	q.put("exec-1", "first")
	q.put("exec-1", "second")

	text, ok := q.take("exec-1")
	require.True(t, ok)
	assert.Equal(t, "second", text)

	_, ok = q.take("exec-1")
	assert.False(t, ok)
}

func TestPromptQueueIsPerExecution(t *testing.T) {
	q := newPromptQueue()

	q.put("exec-1", "a")
	q.put("exec-2", "b")

	text, ok := q.take("exec-2")
	require.True(t, ok)
	assert.Equal(t, "b", text)

	text, ok = q.take("exec-1")
	require.True(t, ok)
	assert.Equal(t, "a", text)
}

func TestPromptQueueDrop(t *testing.T) {
	q := newPromptQueue()

	q.put("exec-1", "pending")
	q.drop("exec-1")

	_, ok := q.take("exec-1")
	assert.False(t, ok)
}
