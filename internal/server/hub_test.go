package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
	"github.com/sudocode-ai/sudocode/internal/common/logger"
	"github.com/sudocode-ai/sudocode/internal/events/bus"
)

func newHubClient(hub *Hub, id string) *Client {
	return NewClient(id, nil, hub, logger.Default())
}

func TestHubFansOutExecutionEvents(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(nil)
	defer eventBus.Close()

	hub := NewHub(eventBus, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := newHubClient(hub, "c1")
	hub.Register(client)
	require.NoError(t, hub.Subscribe(client, "exec-1"))
	assert.Equal(t, 1, hub.WatcherCount("exec-1"))

	event := bus.NewEvent("execution.status", "test", map[string]string{"status": "running"})
	require.NoError(t, eventBus.Publish(context.Background(), v1.ExecutionSubject("exec-1"), event))

	select {
	case data := <-client.send:
		var got bus.Event
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, "execution.status", got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered to watcher")
	}
}

func TestHubIgnoresOtherExecutions(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(nil)
	defer eventBus.Close()

	hub := NewHub(eventBus, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := newHubClient(hub, "c1")
	hub.Register(client)
	require.NoError(t, hub.Subscribe(client, "exec-1"))

	event := bus.NewEvent("execution.status", "test", nil)
	require.NoError(t, eventBus.Publish(context.Background(), v1.ExecutionSubject("exec-2"), event))

	select {
	case <-client.send:
		t.Fatal("event for another execution delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubLastWatcherCallback(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(nil)
	defer eventBus.Close()

	gone := make(chan string, 2)
	hub := NewHub(eventBus, func(executionID string) { gone <- executionID }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	first := newHubClient(hub, "c1")
	second := newHubClient(hub, "c2")
	hub.Register(first)
	hub.Register(second)
	require.NoError(t, hub.Subscribe(first, "exec-1"))
	require.NoError(t, hub.Subscribe(second, "exec-1"))

	hub.Unsubscribe(first, "exec-1")
	select {
	case <-gone:
		t.Fatal("callback fired while a watcher remains")
	case <-time.After(50 * time.Millisecond):
	}

	hub.Unsubscribe(second, "exec-1")
	select {
	case id := <-gone:
		assert.Equal(t, "exec-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("last-watcher callback never fired")
	}
	assert.Equal(t, 0, hub.WatcherCount("exec-1"))
}
