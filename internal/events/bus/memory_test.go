package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/sudocode-ai/sudocode/pkg/api/v1"
)

func statusEvent(executionID, status string) *Event {
	return NewEvent(v1.EventSessionUpdate, "driver", map[string]interface{}{
		"execution_id": executionID,
		"status":       status,
	})
}

func TestPublishReachesExecutionSubscriber(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()
	ctx := context.Background()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe(v1.ExecutionSubject("exec-1"), func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	event := statusEvent("exec-1", "running")
	require.NoError(t, b.Publish(ctx, v1.ExecutionSubject("exec-1"), event))

	select {
	case e := <-received:
		assert.Equal(t, event.ID, e.ID)
		assert.Equal(t, v1.EventSessionUpdate, e.Type)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestEverySubscriberReceivesTheEvent(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	var count int32
	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe(v1.ExecutionSubject("exec-1"), func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()
	}

	require.NoError(t, b.Publish(context.Background(), v1.ExecutionSubject("exec-1"), statusEvent("exec-1", "running")))
	assert.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()
	ctx := context.Background()

	var count int32
	sub, err := b.Subscribe(v1.ExecutionSubject("exec-1"), func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, v1.ExecutionSubject("exec-1"), statusEvent("exec-1", "running")))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(ctx, v1.ExecutionSubject("exec-1"), statusEvent("exec-1", "completed")))

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestSingleTokenWildcardMatchesAnyExecution(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()
	ctx := context.Background()

	var count int32
	sub, err := b.Subscribe("execution.*", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, b.Publish(ctx, v1.ExecutionSubject("exec-1"), statusEvent("exec-1", "running")))
	require.NoError(t, b.Publish(ctx, v1.ExecutionSubject("exec-2"), statusEvent("exec-2", "running")))
	// Different prefix, no match.
	require.NoError(t, b.Publish(ctx, v1.StreamSubject("stream-1"), statusEvent("exec-1", "running")))

	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestMultiTokenWildcardMatchesWholeTree(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()
	ctx := context.Background()

	var count int32
	sub, err := b.Subscribe("queue.>", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, b.Publish(ctx, v1.QueueSubject("main"), NewEvent(v1.EventQueueUpdated, "merge-queue", nil)))
	require.NoError(t, b.Publish(ctx, "queue.release.v2", NewEvent(v1.EventQueueUpdated, "merge-queue", nil)))

	assert.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestWildcardNeverMatchesMissingToken(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("execution.*.records", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	// Missing middle token: "execution.records" must not match.
	require.NoError(t, b.Publish(context.Background(), "execution.records", statusEvent("exec-1", "running")))
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestExactSubjectDoesNotLeakAcrossExecutions(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()
	ctx := context.Background()

	var count int32
	sub, err := b.Subscribe(v1.ExecutionSubject("exec-1"), func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, b.Publish(ctx, v1.ExecutionSubject("exec-1"), statusEvent("exec-1", "running")))
	require.NoError(t, b.Publish(ctx, v1.ExecutionSubject("exec-2"), statusEvent("exec-2", "running")))

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestQueueSubscribeBalancesAcrossWorkers(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()
	ctx := context.Background()

	var count int32
	for i := 0; i < 3; i++ {
		sub, err := b.QueueSubscribe("queue.main", "landers", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, b.Publish(ctx, "queue.main", NewEvent(v1.EventQueueUpdated, "merge-queue", nil)))
	}

	// Each event goes to exactly one member of the group.
	assert.Equal(t, int32(6), atomic.LoadInt32(&count))
}

func TestConcurrentPublishersLoseNothing(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()
	ctx := context.Background()

	var received int32
	sub, err := b.Subscribe(v1.ExecutionSubject("exec-1"), func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	const goroutines, perGoroutine = 10, 100
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_ = b.Publish(ctx, v1.ExecutionSubject("exec-1"), statusEvent("exec-1", "running"))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(goroutines*perGoroutine), atomic.LoadInt32(&received))
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	b := NewMemoryEventBus(nil)
	require.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), v1.ExecutionSubject("exec-1"), statusEvent("exec-1", "running"))
	require.Error(t, err)

	_, err = b.Subscribe(v1.ExecutionSubject("exec-1"), func(ctx context.Context, event *Event) error { return nil })
	require.Error(t, err)
}

func TestRequestRoundTrip(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe("agent.ping", func(ctx context.Context, event *Event) error {
		data, ok := event.Data.(map[string]interface{})
		if !ok {
			return nil
		}
		reply, ok := data["_reply"].(string)
		if !ok {
			return nil
		}
		return b.Publish(ctx, reply, NewEvent("pong", "driver", map[string]interface{}{
			"echo": data["message"],
		}))
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	request := NewEvent("ping", "server", map[string]interface{}{"message": "hello"})
	response, err := b.Request(ctx, "agent.ping", request, 2*time.Second)
	require.NoError(t, err)

	data, ok := response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello", data["echo"])
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	_, err := b.Request(context.Background(), "agent.nobody",
		NewEvent("ping", "server", nil), 100*time.Millisecond)
	require.Error(t, err)
}

func TestNewEventFillsEnvelope(t *testing.T) {
	before := time.Now().UTC()
	event := NewEvent(v1.EventSessionUpdate, "driver", map[string]interface{}{"execution_id": "exec-1"})
	after := time.Now().UTC()

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, v1.EventSessionUpdate, event.Type)
	assert.Equal(t, "driver", event.Source)
	data, ok := event.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "exec-1", data["execution_id"])
	assert.False(t, event.Timestamp.Before(before))
	assert.False(t, event.Timestamp.After(after))
}

// Session-update streaming depends on synchronous, in-order dispatch: a
// watcher replaying an execution must see records in publish order.
func TestDeliveryPreservesPublishOrder(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()
	ctx := context.Background()
	const numEvents = 100

	var mu sync.Mutex
	var order []int
	sub, err := b.Subscribe(v1.ExecutionSubject("exec-1"), func(ctx context.Context, event *Event) error {
		data := event.Data.(map[string]interface{})
		mu.Lock()
		order = append(order, int(data["seq"].(float64)))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	for i := 0; i < numEvents; i++ {
		event := NewEvent(v1.EventSessionUpdate, "driver", map[string]interface{}{"seq": float64(i)})
		require.NoError(t, b.Publish(ctx, v1.ExecutionSubject("exec-1"), event))
	}

	// Synchronous dispatch: all handlers have completed already.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, numEvents)
	for i, seq := range order {
		require.Equal(t, i, seq, "event delivered out of order at position %d", i)
	}
}

// Variable handler latency must not reorder delivery; with async dispatch a
// fast later record could overtake a slow earlier one.
func TestSlowHandlersCannotReorderDelivery(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()
	ctx := context.Background()
	const numEvents = 50

	var mu sync.Mutex
	var order []int
	sub, err := b.Subscribe(v1.ExecutionSubject("exec-1"), func(ctx context.Context, event *Event) error {
		data := event.Data.(map[string]interface{})
		seq := int(data["seq"].(float64))
		// Earlier events take longer.
		time.Sleep(time.Duration(numEvents-seq) * 100 * time.Microsecond)
		mu.Lock()
		order = append(order, seq)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	for i := 0; i < numEvents; i++ {
		event := NewEvent(v1.EventSessionUpdate, "driver", map[string]interface{}{"seq": float64(i)})
		require.NoError(t, b.Publish(ctx, v1.ExecutionSubject("exec-1"), event))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, numEvents)
	for i, seq := range order {
		require.Equal(t, i, seq, "event delivered out of order at position %d", i)
	}
}

func TestQueueGroupPreservesPublishOrder(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()
	ctx := context.Background()
	const numEvents = 100

	var mu sync.Mutex
	var order []int
	sub, err := b.QueueSubscribe("queue.main", "landers", func(ctx context.Context, event *Event) error {
		data := event.Data.(map[string]interface{})
		mu.Lock()
		order = append(order, int(data["seq"].(float64)))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	for i := 0; i < numEvents; i++ {
		event := NewEvent(v1.EventQueueUpdated, "merge-queue", map[string]interface{}{"seq": float64(i)})
		require.NoError(t, b.Publish(ctx, "queue.main", event))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, numEvents)
	for i, seq := range order {
		require.Equal(t, i, seq)
	}
}
