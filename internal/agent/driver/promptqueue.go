package driver

import "sync"

// promptQueue holds at most one pending prompt per session. A prompt sent
// while the agent is mid-turn replaces any earlier queued prompt and is
// drained when the session returns to waiting.
type promptQueue struct {
	mu      sync.Mutex
	pending map[string]string
}

func newPromptQueue() *promptQueue {
	return &promptQueue{pending: make(map[string]string)}
}

// put queues a prompt, replacing an existing one.
func (q *promptQueue) put(execID, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[execID] = text
}

// take removes and returns the queued prompt, if any.
func (q *promptQueue) take(execID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	text, ok := q.pending[execID]
	if ok {
		delete(q.pending, execID)
	}
	return text, ok
}

func (q *promptQueue) drop(execID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, execID)
}
