//go:build !windows

package process

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAndWait(t *testing.T) {
	s := NewSupervisor(time.Second, nil)
	ctx := context.Background()

	t.Run("successful exit", func(t *testing.T) {
		p, err := s.Spawn(ctx, Spec{ID: "ok", Command: "true"})
		require.NoError(t, err)
		require.NoError(t, p.Wait(ctx))
		assert.Equal(t, 0, p.ExitCode())
		assert.Equal(t, StatusExited, p.Status())
	})

	t.Run("nonzero exit surfaces as crash", func(t *testing.T) {
		p, err := s.Spawn(ctx, Spec{ID: "bad", Command: "sh", Args: []string{"-c", "exit 3"}})
		require.NoError(t, err)
		err = p.Wait(ctx)
		assert.Error(t, err)
		assert.Equal(t, 3, p.ExitCode())
	})

	t.Run("missing binary fails the spawn", func(t *testing.T) {
		_, err := s.Spawn(ctx, Spec{ID: "ghost", Command: "definitely-not-a-binary-xyz"})
		assert.Error(t, err)
	})

	t.Run("empty command is rejected", func(t *testing.T) {
		_, err := s.Spawn(ctx, Spec{ID: "none"})
		assert.Error(t, err)
	})

	t.Run("metrics track outcomes", func(t *testing.T) {
		m := s.Metrics()
		assert.Equal(t, int64(2), m.Spawned)
		assert.Equal(t, int64(2), m.SpawnFailed)
		assert.Equal(t, int64(1), m.Crashed)
		assert.Equal(t, 0, m.Active)
	})
}

func TestStderrCapture(t *testing.T) {
	s := NewSupervisor(time.Second, nil)
	ctx := context.Background()

	p, err := s.Spawn(ctx, Spec{
		ID: "noisy", Command: "sh", Args: []string{"-c", "echo warn1 >&2; echo warn2 >&2"},
	})
	require.NoError(t, err)
	require.NoError(t, p.Wait(ctx))

	// The stderr reader may still be draining just after exit.
	require.Eventually(t, func() bool { return p.Output().Count() == 2 }, time.Second, 10*time.Millisecond)
	lines := p.Output().GetAll()
	assert.Equal(t, "warn1", lines[0].Content)
	assert.Equal(t, "stderr", lines[0].Stream)
}

func TestStdoutPipe(t *testing.T) {
	s := NewSupervisor(time.Second, nil)
	ctx := context.Background()

	p, err := s.Spawn(ctx, Spec{ID: "pipe", Command: "sh", Args: []string{"-c", "echo hello"}})
	require.NoError(t, err)
	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
	require.NoError(t, p.Wait(ctx))
}

func TestTimeoutEscalation(t *testing.T) {
	s := NewSupervisor(2*time.Second, nil)
	ctx := context.Background()

	p, err := s.Spawn(ctx, Spec{
		ID: "slow", Command: "sleep", Args: []string{"30"},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = p.Wait(waitCtx)
	assert.Error(t, err)
	assert.True(t, p.TimedOut())
	assert.Equal(t, int64(1), s.Metrics().TimedOut)
}

func TestStopTerminatesGracefully(t *testing.T) {
	s := NewSupervisor(2*time.Second, nil)
	ctx := context.Background()

	p, err := s.Spawn(ctx, Spec{ID: "stoppable", Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))
	assert.Equal(t, StatusExited, p.Status())

	_, tracked := s.Get("stoppable")
	assert.False(t, tracked)
}

func TestStopAll(t *testing.T) {
	s := NewSupervisor(2*time.Second, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := s.Spawn(ctx, Spec{ID: id, Command: "sleep", Args: []string{"30"}})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.Metrics().Active)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.StopAll(stopCtx)
	assert.Equal(t, 0, s.Metrics().Active)
}

func TestDuplicateIDRejected(t *testing.T) {
	s := NewSupervisor(time.Second, nil)
	ctx := context.Background()

	p, err := s.Spawn(ctx, Spec{ID: "dup", Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = p.Stop(stopCtx)
	}()

	_, err = s.Spawn(ctx, Spec{ID: "dup", Command: "true"})
	assert.Error(t, err)
}
