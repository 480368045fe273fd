package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisabledClientIsNoOp(t *testing.T) {
	c := NewClient(Options{Enabled: false})
	_, ok := c.(NoOpClient)
	assert.True(t, ok)

	// No-op everything without panicking.
	c.Track("event", map[string]any{"k": "v"})
	c.Close()
}

func TestOptOutEnvWins(t *testing.T) {
	t.Setenv("SUDOCODE_TELEMETRY_OPTOUT", "1")
	c := NewClient(Options{Enabled: true})
	_, ok := c.(NoOpClient)
	assert.True(t, ok)
}

func TestTracerDefaultsToNoOp(t *testing.T) {
	tr := Tracer("test")
	assert.NotNil(t, tr)
}
