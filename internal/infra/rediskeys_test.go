package infra

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateSignalRoundTrip(t *testing.T) {
	id, on, ok := ParseStateSignal(StateSignal("agent:with:colons", true))
	assert.True(t, ok)
	assert.True(t, on)
	assert.Equal(t, "agent:with:colons", id)

	id, on, ok = ParseStateSignal(StateSignal("permit_1", false))
	assert.True(t, ok)
	assert.False(t, on)
	assert.Equal(t, "permit_1", id)
}

func TestParseStateSignal_Malformed(t *testing.T) {
	for _, payload := range []string{"", "noseparator", ":true", "agent:"} {
		_, _, ok := ParseStateSignal(payload)
		assert.False(t, ok, payload)
	}
	_, on, ok := ParseStateSignal("agent-1:on")
	assert.True(t, ok)
	assert.True(t, on)
}
