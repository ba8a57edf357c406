package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateClosing:      "closing",
		StateClosed:       "closed",
		StateFailed:       "failed",
		State(42):         "unknown",
	}
	for st, want := range cases {
		assert.Equal(t, want, st.String())
	}
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateDisconnected.allows(StateConnecting))
	assert.True(t, StateConnecting.allows(StateFailed))
	assert.True(t, StateConnected.allows(StateDisconnected))

	assert.False(t, StateClosing.allows(StateConnected))
	assert.True(t, StateClosing.allows(StateClosed))
	assert.False(t, StateClosed.allows(StateConnecting))
	assert.False(t, StateFailed.allows(StateConnecting))
	assert.True(t, StateFailed.allows(StateClosing))
}

func TestStatesCoversEveryName(t *testing.T) {
	assert.Len(t, States(), len(stateNames))
}
