package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/ingest-cli/internal/config"
)

func TestTransitionTable(t *testing.T) {
	assert.True(t, allowed(StateInit, StateRoute))
	assert.True(t, allowed(StateExtractBatch, StateCrossSegment))
	assert.True(t, allowed(StateExtractBatch, StateNormalize), "single-segment documents skip cross-segment mining")
	assert.True(t, allowed(StateFinalize, StateEnd))
	assert.True(t, allowed(StateError, StateEnd))

	assert.False(t, allowed(StateInit, StateNormalize), "no state skipping")
	assert.False(t, allowed(StateNormalize, StateExtractBatch), "no going backwards")
	assert.False(t, allowed(StateEnd, StateInit), "END is terminal")
	assert.False(t, allowed(StateError, StateRoute), "ERROR only drains to END")
}

func TestEveryStateCanReachError(t *testing.T) {
	for from := range validNext {
		if from == StateError {
			continue
		}
		assert.True(t, allowed(from, StateError), string(from))
	}
}

func TestStateTimeouts(t *testing.T) {
	s := &Supervisor{cfg: config.SupervisorConfig{
		StateTimeout:        30 * time.Second,
		ExtractBatchTimeout: 60 * time.Second,
		CrossSegmentTimeout: 45 * time.Second,
	}}

	assert.Equal(t, 60*time.Second, s.stateTimeout(StateExtractBatch))
	assert.Equal(t, 45*time.Second, s.stateTimeout(StateCrossSegment))
	assert.Equal(t, 30*time.Second, s.stateTimeout(StateInit))
	assert.Equal(t, 30*time.Second, s.stateTimeout(StatePromote))
}
