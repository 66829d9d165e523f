package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaNextStage(t *testing.T) {
	t.Run("advances exactly one stage", func(t *testing.T) {
		s := &Saga{UID: "tx-1"}
		require.NoError(t, s.NextStage())
		assert.Equal(t, StageAckPending, s.Stage)
		require.NoError(t, s.NextStage())
		assert.Equal(t, StageCommitted, s.Stage)
	})

	t.Run("fails on terminal stages", func(t *testing.T) {
		for _, stage := range []Stage{StageCommitted, StageRolledBack} {
			s := &Saga{UID: "tx-1", Stage: stage}
			err := s.NextStage()
			assert.True(t, errors.Is(err, ErrStageOutOfRange), "stage %s", stage)
			assert.Equal(t, stage, s.Stage)
		}
	})
}

func TestSagaRollBack(t *testing.T) {
	for _, stage := range []Stage{StageInitialized, StageAckPending} {
		s := &Saga{UID: "tx-1", Stage: stage}
		require.NoError(t, s.RollBack("timeout"))
		assert.Equal(t, StageRolledBack, s.Stage)
		assert.Equal(t, "timeout", s.Reason)
	}

	s := &Saga{UID: "tx-1", Stage: StageCommitted}
	assert.ErrorIs(t, s.RollBack("late"), ErrStageOutOfRange)
	assert.Equal(t, StageCommitted, s.Stage)
}

func TestStageJSON(t *testing.T) {
	b, err := json.Marshal(Saga{UID: "x", Stage: StageAckPending})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"stage":"ACK_PENDING"`)

	var s Saga
	require.NoError(t, json.Unmarshal(b, &s))
	assert.Equal(t, StageAckPending, s.Stage)

	_, err = ParseStage("DONE")
	assert.Error(t, err)
}
