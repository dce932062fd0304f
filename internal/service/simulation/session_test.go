package simulation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiken/internal/model"
)

func TestSessionAdvancesInOrder(t *testing.T) {
	s := newSession()
	assert.Equal(t, model.PhaseIdle, s.phase)
	for _, p := range []model.Phase{
		model.PhasePackGeneration,
		model.PhaseCompaction,
		model.PhaseBonding,
		model.PhaseLoading,
		model.PhaseCompleted,
	} {
		require.NoError(t, s.advance(p))
		assert.Equal(t, p, s.phase)
	}
	info := s.info(12)
	assert.Equal(t, model.PhaseCompleted, info.Phase)
	assert.Equal(t, 12, info.Samples)
	assert.Empty(t, info.Error)
}

func TestSessionRejectsSkipsAndRegressions(t *testing.T) {
	s := newSession()
	assert.Error(t, s.advance(model.PhaseBonding), "cannot skip compaction")
	assert.Error(t, s.advance(model.PhaseCompleted), "cannot complete from idle")

	require.NoError(t, s.advance(model.PhasePackGeneration))
	require.NoError(t, s.advance(model.PhaseCompaction))
	assert.Error(t, s.advance(model.PhasePackGeneration), "phases never move backwards")
	assert.Error(t, s.advance(model.PhaseCompaction), "phases never repeat")
	assert.Equal(t, model.PhaseCompaction, s.phase)
}

func TestSessionFailRecordsPhase(t *testing.T) {
	s := newSession()
	require.NoError(t, s.advance(model.PhasePackGeneration))
	require.NoError(t, s.advance(model.PhaseCompaction))

	s.fail(errors.New("not settled"))
	info := s.info(0)
	assert.Equal(t, model.PhaseFailed, info.Phase)
	assert.Equal(t, model.PhaseCompaction, info.FailedPhase)
	assert.Equal(t, "not settled", info.Error)
}

func TestSessionTerminalIsFinal(t *testing.T) {
	s := newSession()
	s.fail(errors.New("first"))
	s.fail(errors.New("second"))
	assert.Equal(t, "first", s.err.Error())
	assert.Error(t, s.advance(model.PhasePackGeneration))
	assert.Error(t, s.advance(model.PhaseFailed))
}

func TestSessionIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, newSession().id, newSession().id)
}
