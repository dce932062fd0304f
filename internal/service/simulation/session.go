package simulation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiken/internal/model"
)

// session is the live state of one run. It exists only inside Run.
type session struct {
	id          uuid.UUID
	phase       model.Phase
	failedPhase model.Phase
	startedAt   time.Time
	recording   bool
	err         error
}

func newSession() *session {
	return &session{
		id:        uuid.New(),
		phase:     model.PhaseIdle,
		startedAt: time.Now(),
	}
}

// advance moves to next. Phases only move forward one step at a time;
// Failed is reachable from any non-terminal phase.
func (s *session) advance(next model.Phase) error {
	if s.phase.Terminal() {
		return fmt.Errorf("simulation: session %s already %s", s.id, s.phase)
	}
	if next != model.PhaseFailed && next != s.phase+1 {
		return fmt.Errorf("simulation: illegal transition %s -> %s", s.phase, next)
	}
	s.phase = next
	return nil
}

// fail records the failing phase and the cause, then enters Failed.
func (s *session) fail(err error) {
	if s.phase.Terminal() {
		return
	}
	s.failedPhase = s.phase
	s.err = err
	s.phase = model.PhaseFailed
}

func (s *session) info(samples int) model.SessionInfo {
	info := model.SessionInfo{
		ID:          s.id,
		Phase:       s.phase,
		FailedPhase: s.failedPhase,
		StartedAt:   s.startedAt,
		Duration:    time.Since(s.startedAt),
		Samples:     samples,
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}
