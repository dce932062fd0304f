package model

import (
	"time"

	"github.com/google/uuid"
)

// Phase is one stage of the simulation procedure. Phases only ever advance.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePackGeneration
	PhaseCompaction
	PhaseBonding
	PhaseLoading
	PhaseCompleted
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseIdle:           "idle",
	PhasePackGeneration: "pack_generation",
	PhaseCompaction:     "compaction",
	PhaseBonding:        "bonding",
	PhaseLoading:        "loading",
	PhaseCompleted:      "completed",
	PhaseFailed:         "failed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// HistoryRecord is one sample captured at one solver step during loading.
// Stress is in engine-native units (Pa).
type HistoryRecord struct {
	Step   int64
	Strain float64
	Stress float64
}

// SessionInfo is a read-only summary of a finished session, used for logs
// and tests.
type SessionInfo struct {
	ID          uuid.UUID
	Phase       Phase // Terminal phase reached.
	FailedPhase Phase // Phase that failed; PhaseIdle when none did.
	StartedAt   time.Time
	Duration    time.Duration
	Samples     int
	Error       string // Cause of failure, empty on success.
}
