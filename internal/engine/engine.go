// Package engine defines the command interface the phase orchestrator uses to
// drive a particle simulation engine.
//
// The engine holds one process-wide model. Every method mutates or queries
// that model; callers must own the engine exclusively between Reset calls.
package engine

import (
	"context"
	"errors"

	"github.com/ashita-ai/shiken/internal/model"
)

var (
	// ErrEquilibriumNotReached is returned by Stabilize when the solver
	// exhausts its step budget above the target ratio.
	ErrEquilibriumNotReached = errors.New("engine: equilibrium not reached")

	// ErrNoModel is returned when a command needs a model component that
	// does not exist yet (no walls, no balls, no registered history).
	ErrNoModel = errors.New("engine: model not initialized")

	// ErrHaltNotReached is returned by SolveUntilHalt when the step budget
	// runs out before the halt predicate fires.
	ErrHaltNotReached = errors.New("engine: halt condition not reached")
)

// Engine is the typed command surface of a simulation engine. Each method
// corresponds to one operation of the phase procedure.
type Engine interface {
	// Reset discards the current model and starts an empty one.
	Reset(ctx context.Context) error

	// BuildContainer creates the domain and the bounding walls.
	BuildContainer(ctx context.Context, c Container) error

	// GeneratePack distributes contact-free balls inside the container.
	GeneratePack(ctx context.Context, p PackSpec) error

	// Stabilize cycles the model until the average unbalanced-force ratio
	// drops below tolerance.
	Stabilize(ctx context.Context, tolerance float64) error

	// RemoveWalls deletes the walls with the given ids.
	RemoveWalls(ctx context.Context, ids ...int) error

	// ApplyBond installs the parallel-bond contact model on every ball-ball
	// contact and zeroes residual forces and displacements.
	ApplyBond(ctx context.Context, b BondSpec) error

	// SetWallVelocity assigns an axial velocity to one wall.
	SetWallVelocity(ctx context.Context, id int, vy float64) error

	// RegisterHistory clears existing histories and starts recording axial
	// strain and axial stress once per solver step.
	RegisterHistory(ctx context.Context) error

	// SolveUntilHalt steps the solver until the halt predicate fires.
	SolveUntilHalt(ctx context.Context, h HaltSpec) error

	// ExportHistory writes the recorded series to path as columnar text:
	// header lines followed by "step strain stress" rows.
	ExportHistory(ctx context.Context, path string) error
}

// Wall is a straight wall segment in the 2D domain.
type Wall struct {
	ID     int
	X1, Y1 float64
	X2, Y2 float64
}

// Container describes the domain extent and the walls of the specimen mould.
type Container struct {
	// Domain extent.
	XMin, XMax float64
	YMin, YMax float64

	// Default linear contact model used during compaction.
	CompactionEmod  float64
	CompactionRatio float64

	Walls []Wall
}

// PackSpec describes the ball assembly generated inside the container.
type PackSpec struct {
	Seed       int
	Porosity   float64
	RadiusMin  float64
	RadiusMax  float64
	BoxXMin    float64
	BoxXMax    float64
	BoxYMin    float64
	BoxYMax    float64
	Density    float64
	Damping    float64
	CalmCycles int
}

// BondSpec carries the bonded-contact inputs.
type BondSpec struct {
	model.BondParams

	Gap          float64 // Bond installation gap.
	DampingRatio float64 // Normal critical damping ratio.
	Tolerance    float64 // Re-solve target ratio after bonding.
}

// HaltSpec is the halt predicate for the loading phase: stop once the axial
// stress has dropped below PeakFraction of its peak after the peak, or once
// the axial strain magnitude reaches MaxStrain, whichever comes first.
type HaltSpec struct {
	PeakFraction float64
	MaxStrain    float64
	WarmupCycles int     // Cycles run before the predicate is evaluated.
	Damping      float64 // Local ball damping during loading.
}
