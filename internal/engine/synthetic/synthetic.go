// Package synthetic implements an in-process engine.Engine that reproduces
// the observable behavior of a bonded-particle compression test without a
// contact solver: the pack converges geometrically toward equilibrium and
// the loaded specimen follows a damage-softening stress-strain law derived
// from the bond parameters.
//
// It is deterministic for a given parameter set and is used for development
// servers and tests.
package synthetic

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/ashita-ai/shiken/internal/engine"
	"github.com/ashita-ai/shiken/internal/model"
)

// Op names one engine command; used for fault injection and command logs.
type Op string

const (
	OpReset           Op = "reset"
	OpBuildContainer  Op = "build_container"
	OpGeneratePack    Op = "generate_pack"
	OpStabilize       Op = "stabilize"
	OpRemoveWalls     Op = "remove_walls"
	OpApplyBond       Op = "apply_bond"
	OpSetWallVelocity Op = "set_wall_velocity"
	OpRegisterHistory Op = "register_history"
	OpSolveUntilHalt  Op = "solve_until_halt"
	OpExportHistory   Op = "export_history"
)

const (
	defaultTimestep   = 1e-5
	defaultStepBudget = 1_000_000
	defaultDecay      = 0.004 // Per-step ratio reduction per unit of damping.
	softeningExponent = 4.0
	ctxCheckInterval  = 1024
)

// Config tunes the synthetic model.
type Config struct {
	// Timestep is the mechanical timestep in seconds. Default: 1e-5.
	Timestep float64
	// StepBudget caps the cycles of any single solve. Default: 1,000,000.
	StepBudget int
	// Decay scales how fast the unbalanced-force ratio falls per cycle.
	// Zero selects the default; a negative value means the model never
	// settles, which is how tests exercise the equilibrium failure path.
	Decay float64
	// Faults makes the named operation fail with the given error.
	Faults map[Op]error
}

// State is a snapshot of the model used by tests to check for leaked state.
type State struct {
	Walls      []int
	Balls      int
	Stabilized bool
	Bonded     bool
	Recording  bool
	Samples    int
	Cycles     int64
}

type wallState struct {
	engine.Wall
	vy float64
}

// Engine is the synthetic engine. Safe for concurrent inspection; commands
// are still expected to come from a single owner.
type Engine struct {
	cfg Config

	mu         sync.Mutex
	walls      map[int]*wallState
	pack       *engine.PackSpec
	balls      int
	ratio      float64
	stabilized bool
	bond       *engine.BondSpec
	recording  bool
	history    []model.HistoryRecord
	cycles     int64
	resets     int
	log        []Op
}

// New creates a synthetic engine.
func New(cfg Config) *Engine {
	if cfg.Timestep <= 0 {
		cfg.Timestep = defaultTimestep
	}
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = defaultStepBudget
	}
	if cfg.Decay == 0 {
		cfg.Decay = defaultDecay
	}
	return &Engine{cfg: cfg, walls: make(map[int]*wallState)}
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) begin(op Op) error {
	e.log = append(e.log, op)
	if err, ok := e.cfg.Faults[op]; ok && err != nil {
		return fmt.Errorf("synthetic: %s: %w", op, err)
	}
	return nil
}

// Reset discards the model.
func (e *Engine) Reset(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpReset); err != nil {
		return err
	}
	e.walls = make(map[int]*wallState)
	e.pack = nil
	e.balls = 0
	e.ratio = 0
	e.stabilized = false
	e.bond = nil
	e.recording = false
	e.history = nil
	e.cycles = 0
	e.resets++
	return nil
}

// BuildContainer creates the walls.
func (e *Engine) BuildContainer(_ context.Context, c engine.Container) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpBuildContainer); err != nil {
		return err
	}
	if c.XMin >= c.XMax || c.YMin >= c.YMax {
		return fmt.Errorf("synthetic: build container: empty domain extent")
	}
	for _, w := range c.Walls {
		if _, dup := e.walls[w.ID]; dup {
			return fmt.Errorf("synthetic: build container: duplicate wall id %d", w.ID)
		}
		e.walls[w.ID] = &wallState{Wall: w}
	}
	return nil
}

// GeneratePack fills the box with non-overlapping balls at the requested
// porosity.
func (e *Engine) GeneratePack(_ context.Context, p engine.PackSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpGeneratePack); err != nil {
		return err
	}
	if len(e.walls) == 0 {
		return fmt.Errorf("synthetic: generate pack: %w", engine.ErrNoModel)
	}
	if p.Porosity <= 0 || p.Porosity >= 1 {
		return fmt.Errorf("synthetic: generate pack: porosity %g out of range (0,1)", p.Porosity)
	}
	if p.RadiusMin <= 0 || p.RadiusMax < p.RadiusMin {
		return fmt.Errorf("synthetic: generate pack: invalid radius range [%g, %g]", p.RadiusMin, p.RadiusMax)
	}
	boxArea := (p.BoxXMax - p.BoxXMin) * (p.BoxYMax - p.BoxYMin)
	if boxArea <= 0 {
		return fmt.Errorf("synthetic: generate pack: empty box")
	}
	rMean := (p.RadiusMin + p.RadiusMax) / 2
	e.balls = int(boxArea * (1 - p.Porosity) / (math.Pi * rMean * rMean))
	if e.balls == 0 {
		return fmt.Errorf("synthetic: generate pack: box too small for radius %g", rMean)
	}
	pc := p
	e.pack = &pc
	e.ratio = 1
	e.cycles += int64(p.CalmCycles)
	return nil
}

// Stabilize cycles until the unbalanced-force ratio falls below tolerance.
func (e *Engine) Stabilize(ctx context.Context, tolerance float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpStabilize); err != nil {
		return err
	}
	if e.pack == nil {
		return fmt.Errorf("synthetic: stabilize: %w", engine.ErrNoModel)
	}
	decay := 1 - e.cfg.Decay*e.pack.Damping
	for step := 0; e.ratio > tolerance; step++ {
		if step >= e.cfg.StepBudget || decay >= 1 {
			return fmt.Errorf("synthetic: stabilize: ratio %.3g after %d cycles: %w",
				e.ratio, step, engine.ErrEquilibriumNotReached)
		}
		if step%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		e.ratio *= decay
		e.cycles++
	}
	e.stabilized = true
	return nil
}

// RemoveWalls deletes walls by id.
func (e *Engine) RemoveWalls(_ context.Context, ids ...int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpRemoveWalls); err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := e.walls[id]; !ok {
			return fmt.Errorf("synthetic: remove walls: no wall with id %d", id)
		}
		delete(e.walls, id)
	}
	return nil
}

// ApplyBond installs the parallel-bond model.
func (e *Engine) ApplyBond(_ context.Context, b engine.BondSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpApplyBond); err != nil {
		return err
	}
	if e.balls == 0 || !e.stabilized {
		return fmt.Errorf("synthetic: apply bond: %w", engine.ErrNoModel)
	}
	switch {
	case b.Emod <= 0, b.PBEmod <= 0:
		return fmt.Errorf("synthetic: apply bond: moduli must be positive")
	case b.Kratio <= 0, b.PBKratio <= 0:
		return fmt.Errorf("synthetic: apply bond: stiffness ratios must be positive")
	case b.Fric < 0, b.Coh < 0, b.Ten < 0:
		return fmt.Errorf("synthetic: apply bond: strengths must be non-negative")
	}
	bc := b
	e.bond = &bc
	// Bonding zeroes contact forces; the re-solve starts from a small
	// residual ratio rather than from scratch.
	e.ratio = 1e-3
	e.stabilized = false
	return nil
}

// SetWallVelocity assigns an axial velocity.
func (e *Engine) SetWallVelocity(_ context.Context, id int, vy float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpSetWallVelocity); err != nil {
		return err
	}
	w, ok := e.walls[id]
	if !ok {
		return fmt.Errorf("synthetic: set wall velocity: no wall with id %d", id)
	}
	w.vy = vy
	return nil
}

// RegisterHistory starts per-step recording.
func (e *Engine) RegisterHistory(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpRegisterHistory); err != nil {
		return err
	}
	if len(e.walls) == 0 {
		return fmt.Errorf("synthetic: register history: %w", engine.ErrNoModel)
	}
	e.history = nil
	e.recording = true
	return nil
}

// SolveUntilHalt runs the loading test.
func (e *Engine) SolveUntilHalt(ctx context.Context, h engine.HaltSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpSolveUntilHalt); err != nil {
		return err
	}
	top, bottom := e.walls[engine.TopWallID], e.walls[engine.BottomWallID]
	if top == nil || bottom == nil || e.bond == nil || !e.recording {
		return fmt.Errorf("synthetic: solve: %w", engine.ErrNoModel)
	}
	closing := bottom.vy - top.vy
	if closing <= 0 {
		return fmt.Errorf("synthetic: solve: platens are not approaching each other")
	}
	if h.PeakFraction <= 0 || h.PeakFraction >= 1 || h.MaxStrain <= 0 {
		return fmt.Errorf("synthetic: solve: invalid halt predicate %+v", h)
	}

	h0 := top.Y1 - bottom.Y1
	modulus, strainScale := e.constitutive()
	var peak float64
	for step := 1; ; step++ {
		if step > e.cfg.StepBudget {
			return fmt.Errorf("synthetic: solve: %d cycles: %w", e.cfg.StepBudget, engine.ErrHaltNotReached)
		}
		if step%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		top.Y1 += top.vy * e.cfg.Timestep
		top.Y2 = top.Y1
		bottom.Y1 += bottom.vy * e.cfg.Timestep
		bottom.Y2 = bottom.Y1
		e.cycles++

		strain := (h0 - (top.Y1 - bottom.Y1)) / h0
		x := strain / strainScale
		stress := modulus * strain * math.Exp(-math.Pow(x, softeningExponent))
		e.history = append(e.history, model.HistoryRecord{Step: e.cycles, Strain: strain, Stress: stress})

		if stress > peak {
			peak = stress
		}
		if step <= h.WarmupCycles {
			continue
		}
		if strain >= h.MaxStrain {
			return nil
		}
		if peak > 0 && stress < h.PeakFraction*peak {
			return nil
		}
	}
}

// constitutive derives the specimen modulus and the softening strain scale
// from the bond and pack parameters.
func (e *Engine) constitutive() (modulus, strainScale float64) {
	b := e.bond
	solid := 1 - e.pack.Porosity
	modulus = 0.5 * (b.Emod + b.PBEmod) * solid
	strength := 0.5 * (b.Coh + b.Ten) * (1 + b.Fric) * solid
	// Peak of E·ε·exp(-(ε/s)^n) is at ε = s·n^(-1/n); place it where the
	// elastic line meets the strength.
	peakStrain := strength / modulus
	strainScale = peakStrain / math.Pow(1/softeningExponent, 1/softeningExponent)
	if strainScale <= 0 {
		strainScale = math.SmallestNonzeroFloat64
	}
	return modulus, strainScale
}

// ExportHistory writes the recorded series as columnar text.
func (e *Engine) ExportHistory(_ context.Context, path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(OpExportHistory); err != nil {
		return err
	}
	if !e.recording {
		return fmt.Errorf("synthetic: export history: %w", engine.ErrNoModel)
	}
	f, err := os.Create(path) //nolint:gosec // path comes from server configuration
	if err != nil {
		return fmt.Errorf("synthetic: export history: %w", err)
	}
	w := bufio.NewWriter(f)
	_, _ = fmt.Fprintf(w, "; history export, %d records\n", len(e.history))
	_, _ = fmt.Fprintln(w, "step 1:axial_strain_wall 2:axial_stress_wall")
	for _, r := range e.history {
		_, _ = fmt.Fprintf(w, "%d %.10e %.10e\n", r.Step, r.Strain, r.Stress)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("synthetic: export history: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("synthetic: export history: %w", err)
	}
	return nil
}

// Snapshot returns the current model state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := State{
		Balls:      e.balls,
		Stabilized: e.stabilized,
		Bonded:     e.bond != nil,
		Recording:  e.recording,
		Samples:    len(e.history),
		Cycles:     e.cycles,
	}
	for id := range e.walls {
		s.Walls = append(s.Walls, id)
	}
	return s
}

// History returns a copy of the recorded samples.
func (e *Engine) History() []model.HistoryRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.HistoryRecord, len(e.history))
	copy(out, e.history)
	return out
}

// Resets returns how many times Reset succeeded.
func (e *Engine) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}

// Commands returns the operations issued so far, in order.
func (e *Engine) Commands() []Op {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Op, len(e.log))
	copy(out, e.log)
	return out
}

// SetFault installs or clears (err == nil) a fault for op.
func (e *Engine) SetFault(op Op, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.Faults == nil {
		e.cfg.Faults = make(map[Op]error)
	}
	if err == nil {
		delete(e.cfg.Faults, op)
		return
	}
	e.cfg.Faults[op] = err
}
