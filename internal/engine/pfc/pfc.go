// Package pfc drives an Itasca PFC2D instance by translating each typed
// engine operation into PFC command text.
//
// PFC only accepts commands from inside its own process, so commands travel
// through a Commander. The bundled BridgeCommander speaks a line protocol to
// a small listener running inside PFC: one command per line, answered by a
// line reading "ok" or "err <message>".
package pfc

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ashita-ai/shiken/internal/engine"
)

// Commander executes one PFC command.
type Commander interface {
	Command(ctx context.Context, cmd string) error
}

// Config configures the command translation.
type Config struct {
	// ModelDir holds the FISH scripts ss_wall.fis and fracture.p2fis that
	// define @setup_wall, @axial_strain_wall, @axial_stress_wall and
	// @loadhalt_wall.
	ModelDir string
}

// Engine implements engine.Engine on top of a Commander.
type Engine struct {
	cmd      Commander
	modelDir string
	bonded   bool
}

var _ engine.Engine = (*Engine)(nil)

// New creates a PFC engine.
func New(cmd Commander, cfg Config) *Engine {
	return &Engine{cmd: cmd, modelDir: cfg.ModelDir}
}

func (e *Engine) run(ctx context.Context, op string, cmds ...string) error {
	for _, c := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.cmd.Command(ctx, c); err != nil {
			return fmt.Errorf("pfc: %s: %q: %w", op, c, err)
		}
	}
	return nil
}

// g formats a float the way PFC reads it back without loss.
func g(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// pfcPath converts a path to the forward-slash form PFC expects on every
// platform.
func pfcPath(p string) string {
	return strings.ReplaceAll(filepath.ToSlash(p), `\`, "/")
}

// Reset starts a new model.
func (e *Engine) Reset(ctx context.Context) error {
	e.bonded = false
	return e.run(ctx, "reset", "model new")
}

// BuildContainer creates the domain, the compaction contact model and the
// walls.
func (e *Engine) BuildContainer(ctx context.Context, c engine.Container) error {
	cmds := []string{
		fmt.Sprintf("model domain extent %s %s %s %s condition destroy", g(c.XMin), g(c.XMax), g(c.YMin), g(c.YMax)),
		fmt.Sprintf("contact cmat default model linear method deform emod %s kratio %s", g(c.CompactionEmod), g(c.CompactionRatio)),
		"contact cmat default property dp_nratio 0.5",
	}
	for _, w := range c.Walls {
		cmds = append(cmds, fmt.Sprintf("wall create vertices %s,%s %s,%s id %d", g(w.X1), g(w.Y1), g(w.X2), g(w.Y2), w.ID))
	}
	return e.run(ctx, "build container", cmds...)
}

// GeneratePack distributes balls and calms the initial overlaps.
func (e *Engine) GeneratePack(ctx context.Context, p engine.PackSpec) error {
	return e.run(ctx, "generate pack",
		fmt.Sprintf("model random %d", p.Seed),
		fmt.Sprintf("ball distribute porosity %s radius %s %s box %s %s %s %s",
			g(p.Porosity), g(p.RadiusMin), g(p.RadiusMax), g(p.BoxXMin), g(p.BoxXMax), g(p.BoxYMin), g(p.BoxYMax)),
		fmt.Sprintf("ball attribute density %s damp %s", g(p.Density), g(p.Damping)),
		fmt.Sprintf("model cycle %d calm 10", p.CalmCycles),
	)
}

// Stabilize solves to the target ratio. Before bonding it uses density
// scaling for fast compaction and calms the result; after bonding it takes a
// single cycle to form contacts and then solves directly.
func (e *Engine) Stabilize(ctx context.Context, tolerance float64) error {
	if e.bonded {
		return e.run(ctx, "stabilize",
			"model cycle 1",
			"model solve ratio-average "+g(tolerance),
		)
	}
	return e.run(ctx, "stabilize",
		"model mechanical timestep scale",
		"model solve ratio-average "+g(tolerance),
		"model mechanical timestep auto",
		"model calm",
	)
}

// RemoveWalls deletes walls by id.
func (e *Engine) RemoveWalls(ctx context.Context, ids ...int) error {
	if len(ids) == 0 {
		return nil
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return e.run(ctx, "remove walls", "wall delete range id "+strings.Join(parts, " "))
}

// ApplyBond installs linearpbond on ball-ball contacts and zeroes residual
// state so the bonded specimen starts stress-free.
func (e *Engine) ApplyBond(ctx context.Context, b engine.BondSpec) error {
	err := e.run(ctx, "apply bond",
		"contact model linearpbond range contact type 'ball-ball'",
		"contact method bond gap "+g(b.Gap),
		fmt.Sprintf("contact method deform emod %s krat %s", g(b.Emod), g(b.Kratio)),
		fmt.Sprintf("contact method pb_deform emod %s krat %s", g(b.PBEmod), g(b.PBKratio)),
		fmt.Sprintf("contact property pb_ten %s pb_coh %s pb_fa 0.0", g(b.Ten), g(b.Coh)),
		fmt.Sprintf("contact property fric %s range contact type 'ball-ball'", g(b.Fric)),
		"contact property dp_nratio "+g(b.DampingRatio),
		"ball attribute displacement multiply 0.0",
		"contact property lin_force 0.0 0.0 lin_mode 1",
		"ball attribute force-contact multiply 0.0 moment-contact multiply 0.0",
	)
	if err != nil {
		return err
	}
	e.bonded = true
	return nil
}

// SetWallVelocity assigns an axial velocity.
func (e *Engine) SetWallVelocity(ctx context.Context, id int, vy float64) error {
	return e.run(ctx, "set wall velocity", fmt.Sprintf("wall attribute velocity-y %s range id %d", g(vy), id))
}

// RegisterHistory loads the measurement FISH and registers the strain and
// stress histories as ids 1 and 2.
func (e *Engine) RegisterHistory(ctx context.Context) error {
	return e.run(ctx, "register history",
		fmt.Sprintf("call '%s'", pfcPath(filepath.Join(e.modelDir, "ss_wall.fis"))),
		fmt.Sprintf("call '%s'", pfcPath(filepath.Join(e.modelDir, "fracture.p2fis"))),
		"@setup_wall",
		"history delete",
		"fish history name 1 @axial_strain_wall",
		"fish history name 2 @axial_stress_wall",
	)
}

// SolveUntilHalt runs the warm-up cycles and then solves with the
// @loadhalt_wall predicate, which reads peak_fraction and max_strain.
func (e *Engine) SolveUntilHalt(ctx context.Context, h engine.HaltSpec) error {
	return e.run(ctx, "solve",
		"ball attribute damp "+g(h.Damping),
		fmt.Sprintf("model cycle %d", h.WarmupCycles),
		fmt.Sprintf("[peak_fraction = %s]", g(h.PeakFraction)),
		fmt.Sprintf("[max_strain = %s]", g(h.MaxStrain)),
		"model solve fish-halt @loadhalt_wall",
	)
}

// ExportHistory writes histories 1 and 2 to path.
func (e *Engine) ExportHistory(ctx context.Context, path string) error {
	return e.run(ctx, "export history", fmt.Sprintf("history export 1 2 file '%s'", pfcPath(path)))
}
