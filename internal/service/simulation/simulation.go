// Package simulation drives an engine through the four-phase uniaxial
// compression procedure:
//
//	pack generation → compaction → bonding → loading → (history extraction)
//
// Phases run strictly in order. The first engine error aborts the run; there
// is no retry and no resume, and no partial history is ever returned. The
// engine model is reset when a run starts and discarded when it ends, so no
// state is visible across runs.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/shiken/internal/ctxutil"
	"github.com/ashita-ai/shiken/internal/engine"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/service/history"
	"github.com/ashita-ai/shiken/internal/telemetry"
)

// ErrBusy is returned when a run is attempted while another one owns the
// engine.
var ErrBusy = errors.New("simulation: engine busy")

// Extractor turns the engine's recorded history into a result.
type Extractor interface {
	Extract(ctx context.Context, ex history.Exporter) (model.SimulationResult, error)
}

// Config holds the orchestrator's dependencies and procedure settings.
// Zero-valued procedure settings fall back to the standard specimen.
type Config struct {
	// Required dependencies.
	Engine    engine.Engine
	Extractor Extractor
	Logger    *slog.Logger

	// Procedure settings.
	Container        *engine.Container
	Pack             *engine.PackSpec
	WallVelocity     float64 // Speed of each platen, m/s. Default: 0.05.
	Halt             engine.HaltSpec
	BondGap          float64 // Default: 0.5e-4.
	BondDampingRatio float64 // Default: 0.5.
}

const (
	defaultWallVelocity     = 0.05
	defaultPeakFraction     = 0.7
	defaultMaxStrain        = 0.05
	defaultWarmupCycles     = 1000
	defaultLoadDamping      = 0.1
	defaultBondGap          = 0.5e-4
	defaultBondDampingRatio = 0.5
)

// Orchestrator runs simulations against one engine.
type Orchestrator struct {
	eng       engine.Engine
	extractor Extractor
	logger    *slog.Logger
	owner     *semaphore.Weighted

	container   engine.Container
	pack        engine.PackSpec
	velocity    float64
	halt        engine.HaltSpec
	bondGap     float64
	bondDamping float64

	tracer        trace.Tracer
	runs          metric.Int64Counter
	phaseDuration metric.Float64Histogram
	samples       metric.Int64Histogram
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("simulation: engine is required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("simulation: extractor is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	o := &Orchestrator{
		eng:         cfg.Engine,
		extractor:   cfg.Extractor,
		logger:      cfg.Logger,
		owner:       semaphore.NewWeighted(1),
		container:   engine.DefaultContainer(),
		pack:        engine.DefaultPack(),
		velocity:    cfg.WallVelocity,
		halt:        cfg.Halt,
		bondGap:     cfg.BondGap,
		bondDamping: cfg.BondDampingRatio,
		tracer:      telemetry.Tracer("shiken/simulation"),
	}
	if cfg.Container != nil {
		o.container = *cfg.Container
	}
	if cfg.Pack != nil {
		o.pack = *cfg.Pack
	}
	if o.velocity <= 0 {
		o.velocity = defaultWallVelocity
	}
	if o.halt.PeakFraction == 0 {
		o.halt.PeakFraction = defaultPeakFraction
	}
	if o.halt.MaxStrain == 0 {
		o.halt.MaxStrain = defaultMaxStrain
	}
	if o.halt.WarmupCycles == 0 {
		o.halt.WarmupCycles = defaultWarmupCycles
	}
	if o.halt.Damping == 0 {
		o.halt.Damping = defaultLoadDamping
	}
	if o.bondGap == 0 {
		o.bondGap = defaultBondGap
	}
	if o.bondDamping == 0 {
		o.bondDamping = defaultBondDampingRatio
	}
	if o.halt.PeakFraction <= 0 || o.halt.PeakFraction >= 1 {
		return nil, fmt.Errorf("simulation: peak fraction %g must be in (0,1)", o.halt.PeakFraction)
	}
	if o.halt.MaxStrain <= 0 {
		return nil, fmt.Errorf("simulation: max strain %g must be positive", o.halt.MaxStrain)
	}
	if o.halt.WarmupCycles < 0 {
		return nil, fmt.Errorf("simulation: warm-up cycles %d must not be negative", o.halt.WarmupCycles)
	}

	meter := telemetry.Meter("shiken/simulation")
	o.runs, _ = meter.Int64Counter("shiken.simulation.runs",
		metric.WithDescription("Simulation runs by terminal status"),
	)
	o.phaseDuration, _ = meter.Float64Histogram("shiken.simulation.phase.duration",
		metric.WithDescription("Time spent in each simulation phase (ms)"),
		metric.WithUnit("ms"),
	)
	o.samples, _ = meter.Int64Histogram("shiken.simulation.samples",
		metric.WithDescription("History samples returned per completed run"),
	)
	return o, nil
}

// Run executes one simulation for params and always returns a well-formed
// result: a success result with equal-length series, or an empty failure
// result. The SessionInfo describes how far the run got.
func (o *Orchestrator) Run(ctx context.Context, params model.ParameterSet) (model.SimulationResult, model.SessionInfo) {
	sess := newSession()
	ctx = ctxutil.WithSessionID(ctx, sess.id)
	logger := o.logger.With("session_id", sess.id.String())
	if remote := ctxutil.RemoteAddrFromContext(ctx); remote != "" {
		logger = logger.With("remote", remote)
	}

	if !o.owner.TryAcquire(1) {
		sess.fail(ErrBusy)
		return model.FailureResult(ErrBusy.Error()), sess.info(0)
	}
	defer o.owner.Release(1)

	ctx, span := o.tracer.Start(ctx, "simulation.run",
		trace.WithAttributes(attribute.String("shiken.session_id", sess.id.String())),
	)
	defer span.End()

	result := o.run(ctx, sess, params, logger)

	// The model is discarded whatever the outcome; the next run's reset in
	// pack generation is what actually guarantees a clean start.
	if err := o.eng.Reset(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("simulation: discard model failed", "error", err)
	}

	status := string(result.Status)
	span.SetAttributes(attribute.String("shiken.status", status))
	if !result.OK() {
		span.SetStatus(codes.Error, result.Error)
	}
	o.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))

	info := sess.info(len(result.Strain))
	if result.OK() {
		o.samples.Record(ctx, int64(len(result.Strain)))
		logger.Info("simulation: completed", "samples", info.Samples, "duration", info.Duration)
	} else {
		logger.Warn("simulation: failed", "phase", info.FailedPhase.String(), "error", info.Error, "duration", info.Duration)
	}
	return result, info
}

func (o *Orchestrator) run(ctx context.Context, sess *session, params model.ParameterSet, logger *slog.Logger) model.SimulationResult {
	bond, err := params.BondParams()
	if err != nil {
		sess.fail(err)
		return model.FailureResult(err.Error())
	}
	pack := o.packFor(params)

	phases := []struct {
		phase model.Phase
		fn    func(context.Context) error
	}{
		{model.PhasePackGeneration, func(ctx context.Context) error { return o.generatePack(ctx, pack) }},
		{model.PhaseCompaction, o.compact},
		{model.PhaseBonding, func(ctx context.Context) error { return o.bond(ctx, bond) }},
		{model.PhaseLoading, func(ctx context.Context) error { return o.load(ctx, sess) }},
	}
	for _, p := range phases {
		if err := sess.advance(p.phase); err != nil {
			sess.fail(err)
			return model.FailureResult(err.Error())
		}
		if err := o.runPhase(ctx, p.phase, p.fn, logger); err != nil {
			if sess.recording {
				logger.Debug("simulation: discarding partial history", "phase", p.phase.String())
			}
			sess.fail(err)
			return model.FailureResult(fmt.Sprintf("%s: %v", p.phase, err))
		}
	}
	if err := sess.advance(model.PhaseCompleted); err != nil {
		sess.fail(err)
		return model.FailureResult(err.Error())
	}

	res, err := o.extractor.Extract(ctx, o.eng)
	if err != nil {
		logger.Error("simulation: history extraction failed", "error", err)
		sess.err = err
		return model.FailureResult(err.Error())
	}
	return res
}

func (o *Orchestrator) runPhase(ctx context.Context, phase model.Phase, fn func(context.Context) error, logger *slog.Logger) error {
	ctx, span := o.tracer.Start(ctx, "simulation.phase."+phase.String())
	defer span.End()

	logger.Debug("simulation: phase started", "phase", phase.String())
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	o.phaseDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(
			attribute.String("phase", phase.String()),
			attribute.Bool("ok", err == nil),
		),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Debug("simulation: phase finished", "phase", phase.String(), "elapsed", elapsed)
	return nil
}

// packFor applies the optional pack controls carried by params.
func (o *Orchestrator) packFor(params model.ParameterSet) engine.PackSpec {
	pack := o.pack
	if v, ok := params.Lookup(model.ParamPorosity); ok {
		pack.Porosity = v
	}
	if v, ok := params.Lookup(model.ParamRadiusMin); ok {
		pack.RadiusMin = v
	}
	if v, ok := params.Lookup(model.ParamRadiusMax); ok {
		pack.RadiusMax = v
	}
	return pack
}

// Phase 1: fresh model, mould, unbonded assembly.
func (o *Orchestrator) generatePack(ctx context.Context, pack engine.PackSpec) error {
	if err := o.eng.Reset(ctx); err != nil {
		return err
	}
	if err := o.eng.BuildContainer(ctx, o.container); err != nil {
		return err
	}
	return o.eng.GeneratePack(ctx, pack)
}

// Phase 2: settle the assembly and release the lateral confinement.
func (o *Orchestrator) compact(ctx context.Context) error {
	if err := o.eng.Stabilize(ctx, engine.CompactionTolerance); err != nil {
		return err
	}
	return o.eng.RemoveWalls(ctx, engine.LateralWalls()...)
}

// Phase 3: bond every ball-ball contact and re-solve stress-free.
func (o *Orchestrator) bond(ctx context.Context, b model.BondParams) error {
	spec := engine.BondSpec{
		BondParams:   b,
		Gap:          o.bondGap,
		DampingRatio: o.bondDamping,
		Tolerance:    engine.BondedTolerance,
	}
	if err := o.eng.ApplyBond(ctx, spec); err != nil {
		return err
	}
	return o.eng.Stabilize(ctx, spec.Tolerance)
}

// Phase 4: record strain and stress while the platens close.
func (o *Orchestrator) load(ctx context.Context, sess *session) error {
	if err := o.eng.RegisterHistory(ctx); err != nil {
		return err
	}
	sess.recording = true
	if err := o.eng.SetWallVelocity(ctx, engine.TopWallID, -o.velocity); err != nil {
		return err
	}
	if err := o.eng.SetWallVelocity(ctx, engine.BottomWallID, o.velocity); err != nil {
		return err
	}
	return o.eng.SolveUntilHalt(ctx, o.halt)
}
