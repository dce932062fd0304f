package synthetic_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiken/internal/engine"
	"github.com/ashita-ai/shiken/internal/engine/synthetic"
	"github.com/ashita-ai/shiken/internal/model"
	"github.com/ashita-ai/shiken/internal/service/history"
)

func bondSpec() engine.BondSpec {
	return engine.BondSpec{
		BondParams: model.BondParams{
			Emod: 1e9, Kratio: 1.5, PBEmod: 1e9, PBKratio: 1.5,
			Fric: 0.5, Coh: 1e7, Ten: 1e7,
		},
		Gap:          0.5e-4,
		DampingRatio: 0.5,
		Tolerance:    engine.BondedTolerance,
	}
}

func halt() engine.HaltSpec {
	return engine.HaltSpec{PeakFraction: 0.7, MaxStrain: 0.05, WarmupCycles: 1000, Damping: 0.1}
}

// runProcedure drives e through the full test and returns the first error.
func runProcedure(ctx context.Context, e engine.Engine) error {
	steps := []func() error{
		func() error { return e.Reset(ctx) },
		func() error { return e.BuildContainer(ctx, engine.DefaultContainer()) },
		func() error { return e.GeneratePack(ctx, engine.DefaultPack()) },
		func() error { return e.Stabilize(ctx, engine.CompactionTolerance) },
		func() error { return e.RemoveWalls(ctx, engine.LateralWalls()...) },
		func() error { return e.ApplyBond(ctx, bondSpec()) },
		func() error { return e.Stabilize(ctx, engine.BondedTolerance) },
		func() error { return e.RegisterHistory(ctx) },
		func() error { return e.SetWallVelocity(ctx, engine.TopWallID, -0.05) },
		func() error { return e.SetWallVelocity(ctx, engine.BottomWallID, 0.05) },
		func() error { return e.SolveUntilHalt(ctx, halt()) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func TestFullProcedure(t *testing.T) {
	e := synthetic.New(synthetic.Config{})
	require.NoError(t, runProcedure(context.Background(), e))

	st := e.Snapshot()
	assert.ElementsMatch(t, []int{engine.TopWallID, engine.BottomWallID}, st.Walls)
	assert.Positive(t, st.Balls)
	assert.True(t, st.Bonded)
	assert.True(t, st.Recording)

	hist := e.History()
	require.NotEmpty(t, hist)
	assert.Greater(t, len(hist), 1000, "halt is never checked during warm-up")
	for i := 1; i < len(hist); i++ {
		assert.Greater(t, hist[i].Step, hist[i-1].Step)
		assert.Greater(t, hist[i].Strain, hist[i-1].Strain)
	}

	// The run stops post-peak, below the configured fraction of the peak.
	var peak float64
	for _, r := range hist {
		peak = max(peak, r.Stress)
	}
	last := hist[len(hist)-1]
	assert.Less(t, last.Stress, 0.7*peak)
	assert.Less(t, last.Strain, 0.05)
}

func TestDeterministic(t *testing.T) {
	a := synthetic.New(synthetic.Config{})
	b := synthetic.New(synthetic.Config{})
	require.NoError(t, runProcedure(context.Background(), a))
	require.NoError(t, runProcedure(context.Background(), b))
	assert.Equal(t, a.History(), b.History())
}

func TestMaxStrainCapHalts(t *testing.T) {
	e := synthetic.New(synthetic.Config{})
	ctx := context.Background()
	require.NoError(t, runProcedure(ctx, e))

	// Repeat loading with a cap well before the peak.
	e2 := synthetic.New(synthetic.Config{})
	h := halt()
	h.MaxStrain = 0.015
	require.NoError(t, e2.Reset(ctx))
	require.NoError(t, e2.BuildContainer(ctx, engine.DefaultContainer()))
	require.NoError(t, e2.GeneratePack(ctx, engine.DefaultPack()))
	require.NoError(t, e2.Stabilize(ctx, engine.CompactionTolerance))
	require.NoError(t, e2.RemoveWalls(ctx, engine.LateralWalls()...))
	require.NoError(t, e2.ApplyBond(ctx, bondSpec()))
	require.NoError(t, e2.Stabilize(ctx, engine.BondedTolerance))
	require.NoError(t, e2.RegisterHistory(ctx))
	require.NoError(t, e2.SetWallVelocity(ctx, engine.TopWallID, -0.05))
	require.NoError(t, e2.SetWallVelocity(ctx, engine.BottomWallID, 0.05))
	require.NoError(t, e2.SolveUntilHalt(ctx, h))

	hist := e2.History()
	require.NotEmpty(t, hist)
	assert.InDelta(t, 0.015, hist[len(hist)-1].Strain, 1e-4)
	assert.Less(t, len(hist), len(e.History()))
}

func TestStabilizeNeverSettles(t *testing.T) {
	e := synthetic.New(synthetic.Config{Decay: -1})
	ctx := context.Background()
	require.NoError(t, e.Reset(ctx))
	require.NoError(t, e.BuildContainer(ctx, engine.DefaultContainer()))
	require.NoError(t, e.GeneratePack(ctx, engine.DefaultPack()))

	err := e.Stabilize(ctx, engine.CompactionTolerance)
	assert.ErrorIs(t, err, engine.ErrEquilibriumNotReached)
}

func TestStabilizeBudgetExhausted(t *testing.T) {
	e := synthetic.New(synthetic.Config{StepBudget: 10})
	ctx := context.Background()
	require.NoError(t, e.Reset(ctx))
	require.NoError(t, e.BuildContainer(ctx, engine.DefaultContainer()))
	require.NoError(t, e.GeneratePack(ctx, engine.DefaultPack()))

	err := e.Stabilize(ctx, engine.CompactionTolerance)
	assert.ErrorIs(t, err, engine.ErrEquilibriumNotReached)
}

func TestOperationsRequireModel(t *testing.T) {
	ctx := context.Background()
	e := synthetic.New(synthetic.Config{})

	assert.ErrorIs(t, e.GeneratePack(ctx, engine.DefaultPack()), engine.ErrNoModel)
	assert.ErrorIs(t, e.Stabilize(ctx, engine.CompactionTolerance), engine.ErrNoModel)
	assert.ErrorIs(t, e.ApplyBond(ctx, bondSpec()), engine.ErrNoModel)
	assert.ErrorIs(t, e.RegisterHistory(ctx), engine.ErrNoModel)
	assert.ErrorIs(t, e.SolveUntilHalt(ctx, halt()), engine.ErrNoModel)
	assert.ErrorIs(t, e.ExportHistory(ctx, filepath.Join(t.TempDir(), "h.txt")), engine.ErrNoModel)
}

func TestApplyBondRejectsInvalidParameters(t *testing.T) {
	ctx := context.Background()
	e := synthetic.New(synthetic.Config{})
	require.NoError(t, e.Reset(ctx))
	require.NoError(t, e.BuildContainer(ctx, engine.DefaultContainer()))
	require.NoError(t, e.GeneratePack(ctx, engine.DefaultPack()))
	require.NoError(t, e.Stabilize(ctx, engine.CompactionTolerance))

	b := bondSpec()
	b.Emod = 0
	assert.Error(t, e.ApplyBond(ctx, b))

	b = bondSpec()
	b.Ten = -1
	assert.Error(t, e.ApplyBond(ctx, b))
}

func TestBuildContainerRejectsDuplicateWalls(t *testing.T) {
	c := engine.DefaultContainer()
	c.Walls = append(c.Walls, c.Walls[0])
	err := synthetic.New(synthetic.Config{}).BuildContainer(context.Background(), c)
	assert.ErrorContains(t, err, "duplicate wall id")
}

func TestResetClearsEverything(t *testing.T) {
	ctx := context.Background()
	e := synthetic.New(synthetic.Config{})
	require.NoError(t, runProcedure(ctx, e))
	require.NoError(t, e.Reset(ctx))

	assert.Equal(t, synthetic.State{}, e.Snapshot())
	assert.Empty(t, e.History())
	assert.Equal(t, 2, e.Resets())
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("solver crashed")
	e := synthetic.New(synthetic.Config{Faults: map[synthetic.Op]error{synthetic.OpApplyBond: boom}})

	err := runProcedure(ctx, e)
	require.ErrorIs(t, err, boom)
	cmds := e.Commands()
	assert.Equal(t, synthetic.OpApplyBond, cmds[len(cmds)-1])

	e.SetFault(synthetic.OpApplyBond, nil)
	assert.NoError(t, runProcedure(ctx, e))
}

func TestSolveHonorsCancellation(t *testing.T) {
	ctx := context.Background()
	e := synthetic.New(synthetic.Config{})
	require.NoError(t, e.Reset(ctx))
	require.NoError(t, e.BuildContainer(ctx, engine.DefaultContainer()))
	require.NoError(t, e.GeneratePack(ctx, engine.DefaultPack()))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, e.Stabilize(cctx, engine.CompactionTolerance), context.Canceled)
}

func TestExportHistoryParses(t *testing.T) {
	ctx := context.Background()
	e := synthetic.New(synthetic.Config{})
	require.NoError(t, runProcedure(ctx, e))

	path := filepath.Join(t.TempDir(), "history.txt")
	require.NoError(t, e.ExportHistory(ctx, path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	strain, stress, err := history.ParseSeries(f, 1, true)
	require.NoError(t, err)
	hist := e.History()
	require.Len(t, strain, len(hist))
	require.Len(t, stress, len(hist))
	for i, r := range hist {
		assert.InEpsilon(t, r.Strain, strain[i], 1e-9)
		assert.InEpsilon(t, r.Stress, stress[i], 1e-9)
	}
}
