package solver

import (
	"context"
	"math"
	"testing"

	"github.com/inria-thoth/dicod/beta"
	"github.com/inria-thoth/dicod/border"
	"github.com/inria-thoth/dicod/internal/strategy"
	"github.com/inria-thoth/dicod/segmentation"
	"github.com/inria-thoth/dicod/signaltile"
	"github.com/inria-thoth/dicod/transport"
	"github.com/inria-thoth/dicod/types/tensor"
	"github.com/inria-thoth/dicod/types/topology"
	"github.com/stretchr/testify/require"
)

func buildSingleWorkerSolver(t *testing.T, reg float64) (*Solver, *signaltile.Tile, *tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	grid, err := topology.NewGrid([]int{1})
	require.NoError(t, err)
	sig := []int{40}
	atom := []int{5}
	valid := []int{sig[0] - atom[0] + 1}
	overlap := []int{atom[0] - 1}
	workers, err := segmentation.NewWorkers(grid, valid, overlap)
	require.NoError(t, err)

	X := tensor.New(tensor.Shape{1, 40})
	D := tensor.New(tensor.Shape{1, 1, 5})
	// a non-constant atom so autocorrelation peaks sharply at zero lag instead of being shift-ambiguous.
	taps := []float64{0.4, -0.1, 0.3, -0.2, 0.25}
	for i, v := range taps {
		D.Set(v, 0, 0, i)
	}
	// plant one activation and generate X by direct convolution so the problem has an exact solution.
	plantedP := 10
	plantedDz := 3.0
	for i, v := range taps {
		X.AddAt(v*plantedDz, 0, plantedP+i)
	}

	tile, err := signaltile.New(0, workers, X, D, nil)
	require.NoError(t, err)

	candidates, err := segmentation.NewCandidates([]int{valid[0]}, atom, 1)
	require.NoError(t, err)

	cc := beta.Precompute(D)
	fabric := transport.NewFabric(1)
	ep := fabric.Endpoint(context.Background(), 0)
	proto := border.New(ep, cc)

	cfg := Config{Strategy: strategy.Greedy, Tol: 1e-8, MaxIter: 1000, Reg: reg, UseSoftLock: true, SoftLockSlack: 1e-9}
	s := New(tile, candidates, cc, proto, cfg)
	return s, tile, X, D
}

func TestGreedySolverRecoversPlantedActivation(t *testing.T) {
	s, tile, _, _ := buildSingleWorkerSolver(t, 0.05)
	ctx := context.Background()

	for i := 0; i < 500 && s.State() != Paused; i++ {
		_, _, err := s.Step(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, Paused, s.State())

	maxAbs := 0.0
	maxAt := -1
	shape := tile.Z.Shape()
	for p := 0; p < shape[1]; p++ {
		v := math.Abs(tile.Z.At(0, p))
		if v > maxAbs {
			maxAbs = v
			maxAt = p
		}
	}
	require.Equal(t, 10, maxAt)
	// L1 shrinkage means the recovered coefficient is biased below the planted 3.0, not equal to it.
	require.Greater(t, tile.Z.At(0, 10), 2.0)
	require.Less(t, tile.Z.At(0, 10), 3.05)
}

func TestEveryAcceptedUpdateExceedsTol(t *testing.T) {
	s, _, _, _ := buildSingleWorkerSolver(t, 0.05)
	ctx := context.Background()
	for i := 0; i < 500 && s.State() != Paused; i++ {
		update, ok, err := s.Step(ctx)
		require.NoError(t, err)
		if ok {
			require.Greater(t, math.Abs(update.Dz), s.cfg.Tol)
		}
	}
}

func TestReconvergingFromTheFinalZYieldsNoUpdates(t *testing.T) {
	s, tile, X, D := buildSingleWorkerSolver(t, 0.05)
	ctx := context.Background()
	for i := 0; i < 500 && s.State() != Paused; i++ {
		_, _, err := s.Step(ctx)
		require.NoError(t, err)
	}

	grid, err := topology.NewGrid([]int{1})
	require.NoError(t, err)
	atom := []int{5}
	valid := []int{X.Axis(1) - atom[0] + 1}
	overlap := []int{atom[0] - 1}
	workers, err := segmentation.NewWorkers(grid, valid, overlap)
	require.NoError(t, err)

	z0 := tensor.New(tensor.Shape{1, valid[0]})
	for p := 0; p < valid[0]; p++ {
		z0.Set(tile.Z.At(0, p), 0, p)
	}

	tile2, err := signaltile.New(0, workers, X, D, z0)
	require.NoError(t, err)
	candidates, err := segmentation.NewCandidates(valid, atom, 1)
	require.NoError(t, err)
	cc := beta.Precompute(D)
	fabric := transport.NewFabric(1)
	ep := fabric.Endpoint(context.Background(), 0)
	proto := border.New(ep, cc)
	cfg := Config{Strategy: strategy.Greedy, Tol: 1e-8, MaxIter: 1000, Reg: 0.05, UseSoftLock: true, SoftLockSlack: 1e-9}
	s2 := New(tile2, candidates, cc, proto, cfg)

	updates := 0
	for i := 0; i < 50 && s2.State() != Paused; i++ {
		_, ok, err := s2.Step(ctx)
		require.NoError(t, err)
		if ok {
			updates++
		}
	}
	require.Equal(t, 0, updates)
}

func TestLambdaAboveMaxYieldsZeroActivation(t *testing.T) {
	s, tile, _, _ := buildSingleWorkerSolver(t, 1e6)
	ctx := context.Background()
	for i := 0; i < 50 && s.State() != Paused; i++ {
		_, _, err := s.Step(ctx)
		require.NoError(t, err)
	}
	shape := tile.Z.Shape()
	for p := 0; p < shape[1]; p++ {
		require.Equal(t, 0.0, tile.Z.At(0, p))
	}
}
