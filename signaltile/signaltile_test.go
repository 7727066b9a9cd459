package signaltile

import (
	"testing"

	"github.com/inria-thoth/dicod/csc"
	"github.com/inria-thoth/dicod/segmentation"
	"github.com/inria-thoth/dicod/types/tensor"
	"github.com/inria-thoth/dicod/types/topology"
	"github.com/stretchr/testify/require"
)

func buildWorkers(t *testing.T, grid []int, sig []int, atom []int) (*segmentation.Workers, []int) {
	t.Helper()
	g, err := topology.NewGrid(grid)
	require.NoError(t, err)
	valid := make([]int, len(sig))
	overlap := make([]int, len(sig))
	for i := range sig {
		valid[i] = sig[i] - atom[i] + 1
		overlap[i] = atom[i] - 1
	}
	w, err := segmentation.NewWorkers(g, valid, overlap)
	require.NoError(t, err)
	return w, valid
}

func TestNewTileBetaMatchesDirectCrossCorrelation(t *testing.T) {
	workers, _ := buildWorkers(t, []int{2, 2}, []int{20, 20}, []int{3, 3})

	X := tensor.New(tensor.Shape{1, 20, 20})
	for r := 0; r < 20; r++ {
		for c := 0; c < 20; c++ {
			X.Set(float64(r*20+c)*0.01, 0, r, c)
		}
	}
	D := tensor.New(tensor.Shape{2, 1, 3, 3})
	D.Fill(0.1)

	tile, err := New(1, workers, X, D, nil)
	require.NoError(t, err)

	require.Equal(t, 2, tile.Beta.Axis(0))
	require.Len(t, tile.Alpha, 2)

	reference, err := csc.CrossCorrelate(X, D)
	require.NoError(t, err)

	// Every halo-local beta value must match the reference cross-correlation at the corresponding
	// global activation coordinate (invariant I1, before any coordinate updates have happened).
	betaShape := tile.Beta.Shape()
	for k := 0; k < betaShape[0]; k++ {
		for r := 0; r < betaShape[1]; r++ {
			for c := 0; c < betaShape[2]; c++ {
				global, err := tile.GlobalOfHaloLocal([]int{r, c})
				require.NoError(t, err)
				require.InDelta(t, reference.At(k, global[0], global[1]), tile.Beta.At(k, r, c), 1e-9)
			}
		}
	}
}

func TestZeroZ0WhenNilInitializesZero(t *testing.T) {
	workers, _ := buildWorkers(t, []int{1, 1}, []int{10, 10}, []int{3, 3})
	X := tensor.New(tensor.Shape{1, 10, 10})
	D := tensor.New(tensor.Shape{1, 1, 3, 3})
	D.Fill(1)

	tile, err := New(0, workers, X, D, nil)
	require.NoError(t, err)
	zShape := tile.Z.Shape()
	idx := make([]int, len(zShape))
	require.Equal(t, 0.0, tile.Z.At(idx...))
}

func TestZ0WarmStartIsCopiedIntoInnerRegion(t *testing.T) {
	workers, valid := buildWorkers(t, []int{1, 1}, []int{10, 10}, []int{3, 3})
	X := tensor.New(tensor.Shape{1, 10, 10})
	D := tensor.New(tensor.Shape{1, 1, 3, 3})
	D.Fill(1)

	z0 := tensor.New(append(tensor.Shape{1}, valid...))
	z0.Set(7, 0, 1, 1)

	tile, err := New(0, workers, X, D, z0)
	require.NoError(t, err)
	require.Equal(t, 7.0, tile.Z.At(0, 1, 1))
}

func TestHaloToInnerLocalRoundTrip(t *testing.T) {
	workers, _ := buildWorkers(t, []int{2, 1}, []int{20, 10}, []int{3, 3})
	tile, err := New(1, workers, tensor.New(tensor.Shape{1, 20, 10}), func() *tensor.Tensor {
		d := tensor.New(tensor.Shape{1, 1, 3, 3})
		d.Fill(1)
		return d
	}(), nil)
	require.NoError(t, err)

	innerPt := []int{0, 0}
	haloPt := tile.InnerToHaloLocal(innerPt)
	back, ok := tile.HaloToInnerLocal(haloPt)
	require.True(t, ok)
	require.Equal(t, innerPt, back)
}
