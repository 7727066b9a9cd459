package beta

import (
	"testing"

	"github.com/inria-thoth/dicod/csc"
	"github.com/inria-thoth/dicod/segmentation"
	"github.com/inria-thoth/dicod/signaltile"
	"github.com/inria-thoth/dicod/types/tensor"
	"github.com/inria-thoth/dicod/types/topology"
	"github.com/stretchr/testify/require"
)

func buildSingleWorkerTile(t *testing.T, sig, atom []int) (*signaltile.Tile, *tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	grid, err := topology.NewGrid([]int{1})
	require.NoError(t, err)
	valid := make([]int, len(sig))
	overlap := make([]int, len(sig))
	for i := range sig {
		valid[i] = sig[i] - atom[i] + 1
		overlap[i] = atom[i] - 1
	}
	workers, err := segmentation.NewWorkers(grid, valid, overlap)
	require.NoError(t, err)

	X := tensor.New(append(tensor.Shape{1}, toShape(sig)...))
	for r := 0; r < sig[0]; r++ {
		for c := 0; c < sig[1]; c++ {
			X.Set(float64(r*sig[1]+c)*0.01, 0, r, c)
		}
	}
	D := tensor.New(tensor.Shape{2, 1, atom[0], atom[1]})
	for k := 0; k < 2; k++ {
		for r := 0; r < atom[0]; r++ {
			for c := 0; c < atom[1]; c++ {
				D.Set(0.05*float64(k+1)+0.01*float64(r+c), k, 0, r, c)
			}
		}
	}

	tile, err := signaltile.New(0, workers, X, D, nil)
	require.NoError(t, err)
	return tile, X, D
}

func toShape(dims []int) tensor.Shape {
	s := make(tensor.Shape, len(dims))
	copy(s, dims)
	return s
}

func TestApplyMatchesFromScratchRecomputation(t *testing.T) {
	tile, X, D := buildSingleWorkerTile(t, []int{20, 20}, []int{3, 3})
	cc := Precompute(D)

	k0, p0 := 0, []int{5, 5}
	dz := 0.37
	tile.Z.AddAt(dz, k0, p0[0], p0[1])
	cc.Apply(tile, k0, p0, dz)

	// Invariant I1: beta[k,p] = [Dk^T * (X - Reconstruct(Z,D))](p) + alpha[k]*Z[k,p]. Recompute it from
	// scratch against the post-update Z and compare against the incrementally updated beta.
	reconstructed, err := csc.Reconstruct(tile.Z, D)
	require.NoError(t, err)

	residual := tensor.New(X.Shape())
	xShape := X.Shape()
	idx := make([]int, len(xShape))
	total := xShape.Size()
	for n := 0; n < total; n++ {
		residual.Set(X.At(idx...)-reconstructed.At(idx...), idx...)
		for axis := len(xShape) - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < xShape[axis] {
				break
			}
			idx[axis] = 0
		}
	}

	residualTerm, err := csc.CrossCorrelate(residual, D)
	require.NoError(t, err)
	alpha := csc.Alpha(D)

	betaShape := tile.Beta.Shape()
	for k := 0; k < betaShape[0]; k++ {
		for r := 0; r < betaShape[1]; r++ {
			for c := 0; c < betaShape[2]; c++ {
				want := residualTerm.At(k, r, c) + alpha[k]*tile.Z.At(k, r, c)
				require.InDelta(t, want, tile.Beta.At(k, r, c), 1e-9)
			}
		}
	}

	for k := 0; k < betaShape[0]; k++ {
		require.Equal(t, alpha[k], cc.Alpha[k])
	}
}

func TestApplyOnlyTouchesNeighborhood(t *testing.T) {
	tile, _, D := buildSingleWorkerTile(t, []int{30, 30}, []int{3, 3})
	cc := Precompute(D)

	before := tile.Beta.Clone()
	lo, hi := cc.Apply(tile, 0, []int{15, 15}, 0.5)

	betaShape := tile.Beta.Shape()
	for k := 0; k < betaShape[0]; k++ {
		for r := 0; r < betaShape[1]; r++ {
			for c := 0; c < betaShape[2]; c++ {
				outside := r < lo[0] || r >= hi[0] || c < lo[1] || c >= hi[1]
				if outside {
					require.Equal(t, before.At(k, r, c), tile.Beta.At(k, r, c),
						"beta outside the update neighborhood must not change")
				}
			}
		}
	}
}

func TestDzOptSoftThresholds(t *testing.T) {
	require.Equal(t, 0.0, DzOpt(0.1, 2.0, 0.0, 1.0, false))
	require.InDelta(t, 0.2, DzOpt(1.0, 2.0, 0.0, 0.6, false), 1e-9)
	require.Equal(t, 0.0, DzOpt(-1.0, 2.0, 0.0, 0.6, true))
}
