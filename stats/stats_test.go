package stats

import (
	"testing"

	"github.com/inria-thoth/dicod/csc"
	"github.com/inria-thoth/dicod/types/tensor"
	"github.com/stretchr/testify/require"
)

func TestReconstructCostTracksDirectCost(t *testing.T) {
	X := tensor.New(tensor.Shape{1, 10})
	D := tensor.New(tensor.Shape{1, 1, 3})
	D.Set(0.5, 0, 0, 0)
	D.Set(-0.2, 0, 0, 1)
	D.Set(0.3, 0, 0, 2)
	for p := 0; p < 10; p++ {
		X.Set(float64(p)*0.1, 0, p)
	}
	validShape := []int{8}

	log := NewCostLog()
	log.Record(Entry{TUpdate: 1.0, LocalIter: 1, Rank: 0, Atom: 0, PInner: []int{2}, Dz: 1.5})
	log.Record(Entry{TUpdate: 2.0, LocalIter: 2, Rank: 0, Atom: 0, PInner: []int{5}, Dz: -0.7})

	points, err := ReconstructCost(X, D, 0.1, nil, 1, validShape, log)
	require.NoError(t, err)
	require.NotEmpty(t, points)
	// the final point always reflects every logged update having been applied.
	last := points[len(points)-1]
	require.Equal(t, 2, last.UpdateCount)
	require.Equal(t, 2.0, last.TUpdate)

	Z := tensor.New(tensor.Shape{1, 8})
	Z.Set(1.5, 0, 2)
	Z.Set(-0.7, 0, 5)
	want, err := csc.Cost(X, Z, D, 0.1)
	require.NoError(t, err)
	require.InDelta(t, want, last.Cost, 1e-12)
}

func TestReconstructCostEmptyLogYieldsInitialCost(t *testing.T) {
	X := tensor.New(tensor.Shape{1, 6})
	D := tensor.New(tensor.Shape{1, 1, 3})
	D.Set(0.4, 0, 0, 0)
	D.Set(0.1, 0, 0, 1)
	D.Set(-0.3, 0, 0, 2)
	log := NewCostLog()

	points, err := ReconstructCost(X, D, 0.1, nil, 1, []int{4}, log)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, 0, points[0].UpdateCount)
}

func TestEntriesAreSortedByTUpdate(t *testing.T) {
	log := NewCostLog()
	log.Record(Entry{TUpdate: 3.0, Rank: 0})
	log.Record(Entry{TUpdate: 1.0, Rank: 1})
	log.Record(Entry{TUpdate: 2.0, Rank: 0})

	entries := log.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, 1.0, entries[0].TUpdate)
	require.Equal(t, 2.0, entries[1].TUpdate)
	require.Equal(t, 3.0, entries[2].TUpdate)
}

func TestCandidateWorkerCountsStaysWithinBoundsAndDescends(t *testing.T) {
	counts := CandidateWorkerCounts(32, []int{100})
	require.NotEmpty(t, counts)
	for i, c := range counts {
		require.GreaterOrEqual(t, c, 1)
		require.LessOrEqual(t, c, 32)
		if i > 0 {
			require.Less(t, c, counts[i-1])
		}
	}
	require.Equal(t, 32, counts[0])
}

func TestCandidateWorkerCountsZeroMaxIsEmpty(t *testing.T) {
	require.Empty(t, CandidateWorkerCounts(0, []int{10}))
}
