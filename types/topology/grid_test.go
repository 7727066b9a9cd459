package topology

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoordsRoundTrip(t *testing.T) {
	g, err := NewGrid([]int{2, 3})
	require.NoError(t, err)
	require.Equal(t, 6, g.NumTiles())

	for id := 0; id < g.NumTiles(); id++ {
		coords, err := g.Coords(id)
		require.NoError(t, err)
		got, ok := g.TileID(coords)
		require.True(t, ok)
		require.Equal(t, id, got)
	}
}

func TestNeighborsBoundary(t *testing.T) {
	g, err := NewGrid([]int{2, 2})
	require.NoError(t, err)

	// Tile (0,0) -> id 0 has exactly 3 neighbors (no wrap-around): right, down, down-right.
	neighbors := g.Neighbors(0)
	require.Len(t, neighbors, 3)

	// The center of a larger grid has all 8 (2D) neighbors.
	g2, err := NewGrid([]int{3, 3})
	require.NoError(t, err)
	center, ok := g2.TileID([]int{1, 1})
	require.True(t, ok)
	require.Len(t, g2.Neighbors(center), 8)
}

func TestNeighborDirectionConsistency(t *testing.T) {
	g, err := NewGrid([]int{3, 3})
	require.NoError(t, err)
	tile, _ := g.TileID([]int{1, 1})
	right, ok := g.Neighbor(tile, Direction{0, 1})
	require.True(t, ok)
	back, ok := g.Neighbor(right, Direction{0, -1})
	require.True(t, ok)
	require.Equal(t, tile, back, "moving +1 then -1 on the same axis must return to the origin tile")
}

func TestFindGridSize1D(t *testing.T) {
	sizes, err := FindGridSize(4, []int{100})
	require.NoError(t, err)
	require.Equal(t, []int{4}, sizes)
}

func TestFindGridSizeSquareImage(t *testing.T) {
	sizes, err := FindGridSize(4, []int{64, 64})
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, sizes, "a square image with 4 workers should prefer a 2x2 grid")
}

func TestFindGridSizeUnsupportedRank(t *testing.T) {
	_, err := FindGridSize(4, []int{10, 10, 10})
	require.Error(t, err)
}
