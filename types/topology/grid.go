// Package topology defines the logical grid of workers a solve is distributed over -- the
// torus-without-wrap neighbor graph of Design Notes §9 ("Cyclic graphs"), modeled as an arena of worker
// descriptors indexed by tile id with plain-integer neighbor pointers.
package topology

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Grid describes a rectangular arrangement of W workers over d axes (d = 1 for a 1D signal, d = 2 for
// the typical multichannel image). AxesSizes[i] is the number of workers along axis i.
type Grid struct {
	axesSizes []int
	numTiles  int
}

// NewGrid creates a worker grid with the given per-axis tile counts.
func NewGrid(axesSizes []int) (*Grid, error) {
	if len(axesSizes) == 0 {
		return nil, errors.New("topology: grid must have at least one axis")
	}
	n := 1
	for i, size := range axesSizes {
		if size <= 0 {
			return nil, errors.Errorf("topology: axis %d size must be positive, got %d", i, size)
		}
		n *= size
	}
	return &Grid{axesSizes: append([]int(nil), axesSizes...), numTiles: n}, nil
}

// Rank returns the number of axes in the grid.
func (g *Grid) Rank() int {
	return len(g.axesSizes)
}

// AxesSizes returns a copy of the per-axis tile counts.
func (g *Grid) AxesSizes() []int {
	return append([]int(nil), g.axesSizes...)
}

// NumTiles returns the total number of worker tiles (W).
func (g *Grid) NumTiles() int {
	return g.numTiles
}

// String implements fmt.Stringer.
func (g *Grid) String() string {
	parts := make([]string, len(g.axesSizes))
	for i, s := range g.axesSizes {
		parts[i] = fmt.Sprintf("%d", s)
	}
	return "Grid(" + strings.Join(parts, "x") + ")"
}

// Coords converts a flat tile id into per-axis grid coordinates.
func (g *Grid) Coords(tileID int) ([]int, error) {
	if tileID < 0 || tileID >= g.numTiles {
		return nil, errors.Errorf("topology: tile id %d out of range [0,%d)", tileID, g.numTiles)
	}
	coords := make([]int, g.Rank())
	remaining := tileID
	for axis := g.Rank() - 1; axis >= 0; axis-- {
		coords[axis] = remaining % g.axesSizes[axis]
		remaining /= g.axesSizes[axis]
	}
	return coords, nil
}

// TileID converts per-axis grid coordinates into a flat tile id. It returns ok=false if the
// coordinates are outside the grid on any axis (used by Neighbor to report "no neighbor").
func (g *Grid) TileID(coords []int) (id int, ok bool) {
	id = 0
	for axis, c := range coords {
		if c < 0 || c >= g.axesSizes[axis] {
			return 0, false
		}
		id = id*g.axesSizes[axis] + c
	}
	return id, true
}

// Direction is an offset of -1, 0 or +1 applied to one grid axis, used to enumerate a tile's
// neighbors (3^d - 1 of them: every combination except the all-zero direction).
type Direction []int

// Directions returns every non-zero direction in {-1,0,+1}^rank, in a fixed deterministic order.
func Directions(rank int) []Direction {
	var dirs []Direction
	total := 1
	for i := 0; i < rank; i++ {
		total *= 3
	}
	for code := 0; code < total; code++ {
		d := make(Direction, rank)
		rem := code
		allZero := true
		for axis := 0; axis < rank; axis++ {
			d[axis] = rem%3 - 1
			rem /= 3
			if d[axis] != 0 {
				allZero = false
			}
		}
		if !allZero {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// Neighbor returns the tile id adjacent to tileID along the given direction, and whether it exists
// (the grid is a plain rectangle, not a torus: tiles on the boundary have fewer than 3^d - 1
// neighbors).
func (g *Grid) Neighbor(tileID int, dir Direction) (id int, ok bool) {
	coords, err := g.Coords(tileID)
	if err != nil {
		return 0, false
	}
	for i, d := range dir {
		coords[i] += d
	}
	return g.TileID(coords)
}

// Neighbors returns, for every direction in {-1,0,+1}^rank \ {0}, the neighboring tile id if it exists.
func (g *Grid) Neighbors(tileID int) map[string]int {
	out := make(map[string]int)
	for _, dir := range Directions(g.Rank()) {
		if id, ok := g.Neighbor(tileID, dir); ok {
			out[dir.Key()] = id
		}
	}
	return out
}

// Key returns a stable string key for a direction, suitable for use as a map key.
func (d Direction) Key() string {
	parts := make([]string, len(d))
	for i, v := range d {
		parts[i] = fmt.Sprintf("%+d", v)
	}
	return strings.Join(parts, ",")
}

// FindGridSize chooses a per-axis worker count for nJobs workers over a 1D or 2D signal, picking the
// factorization whose resulting tile aspect ratio is closest to 1 (w_world="auto").
func FindGridSize(nJobs int, sigShape []int) ([]int, error) {
	switch len(sigShape) {
	case 1:
		return []int{nJobs}, nil
	case 2:
		// Try every factorization nJobs = hWorkers * wWorkers and keep the one whose resulting
		// tile aspect ratio -- (height/hWorkers) / (width/wWorkers) -- is closest to square.
		height, width := sigShape[0], sigShape[1]
		hWorkers, wWorkers := 1, nJobs
		bestRatio := float64(height*nJobs) / float64(width)
		for i := 2; i <= nJobs; i++ {
			if nJobs%i != 0 {
				continue
			}
			j := nJobs / i
			ratio := float64(height*j) / float64(width*i)
			if absFloat(ratio-1) < absFloat(bestRatio-1) {
				bestRatio = ratio
				hWorkers, wWorkers = i, j
			}
		}
		return []int{hWorkers, wWorkers}, nil
	default:
		return nil, errors.Errorf("topology: w_world='auto' is only implemented for 1D and 2D signals, got rank %d", len(sigShape))
	}
}

func absFloat(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
