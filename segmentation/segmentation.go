// Package segmentation implements §4.1: partitioning the overall valid activation grid into worker
// tiles (inner region + halo), and partitioning each worker's inner region into candidate segments
// used by the locally-greedy scheduler (§4.4).
package segmentation

import (
	"github.com/inria-thoth/dicod/dicoderr"
	"github.com/inria-thoth/dicod/types/topology"
	"github.com/pkg/errors"
)

// Extent is a half-open integer range [Lo, Hi) along one axis.
type Extent struct {
	Lo, Hi int
}

// Size returns Hi - Lo.
func (e Extent) Size() int {
	return e.Hi - e.Lo
}

// partitionAxis splits [0, size) into n extents whose lengths differ by at most one, matching
// numpy.array_split: the first size%n extents get one extra element.
func partitionAxis(size, n int) []Extent {
	base := size / n
	remainder := size % n
	extents := make([]Extent, n)
	pos := 0
	for i := 0; i < n; i++ {
		length := base
		if i < remainder {
			length++
		}
		extents[i] = Extent{Lo: pos, Hi: pos + length}
		pos += length
	}
	return extents
}

// Workers partitions the overall valid activation shape V into one tile per entry of a worker grid,
// and exposes each tile's inner region, halo-extended region, and neighbor ids.
type Workers struct {
	grid       *topology.Grid
	validShape []int
	overlap    []int
	perAxis    [][]Extent // perAxis[axis] holds the inner extents along that axis, one per grid coordinate
}

// NewWorkers builds the outer (worker-level) segmentation. overlap is atom_shape - 1 per axis (§3).
// It returns a ConfigError if any worker's resulting inner tile is too small to host a meaningful
// halo (inner extent <= 2*atom-1 on some axis, §7).
func NewWorkers(grid *topology.Grid, validShape, overlap []int) (*Workers, error) {
	if grid.Rank() != len(validShape) || len(validShape) != len(overlap) {
		return nil, errors.Errorf("segmentation: rank mismatch: grid=%d validShape=%d overlap=%d",
			grid.Rank(), len(validShape), len(overlap))
	}
	perAxis := make([][]Extent, grid.Rank())
	axesSizes := grid.AxesSizes()
	for axis := range validShape {
		if axesSizes[axis] > validShape[axis] {
			return nil, &dicoderr.ConfigError{Reason: errors.Errorf(
				"axis %d requests %d workers but the valid shape only has extent %d",
				axis, axesSizes[axis], validShape[axis]).Error()}
		}
		perAxis[axis] = partitionAxis(validShape[axis], axesSizes[axis])
		minExtent := perAxis[axis][0].Size()
		for _, e := range perAxis[axis] {
			if e.Size() < minExtent {
				minExtent = e.Size()
			}
		}
		// atom size a = overlap+1; the spec requires the worker's inner extent to exceed 2a-1 = 2*overlap+1.
		if minExtent <= 2*overlap[axis]+1 {
			return nil, &dicoderr.ConfigError{Reason: errors.Errorf(
				"using too many cores: axis %d worker tile extent %d is too small for atom overlap %d (need > 2*atom-1)",
				axis, minExtent, overlap[axis]).Error()}
		}
	}
	return &Workers{grid: grid, validShape: append([]int(nil), validShape...), overlap: append([]int(nil), overlap...), perAxis: perAxis}, nil
}

// Grid returns the underlying worker grid.
func (w *Workers) Grid() *topology.Grid {
	return w.grid
}

// InnerExtents returns the global, half-open bounds of tileID's owned (inner) region, one Extent per
// axis.
func (w *Workers) InnerExtents(tileID int) ([]Extent, error) {
	coords, err := w.grid.Coords(tileID)
	if err != nil {
		return nil, err
	}
	extents := make([]Extent, w.grid.Rank())
	for axis, c := range coords {
		extents[axis] = w.perAxis[axis][c]
	}
	return extents, nil
}

// HaloExtents returns the global, half-open bounds of tileID's halo-extended region: the inner
// region grown by overlap[axis] on each side, clipped to the valid shape.
func (w *Workers) HaloExtents(tileID int) ([]Extent, error) {
	inner, err := w.InnerExtents(tileID)
	if err != nil {
		return nil, err
	}
	halo := make([]Extent, len(inner))
	for axis, e := range inner {
		lo := e.Lo - w.overlap[axis]
		if lo < 0 {
			lo = 0
		}
		hi := e.Hi + w.overlap[axis]
		if hi > w.validShape[axis] {
			hi = w.validShape[axis]
		}
		halo[axis] = Extent{Lo: lo, Hi: hi}
	}
	return halo, nil
}

// InnerShape returns the per-axis sizes of tileID's inner region.
func (w *Workers) InnerShape(tileID int) ([]int, error) {
	extents, err := w.InnerExtents(tileID)
	if err != nil {
		return nil, err
	}
	return extentSizes(extents), nil
}

// HaloShape returns the per-axis sizes of tileID's halo-extended region.
func (w *Workers) HaloShape(tileID int) ([]int, error) {
	extents, err := w.HaloExtents(tileID)
	if err != nil {
		return nil, err
	}
	return extentSizes(extents), nil
}

// Neighbors returns, keyed by direction, the tile id of each of tileID's existing neighbors.
func (w *Workers) Neighbors(tileID int) map[string]int {
	return w.grid.Neighbors(tileID)
}

// LocalOf converts a global coordinate into tileID's halo-local coordinate system (i.e. relative to
// the halo region's origin, as used to index a SignalTile's arrays).
func (w *Workers) LocalOf(tileID int, globalPt []int) ([]int, error) {
	halo, err := w.HaloExtents(tileID)
	if err != nil {
		return nil, err
	}
	local := make([]int, len(globalPt))
	for axis, p := range globalPt {
		local[axis] = p - halo[axis].Lo
	}
	return local, nil
}

// GlobalOf is the inverse of LocalOf.
func (w *Workers) GlobalOf(tileID int, localPt []int) ([]int, error) {
	halo, err := w.HaloExtents(tileID)
	if err != nil {
		return nil, err
	}
	global := make([]int, len(localPt))
	for axis, p := range localPt {
		global[axis] = p + halo[axis].Lo
	}
	return global, nil
}

// IsLocal reports whether a halo-local coordinate falls within tileID's inner (owned) region.
func (w *Workers) IsLocal(tileID int, localPt []int) (bool, error) {
	inner, err := w.InnerExtents(tileID)
	if err != nil {
		return false, err
	}
	halo, err := w.HaloExtents(tileID)
	if err != nil {
		return false, err
	}
	for axis, p := range localPt {
		lo := inner[axis].Lo - halo[axis].Lo
		hi := inner[axis].Hi - halo[axis].Lo
		if p < lo || p >= hi {
			return false, nil
		}
	}
	return true, nil
}

// SignalHaloExtents returns, in *signal* space (not activation space), the bounds of the window of X
// a worker needs locally in order to compute β over its entire halo-extended activation region: for
// every activation position p in the halo, the signal window is [p, p+atom-1].
func (w *Workers) SignalHaloExtents(tileID int, atomShape []int) ([]Extent, error) {
	haloAct, err := w.HaloExtents(tileID)
	if err != nil {
		return nil, err
	}
	sig := make([]Extent, len(haloAct))
	for axis, e := range haloAct {
		sig[axis] = Extent{Lo: e.Lo, Hi: e.Hi + atomShape[axis] - 1}
	}
	return sig, nil
}

func extentSizes(extents []Extent) []int {
	sizes := make([]int, len(extents))
	for i, e := range extents {
		sizes[i] = e.Size()
	}
	return sizes
}
