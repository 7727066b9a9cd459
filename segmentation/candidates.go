package segmentation

import (
	"github.com/inria-thoth/dicod/dicoderr"
)

// Candidates partitions a single worker's inner region into the round-robin scheduling segments used
// by LocalSolver (§4.4). Segment (s₁,...,s_d) is addressed by its flat index, in row-major order over
// the segment grid.
type Candidates struct {
	innerShape []int
	segCounts  []int
	perAxis    [][]Extent
}

// NewCandidates builds the segment grid for a worker whose inner region has the given shape.
// nSegPerAxis <= 0 selects "auto": segments sized at roughly twice the atom support, per §4.1. A
// positive nSegPerAxis requests that many segments along every axis (n_seg is a single value shared
// across axes, as in solve_z's "n_seg" param). When n_seg=1 (or auto collapses to 1 on every axis),
// the whole inner region is one segment -- global greedy, per §4.4.
func NewCandidates(innerShape, atomShape []int, nSegPerAxis int) (*Candidates, error) {
	segCounts := make([]int, len(innerShape))
	for axis := range innerShape {
		if nSegPerAxis > 0 {
			segCounts[axis] = nSegPerAxis
		} else {
			target := 2 * atomShape[axis]
			count := innerShape[axis] / target
			if count < 1 {
				count = 1
			}
			segCounts[axis] = count
		}
	}

	perAxis := make([][]Extent, len(innerShape))
	for axis := range innerShape {
		perAxis[axis] = partitionAxis(innerShape[axis], segCounts[axis])
		minExtent := perAxis[axis][0].Size()
		for _, e := range perAxis[axis] {
			if e.Size() < minExtent {
				minExtent = e.Size()
			}
		}
		if minExtent < 2*atomShape[axis]-1 {
			return nil, &dicoderr.ConfigError{Reason: "segment extent smaller than 2*atom-1 on some axis; reduce n_seg"}
		}
	}
	return &Candidates{innerShape: append([]int(nil), innerShape...), segCounts: segCounts, perAxis: perAxis}, nil
}

// NumSegments returns the total number of segments (the product of per-axis segment counts).
func (c *Candidates) NumSegments() int {
	n := 1
	for _, s := range c.segCounts {
		n *= s
	}
	return n
}

// SegCounts returns the per-axis segment counts.
func (c *Candidates) SegCounts() []int {
	return append([]int(nil), c.segCounts...)
}

// coords converts a flat segment id into per-axis segment coordinates.
func (c *Candidates) coords(segID int) []int {
	coords := make([]int, len(c.segCounts))
	remaining := segID
	for axis := len(c.segCounts) - 1; axis >= 0; axis-- {
		coords[axis] = remaining % c.segCounts[axis]
		remaining /= c.segCounts[axis]
	}
	return coords
}

// Extents returns the inner-region-local, half-open bounds of segment segID.
func (c *Candidates) Extents(segID int) []Extent {
	coords := c.coords(segID)
	extents := make([]Extent, len(coords))
	for axis, sc := range coords {
		extents[axis] = c.perAxis[axis][sc]
	}
	return extents
}

// SegmentOf returns the id of the segment containing the given inner-region-local point.
func (c *Candidates) SegmentOf(localPt []int) int {
	id := 0
	for axis, p := range localPt {
		sc := 0
		for i, e := range c.perAxis[axis] {
			if p >= e.Lo && p < e.Hi {
				sc = i
				break
			}
		}
		id = id*c.segCounts[axis] + sc
	}
	return id
}

// Neighborhood returns every segment id whose extents intersect the axis-aligned box
// [lo, hi) (inner-region-local coordinates), per Design Notes' resolution of the reactivation-radius
// open question: "rescanning only segments whose inner region intersects the neighborhood".
func (c *Candidates) Neighborhood(lo, hi []int) []int {
	var result []int
	n := c.NumSegments()
	for id := 0; id < n; id++ {
		extents := c.Extents(id)
		intersects := true
		for axis, e := range extents {
			if hi[axis] <= e.Lo || lo[axis] >= e.Hi {
				intersects = false
				break
			}
		}
		if intersects {
			result = append(result, id)
		}
	}
	return result
}
