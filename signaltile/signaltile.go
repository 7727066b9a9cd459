// Package signaltile implements §4.2: each worker's halo-extended view of X and β, and its owned
// (inner-only) slice of Z.
package signaltile

import (
	"github.com/inria-thoth/dicod/csc"
	"github.com/inria-thoth/dicod/segmentation"
	"github.com/inria-thoth/dicod/types/tensor"
	"github.com/inria-thoth/dicod/types/topology"
	"github.com/pkg/errors"
)

// Tile is one worker's local materialization of the solve's shared tensors: a halo-extended copy of
// the signal, a halo-extended β, and the worker's own inner-only Z.
type Tile struct {
	TileID int

	workers   *segmentation.Workers
	atomShape []int

	// XHalo has shape (C, *haloSignalShape) -- the portion of X this worker needs to keep its halo
	// region of β correct.
	XHalo *tensor.Tensor

	// Beta has shape (K, *haloActivationShape); invariant I1 holds over it except for positions
	// currently in flight from a neighbor (§3).
	Beta *tensor.Tensor

	// Z has shape (K, *innerActivationShape); only this worker ever writes to it (ownership, I2/§5).
	Z *tensor.Tensor

	// Alpha[k] = mean over channels of ||D_k||^2, shared by every worker (same D).
	Alpha []float64

	innerOffset []int // inner-local origin expressed in halo-local coordinates, per axis
}

// New builds tileID's SignalTile from the full signal X and dictionary D (both immutable for the
// solve, §3) and an optional warm-start z0 over the full valid shape (nil means Z starts at zero).
func New(tileID int, workers *segmentation.Workers, X, D *tensor.Tensor, z0 *tensor.Tensor) (*Tile, error) {
	dShape := D.Shape()
	atomShape := []int(dShape[2:])

	sigExtents, err := workers.SignalHaloExtents(tileID, atomShape)
	if err != nil {
		return nil, errors.Wrap(err, "signaltile: computing signal halo extents")
	}
	lo, hi := boundsOf(sigExtents)
	fullLo := append([]int{0}, lo...)
	fullHi := append([]int{X.Axis(0)}, hi...)
	xView, err := X.View(fullLo, fullHi)
	if err != nil {
		return nil, errors.Wrap(err, "signaltile: slicing X for halo region")
	}
	xHalo := xView.Clone()

	beta, err := csc.CrossCorrelate(xHalo, D)
	if err != nil {
		return nil, errors.Wrap(err, "signaltile: initializing beta via cross-correlation")
	}

	innerExtents, err := workers.InnerExtents(tileID)
	if err != nil {
		return nil, err
	}
	haloActExtents, err := workers.HaloExtents(tileID)
	if err != nil {
		return nil, err
	}
	innerOffset := make([]int, len(innerExtents))
	for axis := range innerExtents {
		innerOffset[axis] = innerExtents[axis].Lo - haloActExtents[axis].Lo
	}

	innerShape, err := workers.InnerShape(tileID)
	if err != nil {
		return nil, err
	}
	nAtoms := dShape[0]
	z := tensor.New(append(tensor.Shape{nAtoms}, innerShape...))
	if z0 != nil {
		innerLo := append([]int{0}, innerExtentsLo(innerExtents)...)
		innerHi := append([]int{nAtoms}, innerExtentsHi(innerExtents)...)
		z0View, err := z0.View(innerLo, innerHi)
		if err != nil {
			return nil, errors.Wrap(err, "signaltile: slicing z0 for inner region")
		}
		copyInto(z, z0View)
	}

	return &Tile{
		TileID:      tileID,
		workers:     workers,
		atomShape:   atomShape,
		XHalo:       xHalo,
		Beta:        beta,
		Z:           z,
		Alpha:       csc.Alpha(D),
		innerOffset: innerOffset,
	}, nil
}

// InnerToHaloLocal converts an inner-local coordinate (as used to index Z) into the corresponding
// halo-local coordinate (as used to index Beta and XHalo).
func (t *Tile) InnerToHaloLocal(pt []int) []int {
	out := make([]int, len(pt))
	for axis, p := range pt {
		out[axis] = p + t.innerOffset[axis]
	}
	return out
}

// HaloToInnerLocal is the inverse of InnerToHaloLocal; ok is false if the point falls outside the
// inner region.
func (t *Tile) HaloToInnerLocal(pt []int) (inner []int, ok bool) {
	inner = make([]int, len(pt))
	innerShape := t.Z.Shape()[1:]
	for axis, p := range pt {
		v := p - t.innerOffset[axis]
		if v < 0 || v >= innerShape[axis] {
			return nil, false
		}
		inner[axis] = v
	}
	return inner, true
}

// GlobalOfHaloLocal converts a halo-local coordinate to the global activation-grid coordinate.
func (t *Tile) GlobalOfHaloLocal(pt []int) ([]int, error) {
	return t.workers.GlobalOf(t.TileID, pt)
}

// HaloLocalOfGlobal converts a global activation-grid coordinate to this tile's halo-local
// coordinate.
func (t *Tile) HaloLocalOfGlobal(global []int) ([]int, error) {
	return t.workers.LocalOf(t.TileID, global)
}

// Neighbors returns, keyed by direction, the tile id of each of this tile's existing neighbors.
func (t *Tile) Neighbors() map[string]int {
	return t.workers.Neighbors(t.TileID)
}

// NeighborInfo pairs an existing neighbor's tile id with the grid direction it lies in.
type NeighborInfo struct {
	Dir    topology.Direction
	TileID int
}

// NeighborDirections returns this tile's existing neighbors together with their direction vectors,
// for callers (e.g. the warm-β consistency check) that need to pick a boundary coordinate specific to
// each neighbor rather than just its id.
func (t *Tile) NeighborDirections() []NeighborInfo {
	var out []NeighborInfo
	for _, dir := range topology.Directions(len(t.atomShape)) {
		if id, ok := t.workers.Grid().Neighbor(t.TileID, dir); ok {
			out = append(out, NeighborInfo{Dir: dir, TileID: id})
		}
	}
	return out
}

// InnerShape returns the per-axis size of the region this tile owns (as Z is shaped).
func (t *Tile) InnerShape() []int {
	return append([]int(nil), t.Z.Shape()[1:]...)
}

// Overlap returns the per-axis halo width a-1, i.e. the strip width that makes a coordinate a border
// update toward some neighbor (§4.5).
func (t *Tile) Overlap() []int {
	overlap := make([]int, len(t.atomShape))
	for i, a := range t.atomShape {
		overlap[i] = a - 1
	}
	return overlap
}

// ClipToInnerBounds converts a halo-local bounding box into an inner-local bounding box, clipped to
// [0, InnerShape()). Used to translate the affected region of a β update (halo-local, from BetaUpdater
// or BorderProtocol) into the inner-local coordinates segmentation.Candidates understands.
func (t *Tile) ClipToInnerBounds(haloLo, haloHi []int) (innerLo, innerHi []int) {
	innerShape := t.InnerShape()
	innerLo = make([]int, len(haloLo))
	innerHi = make([]int, len(haloLo))
	for axis := range haloLo {
		lo := haloLo[axis] - t.innerOffset[axis]
		hi := haloHi[axis] - t.innerOffset[axis]
		if lo < 0 {
			lo = 0
		}
		if hi > innerShape[axis] {
			hi = innerShape[axis]
		}
		innerLo[axis] = lo
		innerHi[axis] = hi
	}
	return innerLo, innerHi
}

// InBeta reports whether a halo-local coordinate is within the allocated Beta/XHalo region.
func (t *Tile) InBeta(pt []int) bool {
	shape := t.Beta.Shape()[1:]
	for axis, p := range pt {
		if p < 0 || p >= shape[axis] {
			return false
		}
	}
	return true
}

func boundsOf(extents []segmentation.Extent) (lo, hi []int) {
	lo = make([]int, len(extents))
	hi = make([]int, len(extents))
	for i, e := range extents {
		lo[i], hi[i] = e.Lo, e.Hi
	}
	return
}

func innerExtentsLo(extents []segmentation.Extent) []int {
	lo, _ := boundsOf(extents)
	return lo
}

func innerExtentsHi(extents []segmentation.Extent) []int {
	_, hi := boundsOf(extents)
	return hi
}

func copyInto(dst, src *tensor.Tensor) {
	shape := dst.Shape()
	idx := make([]int, len(shape))
	total := shape.Size()
	for n := 0; n < total; n++ {
		dst.Set(src.At(idx...), idx...)
		for axis := len(shape) - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < shape[axis] {
				break
			}
			idx[axis] = 0
		}
	}
}
