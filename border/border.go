// Package border implements §4.5: packing and sending a worker's accepted updates to the neighbors
// whose halo they fall into, draining and applying incoming neighbor updates, and the soft-lock
// eligibility rule that keeps overlap-region updates from oscillating.
package border

import (
	"context"

	"github.com/inria-thoth/dicod/beta"
	"github.com/inria-thoth/dicod/signaltile"
	"github.com/inria-thoth/dicod/transport"
	"github.com/inria-thoth/dicod/types/topology"
)

// OutgoingDirections returns every neighbor direction an update at pInner (inner-local coordinates)
// must be forwarded to: one per axis it lies within the overlap[axis]-wide boundary strip of, plus
// every combination across axes (so a corner update reaches the diagonal neighbor too, since that
// neighbor's halo is the corner square formed by both axes' strips).
func OutgoingDirections(innerShape, overlap, pInner []int) []topology.Direction {
	rank := len(pInner)
	side := make([]int, rank)
	var axes []int
	for axis := range pInner {
		if pInner[axis] < overlap[axis] {
			side[axis] = -1
			axes = append(axes, axis)
		} else if pInner[axis] >= innerShape[axis]-overlap[axis] {
			side[axis] = 1
			axes = append(axes, axis)
		}
	}
	if len(axes) == 0 {
		return nil
	}
	var dirs []topology.Direction
	subsets := 1 << len(axes)
	for mask := 1; mask < subsets; mask++ { // skip the empty subset (all-zero direction)
		d := make(topology.Direction, rank)
		for i, axis := range axes {
			if mask&(1<<i) != 0 {
				d[axis] = side[axis]
			}
		}
		dirs = append(dirs, d)
	}
	return dirs
}

// Protocol sends and drains border updates for one worker, using the endpoint the coordinator wired up
// for it and the precomputed dictionary self-correlation shared by every worker.
type Protocol struct {
	endpoint *transport.Endpoint
	cc       *beta.CrossCorrelation
}

// New builds a Protocol bound to a worker's endpoint.
func New(endpoint *transport.Endpoint, cc *beta.CrossCorrelation) *Protocol {
	return &Protocol{endpoint: endpoint, cc: cc}
}

// Broadcast forwards an accepted update at pInner to every neighbor whose halo contains it (§4.5,
// §4.4's "emit border messages if p0 lies in the halo-facing strip of any neighbor").
func (p *Protocol) Broadcast(ctx context.Context, tile *signaltile.Tile, k0 int, pInner []int, dz float64) error {
	dirs := OutgoingDirections(tile.InnerShape(), tile.Overlap(), pInner)
	if len(dirs) == 0 {
		return nil
	}
	neighbors := tile.Neighbors()
	global, err := tile.GlobalOfHaloLocal(tile.InnerToHaloLocal(pInner))
	if err != nil {
		return err
	}
	for _, d := range dirs {
		dst, ok := neighbors[d.Key()]
		if !ok {
			continue
		}
		msg := transport.BorderMessage{Atom: k0, GlobalPos: append([]int(nil), global...), Dz: dz}
		if err := p.endpoint.SendBorder(ctx, dst, msg); err != nil {
			return err
		}
	}
	return nil
}

// Drain applies every currently pending inbound border message to tile's β, one non-blocking pass
// (§4.5: "draining is bounded... at most one pass per step"). It returns the union of every affected
// halo-local bounding box, for the caller to refresh dz_opt/segment activity over, and how many
// messages were applied.
func (p *Protocol) Drain(tile *signaltile.Tile) (lo, hi []int, applied int, err error) {
	for {
		msg, ok := p.endpoint.TryRecvBorder()
		if !ok {
			return lo, hi, applied, nil
		}
		mLo, mHi, applyErr := p.cc.ApplyGlobal(tile, msg.Atom, msg.GlobalPos, msg.Dz)
		if applyErr != nil {
			return lo, hi, applied, applyErr
		}
		lo, hi = unionBounds(lo, hi, mLo, mHi)
		applied++
	}
}

func unionBounds(lo, hi, mLo, mHi []int) ([]int, []int) {
	if lo == nil {
		return append([]int(nil), mLo...), append([]int(nil), mHi...)
	}
	for axis := range lo {
		if mLo[axis] < lo[axis] {
			lo[axis] = mLo[axis]
		}
		if mHi[axis] > hi[axis] {
			hi[axis] = mHi[axis]
		}
	}
	return lo, hi
}

// Eligible implements the soft-lock rule of §4.5: a candidate in an overlap strip (inOverlap=true) is
// only eligible once it dominates the best strictly-interior candidate by more than slack, biasing
// selection toward interior coordinates so two workers don't race to update the same mirrored position.
// A candidate with no interior alternative to dominate (bestInteriorAbsDz < 0, meaning none exists) is
// always eligible. Disabled entirely when useSoftLock is false (the ablation knob, §6 use_soft_lock).
func Eligible(useSoftLock bool, inOverlap bool, candidateAbsDz, bestInteriorAbsDz, slack float64) bool {
	if !useSoftLock || !inOverlap {
		return true
	}
	if bestInteriorAbsDz < 0 {
		return true
	}
	return candidateAbsDz > bestInteriorAbsDz+slack
}
