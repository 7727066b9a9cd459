// Package beta implements §4.3: the incremental maintenance of the gradient field β under a single
// coordinate update, and the one-time precomputation of the dictionary self-correlation tensor DᵀD
// that makes each update O(atom-neighborhood) instead of O(signal).
package beta

import (
	"github.com/inria-thoth/dicod/internal/utils"
	"github.com/inria-thoth/dicod/signaltile"
	"github.com/inria-thoth/dicod/types/tensor"
)

// CrossCorrelation holds the precomputed dictionary self-correlation tensor DᵀD, shape
// (K, K, *(2·atomShape−1)), and the per-atom normalization constants α. Both are computed once on the
// coordinator and broadcast to every worker (they depend only on D, which is immutable for the solve).
type CrossCorrelation struct {
	DtD       *tensor.Tensor
	Alpha     []float64
	atomShape []int
}

// Precompute builds the CrossCorrelation for dictionary D, shape (K, C, *atomShape).
func Precompute(D *tensor.Tensor) *CrossCorrelation {
	dShape := D.Shape()
	nAtoms, nChannels := dShape[0], dShape[1]
	atomShape := []int(dShape[2:])

	dtdShape := make(tensor.Shape, 2+len(atomShape))
	dtdShape[0], dtdShape[1] = nAtoms, nAtoms
	for i, a := range atomShape {
		dtdShape[2+i] = 2*a - 1
	}
	dtd := tensor.New(dtdShape)

	offsets := enumerateOffsets(atomShape)
	for k := 0; k < nAtoms; k++ {
		for k0 := 0; k0 < nAtoms; k0++ {
			for _, delta := range offsets {
				sum := 0.0
				for c := 0; c < nChannels; c++ {
					forEachQ(atomShape, delta, func(q, qShifted []int) {
						sum += D.At(append([]int{k, c}, q...)...) * D.At(append([]int{k0, c}, qShifted...)...)
					})
				}
				idx := dtdIndex(k, k0, delta, atomShape)
				dtd.Set(sum, idx...)
			}
		}
	}

	return &CrossCorrelation{DtD: dtd, Alpha: alphaOf(D), atomShape: atomShape}
}

func alphaOf(D *tensor.Tensor) []float64 {
	shape := D.Shape()
	nAtoms, nChannels := shape[0], shape[1]
	atomShape := []int(shape[2:])
	alpha := make([]float64, nAtoms)
	for k := 0; k < nAtoms; k++ {
		sum := 0.0
		forEachQ(atomShape, make([]int, len(atomShape)), func(q, _ []int) {
			for c := 0; c < nChannels; c++ {
				v := D.At(append([]int{k, c}, q...)...)
				sum += v * v
			}
		})
		alpha[k] = sum / float64(nChannels)
	}
	return alpha
}

// enumerateOffsets returns every integer offset δ with |δ[axis]| <= atomShape[axis]-1 on every axis.
func enumerateOffsets(atomShape []int) [][]int {
	rank := len(atomShape)
	spans := make([]int, rank)
	for i, a := range atomShape {
		spans[i] = 2*a - 1
	}
	var offsets [][]int
	idx := make([]int, rank)
	total := 1
	for _, s := range spans {
		total *= s
	}
	for n := 0; n < total; n++ {
		delta := make([]int, rank)
		for axis := range idx {
			delta[axis] = idx[axis] - (atomShape[axis] - 1)
		}
		offsets = append(offsets, delta)
		for axis := rank - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < spans[axis] {
				break
			}
			idx[axis] = 0
		}
	}
	return offsets
}

// forEachQ calls fn(q, q-delta) for every q in [0, atomShape) such that q-delta is also in
// [0, atomShape).
func forEachQ(atomShape, delta []int, fn func(q, qShifted []int)) {
	rank := len(atomShape)
	q := make([]int, rank)
	for {
		qShifted := make([]int, rank)
		inBounds := true
		for axis := range q {
			qShifted[axis] = q[axis] - delta[axis]
			if qShifted[axis] < 0 || qShifted[axis] >= atomShape[axis] {
				inBounds = false
				break
			}
		}
		if inBounds {
			fn(append([]int(nil), q...), qShifted)
		}
		axis := rank - 1
		for axis >= 0 {
			q[axis]++
			if q[axis] < atomShape[axis] {
				break
			}
			q[axis] = 0
			axis--
		}
		if axis < 0 {
			break
		}
	}
}

func dtdIndex(k, k0 int, delta, atomShape []int) []int {
	idx := make([]int, 2+len(delta))
	idx[0], idx[1] = k, k0
	for i, d := range delta {
		idx[2+i] = d + atomShape[i] - 1
	}
	return idx
}

// Apply propagates a coordinate change Z[k0,p0] += dz onto tile's β, per §4.3. p0 is in tile's
// inner-local coordinates (as owned by Z) -- the path a worker takes for its own accepted updates.
// See ApplyHaloLocal for the path a worker takes when applying a neighbor's border message.
func (cc *CrossCorrelation) Apply(tile *signaltile.Tile, k0 int, p0Inner []int, dz float64) (lo, hi []int) {
	return cc.ApplyHaloLocal(tile, k0, tile.InnerToHaloLocal(p0Inner), dz)
}

// ApplyGlobal is Apply with p0 expressed in the solve's global activation coordinates -- the path a
// worker takes when applying a received BorderProtocol update, which arrives as (k0, global_pos, dz)
// on the wire (§6).
func (cc *CrossCorrelation) ApplyGlobal(tile *signaltile.Tile, k0 int, globalP0 []int, dz float64) (lo, hi []int, err error) {
	p0Halo, err := tile.HaloLocalOfGlobal(globalP0)
	if err != nil {
		return nil, nil, err
	}
	lo, hi = cc.ApplyHaloLocal(tile, k0, p0Halo, dz)
	return lo, hi, nil
}

// ApplyHaloLocal is Apply with p0 already expressed in tile's halo-local coordinates (as used to index
// Beta directly), per §4.3:
//
//	β[k,p] -= (Dₖ₀ᵀDₖ)(p−p₀)·dz for all p with ‖p−p₀‖∞ ≤ a−1 across every atom k,
//	plus the diagonal re-add αₖ₀·dz at (k0, p0) itself.
//
// β[k,p] = (Dᵀ⋆residual)[k,p] + αₖ·Z[k,p], residual = X - Reconstruct(Z,D) (data model §3). Bumping
// Z[k0,p0] by dz shifts Reconstruct, hence residual, by -dz·D[k0,·,·] centered at p0, so the
// (Dᵀ⋆residual) term moves by -dz·DtD[k0,k,δ] at p=p0+δ (Precompute's δ convention,
// DtD[a,b,δ] = Σ_c,q D[a,c,q]·D[b,c,q-δ], puts this cross-term at (k0,k,δ) with k0 fixed in the first
// slot); the separate αₖ₀·dz term only applies at (k0,p0) itself, where it cancels part of the
// neighborhood term's own diagonal contribution.
//
// The returned bounds are the affected region in halo-local coordinates, for the caller to refresh
// dz_opt and segment activity over (§4.3's "after updating β ... must be refreshed").
func (cc *CrossCorrelation) ApplyHaloLocal(tile *signaltile.Tile, k0 int, p0Halo []int, dz float64) (lo, hi []int) {
	nAtoms := cc.DtD.Axis(0)
	rank := len(cc.atomShape)

	lo = make([]int, rank)
	hi = make([]int, rank)
	for axis := range lo {
		lo[axis] = p0Halo[axis] - (cc.atomShape[axis] - 1)
		hi[axis] = p0Halo[axis] + cc.atomShape[axis] // exclusive
	}

	for _, delta := range enumerateOffsets(cc.atomShape) {
		p := make([]int, rank)
		inBounds := true
		for axis := range p {
			p[axis] = p0Halo[axis] + delta[axis]
			if p[axis] < 0 {
				inBounds = false
				break
			}
		}
		if !inBounds || !tile.InBeta(p) {
			continue
		}
		idx := dtdIndexBase(delta, cc.atomShape) // (k0, *, delta) -- we need (k0, k, delta) for every k
		idx[0] = k0
		for k := 0; k < nAtoms; k++ {
			idx[1] = k
			coeff := cc.DtD.At(idx...)
			if coeff == 0 {
				continue
			}
			tile.Beta.AddAt(-coeff*dz, append([]int{k}, p...)...)
		}
	}

	tile.Beta.AddAt(cc.Alpha[k0]*dz, append([]int{k0}, p0Halo...)...)
	return lo, hi
}

func dtdIndexBase(delta, atomShape []int) []int {
	idx := make([]int, 2+len(delta))
	for i, d := range delta {
		idx[2+i] = d + atomShape[i] - 1
	}
	return idx
}

// Contained is the CHECK_UPDATE_CONTAINED debug assertion (§7). ApplyHaloLocal silently skips any
// neighborhood position outside tile's halo allocation (InBeta); that is only safe when every skipped
// position also falls outside the solve's global activation grid, i.e. the skip is a genuine
// problem-boundary effect rather than a halo sized too small to hold an update some other worker
// needed. Contained recomputes the same unclipped neighborhood as ApplyHaloLocal for an update at
// p0Halo (the neighborhood is the same for every atom) and
// reports false if any position it would have skipped maps to an in-bounds global coordinate.
func (cc *CrossCorrelation) Contained(tile *signaltile.Tile, p0Halo []int, globalValidShape []int) bool {
	rank := len(cc.atomShape)
	for _, delta := range enumerateOffsets(cc.atomShape) {
		p := make([]int, rank)
		for axis := range p {
			p[axis] = p0Halo[axis] + delta[axis]
		}
		if tile.InBeta(p) {
			continue
		}
		global, err := tile.GlobalOfHaloLocal(p)
		if err != nil {
			continue
		}
		inGlobal := true
		for axis, g := range global {
			if g < 0 || g >= globalValidShape[axis] {
				inGlobal = false
				break
			}
		}
		if inGlobal {
			return false
		}
	}
	return true
}

// DzOpt returns the optimal coordinate update dz = z* - z for a single coordinate, given its current
// β, its atom's α, the current Z value, the regularization weight and whether activations are
// constrained to be non-negative (data model, "Optimal update dz_opt").
func DzOpt(betaVal, alphaK, zVal, reg float64, zPositive bool) float64 {
	var zStar float64
	if zPositive {
		zStar = utils.SoftThresholdPositive(betaVal/alphaK, reg/alphaK)
	} else {
		zStar = utils.SoftThreshold(betaVal/alphaK, reg/alphaK)
	}
	return zStar - zVal
}
