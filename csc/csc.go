// Package csc implements the tensor-shape and numeric building blocks of the convolutional sparse
// coding problem itself: the valid_shape formula, the per-atom normalization constant α, the
// dictionary self-correlation tensor DᵀD, the cost function, and λ_max -- everything in data model §3
// that does not depend on how the computation is distributed across workers.
//
// The shape-validation style mirrors a convolution shape-inference routine: every axis configuration
// is checked up front and reported with a component-prefixed error, before any numeric work happens.
package csc

import (
	"math"

	"github.com/inria-thoth/dicod/types/tensor"
	"github.com/pkg/errors"
)

// ValidShape returns the activation map shape V given a signal shape S and atom shape a, per
// Vᵢ = Sᵢ − aᵢ + 1. sigShape and atomShape must have the same rank (the number of spatial axes).
func ValidShape(sigShape, atomShape []int) ([]int, error) {
	if len(sigShape) != len(atomShape) {
		return nil, errors.Errorf("csc: ValidShape: signal rank %d does not match atom rank %d", len(sigShape), len(atomShape))
	}
	valid := make([]int, len(sigShape))
	for i := range sigShape {
		v := sigShape[i] - atomShape[i] + 1
		if v <= 0 {
			return nil, errors.Errorf("csc: ValidShape: atom axis %d (size %d) does not fit signal axis (size %d)", i, atomShape[i], sigShape[i])
		}
		valid[i] = v
	}
	return valid, nil
}

// Overlap returns the per-axis halo width a − 1 for the given atom shape.
func Overlap(atomShape []int) []int {
	overlap := make([]int, len(atomShape))
	for i, a := range atomShape {
		overlap[i] = a - 1
	}
	return overlap
}

// iterate calls fn once for every multi-index within [0, shape) in row-major order.
func iterate(shape []int, fn func(idx []int)) {
	rank := len(shape)
	idx := make([]int, rank)
	total := 1
	for _, d := range shape {
		total *= d
	}
	for n := 0; n < total; n++ {
		fn(idx)
		for axis := rank - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < shape[axis] {
				break
			}
			idx[axis] = 0
		}
	}
}

// Alpha computes, for every atom k, αₖ = mean over channels of ‖Dₖ‖² -- equivalently ‖Dₖ‖²_total / C,
// since the channel norms sum to the total norm. D has shape (K, C, *atomShape).
func Alpha(D *tensor.Tensor) []float64 {
	shape := D.Shape()
	nAtoms, nChannels := shape[0], shape[1]
	atomShape := []int(shape[2:])
	alpha := make([]float64, nAtoms)
	for k := 0; k < nAtoms; k++ {
		sum := 0.0
		iterate(append([]int{nChannels}, atomShape...), func(idx []int) {
			full := append([]int{k}, idx...)
			v := D.At(full...)
			sum += v * v
		})
		alpha[k] = sum / float64(nChannels)
	}
	return alpha
}

// CrossCorrelate computes β₀[k, p] = Σ_c Σ_q D[k,c,q] · X[c, p+q] for every atom k and every valid
// position p -- i.e. Dᵀ⋆X, the "matched filter" response used both to initialize β (§4.2) and to
// compute λ_max. X has shape (C, *sigShape), D has shape (K, C, *atomShape); the result has shape
// (K, *validShape).
func CrossCorrelate(X, D *tensor.Tensor) (*tensor.Tensor, error) {
	xShape := X.Shape()
	dShape := D.Shape()
	nAtoms, nChannels := dShape[0], dShape[1]
	if xShape[0] != nChannels {
		return nil, errors.Errorf("csc: CrossCorrelate: signal has %d channels, dictionary expects %d", xShape[0], nChannels)
	}
	atomShape := []int(dShape[2:])
	sigShape := []int(xShape[1:])
	validShape, err := ValidShape(sigShape, atomShape)
	if err != nil {
		return nil, err
	}

	out := tensor.New(append(tensor.Shape{nAtoms}, toTensorShape(validShape)...))
	for k := 0; k < nAtoms; k++ {
		iterate(validShape, func(p []int) {
			sum := 0.0
			iterate(append([]int{nChannels}, atomShape...), func(cq []int) {
				c := cq[0]
				q := cq[1:]
				xIdx := make([]int, 1+len(p))
				xIdx[0] = c
				for i := range p {
					xIdx[1+i] = p[i] + q[i]
				}
				sum += D.At(append([]int{k, c}, q...)...) * X.At(xIdx...)
			})
			out.Set(sum, append([]int{k}, p...)...)
		})
	}
	return out, nil
}

// Reconstruct computes X̂ = Σₖ Dₖ ∗ Zₖ (full convolution, valid boundary handling implied by the
// shapes involved), used by Cost. Z has shape (K, *validShape), D has shape (K, C, *atomShape); the
// result has shape (C, *sigShape).
func Reconstruct(Z, D *tensor.Tensor) (*tensor.Tensor, error) {
	zShape := Z.Shape()
	dShape := D.Shape()
	nAtoms, nChannels := dShape[0], dShape[1]
	if zShape[0] != nAtoms {
		return nil, errors.Errorf("csc: Reconstruct: activation has %d atoms, dictionary has %d", zShape[0], nAtoms)
	}
	atomShape := []int(dShape[2:])
	validShape := []int(zShape[1:])
	sigShape := make([]int, len(atomShape))
	for i := range sigShape {
		sigShape[i] = validShape[i] + atomShape[i] - 1
	}

	out := tensor.New(append(tensor.Shape{nChannels}, toTensorShape(sigShape)...))
	for k := 0; k < nAtoms; k++ {
		iterate(validShape, func(p []int) {
			zVal := Z.At(append([]int{k}, p...)...)
			if zVal == 0 {
				return
			}
			iterate(append([]int{nChannels}, atomShape...), func(cq []int) {
				c := cq[0]
				q := cq[1:]
				xIdx := make([]int, 1+len(p))
				xIdx[0] = c
				for i := range p {
					xIdx[1+i] = p[i] + q[i]
				}
				out.AddAt(D.At(append([]int{k, c}, q...)...)*zVal, xIdx...)
			})
		})
	}
	return out, nil
}

// Cost computes ½‖X − Σₖ Dₖ ∗ Zₖ‖² + λ‖Z‖₁, the objective this whole core minimizes.
func Cost(X, Z, D *tensor.Tensor, reg float64) (float64, error) {
	recon, err := Reconstruct(Z, D)
	if err != nil {
		return 0, err
	}
	residualSq := 0.0
	iterate(toIntShape(X.Shape()), func(idx []int) {
		d := X.At(idx...) - recon.At(idx...)
		residualSq += d * d
	})
	l1 := 0.0
	iterate(toIntShape(Z.Shape()), func(idx []int) {
		l1 += math.Abs(Z.At(idx...))
	})
	return 0.5*residualSq + reg*l1, nil
}

// LambdaMax returns ‖Dᵀ⋆X‖_∞, the smallest λ for which Z=0 is a global optimum (data model invariant
// used by the round-trip test "λ ≥ λ_max ⇒ Z=0").
func LambdaMax(X, D *tensor.Tensor) (float64, error) {
	beta0, err := CrossCorrelate(X, D)
	if err != nil {
		return 0, err
	}
	max := 0.0
	iterate(toIntShape(beta0.Shape()), func(idx []int) {
		v := math.Abs(beta0.At(idx...))
		if v > max {
			max = v
		}
	})
	return max, nil
}

// ZtZ computes the local sufficient statistic Σₚ Z[k,p]·Z[k₀,p+δ] for every offset δ with
// |δᵢ| ≤ atomShape[i]-1, in the same (K, K, *(2a-1)) layout as beta's DᵀD -- the autocorrelation the
// dictionary-learning outer loop's D-update needs (§4.7, §2 "not a general optimizer: the D-update is
// out of scope, only the sufficient statistics it consumes are computed here"). Terms whose p+δ falls
// outside Z's own extent are dropped, so the result is the full autocorrelation only when Z is the
// whole activation map; the coordinator therefore calls it on the stitched global Z, not per tile.
func ZtZ(Z *tensor.Tensor, atomShape []int) *tensor.Tensor {
	zShape := Z.Shape()
	nAtoms := zShape[0]
	validShape := []int(zShape[1:])
	rank := len(atomShape)

	outShape := make(tensor.Shape, 2+rank)
	outShape[0], outShape[1] = nAtoms, nAtoms
	for i, a := range atomShape {
		outShape[2+i] = 2*a - 1
	}
	out := tensor.New(outShape)

	offsets := offsetsWithin(atomShape)
	for k := 0; k < nAtoms; k++ {
		for k0 := 0; k0 < nAtoms; k0++ {
			for _, delta := range offsets {
				sum := 0.0
				iterate(validShape, func(p []int) {
					shifted := make([]int, rank)
					for axis := range p {
						shifted[axis] = p[axis] + delta[axis]
						if shifted[axis] < 0 || shifted[axis] >= validShape[axis] {
							return
						}
					}
					sum += Z.At(append([]int{k}, p...)...) * Z.At(append([]int{k0}, shifted...)...)
				})
				idx := make([]int, 2+rank)
				idx[0], idx[1] = k, k0
				for i, d := range delta {
					idx[2+i] = d + atomShape[i] - 1
				}
				out.Set(sum, idx...)
			}
		}
	}
	return out
}

// ZtX computes Σₚ Z[k,p]·Xwindow[c,p+offset+q] for every atom k, channel c, and q in [0, atomShape) --
// the cross-correlation of Z against a signal window, used for the D-update's ZᵀX sufficient statistic
// (§4.7). Xwindow must be indexed in the same local coordinate system as Z, shifted by offset (the
// tile's inner-to-halo-local offset, signaltile.Tile.InnerToHaloLocal's per-axis delta), and must have
// enough margin beyond Z's own extent to cover every p+q -- exactly the margin SignalTile already
// keeps for β (§4.2), so a worker can compute this from its own tile with no extra communication.
func ZtX(Z, Xwindow *tensor.Tensor, offset []int, atomShape []int) (*tensor.Tensor, error) {
	zShape := Z.Shape()
	nAtoms := zShape[0]
	validShape := []int(zShape[1:])
	xShape := Xwindow.Shape()
	nChannels := xShape[0]
	rank := len(atomShape)
	if len(offset) != rank || len(validShape) != rank {
		return nil, errors.Errorf("csc: ZtX: rank mismatch: atom=%d offset=%d Z=%d", rank, len(offset), len(validShape))
	}

	outShape := make(tensor.Shape, 2+rank)
	outShape[0], outShape[1] = nAtoms, nChannels
	copy(outShape[2:], atomShape)
	out := tensor.New(outShape)

	for k := 0; k < nAtoms; k++ {
		iterate(validShape, func(p []int) {
			zVal := Z.At(append([]int{k}, p...)...)
			if zVal == 0 {
				return
			}
			iterate(append([]int{nChannels}, atomShape...), func(cq []int) {
				c := cq[0]
				q := cq[1:]
				xIdx := make([]int, 1+rank)
				xIdx[0] = c
				for axis := range p {
					xIdx[1+axis] = p[axis] + offset[axis] + q[axis]
				}
				out.AddAt(zVal*Xwindow.At(xIdx...), append([]int{k, c}, q...)...)
			})
		})
	}
	return out, nil
}

// offsetsWithin returns every integer offset δ with |δ[axis]| <= atomShape[axis]-1 on every axis, the
// same enumeration beta.Precompute uses for DᵀD's support.
func offsetsWithin(atomShape []int) [][]int {
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
		offsets = append(offsets, append([]int(nil), delta...))
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

func toTensorShape(s []int) tensor.Shape {
	return tensor.Shape(s)
}

func toIntShape(s tensor.Shape) []int {
	return []int(s)
}
