// Package tensor provides the dense, real-valued N-dimensional arrays used throughout dicod for the
// signal X, dictionary D, activations Z and gradient field β (data model, §3). It intentionally supports
// a single dtype (float64): the core never needs mixed precision, and a single concrete representation
// keeps the hot coordinate-descent loop free of dynamic dispatch.
package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Shape is the list of dimension sizes of a Tensor, outermost axis first (e.g. (K, H, W) for an
// activation map).
type Shape []int

// Rank returns the number of axes.
func (s Shape) Rank() int {
	return len(s)
}

// Size returns the total number of elements described by the shape.
func (s Shape) Size() int {
	size := 1
	for _, d := range s {
		size *= d
	}
	return size
}

// Clone returns an independent copy of the shape.
func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

// Equal reports whether two shapes have the same rank and dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer, e.g. "(5, 8, 8)".
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// rowMajorStrides returns the strides (in elements) of a densely packed, row-major tensor of the
// given shape.
func rowMajorStrides(shape Shape) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

// Tensor is a dense float64 array. It may either own its backing storage or be a strided view into
// another Tensor's storage (see View) -- SignalTile uses a View to select a worker's halo-extended
// window of a larger array and then Clones it into storage of its own.
type Tensor struct {
	shape   Shape
	strides []int // strides of the *backing* array, one per axis of shape
	data    []float64
	offset  int
}

// New allocates a new, zero-filled Tensor of the given shape.
func New(shape Shape) *Tensor {
	shape = shape.Clone()
	return &Tensor{
		shape:   shape,
		strides: rowMajorStrides(shape),
		data:    make([]float64, shape.Size()),
	}
}

// FromData wraps an existing densely-packed row-major slice as a Tensor of the given shape. The slice
// is used as-is, not copied: mutations through the Tensor are visible to the caller's slice.
func FromData(shape Shape, data []float64) (*Tensor, error) {
	if shape.Size() != len(data) {
		return nil, errors.Errorf("tensor: shape %s has %d elements, got %d values", shape, shape.Size(), len(data))
	}
	return &Tensor{
		shape:   shape.Clone(),
		strides: rowMajorStrides(shape),
		data:    data,
	}, nil
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Axis returns the size of axis i.
func (t *Tensor) Axis(i int) int {
	return t.shape[i]
}

func (t *Tensor) flatIndex(idx []int) int {
	pos := t.offset
	for i, v := range idx {
		pos += v * t.strides[i]
	}
	return pos
}

// At returns the element at the given multi-index.
func (t *Tensor) At(idx ...int) float64 {
	return t.data[t.flatIndex(idx)]
}

// Set assigns v to the element at the given multi-index.
func (t *Tensor) Set(v float64, idx ...int) {
	t.data[t.flatIndex(idx)] = v
}

// AddAt adds delta to the element at the given multi-index, returning the new value.
func (t *Tensor) AddAt(delta float64, idx ...int) float64 {
	pos := t.flatIndex(idx)
	t.data[pos] += delta
	return t.data[pos]
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	if t.isDense() {
		for i := range t.data {
			t.data[i] = v
		}
		return
	}
	t.walk(func(pos int) { t.data[pos] = v })
}

// isDense reports whether this tensor owns its entire backing array densely (no offset, full strides),
// so a flat loop over t.data is equivalent to iterating every logical element exactly once.
func (t *Tensor) isDense() bool {
	return t.offset == 0 && len(t.data) == t.shape.Size()
}

// walk calls fn with the flat backing-array index of every logical element, in row-major order.
func (t *Tensor) walk(fn func(pos int)) {
	idx := make([]int, t.Rank())
	n := t.shape.Size()
	for i := 0; i < n; i++ {
		fn(t.flatIndex(idx))
		for axis := t.Rank() - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < t.shape[axis] {
				break
			}
			idx[axis] = 0
		}
	}
}

// View returns a sub-box of t described by half-open bounds [lo[i], hi[i]) on every axis, sharing
// backing storage with t. Mutations through the view are visible in t and vice versa.
func (t *Tensor) View(lo, hi []int) (*Tensor, error) {
	if len(lo) != t.Rank() || len(hi) != t.Rank() {
		return nil, errors.Errorf("tensor: View bounds must have rank %d, got lo=%v hi=%v", t.Rank(), lo, hi)
	}
	shape := make(Shape, t.Rank())
	for i := range shape {
		if lo[i] < 0 || hi[i] > t.shape[i] || lo[i] > hi[i] {
			return nil, errors.Errorf("tensor: View axis %d bounds [%d,%d) out of range for size %d", i, lo[i], hi[i], t.shape[i])
		}
		shape[i] = hi[i] - lo[i]
	}
	return &Tensor{
		shape:   shape,
		strides: t.strides,
		data:    t.data,
		offset:  t.flatIndex(lo),
	}, nil
}

// Clone returns a densely-packed, independent copy of t.
func (t *Tensor) Clone() *Tensor {
	out := New(t.shape)
	if t.isDense() {
		copy(out.data, t.data)
		return out
	}
	i := 0
	t.walk(func(pos int) {
		out.data[i] = t.data[pos]
		i++
	})
	return out
}

// Data returns the backing slice directly; only valid when the tensor is densely packed (as returned
// by New or Clone). It is used by transport.ReduceSumTensors to sum whole tensors element-wise.
func (t *Tensor) Data() ([]float64, error) {
	if !t.isDense() {
		return nil, errors.New("tensor: Data() requires a densely packed tensor, got a strided view")
	}
	return t.data, nil
}

// Norm2 returns the Euclidean (L2) norm of all elements.
func (t *Tensor) Norm2() float64 {
	sum := 0.0
	t.walk(func(pos int) { sum += t.data[pos] * t.data[pos] })
	return math.Sqrt(sum)
}
