package tensor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShapeEqualAndSize(t *testing.T) {
	s := Shape{3, 4, 5}
	require.Equal(t, 60, s.Size())
	require.True(t, s.Equal(Shape{3, 4, 5}))
	require.False(t, s.Equal(Shape{3, 4}))
	require.Equal(t, "(3, 4, 5)", s.String())
}

func TestSetAndAt(t *testing.T) {
	x := New(Shape{2, 3})
	x.Set(1.5, 0, 1)
	x.Set(2.5, 1, 2)
	require.Equal(t, 1.5, x.At(0, 1))
	require.Equal(t, 2.5, x.At(1, 2))
	require.Equal(t, 0.0, x.At(0, 0))
}

func TestViewSharesStorage(t *testing.T) {
	x := New(Shape{4, 4})
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			x.Set(float64(r*4+c), r, c)
		}
	}
	v, err := x.View([]int{1, 1}, []int{3, 3})
	require.NoError(t, err)
	require.Equal(t, Shape{2, 2}, v.Shape())
	require.Equal(t, x.At(1, 1), v.At(0, 0))
	require.Equal(t, x.At(2, 2), v.At(1, 1))

	v.Set(99, 0, 0)
	require.Equal(t, 99.0, x.At(1, 1), "writes through a view must be visible in the parent")
}

func TestViewOutOfBounds(t *testing.T) {
	x := New(Shape{4, 4})
	_, err := x.View([]int{0, 0}, []int{5, 4})
	require.Error(t, err)
}

func TestClone(t *testing.T) {
	x := New(Shape{2, 2})
	x.Fill(3)
	v, err := x.View([]int{0, 0}, []int{1, 2})
	require.NoError(t, err)
	c := v.Clone()
	c.Set(0, 0, 0)
	require.Equal(t, 3.0, v.At(0, 0), "clone must not alias the view's storage")
}

func TestAddAt(t *testing.T) {
	x := New(Shape{3})
	got := x.AddAt(2, 1)
	require.Equal(t, 2.0, got)
	got = x.AddAt(3, 1)
	require.Equal(t, 5.0, got)
}
