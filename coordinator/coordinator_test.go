package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/inria-thoth/dicod/config"
	"github.com/inria-thoth/dicod/csc"
	"github.com/inria-thoth/dicod/types/tensor"
	"github.com/stretchr/testify/require"
)

// checkerboardProblem builds a small 2D multichannel signal with a handful of planted activations, the
// fixture scenario §8 scenario 2 describes at unit-test scale.
func checkerboardProblem(t *testing.T) (X, D *tensor.Tensor) {
	t.Helper()
	const (
		channels = 1
		size     = 24
		atom     = 4
	)
	D = tensor.New(tensor.Shape{2, channels, atom, atom})
	taps := [][]float64{
		{0.4, -0.1, 0.3, -0.2},
		{0.2, 0.35, -0.15, 0.1},
	}
	for k := 0; k < 2; k++ {
		for i := 0; i < atom; i++ {
			for j := 0; j < atom; j++ {
				D.Set(taps[k][(i+j)%len(taps[k])]*float64(i+1)/float64(j+2), k, 0, i, j)
			}
		}
	}

	X = tensor.New(tensor.Shape{channels, size, size})
	planted := []struct {
		k, i, j int
		dz      float64
	}{
		{0, 3, 3, 2.0},
		{1, 10, 12, -1.5},
		{0, 16, 6, 1.2},
	}
	for _, pl := range planted {
		for i := 0; i < atom; i++ {
			for j := 0; j < atom; j++ {
				X.AddAt(D.At(pl.k, 0, i, j)*pl.dz, 0, pl.i+i, pl.j+j)
			}
		}
	}
	return X, D
}

func TestSingleWorkerVsFourWorkerGridAgree(t *testing.T) {
	X, D := checkerboardProblem(t)
	lambdaMax, err := csc.LambdaMax(X, D)
	require.NoError(t, err)
	reg := 0.1 * lambdaMax

	base := config.Default()
	base.Strategy = "greedy"
	base.Tol = 1e-10
	base.MaxIter = 20000
	base.UseSoftLock = true
	base.SoftLockSlack = 1e-10

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p1 := base
	p1.NJobs = 1
	c1 := New()
	res1, err := c1.Solve(ctx, X, D, reg, nil, p1)
	require.NoError(t, err)

	p4 := base
	p4.NJobs = 4
	p4.WWorld = []int{2, 2}
	c4 := New()
	res4, err := c4.Solve(ctx, X, D, reg, nil, p4)
	require.NoError(t, err)

	require.Equal(t, res1.Z.Shape(), res4.Z.Shape())
	shape := res1.Z.Shape()
	idx := make([]int, len(shape))
	total := shape.Size()
	maxDiff := 0.0
	for n := 0; n < total; n++ {
		d := res1.Z.At(idx...) - res4.Z.At(idx...)
		if d < 0 {
			d = -d
		}
		if d > maxDiff {
			maxDiff = d
		}
		for axis := len(shape) - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < shape[axis] {
				break
			}
			idx[axis] = 0
		}
	}
	require.Less(t, maxDiff, 1e-4)
}

func TestReturnZtZPopulatesSufficientStatistics(t *testing.T) {
	X, D := checkerboardProblem(t)
	lambdaMax, err := csc.LambdaMax(X, D)
	require.NoError(t, err)

	p := config.Default()
	p.NJobs = 4
	p.WWorld = []int{2, 2}
	p.Strategy = "greedy"
	p.MaxIter = 5000
	p.ReturnZtZ = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := New()
	res, err := c.Solve(ctx, X, D, 0.1*lambdaMax, nil, p)
	require.NoError(t, err)
	require.NotNil(t, res.ZtZ)
	require.NotNil(t, res.ZtX)
	require.Equal(t, tensor.Shape{2, 2, 7, 7}, res.ZtZ.Shape())
	require.Equal(t, tensor.Shape{2, 1, 4, 4}, res.ZtX.Shape())
}

func TestTimingProducesMonotonicUpdateCounts(t *testing.T) {
	X, D := checkerboardProblem(t)
	lambdaMax, err := csc.LambdaMax(X, D)
	require.NoError(t, err)

	p := config.Default()
	p.NJobs = 1
	p.MaxIter = 2000
	p.Timing = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := New()
	res, err := c.Solve(ctx, X, D, 0.1*lambdaMax, nil, p)
	require.NoError(t, err)
	require.NotEmpty(t, res.CostLog)
	for i := 1; i < len(res.CostLog); i++ {
		require.GreaterOrEqual(t, res.CostLog[i].UpdateCount, res.CostLog[i-1].UpdateCount)
	}
}

func TestPoolIsReusedAcrossSolves(t *testing.T) {
	X, D := checkerboardProblem(t)
	lambdaMax, err := csc.LambdaMax(X, D)
	require.NoError(t, err)

	p := config.Default()
	p.NJobs = 4
	p.WWorld = []int{2, 2}
	p.MaxIter = 2000

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool := NewPool()
	c := NewWithPool(pool)
	_, err = c.Solve(ctx, X, D, 0.1*lambdaMax, nil, p)
	require.NoError(t, err)
	require.Equal(t, PoolRunning, pool.State())

	_, err = c.Solve(ctx, X, D, 0.1*lambdaMax, nil, p)
	require.NoError(t, err)
	require.Equal(t, PoolRunning, pool.State())
}
