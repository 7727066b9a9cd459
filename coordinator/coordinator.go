// Package coordinator implements §4.7: the root process that spawns workers, broadcasts the
// dictionary and solve parameters, scatters overlapping input tiles, drives the solve to global
// termination, and gathers the stitched activation map and sufficient statistics. Workers are
// goroutines (§2); the Coordinator's "processes" are `errgroup.Group` members sharing a
// `transport.Fabric`.
package coordinator

import (
	"context"

	"github.com/inria-thoth/dicod/beta"
	"github.com/inria-thoth/dicod/config"
	"github.com/inria-thoth/dicod/csc"
	"github.com/inria-thoth/dicod/dicoderr"
	"github.com/inria-thoth/dicod/internal/strategy"
	"github.com/inria-thoth/dicod/log"
	"github.com/inria-thoth/dicod/segmentation"
	"github.com/inria-thoth/dicod/signaltile"
	"github.com/inria-thoth/dicod/solver"
	"github.com/inria-thoth/dicod/stats"
	"github.com/inria-thoth/dicod/termination"
	"github.com/inria-thoth/dicod/transport"
	"github.com/inria-thoth/dicod/types/tensor"
	"github.com/inria-thoth/dicod/types/topology"
	"github.com/inria-thoth/dicod/worker"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var errPoolShutDown = errors.New("coordinator: pool is shut down")

// Result is everything Gather collects at the end of a solve (§4.7).
type Result struct {
	// Z is the stitched global activation map, shape (K, *validShape).
	Z *tensor.Tensor

	// ZtZ and ZtX are the sufficient statistics the dictionary-learning outer loop's D-update needs,
	// populated only when Params.ReturnZtZ is set (§6).
	ZtZ *tensor.Tensor
	ZtX *tensor.Tensor

	// CostLog is the reconstructed cost curve of §4.7, populated only when Params.Timing is set.
	CostLog []stats.CostPoint

	// WorkerStats is each worker's own (updates_count, runtime, init_time, termination reason).
	WorkerStats []worker.Result

	// TermReason is why the pool as a whole stopped: "quiescence", "reactivation-limit", or
	// "timeout".
	TermReason string
}

// Coordinator drives one or more solves against a shared, reusable worker Pool.
type Coordinator struct {
	pool *Pool
}

// New builds a Coordinator owning a fresh Pool.
func New() *Coordinator {
	return &Coordinator{pool: NewPool()}
}

// NewWithPool builds a Coordinator sharing an existing Pool, so repeated solves (e.g. successive
// dictionary-learning outer-loop iterations) amortize fabric setup across calls.
func NewWithPool(pool *Pool) *Coordinator {
	return &Coordinator{pool: pool}
}

// Shutdown tears down the coordinator's worker pool.
func (c *Coordinator) Shutdown() {
	c.pool.Shutdown()
}

// Solve runs one full DICOD solve: Spawn, Dispatch, Drive, Gather (§4.7). X has shape (C, *sigShape),
// D has shape (K, C, *atomShape). z0, if non-nil, has shape (K, *validShape) and warm-starts every
// worker's Z (and, if FreezeSupport is set, pins its support).
func (c *Coordinator) Solve(ctx context.Context, X, D *tensor.Tensor, reg float64, z0 *tensor.Tensor, p config.Params) (*Result, error) {
	logger := log.Coordinator()
	log.SetLevel(p.Verbose)

	if err := config.Validate(p); err != nil {
		return nil, err
	}

	strat, err := strategy.Parse(p.Strategy)
	if err != nil {
		return nil, &dicoderr.ConfigError{Reason: err.Error()}
	}

	dShape := D.Shape()
	atomShape := []int(dShape[2:])
	sigShape := []int(X.Shape()[1:])
	validShape, err := csc.ValidShape(sigShape, atomShape)
	if err != nil {
		return nil, err
	}
	overlap := csc.Overlap(atomShape)

	axesSizes := p.WWorld
	if len(axesSizes) == 0 {
		axesSizes, err = topology.FindGridSize(p.NJobs, sigShape)
		if err != nil {
			return nil, &dicoderr.ConfigError{Reason: err.Error()}
		}
	}
	grid, err := topology.NewGrid(axesSizes)
	if err != nil {
		return nil, &dicoderr.ConfigError{Reason: err.Error()}
	}
	workers, err := segmentation.NewWorkers(grid, validShape, overlap)
	if err != nil {
		return nil, err
	}

	n := grid.NumTiles()
	cc := beta.Precompute(D)
	logger.Info().Int("n_jobs", n).Str("grid", grid.String()).Str("strategy", strat.String()).
		Msg("dispatching solve")

	fabric, err := c.pool.Acquire(n)
	if err != nil {
		return nil, errors.Wrap(err, "coordinator: Spawn")
	}

	var costLog *stats.CostLog
	if p.Timing {
		costLog = stats.NewCostLog()
	}

	solveCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	tiles := make([]*signaltile.Tile, n)
	results := make([]worker.Result, n)
	g, gctx := errgroup.WithContext(solveCtx)
	detector := termination.NewDetector(n, p.MaxReactivations)

	for tileID := 0; tileID < n; tileID++ {
		tile, err := signaltile.New(tileID, workers, X, D, z0)
		if err != nil {
			return nil, errors.Wrapf(err, "coordinator: Dispatch: building tile %d", tileID)
		}
		tiles[tileID] = tile

		nSeg := effectiveNSeg(p.NSeg, strat)
		candidates, err := segmentation.NewCandidates(tile.InnerShape(), atomShape, nSeg)
		if err != nil {
			return nil, err
		}

		ep := fabric.Endpoint(gctx, tileID)
		wc := worker.Config{
			Solver: solver.Config{
				Strategy:      strat,
				Tol:           p.Tol,
				MaxIter:       p.MaxIter,
				Reg:           reg,
				ZPositive:     p.ZPositive,
				FreezeSupport: p.FreezeSupport,
				UseSoftLock:   p.UseSoftLock,
				SoftLockSlack: p.SoftLockSlack,
				RandomSeed:    p.RandomSeed + int64(tileID),
			},
			CheckWarmBeta:      p.Debug.CheckWarmBeta,
			WarmBetaTol:        p.Debug.WarmBetaTol,
			CheckBeta:          p.Debug.CheckBeta,
			BetaTol:            p.Debug.BetaTol,
			CheckActiveSegs:    p.Debug.CheckActiveSegments,
			CheckUpdateContain: p.Debug.CheckUpdateContained,
			D:                  D,
			GlobalValidShape:   validShape,
		}
		w := worker.New(tile, candidates, cc, ep, wc, costLog)

		idx := tileID
		g.Go(func() error {
			res, err := w.Run(gctx, detector.Reports())
			if err != nil {
				return &dicoderr.TransportError{WorkerID: idx, Reason: err.Error()}
			}
			results[idx] = res
			return nil
		})
	}

	reason := termination.ReasonQuiescence
	g.Go(func() error {
		r, err := detector.Await(gctx)
		if err != nil {
			return nil // context cancellation: the per-worker goroutines report the real error, if any
		}
		reason = r
		return fabric.Bcast(gctx, transport.TagTerminate, nil)
	})

	if err := g.Wait(); err != nil {
		c.pool.Shutdown()
		return nil, errors.Wrap(err, "coordinator: Drive")
	}

	termReason := string(reason)
	if solveCtx.Err() != nil {
		termReason = "timeout"
	}

	z := tensor.New(append(tensor.Shape{dShape[0]}, toTensorShape(validShape)...))
	for tileID, tile := range tiles {
		inner, err := workers.InnerExtents(tileID)
		if err != nil {
			return nil, err
		}
		if err := stitch(z, tile.Z, inner); err != nil {
			return nil, errors.Wrap(err, "coordinator: Gather: stitching Z")
		}
	}

	result := &Result{Z: z, WorkerStats: results, TermReason: termReason}

	if p.ReturnZtZ {
		ztz, ztx, err := gatherSufficientStatistics(tiles, z, atomShape)
		if err != nil {
			return nil, errors.Wrap(err, "coordinator: Gather: sufficient statistics")
		}
		result.ZtZ, result.ZtX = ztz, ztx
	}

	if p.Timing && costLog != nil {
		points, err := stats.ReconstructCost(X, D, reg, z0, n, validShape, costLog)
		if err != nil {
			return nil, errors.Wrap(err, "coordinator: reconstructing cost curve")
		}
		result.CostLog = points
	}

	logger.Info().Str("reason", termReason).Msg("solve complete")
	return result, nil
}

// effectiveNSeg resolves the "n_seg" param of §6: an explicit positive value always wins; LGCD with no
// explicit value auto-sizes (segmentation.NewCandidates' nSegPerAxis<=0 path); any other strategy with
// no explicit value collapses to one global segment (§4.4: "when n_seg=1, the whole inner region is
// one segment").
func effectiveNSeg(nSeg int, strat strategy.Kind) int {
	if nSeg > 0 {
		return nSeg
	}
	if strat == strategy.LGCD {
		return 0
	}
	return 1
}

// stitch copies src (one worker's inner-only Z tile) into dst at the global offset given by inner.
func stitch(dst, src *tensor.Tensor, inner []segmentation.Extent) error {
	shape := src.Shape()
	nAtoms := shape[0]
	lo := make([]int, len(shape))
	hi := make([]int, len(shape))
	lo[0], hi[0] = 0, nAtoms
	for axis, e := range inner {
		lo[axis+1] = e.Lo
		hi[axis+1] = e.Hi
	}
	view, err := dst.View(lo, hi)
	if err != nil {
		return err
	}
	idx := make([]int, len(shape))
	total := shape.Size()
	for i := 0; i < total; i++ {
		view.Set(src.At(idx...), idx...)
		for axis := len(shape) - 1; axis >= 0; axis-- {
			idx[axis]++
			if idx[axis] < shape[axis] {
				break
			}
			idx[axis] = 0
		}
	}
	return nil
}

// gatherSufficientStatistics sums each tile's local ZtX contribution (csc.ZtX) via
// transport.ReduceSumTensors, and computes ZtZ once from the stitched global z: a per-tile csc.ZtZ
// drops every pair of positions that straddles a tile boundary, so summing per-tile ZtZ would not
// give the autocorrelation of z.
func gatherSufficientStatistics(tiles []*signaltile.Tile, z *tensor.Tensor, atomShape []int) (ztz, ztx *tensor.Tensor, err error) {
	ztxContribs := make([]*tensor.Tensor, len(tiles))
	for i, tile := range tiles {
		offset := tile.InnerToHaloLocal(make([]int, len(atomShape)))
		contrib, err := csc.ZtX(tile.Z, tile.XHalo, offset, atomShape)
		if err != nil {
			return nil, nil, err
		}
		ztxContribs[i] = contrib
	}
	ztx, err = transport.ReduceSumTensors(ztxContribs)
	if err != nil {
		return nil, nil, err
	}
	return csc.ZtZ(z, atomShape), ztx, nil
}

func toTensorShape(s []int) tensor.Shape {
	return tensor.Shape(s)
}

// CandidateWorkerCounts exposes stats.CandidateWorkerCounts at the package a caller benchmarking n_jobs
// scaling (§8 scenario 4) would reach for first.
func CandidateWorkerCounts(maxJobs int, sigShape []int) []int {
	return stats.CandidateWorkerCounts(maxJobs, sigShape)
}
