// Package dicod is the public entry point of the distributed convolutional sparse coding solver: the
// solve_z API of §6, consumed by an external dictionary-learning outer loop (out of scope for this
// module, per §1's Non-goals).
package dicod

import (
	"context"

	"github.com/inria-thoth/dicod/beta"
	"github.com/inria-thoth/dicod/border"
	"github.com/inria-thoth/dicod/config"
	"github.com/inria-thoth/dicod/coordinator"
	"github.com/inria-thoth/dicod/csc"
	"github.com/inria-thoth/dicod/dicoderr"
	"github.com/inria-thoth/dicod/internal/strategy"
	"github.com/inria-thoth/dicod/segmentation"
	"github.com/inria-thoth/dicod/signaltile"
	"github.com/inria-thoth/dicod/solver"
	"github.com/inria-thoth/dicod/stats"
	"github.com/inria-thoth/dicod/transport"
	"github.com/inria-thoth/dicod/types/tensor"
	"github.com/inria-thoth/dicod/types/topology"
	"github.com/pkg/errors"
)

// Params is config.Params re-exported at the package callers actually import (§6: "Params is a Go
// struct with the same fields, validated in config").
type Params = config.Params

// DefaultParams returns the parameter set Solve uses when the caller passes the zero Params (mirrors
// solve_z's Python keyword defaults).
func DefaultParams() Params {
	return config.Default()
}

// Result is coordinator.Result re-exported at this package.
type Result = coordinator.Result

// Solve implements solve_z(X, D, reg, z0, params) -> (Z, ZtZ, ZtX, cost_log) of §6. X has shape
// (C, *sigShape), D has shape (K, C, *atomShape), z0 (optional) has shape (K, *validShape). When
// params is the zero value, DefaultParams() is used instead -- a Params with NJobs == 0 is otherwise
// indistinguishable from "not configured", and NJobs must be >= 1 to mean anything.
//
// When params.NJobs == 1 and params.WWorld is empty, Solve takes the single-worker fast path (§6: "bypass transport and invoke
// the local solver directly"): no Coordinator, no worker goroutine, no transport fabric is built, only
// one signaltile.Tile and one solver.Solver driven synchronously in the caller's goroutine.
func Solve(ctx context.Context, X, D *tensor.Tensor, reg float64, z0 *tensor.Tensor, params Params) (*Result, error) {
	if params.NJobs == 0 {
		params = DefaultParams()
	}
	if err := config.Validate(params); err != nil {
		return nil, err
	}

	if params.NJobs == 1 && len(params.WWorld) == 0 {
		return solveLocal(ctx, X, D, reg, z0, params)
	}

	c := coordinator.New()
	return c.Solve(ctx, X, D, reg, z0, params)
}

// LambdaMax returns ‖Dᵀ⋆X‖_∞, the smallest λ for which Z=0 is a global optimum (Glossary, §8's
// round-trip "λ ≥ λ_max ⇒ Z=0"). Exposed here since a caller sweeping λ needs it before calling Solve.
func LambdaMax(X, D *tensor.Tensor) (float64, error) {
	return csc.LambdaMax(X, D)
}

// solveLocal is the single-worker fast path: a 1x1x... worker grid has no neighbors, so BorderProtocol
// never has anything to send or drain and TerminationDetector's barrier is trivial (one worker's own
// Paused state already is global quiescence). Rather than duplicate LocalSolver's selection logic,
// this still builds one signaltile.Tile and one solver.Solver -- the same types a distributed solve
// uses -- but drives solver.Solver.Step directly in a plain loop, with no goroutine, no Coordinator,
// and no TerminationDetector round trip.
func solveLocal(ctx context.Context, X, D *tensor.Tensor, reg float64, z0 *tensor.Tensor, p Params) (*Result, error) {
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

	grid, err := topology.NewGrid(onesOfRank(len(sigShape)))
	if err != nil {
		return nil, &dicoderr.ConfigError{Reason: err.Error()}
	}
	ws, err := segmentation.NewWorkers(grid, validShape, overlap)
	if err != nil {
		return nil, err
	}

	tile, err := signaltile.New(0, ws, X, D, z0)
	if err != nil {
		return nil, errors.Wrap(err, "dicod: solveLocal: building tile")
	}

	nSeg := p.NSeg
	if nSeg <= 0 {
		if strat == strategy.LGCD {
			nSeg = 0
		} else {
			nSeg = 1
		}
	}
	candidates, err := segmentation.NewCandidates(tile.InnerShape(), atomShape, nSeg)
	if err != nil {
		return nil, err
	}

	cc := beta.Precompute(D)

	// A single-tile fabric exists only to satisfy border.Protocol's Endpoint dependency; with zero
	// neighbors (topology.Grid.Neighbors returns an empty map for a 1x...x1 grid) not one message ever
	// crosses it, so this never spawns a goroutine or touches a channel's buffer.
	fabric := transport.NewFabric(1)
	proto := border.New(fabric.Endpoint(ctx, 0), cc)

	var costLog *stats.CostLog
	if p.Timing {
		costLog = stats.NewCostLog()
	}

	s := solver.New(tile, candidates, cc, proto, solver.Config{
		Strategy:      strat,
		Tol:           p.Tol,
		MaxIter:       p.MaxIter,
		Reg:           reg,
		ZPositive:     p.ZPositive,
		FreezeSupport: p.FreezeSupport,
		UseSoftLock:   p.UseSoftLock,
		SoftLockSlack: p.SoftLockSlack,
		RandomSeed:    p.RandomSeed,
	})

	localIter := 0
	for s.State() != solver.Terminated {
		if ctx.Err() != nil {
			break
		}
		update, ok, err := s.Step(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "dicod: solveLocal: step failed")
		}
		if ok {
			localIter++
			if costLog != nil {
				costLog.Record(stats.Entry{TUpdate: 0, LocalIter: localIter, Rank: 0, Atom: update.Atom, PInner: update.PInner, Dz: update.Dz})
			}
			continue
		}
		if s.State() == solver.Paused {
			// no neighbor will ever send a border message to reactivate a segment: quiescence here is
			// global quiescence.
			s.ForceTerminate()
		}
	}

	termReason := "quiescence"
	if ctx.Err() != nil {
		termReason = "timeout"
	} else if p.MaxIter > 0 && s.Iterations() >= p.MaxIter {
		termReason = "budget-exceeded"
	}

	result := &Result{Z: tile.Z, TermReason: termReason}

	if p.ReturnZtZ {
		result.ZtZ = csc.ZtZ(tile.Z, atomShape)
		ztx, err := csc.ZtX(tile.Z, tile.XHalo, tile.InnerToHaloLocal(make([]int, len(atomShape))), atomShape)
		if err != nil {
			return nil, err
		}
		result.ZtX = ztx
	}
	if p.Timing && costLog != nil {
		points, err := stats.ReconstructCost(X, D, reg, z0, 1, validShape, costLog)
		if err != nil {
			return nil, err
		}
		result.CostLog = points
	}
	return result, nil
}

func onesOfRank(rank int) []int {
	ones := make([]int, rank)
	for i := range ones {
		ones[i] = 1
	}
	return ones
}
