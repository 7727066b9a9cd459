// Package worker implements §4.4's LocalSolver lifecycle end to end for one worker: the Init state's
// warm-β consistency check, the Searching/Paused run loop driving a solver.Solver, termination
// reporting, and result gathering. It is the concrete goroutine the coordinator spawns one of per tile
// (§2: "process" reads as "goroutine").
package worker

import (
	"context"
	"math"
	"time"

	"github.com/inria-thoth/dicod/beta"
	"github.com/inria-thoth/dicod/border"
	"github.com/inria-thoth/dicod/csc"
	"github.com/inria-thoth/dicod/dicoderr"
	"github.com/inria-thoth/dicod/log"
	"github.com/inria-thoth/dicod/segmentation"
	"github.com/inria-thoth/dicod/signaltile"
	"github.com/inria-thoth/dicod/solver"
	"github.com/inria-thoth/dicod/stats"
	"github.com/inria-thoth/dicod/termination"
	"github.com/inria-thoth/dicod/transport"
	"github.com/inria-thoth/dicod/types/tensor"
	"github.com/pkg/errors"
)

// Result is what a worker reports back to the coordinator's Gather phase (§4.7).
type Result struct {
	TileID     int
	Z          *tensor.Tensor
	Iterations int
	Runtime    time.Duration
	InitTime   time.Duration
	TermReason string
}

// Config bundles the per-worker knobs a solve needs beyond the shared solver.Config.
type Config struct {
	Solver        solver.Config
	CheckWarmBeta bool // CHECK_WARM_BETA (§4.2): cross-check one probe point per neighbor at Init
	WarmBetaTol   float64

	CheckBeta          bool // CHECK_BETA (§7): recompute β from XHalo at Terminated, compare to tile.Beta
	BetaTol            float64
	CheckActiveSegs    bool // CHECK_ACTIVE_SEGMENTS (§7): verify the segment activity bitmap each pause
	CheckUpdateContain bool // CHECK_UPDATE_CONTAINED (§7): verify every accepted update stays in-halo

	D                *tensor.Tensor // only needed when CheckBeta is set
	GlobalValidShape []int          // only needed when CheckUpdateContain is set
}

// Worker drives one tile's full lifecycle: Init, the Searching/Paused loop, and Terminated reporting.
type Worker struct {
	tile       *signaltile.Tile
	candidates *segmentation.Candidates
	cc         *beta.CrossCorrelation
	proto      *border.Protocol
	endpoint   *transport.Endpoint
	cfg        Config
	costLog    *stats.CostLog
}

// New builds a Worker for one tile. candidates must already be sized for this tile's inner region
// (segmentation.NewCandidates). costLog may be nil, in which case updates are not logged for timing
// reconstruction.
func New(tile *signaltile.Tile, candidates *segmentation.Candidates, cc *beta.CrossCorrelation, endpoint *transport.Endpoint, cfg Config, costLog *stats.CostLog) *Worker {
	return &Worker{
		tile:       tile,
		candidates: candidates,
		cc:         cc,
		proto:      border.New(endpoint, cc),
		endpoint:   endpoint,
		cfg:        cfg,
		costLog:    costLog,
	}
}

// Run executes Init, then the Searching/Paused loop until the solver terminates (budget exceeded or a
// global TERMINATE control message arrives), posting progress to reports (the channel backing a
// termination.Detector) as it goes. reports may be nil, in which case no progress is posted. It
// returns the final Result.
func (w *Worker) Run(ctx context.Context, reports chan<- termination.Report) (Result, error) {
	initStart := time.Now()
	if w.cfg.CheckWarmBeta {
		if err := w.checkWarmBeta(ctx); err != nil {
			return Result{}, err
		}
	}
	initTime := time.Since(initStart)

	s := solver.New(w.tile, w.candidates, w.cc, w.proto, w.cfg.Solver)

	runStart := time.Now()
	logger := log.Worker(w.tile.TileID)
	reason := "quiescence"

loop:
	for {
		select {
		case ctrl := <-w.endpoint.Control():
			if ctrl.Tag == transport.TagTerminate {
				s.ForceTerminate()
				reason = "terminate-signal"
				break loop
			}
		case <-ctx.Done():
			s.ForceTerminate()
			reason = "context-cancelled"
			break loop
		default:
		}

		prevState := s.State()
		update, ok, err := s.Step(ctx)
		if err != nil {
			return Result{}, errors.Wrapf(err, "worker %d: step failed", w.tile.TileID)
		}
		if ok {
			if w.costLog != nil {
				globalP, err := w.tile.GlobalOfHaloLocal(w.tile.InnerToHaloLocal(update.PInner))
				if err != nil {
					return Result{}, errors.Wrapf(err, "worker %d: logging update", w.tile.TileID)
				}
				w.costLog.Record(stats.Entry{
					TUpdate:   time.Since(runStart).Seconds(),
					LocalIter: s.Iterations(),
					Rank:      w.endpoint.Rank(),
					Atom:      update.Atom,
					PInner:    globalP,
					Dz:        update.Dz,
				})
			}
			if w.cfg.CheckUpdateContain {
				haloPt := w.tile.InnerToHaloLocal(update.PInner)
				if !w.cc.Contained(w.tile, haloPt, w.cfg.GlobalValidShape) {
					return Result{}, &dicoderr.AssertionError{
						Check:    "CHECK_UPDATE_CONTAINED",
						WorkerID: w.tile.TileID,
						Detail:   errors.Errorf("update atom=%d p=%v escaped halo allocation", update.Atom, update.PInner).Error(),
					}
				}
			}
		}
		if w.cfg.CheckActiveSegs && prevState != solver.Paused && s.State() == solver.Paused {
			if bad := s.VerifyActiveSegments(); len(bad) > 0 {
				return Result{}, &dicoderr.AssertionError{
					Check:    "CHECK_ACTIVE_SEGMENTS",
					WorkerID: w.tile.TileID,
					Detail:   errors.Errorf("segments %v disagree with recomputed activity", bad).Error(),
				}
			}
		}

		if reports != nil {
			select {
			case reports <- termination.Report{WorkerID: w.endpoint.Rank(), Paused: s.State() == solver.Paused, Credit: s.Credit()}:
			default:
			}
		}

		if s.State() == solver.Terminated {
			if reason == "quiescence" {
				reason = "budget-exceeded"
			}
			break loop
		}
		if !ok {
			// nothing to do this pass (paused, no pending messages): yield instead of busy-spinning.
			time.Sleep(100 * time.Microsecond)
		}
	}

	if w.cfg.CheckBeta {
		if err := w.checkBeta(); err != nil {
			return Result{}, err
		}
	}

	logger.Debug().Msg("worker terminated")
	return Result{
		TileID:     w.tile.TileID,
		Z:          w.tile.Z,
		Iterations: s.Iterations(),
		Runtime:    time.Since(runStart),
		InitTime:   initTime,
		TermReason: reason,
	}, nil
}

// checkBeta implements CHECK_BETA (§7): recompute β from scratch via cross-correlation over this
// tile's own XHalo and compare, entrywise, against the incrementally maintained tile.Beta. Unlike
// CHECK_WARM_BETA this only needs the dictionary, not any neighbor communication, but it is O(halo ×
// atom) work so it only runs once, at termination, rather than every step.
func (w *Worker) checkBeta() error {
	recomputed, err := csc.CrossCorrelate(w.tile.XHalo, w.cfg.D)
	if err != nil {
		return errors.Wrap(err, "worker: CHECK_BETA: recomputing beta")
	}
	shape := recomputed.Shape()
	idx := make([]int, len(shape))
	total := shape.Size()
	for n := 0; n < total; n++ {
		want := recomputed.At(idx...)
		got := w.tile.Beta.At(idx...)
		if math.Abs(want-got) > w.cfg.BetaTol {
			return &dicoderr.AssertionError{
				Check:    "CHECK_BETA",
				WorkerID: w.tile.TileID,
				Detail:   errors.Errorf("beta mismatch at %v: incremental=%v recomputed=%v", idx, got, want).Error(),
			}
		}
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

// checkWarmBeta implements CHECK_WARM_BETA (§4.2): for each existing neighbor, send it one probe point
// -- this worker's own β at a coordinate the neighbor's halo also covers -- and verify the value we
// receive back from that neighbor for its own probe point agrees with our own β there, within
// WarmBetaTol. Every worker's β is already independently correct by construction (each SignalTile
// convolves its own XHalo, which already spans every signal position any of its halo's activation
// positions need), so this never mutates state; it only catches a segmentation/halo bug early.
func (w *Worker) checkWarmBeta(ctx context.Context) error {
	neighbors := w.tile.NeighborDirections()
	if len(neighbors) == 0 {
		return nil
	}
	innerShape := w.tile.InnerShape()

	for _, n := range neighbors {
		probeLocal := make([]int, len(innerShape))
		for axis, d := range n.Dir {
			switch {
			case d < 0:
				probeLocal[axis] = 0
			case d > 0:
				probeLocal[axis] = innerShape[axis] - 1
			default:
				probeLocal[axis] = innerShape[axis] / 2
			}
		}
		probeGlobal, err := w.tile.GlobalOfHaloLocal(w.tile.InnerToHaloLocal(probeLocal))
		if err != nil {
			return err
		}
		betaHere := w.tile.Beta.At(append([]int{0}, w.tile.InnerToHaloLocal(probeLocal)...)...)
		if err := w.endpoint.SendProbe(ctx, n.TileID, transport.ProbeMessage{
			Atom:      0,
			GlobalPos: append([]int(nil), probeGlobal...),
			BetaValue: betaHere,
		}); err != nil {
			return err
		}
	}

	remaining := len(neighbors)
	deadline := time.Now().Add(2 * time.Second)
	for remaining > 0 && time.Now().Before(deadline) {
		msg, ok := w.endpoint.TryRecvProbe()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		localPt, err := w.tile.HaloLocalOfGlobal(msg.GlobalPos)
		if err != nil {
			continue // the probed coordinate isn't in this tile's halo; nothing to check
		}
		if !w.tile.InBeta(localPt) {
			continue
		}
		mine := w.tile.Beta.At(append([]int{msg.Atom}, localPt...)...)
		if math.Abs(mine-msg.BetaValue) > w.cfg.WarmBetaTol {
			return &dicoderr.AssertionError{
				Check:    "CHECK_WARM_BETA",
				WorkerID: w.tile.TileID,
				Detail: errors.Errorf("beta mismatch at global %v: mine=%v peer(%d)=%v",
					msg.GlobalPos, mine, msg.From, msg.BetaValue).Error(),
			}
		}
		remaining--
	}
	return nil
}
