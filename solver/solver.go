// Package solver implements §4.4: one worker's LocalSolver state machine, coordinate selection by
// strategy (greedy, random, or LGCD's segmented round-robin), the soft-lock gate, and tolerance
// gating.
package solver

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/inria-thoth/dicod/beta"
	"github.com/inria-thoth/dicod/border"
	"github.com/inria-thoth/dicod/internal/strategy"
	"github.com/inria-thoth/dicod/segmentation"
	"github.com/inria-thoth/dicod/signaltile"
	"github.com/inria-thoth/dicod/types/tensor"
)

// State is one of the four LocalSolver states of §4.4 (Init is handled by the caller's warm-beta
// exchange before a Solver is constructed, so only the post-Init states are modeled here).
type State int

const (
	Searching State = iota
	Paused
	Terminated
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case Paused:
		return "paused"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Config bundles the solve_z parameters (§6) a single LocalSolver needs.
type Config struct {
	Strategy      strategy.Kind
	Tol           float64
	MaxIter       int       // <= 0 means no cap
	Deadline      time.Time // zero value means no deadline
	Reg           float64
	ZPositive     bool
	FreezeSupport bool
	UseSoftLock   bool
	SoftLockSlack float64
	RandomSeed    int64
}

// Update records one accepted coordinate change, for StatsCollector (§4.7 timing reconstruction).
type Update struct {
	Atom   int
	PInner []int
	Dz     float64
}

// Solver is one worker's LocalSolver.
type Solver struct {
	tile       *signaltile.Tile
	candidates *segmentation.Candidates
	cc         *beta.CrossCorrelation
	proto      *border.Protocol
	cfg        Config
	rng        *rand.Rand

	z0Frozen *tensor.Tensor // snapshot of Z at construction, only read when cfg.FreezeSupport

	active []bool
	cursor int
	state  State

	iterations    int
	outgoingCount int
	incomingCount int
}

// New builds a Solver in the Searching state, scanning every segment once to seed its activity bitmap
// (the Init state's work -- warm-beta exchange -- has already happened on tile by this point).
func New(tile *signaltile.Tile, candidates *segmentation.Candidates, cc *beta.CrossCorrelation, proto *border.Protocol, cfg Config) *Solver {
	s := &Solver{
		tile:       tile,
		candidates: candidates,
		cc:         cc,
		proto:      proto,
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(cfg.RandomSeed)),
		active:     make([]bool, candidates.NumSegments()),
		state:      Searching,
	}
	if cfg.FreezeSupport {
		s.z0Frozen = tile.Z.Clone()
	}
	for seg := range s.active {
		s.active[seg] = s.segmentHasEligible(seg)
	}
	return s
}

// State returns the solver's current state.
func (s *Solver) State() State {
	return s.state
}

// Iterations returns the number of accepted updates so far.
func (s *Solver) Iterations() int {
	return s.iterations
}

// Credit returns outgoing border messages sent minus incoming border messages applied, the quantity
// TerminationDetector reduces to zero (§4.6).
func (s *Solver) Credit() int {
	return s.outgoingCount - s.incomingCount
}

// ForceTerminate transitions directly to Terminated, e.g. on receiving the coordinator's TERMINATE
// broadcast (§5 cancellation).
func (s *Solver) ForceTerminate() {
	s.state = Terminated
}

// VerifyActiveSegments is the CHECK_ACTIVE_SEGMENTS debug assertion (§7): it recomputes every
// segment's activity bit from scratch via segmentHasEligible and reports any segment whose cached bit
// in s.active disagrees, which would mean a refreshActivity call was missed or scoped too narrowly.
func (s *Solver) VerifyActiveSegments() []int {
	var mismatched []int
	for seg := range s.active {
		if s.active[seg] != s.segmentHasEligible(seg) {
			mismatched = append(mismatched, seg)
		}
	}
	return mismatched
}

// Step performs one iteration of the state machine: drain pending border messages (at most one pass,
// §4.5), possibly reactivate from Paused, then -- if Searching -- select and apply at most one
// coordinate update. It returns the Update if one was applied, or ok=false otherwise.
func (s *Solver) Step(ctx context.Context) (update Update, ok bool, err error) {
	if s.state == Terminated {
		return Update{}, false, nil
	}
	if s.budgetExceeded() {
		s.state = Terminated
		return Update{}, false, nil
	}

	lo, hi, applied, err := s.proto.Drain(s.tile)
	if err != nil {
		return Update{}, false, err
	}
	if applied > 0 {
		s.incomingCount += applied
		innerLo, innerHi := s.tile.ClipToInnerBounds(lo, hi)
		s.refreshActivity(innerLo, innerHi)
		if s.state == Paused && s.anyActive() {
			s.state = Searching
		}
	}

	if s.state != Searching {
		return Update{}, false, nil
	}

	seg, found := s.nextActiveSegment()
	if !found {
		s.state = Paused
		return Update{}, false, nil
	}

	cand, selected := s.selectCandidate(seg)
	if !selected {
		s.active[seg] = false
		return Update{}, false, nil
	}

	s.tile.Z.AddAt(cand.dz, append([]int{cand.k}, cand.pInner...)...)
	affectedLo, affectedHi := s.cc.Apply(s.tile, cand.k, cand.pInner, cand.dz)
	s.iterations++

	if dirs := border.OutgoingDirections(s.tile.InnerShape(), s.tile.Overlap(), cand.pInner); len(dirs) > 0 {
		neighbors := s.tile.Neighbors()
		sent := 0
		for _, d := range dirs {
			if _, ok := neighbors[d.Key()]; ok {
				sent++
			}
		}
		if sent > 0 {
			if err := s.proto.Broadcast(ctx, s.tile, cand.k, cand.pInner, cand.dz); err != nil {
				return Update{}, false, err
			}
			s.outgoingCount += sent
		}
	}

	innerLo, innerHi := s.tile.ClipToInnerBounds(affectedLo, affectedHi)
	s.refreshActivity(innerLo, innerHi)

	return Update{Atom: cand.k, PInner: append([]int(nil), cand.pInner...), Dz: cand.dz}, true, nil
}

func (s *Solver) budgetExceeded() bool {
	if s.cfg.MaxIter > 0 && s.iterations >= s.cfg.MaxIter {
		return true
	}
	if !s.cfg.Deadline.IsZero() && time.Now().After(s.cfg.Deadline) {
		return true
	}
	return false
}

func (s *Solver) anyActive() bool {
	for _, a := range s.active {
		if a {
			return true
		}
	}
	return false
}

func (s *Solver) refreshActivity(lo, hi []int) {
	for axis := range lo {
		if lo[axis] >= hi[axis] {
			return
		}
	}
	for _, seg := range s.candidates.Neighborhood(lo, hi) {
		s.active[seg] = s.segmentHasEligible(seg)
	}
}

func (s *Solver) nextActiveSegment() (int, bool) {
	n := len(s.active)
	for i := 0; i < n; i++ {
		seg := (s.cursor + i) % n
		if s.active[seg] {
			s.cursor = (seg + 1) % n
			return seg, true
		}
	}
	return 0, false
}

type candidate struct {
	k         int
	pInner    []int
	dz        float64
	inOverlap bool
}

func (s *Solver) frozen(k int, pInner []int) bool {
	if s.z0Frozen == nil {
		return false
	}
	return s.z0Frozen.At(append([]int{k}, pInner...)...) == 0
}

func (s *Solver) dzOptAt(k int, pInner []int) float64 {
	haloPt := s.tile.InnerToHaloLocal(pInner)
	betaVal := s.tile.Beta.At(append([]int{k}, haloPt...)...)
	zVal := s.tile.Z.At(append([]int{k}, pInner...)...)
	return beta.DzOpt(betaVal, s.tile.Alpha[k], zVal, s.cfg.Reg, s.cfg.ZPositive)
}

// segmentHasEligible reports whether any non-frozen coordinate in seg currently has |dz_opt| > tol.
func (s *Solver) segmentHasEligible(seg int) bool {
	found := false
	s.forEachCandidate(seg, func(c candidate) bool {
		if math.Abs(c.dz) > s.cfg.Tol {
			found = true
			return false
		}
		return true
	})
	return found
}

// selectCandidate picks this step's coordinate within seg, applying the strategy and the soft-lock
// gate. Ties in greedy selection go to the lexicographically smallest (k, p) because forEachCandidate
// visits coordinates in that order and only a strictly greater |dz| replaces the running best.
func (s *Solver) selectCandidate(seg int) (candidate, bool) {
	var (
		overall, bestInterior       candidate
		overallFound, interiorFound bool
		all                         []candidate
	)
	s.forEachCandidate(seg, func(c candidate) bool {
		all = append(all, c)
		if !overallFound || math.Abs(c.dz) > math.Abs(overall.dz) {
			overall, overallFound = c, true
		}
		if !c.inOverlap && (!interiorFound || math.Abs(c.dz) > math.Abs(bestInterior.dz)) {
			bestInterior, interiorFound = c, true
		}
		return true
	})
	if !overallFound {
		return candidate{}, false
	}

	primary := overall
	if s.cfg.Strategy == strategy.Random {
		primary = all[s.rng.Intn(len(all))]
	}

	if math.Abs(primary.dz) <= s.cfg.Tol {
		return candidate{}, false
	}

	if primary.inOverlap {
		bestInteriorAbs := -1.0
		if interiorFound {
			bestInteriorAbs = math.Abs(bestInterior.dz)
		}
		if !border.Eligible(s.cfg.UseSoftLock, true, math.Abs(primary.dz), bestInteriorAbs, s.cfg.SoftLockSlack) {
			if interiorFound && math.Abs(bestInterior.dz) > s.cfg.Tol {
				return bestInterior, true
			}
			return candidate{}, false
		}
	}

	return primary, true
}

// forEachCandidate visits every non-frozen (k, p) in segment seg, in lexicographic (k, p) order, until
// fn returns false.
func (s *Solver) forEachCandidate(seg int, fn func(candidate) bool) {
	extents := s.candidates.Extents(seg)
	nAtoms := len(s.tile.Alpha)
	innerShape := s.tile.InnerShape()
	overlap := s.tile.Overlap()

	lo := make([]int, len(extents))
	hi := make([]int, len(extents))
	for axis, e := range extents {
		lo[axis], hi[axis] = e.Lo, e.Hi
	}

	p := append([]int(nil), lo...)
	for k := 0; k < nAtoms; k++ {
		for axis := range p {
			p[axis] = lo[axis]
		}
		for {
			pInner := append([]int(nil), p...)
			if !s.frozen(k, pInner) {
				inOverlap := len(border.OutgoingDirections(innerShape, overlap, pInner)) > 0
				c := candidate{k: k, pInner: pInner, dz: s.dzOptAt(k, pInner), inOverlap: inOverlap}
				if !fn(c) {
					return
				}
			}
			axis := len(p) - 1
			for axis >= 0 {
				p[axis]++
				if p[axis] < hi[axis] {
					break
				}
				p[axis] = lo[axis]
				axis--
			}
			if axis < 0 {
				break
			}
		}
	}
}
