// Package stats implements the StatsCollector named in spec §4 and the timing reconstruction of §4.7:
// a per-update log every worker appends to, and replay logic that turns that log into a cost curve
// sampled at geometrically spaced checkpoints without ever materializing the full Z trajectory.
package stats

import (
	"math"
	"sort"
	"sync"

	"github.com/inria-thoth/dicod/csc"
	"github.com/inria-thoth/dicod/types/tensor"
	"github.com/inria-thoth/dicod/types/topology"
)

// Entry is one accepted coordinate update, tagged with enough context to replay it later:
// (t_update, local_iter, rank, k, p, dz) from spec §4.7.
type Entry struct {
	TUpdate   float64
	LocalIter int
	Rank      int
	Atom      int
	PInner    []int // position in the solve's global activation coordinates, as ReconstructCost replays it
	Dz        float64
}

// CostLog accumulates Entries from every worker. Safe for concurrent use by multiple worker
// goroutines.
type CostLog struct {
	mu      sync.Mutex
	entries []Entry
}

// NewCostLog returns an empty log.
func NewCostLog() *CostLog {
	return &CostLog{}
}

// Record appends one accepted update. Cheap enough to call unconditionally from the solver loop when
// timing is enabled; the caller decides whether to call it at all (disabling timing avoids the
// allocation and lock entirely).
func (c *CostLog) Record(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

// Entries returns a snapshot copy of the log, sorted by TUpdate (ties broken by LocalIter then Rank,
// matching _log.sort()'s tuple ordering on (t_update, ii, rank, ...)).
func (c *CostLog) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	sort.Slice(out, func(i, j int) bool {
		if out[i].TUpdate != out[j].TUpdate {
			return out[i].TUpdate < out[j].TUpdate
		}
		if out[i].LocalIter != out[j].LocalIter {
			return out[i].LocalIter < out[j].LocalIter
		}
		return out[i].Rank < out[j].Rank
	})
	return out
}

// CostPoint is one sample of the reconstructed cost curve.
type CostPoint struct {
	UpdateCount int // cumulative coordinate updates applied across the whole pool, up to this point
	TUpdate     float64
	Cost        float64
}

// ReconstructCost replays a CostLog against X and D to produce the cost curve spec §4.7's "timing
// reconstruction" describes: starting from z0 (nil means all-zero), apply every logged update in
// timestamp order, and whenever the cumulative update count crosses the next power of two, sample the
// cost. A final point is always appended for the fully replayed Z, even if it doesn't land on a power
// of two.
func ReconstructCost(X, D *tensor.Tensor, reg float64, z0 *tensor.Tensor, nJobs int, validShape []int, log *CostLog) ([]CostPoint, error) {
	nAtoms := D.Axis(0)
	zHat := tensor.New(append(tensor.Shape{nAtoms}, validShape...))
	if z0 != nil {
		shape := zHat.Shape()
		idx := make([]int, len(shape))
		total := shape.Size()
		for n := 0; n < total; n++ {
			zHat.Set(z0.At(idx...), idx...)
			for axis := len(shape) - 1; axis >= 0; axis-- {
				idx[axis]++
				if idx[axis] < shape[axis] {
					break
				}
				idx[axis] = 0
			}
		}
	}

	entries := log.Entries()
	lastIter := make([]int, nJobs)
	upIter := 0
	nextCost := 1
	var points []CostPoint

	var lastTUpdate float64
	for _, e := range entries {
		zHat.AddAt(e.Dz, append([]int{e.Atom}, e.PInner...)...)
		if e.Rank >= 0 && e.Rank < nJobs {
			upIter += e.LocalIter - lastIter[e.Rank]
			lastIter[e.Rank] = e.LocalIter
		} else {
			upIter++
		}
		lastTUpdate = e.TUpdate
		if upIter >= nextCost {
			cost, err := csc.Cost(X, zHat, D, reg)
			if err != nil {
				return nil, err
			}
			points = append(points, CostPoint{UpdateCount: upIter, TUpdate: e.TUpdate, Cost: cost})
			nextCost *= 2
		}
	}

	finalCost, err := csc.Cost(X, zHat, D, reg)
	if err != nil {
		return nil, err
	}
	points = append(points, CostPoint{UpdateCount: upIter, TUpdate: lastTUpdate, Cost: finalCost})
	return points, nil
}

// CandidateWorkerCounts generates a geometrically spaced set of worker counts between 1 and maxJobs,
// filtered to those FindGridSize can actually lay out over sigShape. Grounded on utils/iter_njobs.py's
// benchmark sweep (np.logspace(0, log2(max_jobs), 10, base=2), rounded and de-duplicated); useful both
// for scaling benchmarks and for validating a user-supplied n_jobs against w_world="auto".
func CandidateWorkerCounts(maxJobs int, sigShape []int) []int {
	if maxJobs < 1 {
		return nil
	}
	const steps = 10
	seen := map[int]bool{}
	var raw []int
	logMax := math.Log2(float64(maxJobs))
	for i := 0; i < steps; i++ {
		frac := 0.0
		if steps > 1 {
			frac = float64(i) / float64(steps-1)
		}
		v := int(math.Round(math.Exp2(frac * logMax)))
		if v < 1 {
			v = 1
		}
		if v > maxJobs {
			v = maxJobs
		}
		if !seen[v] {
			seen[v] = true
			raw = append(raw, v)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(raw)))

	out := make([]int, 0, len(raw))
	for _, n := range raw {
		if _, err := topology.FindGridSize(n, sigShape); err == nil {
			out = append(out, n)
		}
	}
	return out
}
