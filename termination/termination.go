// Package termination implements §4.6: global quiescence detection across the worker pool, using the
// repeated-reduction credit scheme the specification offers as an alternative to a full
// Dijkstra-Scholten credit tree -- each worker reports (is_paused, outgoing - incoming), and the
// coordinator declares TERMINATE once every worker is paused and the credit sum is
// zero (no border message is still in flight).
package termination

import "context"

// Report is one worker's self-reported quiescence state: whether it is currently Paused (§4.4), and
// its running credit = border messages sent minus border messages it has applied. A nonzero sum across
// the pool means some message is still in flight.
type Report struct {
	WorkerID int
	Paused   bool
	Credit   int
}

// Reason names why Await returned.
type Reason string

const (
	ReasonQuiescence        Reason = "quiescence"
	ReasonReactivationLimit Reason = "reactivation-limit"
)

// Detector accumulates Reports from every worker and declares global termination once the pool is
// quiescent (§4.6), or once maxReactivations Paused->Searching transitions have been reported in total
// across the pool -- the resolution this module gives to the `patience` open question (§9). The count
// covers every worker and is never reset, so the transitions need not be consecutive.
type Detector struct {
	n                int
	maxReactivations int
	reports          chan Report
}

// NewDetector builds a Detector for a pool of n workers. maxReactivations <= 0 disables the forced
// cutoff (the pool will wait indefinitely for quiescence, bounded only by the caller's context).
func NewDetector(n, maxReactivations int) *Detector {
	return &Detector{n: n, maxReactivations: maxReactivations, reports: make(chan Report, 4*n)}
}

// Reports returns the channel workers post their state transitions on.
func (d *Detector) Reports() chan<- Report {
	return d.reports
}

// Await blocks until the pool reaches quiescence or the reactivation limit is hit, returning which.
func (d *Detector) Await(ctx context.Context) (Reason, error) {
	state := make(map[int]Report, d.n)
	reactivations := 0
	for {
		select {
		case r := <-d.reports:
			if prev, ok := state[r.WorkerID]; ok && prev.Paused && !r.Paused {
				reactivations++
			}
			state[r.WorkerID] = r
			if allQuiescent(state, d.n) {
				return ReasonQuiescence, nil
			}
			if d.maxReactivations > 0 && reactivations >= d.maxReactivations {
				return ReasonReactivationLimit, nil
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func allQuiescent(state map[int]Report, n int) bool {
	if len(state) != n {
		return false
	}
	credit := 0
	for _, r := range state {
		if !r.Paused {
			return false
		}
		credit += r.Credit
	}
	return credit == 0
}
