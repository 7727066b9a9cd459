// Package transport implements §4.8: the typed message fabric workers and the coordinator use to
// broadcast, scatter, send/recv, gather, reduce and synchronize. Workers are goroutines rather than OS
// processes (§2), so Fabric is an in-process channel implementation. Fabric and Endpoint are concrete
// types; no interface is defined for other (e.g. multi-host) fabrics.
package transport

import (
	"context"
	"sync"

	"github.com/inria-thoth/dicod/dicoderr"
	"github.com/inria-thoth/dicod/types/tensor"
	"github.com/niceyeti/channerics/channels"
	"github.com/pkg/errors"
)

// Tag identifies the kind of a message on the fabric (§4.8's tag space).
type Tag int

const (
	TagTaskInit Tag = iota
	TagBorderUpdate
	TagPause
	TagResume
	TagTerminate
	TagResultZ
	TagResultStats
)

func (t Tag) String() string {
	switch t {
	case TagTaskInit:
		return "TASK_INIT"
	case TagBorderUpdate:
		return "BORDER_UPDATE"
	case TagPause:
		return "PAUSE"
	case TagResume:
		return "RESUME"
	case TagTerminate:
		return "TERMINATE"
	case TagResultZ:
		return "RESULT_Z"
	case TagResultStats:
		return "RESULT_STATS"
	default:
		return "UNKNOWN"
	}
}

// BorderMessage is the payload of a point-to-point send/recv carrying one coordinate update across a
// tile boundary: atom index, global activation position and dz. It is passed by value over a channel;
// no wire encoding is defined, and Atom and GlobalPos are plain Go ints.
type BorderMessage struct {
	From      int
	Atom      int
	GlobalPos []int
	Dz        float64
}

// ProbeMessage carries one CHECK_WARM_BETA sample (§4.2): the sender's own β value at a shared
// boundary coordinate, for the receiver to compare against its own independently computed β at the
// same global position. Kept on a channel separate from BorderMessage so a probe can never be mistaken
// for an incremental β delta and applied to Beta.
type ProbeMessage struct {
	From      int
	Atom      int
	GlobalPos []int
	BetaValue float64
}

// ControlMessage carries a coordinator-originated broadcast/scatter payload or lifecycle signal.
type ControlMessage struct {
	Tag     Tag
	Payload any
}

// Endpoint is one worker's handle onto the fabric.
type Endpoint struct {
	rank     int
	fabric   *Fabric
	inbox    <-chan BorderMessage
	probeBox <-chan ProbeMessage
}

// Rank returns this endpoint's worker id.
func (e *Endpoint) Rank() int {
	return e.rank
}

// SendBorder delivers msg to dst's inbox. Delivery is FIFO relative to every other message this rank
// has sent to dst (§5 ordering guarantee (a)): each ordered pair owns a dedicated buffered channel.
func (e *Endpoint) SendBorder(ctx context.Context, dst int, msg BorderMessage) error {
	msg.From = e.rank
	select {
	case e.fabric.pairs[e.rank][dst] <- msg:
		return nil
	case <-ctx.Done():
		return &dicoderr.TransportError{WorkerID: dst, Reason: ctx.Err().Error()}
	}
}

// TryRecvBorder performs one non-blocking poll of the merged inbox. BorderProtocol.Drain calls this in
// a bounded loop (§4.5: "draining is bounded... at most one pass per step").
func (e *Endpoint) TryRecvBorder() (BorderMessage, bool) {
	select {
	case m := <-e.inbox:
		return m, true
	default:
		return BorderMessage{}, false
	}
}

// SendProbe delivers a CHECK_WARM_BETA sample to dst, for the debug warm-β consistency check (§4.2).
func (e *Endpoint) SendProbe(ctx context.Context, dst int, msg ProbeMessage) error {
	msg.From = e.rank
	select {
	case e.fabric.probes[e.rank][dst] <- msg:
		return nil
	case <-ctx.Done():
		return &dicoderr.TransportError{WorkerID: dst, Reason: ctx.Err().Error()}
	}
}

// TryRecvProbe performs one non-blocking poll for an incoming warm-β probe.
func (e *Endpoint) TryRecvProbe() (ProbeMessage, bool) {
	select {
	case m := <-e.probeBox:
		return m, true
	default:
		return ProbeMessage{}, false
	}
}

// Control returns the channel the coordinator posts broadcasts, scatters and lifecycle signals to.
func (e *Endpoint) Control() <-chan ControlMessage {
	return e.fabric.control[e.rank]
}

// SendResult posts one gather contribution (Z tile, stats) back to the coordinator.
func (e *Endpoint) SendResult(ctx context.Context, payload any) error {
	select {
	case e.fabric.results <- payload:
		return nil
	case <-ctx.Done():
		return &dicoderr.TransportError{WorkerID: e.rank, Reason: ctx.Err().Error()}
	}
}

// Barrier blocks until every one of the fabric's n endpoints has called Barrier (§4.8 barrier()).
func (e *Endpoint) Barrier(ctx context.Context) error {
	return e.fabric.barrier.Wait(ctx)
}

// Fabric is the coordinator's handle onto the in-process transport: one goroutine per worker
// communicates through it as if it were a separate process.
type Fabric struct {
	n       int
	pairs   [][]chan BorderMessage // pairs[src][dst], buffered, one per ordered pair, src != dst
	probes  [][]chan ProbeMessage  // probes[src][dst], same shape as pairs, for CHECK_WARM_BETA only
	control []chan ControlMessage
	results chan any
	barrier *Rendezvous
}

// NewFabric builds a fabric for n workers.
func NewFabric(n int) *Fabric {
	f := &Fabric{
		n:       n,
		pairs:   make([][]chan BorderMessage, n),
		probes:  make([][]chan ProbeMessage, n),
		control: make([]chan ControlMessage, n),
		results: make(chan any, n),
		barrier: NewRendezvous(n),
	}
	for i := 0; i < n; i++ {
		f.pairs[i] = make([]chan BorderMessage, n)
		f.probes[i] = make([]chan ProbeMessage, n)
		for j := 0; j < n; j++ {
			if i != j {
				f.pairs[i][j] = make(chan BorderMessage, 64)
				f.probes[i][j] = make(chan ProbeMessage, 8)
			}
		}
		f.control[i] = make(chan ControlMessage, 8)
	}
	return f
}

// Endpoint returns rank's handle. Its inbox fans in every other rank's channel addressed to rank into
// one merged stream (github.com/niceyeti/channerics's generic channel merge).
func (f *Fabric) Endpoint(ctx context.Context, rank int) *Endpoint {
	var inbound []<-chan BorderMessage
	var inboundProbes []<-chan ProbeMessage
	for src := 0; src < f.n; src++ {
		if src != rank {
			inbound = append(inbound, f.pairs[src][rank])
			inboundProbes = append(inboundProbes, f.probes[src][rank])
		}
	}
	return &Endpoint{
		rank:     rank,
		fabric:   f,
		inbox:    channels.Merge(ctx, inbound...),
		probeBox: channels.Merge(ctx, inboundProbes...),
	}
}

// Bcast delivers payload, tagged, to every worker's control channel (root -> all, §4.8).
func (f *Fabric) Bcast(ctx context.Context, tag Tag, payload any) error {
	for i := 0; i < f.n; i++ {
		select {
		case f.control[i] <- ControlMessage{Tag: tag, Payload: payload}:
		case <-ctx.Done():
			return &dicoderr.TransportError{WorkerID: i, Reason: ctx.Err().Error()}
		}
	}
	return nil
}

// Scatter delivers one payload per worker, root -> one (§4.8).
func (f *Fabric) Scatter(ctx context.Context, tag Tag, perWorker []any) error {
	if len(perWorker) != f.n {
		return errors.Errorf("transport: Scatter given %d payloads for %d workers", len(perWorker), f.n)
	}
	for i, p := range perWorker {
		select {
		case f.control[i] <- ControlMessage{Tag: tag, Payload: p}:
		case <-ctx.Done():
			return &dicoderr.TransportError{WorkerID: i, Reason: ctx.Err().Error()}
		}
	}
	return nil
}

// Gather collects exactly n payloads posted via Endpoint.SendResult (§4.8 all -> root).
func (f *Fabric) Gather(ctx context.Context) ([]any, error) {
	out := make([]any, 0, f.n)
	for len(out) < f.n {
		select {
		case v := <-f.results:
			out = append(out, v)
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "transport: Gather")
		}
	}
	return out, nil
}

// ReduceSumTensors element-wise sums equally-shaped tensors (§4.8 reduce_sum), used by the coordinator
// to combine per-worker ZtZ/ZtX contributions.
func ReduceSumTensors(contributions []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(contributions) == 0 {
		return nil, errors.New("transport: ReduceSumTensors: no contributions")
	}
	shape := contributions[0].Shape()
	out := tensor.New(shape)
	outData, err := out.Data()
	if err != nil {
		return nil, err
	}
	for _, c := range contributions {
		if !c.Shape().Equal(shape) {
			return nil, errors.Errorf("transport: ReduceSumTensors: shape mismatch %s vs %s", c.Shape(), shape)
		}
		data, err := c.Data()
		if err != nil {
			return nil, errors.Wrap(err, "transport: ReduceSumTensors")
		}
		for i, v := range data {
			outData[i] += v
		}
	}
	return out, nil
}

// Rendezvous is a reusable n-party barrier: the n-th arrival releases every waiter and starts a fresh
// generation (§4.8 barrier(), exposed to workers as Endpoint.Barrier).
type Rendezvous struct {
	n     int
	mu    sync.Mutex
	count int
	gen   chan struct{}
}

// NewRendezvous builds a barrier for n parties.
func NewRendezvous(n int) *Rendezvous {
	return &Rendezvous{n: n, gen: make(chan struct{})}
}

// Wait blocks the caller until n parties total have called Wait since the last release.
func (r *Rendezvous) Wait(ctx context.Context) error {
	r.mu.Lock()
	r.count++
	ch := r.gen
	if r.count == r.n {
		r.count = 0
		r.gen = make(chan struct{})
		r.mu.Unlock()
		close(ch)
		return nil
	}
	r.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
