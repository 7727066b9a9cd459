package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/inria-thoth/dicod/types/tensor"
	"github.com/stretchr/testify/require"
)

func TestBorderMessagesAreFIFOPerPair(t *testing.T) {
	fabric := NewFabric(2)
	ctx := context.Background()
	sender := fabric.Endpoint(ctx, 0)
	receiver := fabric.Endpoint(ctx, 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, sender.SendBorder(ctx, 1, BorderMessage{Atom: 0, GlobalPos: []int{i}, Dz: float64(i)}))
	}
	for i := 0; i < 5; i++ {
		msg, ok := waitRecv(t, receiver)
		require.True(t, ok)
		require.Equal(t, i, msg.GlobalPos[0])
		require.Equal(t, 0, msg.From)
	}
}

func waitRecv(t *testing.T, e *Endpoint) (BorderMessage, bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if msg, ok := e.TryRecvBorder(); ok {
			return msg, true
		}
	}
	return BorderMessage{}, false
}

func TestProbeMessagesDoNotCrossIntoBorderInbox(t *testing.T) {
	fabric := NewFabric(2)
	ctx := context.Background()
	sender := fabric.Endpoint(ctx, 0)
	receiver := fabric.Endpoint(ctx, 1)

	require.NoError(t, sender.SendProbe(ctx, 1, ProbeMessage{Atom: 0, GlobalPos: []int{3}, BetaValue: 0.75}))

	deadline := time.Now().Add(time.Second)
	var probe ProbeMessage
	var ok bool
	for time.Now().Before(deadline) {
		if probe, ok = receiver.TryRecvProbe(); ok {
			break
		}
	}
	require.True(t, ok)
	require.Equal(t, 0.75, probe.BetaValue)
	require.Equal(t, 0, probe.From)

	_, borderOK := receiver.TryRecvBorder()
	require.False(t, borderOK, "a probe must never be observable on the border inbox")
}

func TestBcastReachesEveryWorker(t *testing.T) {
	fabric := NewFabric(3)
	ctx := context.Background()
	endpoints := make([]*Endpoint, 3)
	for i := range endpoints {
		endpoints[i] = fabric.Endpoint(ctx, i)
	}
	require.NoError(t, fabric.Bcast(ctx, TagTaskInit, "params"))
	for _, e := range endpoints {
		msg := <-e.Control()
		require.Equal(t, TagTaskInit, msg.Tag)
		require.Equal(t, "params", msg.Payload)
	}
}

func TestGatherCollectsAllResults(t *testing.T) {
	fabric := NewFabric(3)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			e := fabric.Endpoint(ctx, rank)
			require.NoError(t, e.SendResult(ctx, rank))
		}(i)
	}
	results, err := fabric.Gather(ctx)
	require.NoError(t, err)
	wg.Wait()
	require.Len(t, results, 3)
}

func TestRendezvousReleasesAllWaiters(t *testing.T) {
	r := NewRendezvous(3)
	ctx := context.Background()
	var wg sync.WaitGroup
	released := make([]bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			require.NoError(t, r.Wait(ctx))
			released[idx] = true
		}(i)
	}
	wg.Wait()
	for _, v := range released {
		require.True(t, v)
	}
}

func TestReduceSumTensorsSumsElementwise(t *testing.T) {
	a := tensor.New(tensor.Shape{2})
	a.Set(1, 0)
	a.Set(2, 1)
	b := tensor.New(tensor.Shape{2})
	b.Set(10, 0)
	b.Set(20, 1)

	sum, err := ReduceSumTensors([]*tensor.Tensor{a, b})
	require.NoError(t, err)
	require.Equal(t, 11.0, sum.At(0))
	require.Equal(t, 22.0, sum.At(1))
}

func TestReduceSumTensorsShapeMismatch(t *testing.T) {
	a := tensor.New(tensor.Shape{2})
	b := tensor.New(tensor.Shape{3})
	_, err := ReduceSumTensors([]*tensor.Tensor{a, b})
	require.Error(t, err)
}
