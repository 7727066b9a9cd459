package termination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAwaitQuiescenceWhenAllPausedAndCreditZero(t *testing.T) {
	d := NewDetector(2, 0)
	d.Reports() <- Report{WorkerID: 0, Paused: true, Credit: 0}
	d.Reports() <- Report{WorkerID: 1, Paused: true, Credit: 0}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reason, err := d.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, ReasonQuiescence, reason)
}

func TestAwaitWaitsOutPendingCredit(t *testing.T) {
	d := NewDetector(2, 0)
	d.Reports() <- Report{WorkerID: 0, Paused: true, Credit: 1}
	d.Reports() <- Report{WorkerID: 1, Paused: true, Credit: 0}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Await(ctx)
	require.Error(t, err, "credit sum 1 must not be declared quiescent")

	d2 := NewDetector(2, 0)
	d2.Reports() <- Report{WorkerID: 0, Paused: true, Credit: 1}
	d2.Reports() <- Report{WorkerID: 1, Paused: true, Credit: 0}
	d2.Reports() <- Report{WorkerID: 0, Paused: true, Credit: 0}
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	reason, err := d2.Await(ctx2)
	require.NoError(t, err)
	require.Equal(t, ReasonQuiescence, reason)
}

func TestAwaitForcesTerminationAfterReactivationLimit(t *testing.T) {
	// n=2 but worker 1 never reports, so quiescence (which requires a report from every worker) can
	// never be reached here -- only the reactivation limit on worker 0's bouncing can end the wait.
	d := NewDetector(2, 2)
	d.Reports() <- Report{WorkerID: 0, Paused: true, Credit: 0}
	d.Reports() <- Report{WorkerID: 0, Paused: false, Credit: 0}
	d.Reports() <- Report{WorkerID: 0, Paused: true, Credit: 0}
	d.Reports() <- Report{WorkerID: 0, Paused: false, Credit: 0}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reason, err := d.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, ReasonReactivationLimit, reason)
}
