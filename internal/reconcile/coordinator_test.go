package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/journal"
	"github.com/fixmypic/service_layer/internal/metrics"
)

type item struct {
	ID      string
	Pending bool
}

type fakeAction struct {
	projectErr error
	executeFn  func(ctx context.Context) (Submission, error)
	// foundAfter is the lookup attempt that first sees the record; zero
	// means never.
	foundAfter int32
	lookupErr  error
	lookups    int32
}

func (a *fakeAction) Kind() string { return "submission" }

func (a *fakeAction) Project(localID string) (item, error) {
	if a.projectErr != nil {
		return item{}, a.projectErr
	}
	return item{ID: localID, Pending: true}, nil
}

func (a *fakeAction) Execute(ctx context.Context) (Submission, error) {
	if a.executeFn != nil {
		return a.executeFn(ctx)
	}
	return Submission{TxHash: "0xfeed", AuthoritativeID: "0xABCDEF"}, nil
}

func (a *fakeAction) Lookup(_ context.Context, id string) (item, bool, error) {
	n := atomic.AddInt32(&a.lookups, 1)
	if a.lookupErr != nil {
		return item{}, false, a.lookupErr
	}
	if a.foundAfter > 0 && n >= a.foundAfter {
		return item{ID: id}, true, nil
	}
	return item{}, false, nil
}

func newTestCoordinator(maxRetries int) (*Coordinator, *journal.MemoryJournal) {
	j := journal.NewMemoryJournal()
	c := NewCoordinator(Config{PollInterval: 5 * time.Millisecond, MaxRetries: maxRetries}, nil, metrics.New(), j)
	return c, j
}

func waitTerminal(t *testing.T, in *Intent) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := in.Wait(ctx)
	require.NoError(t, err)
	return snap
}

func TestSubmitReturnsProjectionImmediately(t *testing.T) {
	c, _ := newTestCoordinator(3)
	release := make(chan struct{})
	action := &fakeAction{
		foundAfter: 1,
		executeFn: func(ctx context.Context) (Submission, error) {
			<-release
			return Submission{TxHash: "0x1", AuthoritativeID: "0xAbC"}, nil
		},
	}

	p, err := Submit(context.Background(), c, action, Callbacks[item]{})
	require.NoError(t, err)
	assert.True(t, p.Value.Pending)
	assert.Equal(t, p.LocalID, p.Value.ID)
	assert.Equal(t, StatusPending, p.Intent.Status())
	assert.Equal(t, 1, c.InFlight())

	close(release)
	snap := waitTerminal(t, p.Intent)
	assert.Equal(t, StatusConfirmed, snap.Status)
	assert.Equal(t, "0xabc", snap.AuthoritativeID)
	assert.Equal(t, 0, c.InFlight())
}

func TestReconciledCallbackReceivesAuthoritativeValue(t *testing.T) {
	c, j := newTestCoordinator(5)
	var got item
	var calls int32
	done := make(chan struct{})

	p, err := Submit(context.Background(), c, &fakeAction{foundAfter: 3}, Callbacks[item]{
		OnReconciled: func(localID string, v item) {
			atomic.AddInt32(&calls, 1)
			got = v
			close(done)
		},
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
	assert.Equal(t, "0xabcdef", got.ID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	snap := waitTerminal(t, p.Intent)
	assert.Equal(t, StatusConfirmed, snap.Status)

	entries, err := j.List(context.Background(), journal.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "confirmed", entries[0].Status)
	assert.Equal(t, "0xfeed", entries[0].TxHash)
}

func TestIndexThatNeverMatchesTimesOut(t *testing.T) {
	c, j := newTestCoordinator(4)
	action := &fakeAction{}
	var reconciled, timedOut int32

	p, err := Submit(context.Background(), c, action, Callbacks[item]{
		OnReconciled: func(string, item) { atomic.AddInt32(&reconciled, 1) },
		OnTimeout:    func(string, Snapshot) { atomic.AddInt32(&timedOut, 1) },
	})
	require.NoError(t, err)

	snap := waitTerminal(t, p.Intent)
	assert.Equal(t, StatusTimedOut, snap.Status)
	assert.ErrorIs(t, snap.Err, svcerrors.ErrTimeout)
	assert.Equal(t, int32(4), atomic.LoadInt32(&action.lookups))
	assert.Zero(t, atomic.LoadInt32(&reconciled))

	require.Eventually(t, func() bool { return atomic.LoadInt32(&timedOut) == 1 }, time.Second, time.Millisecond)

	entries, _ := j.List(context.Background(), journal.Filter{Status: string(StatusTimedOut)})
	require.Len(t, entries, 1)
	assert.Equal(t, "0xabcdef", entries[0].AuthoritativeID)
}

func TestExecuteFailureIsFailed(t *testing.T) {
	c, j := newTestCoordinator(3)
	var failed error
	var mu sync.Mutex

	action := &fakeAction{executeFn: func(context.Context) (Submission, error) {
		return Submission{TxHash: "0xdead"}, svcerrors.Chain("transaction reverted", nil)
	}}
	p, err := Submit(context.Background(), c, action, Callbacks[item]{
		OnFailed: func(_ string, err error) {
			mu.Lock()
			failed = err
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	snap := waitTerminal(t, p.Intent)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.ErrorIs(t, snap.Err, svcerrors.ErrChain)
	assert.Zero(t, atomic.LoadInt32(&action.lookups))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failed != nil
	}, time.Second, time.Millisecond)

	entries, _ := j.List(context.Background(), journal.Filter{})
	require.Len(t, entries, 1)
	assert.Equal(t, "0xdead", entries[0].TxHash)
	assert.Equal(t, string(svcerrors.CodeChain), entries[0].ErrorKind)
}

func TestUnconfirmedTransactionIsTimedOut(t *testing.T) {
	c, j := newTestCoordinator(3)
	var timedOut Snapshot
	action := &fakeAction{executeFn: func(context.Context) (Submission, error) {
		return Submission{TxHash: "0xbeef"}, svcerrors.Timeout("transaction not confirmed before deadline")
	}}

	p, err := Submit(context.Background(), c, action, Callbacks[item]{
		OnTimeout: func(_ string, snap Snapshot) { timedOut = snap },
		OnFailed:  func(string, error) { t.Error("unconfirmed transaction reported as failed") },
	})
	require.NoError(t, err)

	snap := waitTerminal(t, p.Intent)
	assert.Equal(t, StatusTimedOut, snap.Status)
	assert.Equal(t, "0xbeef", snap.TxHash)
	assert.ErrorIs(t, snap.Err, svcerrors.ErrTimeout)
	assert.Equal(t, "0xbeef", timedOut.TxHash)
	assert.Zero(t, atomic.LoadInt32(&action.lookups))

	entries, _ := j.List(context.Background(), journal.Filter{Status: string(StatusTimedOut)})
	require.Len(t, entries, 1)
	assert.Equal(t, "0xbeef", entries[0].TxHash)
}

func TestTimeoutBeforeBroadcastIsFailed(t *testing.T) {
	c, _ := newTestCoordinator(3)
	action := &fakeAction{executeFn: func(context.Context) (Submission, error) {
		return Submission{}, svcerrors.Unavailable("rpc down", nil)
	}}

	p, err := Submit(context.Background(), c, action, Callbacks[item]{})
	require.NoError(t, err)

	snap := waitTerminal(t, p.Intent)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Empty(t, snap.TxHash)
}

func TestCallbackCompletesBeforeWaitReturns(t *testing.T) {
	c, _ := newTestCoordinator(3)
	var replaced int32

	p, err := Submit(context.Background(), c, &fakeAction{foundAfter: 1}, Callbacks[item]{
		OnReconciled: func(string, item) {
			time.Sleep(10 * time.Millisecond)
			atomic.StoreInt32(&replaced, 1)
		},
	})
	require.NoError(t, err)

	snap := waitTerminal(t, p.Intent)
	assert.Equal(t, StatusConfirmed, snap.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&replaced))
}

func TestMalformedIndexRecordFails(t *testing.T) {
	c, _ := newTestCoordinator(5)
	action := &fakeAction{lookupErr: svcerrors.Decode("request submission", errors.New("bad price"))}

	p, err := Submit(context.Background(), c, action, Callbacks[item]{})
	require.NoError(t, err)

	snap := waitTerminal(t, p.Intent)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.ErrorIs(t, snap.Err, svcerrors.ErrDecode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&action.lookups))
}

func TestTransientIndexErrorsAreRetried(t *testing.T) {
	c, _ := newTestCoordinator(3)
	action := &fakeAction{lookupErr: svcerrors.Unavailable("index down", nil)}

	p, err := Submit(context.Background(), c, action, Callbacks[item]{})
	require.NoError(t, err)

	snap := waitTerminal(t, p.Intent)
	assert.Equal(t, StatusTimedOut, snap.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&action.lookups))
}

func TestCancelledContextCancelsIntent(t *testing.T) {
	c, _ := newTestCoordinator(1000)
	ctx, cancel := context.WithCancel(context.Background())
	var timedOut int32

	p, err := Submit(ctx, c, &fakeAction{}, Callbacks[item]{
		OnTimeout: func(string, Snapshot) { atomic.AddInt32(&timedOut, 1) },
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	cancel()

	snap := waitTerminal(t, p.Intent)
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Zero(t, atomic.LoadInt32(&timedOut))
}

func TestProjectErrorStartsNothing(t *testing.T) {
	c, j := newTestCoordinator(3)
	_, err := Submit(context.Background(), c, &fakeAction{projectErr: svcerrors.Validation("bad")}, Callbacks[item]{})
	assert.ErrorIs(t, err, svcerrors.ErrValidation)
	assert.Equal(t, 0, c.InFlight())

	entries, _ := j.List(context.Background(), journal.Filter{})
	assert.Empty(t, entries)
}

func TestWaitByLocalID(t *testing.T) {
	c, _ := newTestCoordinator(3)
	p, err := Submit(context.Background(), c, &fakeAction{foundAfter: 1}, Callbacks[item]{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx, p.LocalID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, snap.Status)

	// Finished intents stay reachable.
	snap, err = c.Wait(ctx, p.LocalID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, snap.Status)

	_, err = c.Wait(ctx, "unknown")
	assert.ErrorIs(t, err, svcerrors.ErrNotFound)
}

func TestConcurrentSubmissionsAreIndependent(t *testing.T) {
	c, _ := newTestCoordinator(3)
	ok := &fakeAction{foundAfter: 1}
	never := &fakeAction{}

	p1, err := Submit(context.Background(), c, ok, Callbacks[item]{})
	require.NoError(t, err)
	p2, err := Submit(context.Background(), c, never, Callbacks[item]{})
	require.NoError(t, err)

	assert.NotEqual(t, p1.LocalID, p2.LocalID)
	assert.Equal(t, StatusConfirmed, waitTerminal(t, p1.Intent).Status)
	assert.Equal(t, StatusTimedOut, waitTerminal(t, p2.Intent).Status)
}

func TestShutdownCancelsInFlight(t *testing.T) {
	c, _ := newTestCoordinator(1000)
	p, err := Submit(context.Background(), c, &fakeAction{}, Callbacks[item]{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.Equal(t, StatusCancelled, p.Intent.Status())

	_, err = Submit(context.Background(), c, &fakeAction{}, Callbacks[item]{})
	assert.ErrorIs(t, err, svcerrors.ErrUnavailable)
}

func TestTransitionRefusesToLeaveTerminal(t *testing.T) {
	in := newIntent("x", "purchase", time.Now())
	assert.False(t, in.transition(StatusPending, nil, time.Now()))
	assert.True(t, in.transition(StatusTimedOut, nil, time.Now()))
	assert.False(t, in.transition(StatusConfirmed, nil, time.Now()))
	assert.Equal(t, StatusTimedOut, in.Status())
}
