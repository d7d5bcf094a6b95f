package reconcile

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
	"github.com/fixmypic/service_layer/internal/journal"
	"github.com/fixmypic/service_layer/internal/logging"
	"github.com/fixmypic/service_layer/internal/metrics"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxRetries   = 10

	recentIntents = 1024
)

// Submission is what the ledger returned for an executed action.
type Submission struct {
	TxHash          string
	AuthoritativeID string
}

// Action is one ledger write with its local projection and index lookup.
type Action[T any] interface {
	Kind() string
	// Project validates the action and builds the optimistic value.
	Project(localID string) (T, error)
	// Execute submits the transaction and decodes the authoritative id from
	// its receipt.
	Execute(ctx context.Context) (Submission, error)
	// Lookup reports whether the index has observed authoritativeID.
	Lookup(ctx context.Context, authoritativeID string) (T, bool, error)
}

// Callbacks are invoked from the reconciliation goroutine before waiters on
// the intent wake, so a callback must not wait on its own intent. Any may be
// nil.
type Callbacks[T any] struct {
	OnReconciled func(localID string, authoritative T)
	OnTimeout    func(localID string, snapshot Snapshot)
	OnFailed     func(localID string, err error)
}

// Projection is returned to the caller before the write is confirmed.
type Projection[T any] struct {
	LocalID string
	Value   T
	Intent  *Intent
}

// Config tunes reconciliation polling.
type Config struct {
	PollInterval time.Duration
	MaxRetries   int
}

// Coordinator runs one reconciliation goroutine per submitted action.
type Coordinator struct {
	cfg     Config
	log     *logging.Logger
	metrics *metrics.Metrics
	journal journal.Journal
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	inflight map[string]*Intent
	recent   *lru.Cache[string, *Intent]
}

func NewCoordinator(cfg Config, log *logging.Logger, m *metrics.Metrics, j journal.Journal) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if log == nil {
		log = logging.NewNop()
	}
	if j == nil {
		j = journal.NewMemoryJournal()
	}
	recent, _ := lru.New[string, *Intent](recentIntents)
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		journal:  j,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*Intent),
		recent:   recent,
	}
}

// Journal returns the outcome journal.
func (c *Coordinator) Journal() journal.Journal {
	return c.journal
}

// Submit validates action, returns its projection and reconciles in the
// background. The background work stops when ctx is cancelled or the
// coordinator shuts down; callers that outlive a request should pass a
// context detached from it.
func Submit[T any](ctx context.Context, c *Coordinator, action Action[T], cb Callbacks[T]) (Projection[T], error) {
	localID := uuid.NewString()
	value, err := action.Project(localID)
	if err != nil {
		return Projection[T]{}, err
	}

	in := newIntent(localID, action.Kind(), c.now())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Projection[T]{}, svcerrors.Unavailable("coordinator is shut down", nil)
	}
	c.inflight[localID] = in
	c.wg.Add(1)
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	c.metrics.IntentStarted()

	go func() {
		defer c.wg.Done()
		defer cancel()
		defer stop()
		reconcile(runCtx, c, in, action, cb)
	}()

	return Projection[T]{LocalID: localID, Value: value, Intent: in}, nil
}

var errNotIndexed = stderrors.New("not yet indexed")

func reconcile[T any](ctx context.Context, c *Coordinator, in *Intent, action Action[T], cb Callbacks[T]) {
	log := c.log.WithContext(ctx).WithField("local_id", in.LocalID).WithField("kind", in.Kind)

	sub, err := action.Execute(ctx)
	in.recordSubmission(sub)
	if err != nil {
		if ctx.Err() != nil {
			c.finish(in, StatusCancelled, ctx.Err(), nil)
			return
		}
		if sub.TxHash != "" && unconfirmed(err) {
			log.WithError(err).WithField("tx_hash", sub.TxHash).Warn("transaction sent but not confirmed")
			c.finish(in, StatusTimedOut, err, func() {
				if cb.OnTimeout != nil {
					cb.OnTimeout(in.LocalID, in.Snapshot())
				}
			})
			return
		}
		log.WithError(err).WithField("error_kind", svcerrors.KindOf(err)).Error("ledger write failed")
		c.finish(in, StatusFailed, err, failed(cb, in.LocalID, err))
		return
	}
	if sub.AuthoritativeID == "" {
		err := svcerrors.Decode("authoritative id", fmt.Errorf("empty id from %s receipt", in.Kind))
		c.finish(in, StatusFailed, err, failed(cb, in.LocalID, err))
		return
	}
	authID := in.Snapshot().AuthoritativeID
	log = log.WithField("tx_hash", sub.TxHash).WithField("authoritative_id", authID)

	var found T
	attempt := 0
	lookup := func() error {
		attempt++
		v, ok, err := action.Lookup(ctx, authID)
		if err != nil {
			if svcerrors.Is(err, svcerrors.CodeDecode) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !ok {
			return errNotIndexed
		}
		found = v
		return nil
	}
	notify := func(err error, next time.Duration) {
		log.WithError(err).WithField("attempt", attempt).Debug("index has not caught up")
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.PollInterval), uint64(c.cfg.MaxRetries-1)),
		ctx,
	)

	// The index trails the ledger, so the first lookup waits one interval.
	timer := time.NewTimer(c.cfg.PollInterval)
	select {
	case <-ctx.Done():
		timer.Stop()
		c.finish(in, StatusCancelled, ctx.Err(), nil)
		return
	case <-timer.C:
	}

	err = backoff.RetryNotify(lookup, policy, notify)
	switch {
	case err == nil:
		c.finish(in, StatusConfirmed, nil, func() {
			if cb.OnReconciled != nil {
				cb.OnReconciled(in.LocalID, found)
			}
		})
	case ctx.Err() != nil:
		c.finish(in, StatusCancelled, ctx.Err(), nil)
	case svcerrors.Is(err, svcerrors.CodeDecode):
		log.WithError(err).Error("index returned a malformed record")
		c.finish(in, StatusFailed, err, failed(cb, in.LocalID, err))
	default:
		log.WithField("attempts", attempt).Warn("write not observed by index before retries ran out")
		timeout := svcerrors.Timeout(fmt.Sprintf("%s not indexed after %d attempts", in.Kind, attempt))
		c.finish(in, StatusTimedOut, timeout, func() {
			if cb.OnTimeout != nil {
				cb.OnTimeout(in.LocalID, in.Snapshot())
			}
		})
	}
}

// unconfirmed reports whether a write error leaves the transaction's fate
// unknown rather than rejected.
func unconfirmed(err error) bool {
	switch svcerrors.KindOf(err) {
	case svcerrors.CodeTimeout, svcerrors.CodeUnavailable:
		return true
	}
	return false
}

func failed[T any](cb Callbacks[T], localID string, err error) func() {
	return func() {
		if cb.OnFailed != nil {
			cb.OnFailed(localID, err)
		}
	}
}

// finish applies a terminal transition, moves the intent out of the
// in-flight table, journals the outcome and runs then. Waiters wake only
// after then returns.
func (c *Coordinator) finish(in *Intent, status Status, err error, then func()) bool {
	if !in.transition(status, err, c.now()) {
		return false
	}

	defer in.release()

	c.recent.Add(in.LocalID, in)
	c.mu.Lock()
	delete(c.inflight, in.LocalID)
	c.mu.Unlock()

	snap := in.Snapshot()
	c.metrics.IntentFinished(snap.Kind, string(snap.Status), snap.FinishedAt.Sub(snap.StartedAt))

	entry := journal.Entry{
		LocalID:         snap.LocalID,
		Kind:            snap.Kind,
		TxHash:          snap.TxHash,
		AuthoritativeID: snap.AuthoritativeID,
		Status:          string(snap.Status),
		ErrorKind:       snap.ErrorKind(),
		StartedAt:       snap.StartedAt,
		FinishedAt:      snap.FinishedAt,
	}
	if snap.Err != nil {
		entry.ErrorMessage = snap.Err.Error()
	}
	// The caller's context may be gone; the journal write gets its own.
	jctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.journal.Record(jctx, entry); err != nil {
		c.log.WithError(err).WithField("local_id", snap.LocalID).Error("failed to journal intent outcome")
	}
	if then != nil {
		then()
	}
	return true
}

// Intent returns a tracked intent, in flight or recently finished.
func (c *Coordinator) Intent(localID string) (*Intent, bool) {
	c.mu.Lock()
	in, ok := c.inflight[localID]
	c.mu.Unlock()
	if ok {
		return in, true
	}
	return c.recent.Get(localID)
}

// Wait blocks until localID reaches a terminal status.
func (c *Coordinator) Wait(ctx context.Context, localID string) (Snapshot, error) {
	in, ok := c.Intent(localID)
	if !ok {
		return Snapshot{}, svcerrors.NotFound("intent " + localID)
	}
	return in.Wait(ctx)
}

// InFlight returns the number of intents still reconciling.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Shutdown cancels every in-flight reconciliation and waits for the
// goroutines to exit.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
