// Package reconcile submits ledger writes, hands back an immediate local
// projection and reconciles it against the index in the background.
package reconcile

import (
	"context"
	"strings"
	"sync"
	"time"

	svcerrors "github.com/fixmypic/service_layer/internal/errors"
)

// Status is the lifecycle state of a write intent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusTimedOut  Status = "timed_out"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// Intent tracks one submitted write.
type Intent struct {
	LocalID   string
	Kind      string
	StartedAt time.Time

	mu              sync.Mutex
	status          Status
	txHash          string
	authoritativeID string
	err             error
	finishedAt      time.Time
	done            chan struct{}
}

func newIntent(localID, kind string, now time.Time) *Intent {
	return &Intent{
		LocalID:   localID,
		Kind:      kind,
		StartedAt: now,
		status:    StatusPending,
		done:      make(chan struct{}),
	}
}

// Snapshot is a consistent copy of an intent's state.
type Snapshot struct {
	LocalID         string    `json:"localId"`
	Kind            string    `json:"kind"`
	Status          Status    `json:"status"`
	TxHash          string    `json:"txHash,omitempty"`
	AuthoritativeID string    `json:"authoritativeId,omitempty"`
	Err             error     `json:"-"`
	StartedAt       time.Time `json:"startedAt"`
	FinishedAt      time.Time `json:"finishedAt,omitempty"`
}

func (i *Intent) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Snapshot{
		LocalID:         i.LocalID,
		Kind:            i.Kind,
		Status:          i.status,
		TxHash:          i.txHash,
		AuthoritativeID: i.authoritativeID,
		Err:             i.err,
		StartedAt:       i.StartedAt,
		FinishedAt:      i.finishedAt,
	}
}

func (i *Intent) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Done is closed once the intent reaches a terminal status.
func (i *Intent) Done() <-chan struct{} {
	return i.done
}

// Wait blocks until the intent is terminal or ctx ends.
func (i *Intent) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-i.done:
		return i.Snapshot(), nil
	case <-ctx.Done():
		return i.Snapshot(), ctx.Err()
	}
}

func (i *Intent) recordSubmission(sub Submission) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if sub.TxHash != "" {
		i.txHash = sub.TxHash
	}
	if sub.AuthoritativeID != "" {
		i.authoritativeID = strings.ToLower(sub.AuthoritativeID)
	}
}

// transition moves a pending intent to a terminal status. It returns false
// and changes nothing if the intent already finished.
func (i *Intent) transition(to Status, err error, now time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status.Terminal() || !to.Terminal() {
		return false
	}
	i.status = to
	i.err = err
	i.finishedAt = now
	return true
}

// release wakes waiters once the terminal outcome is fully recorded.
func (i *Intent) release() {
	close(i.done)
}

// ErrorKind returns the error code of a failed intent.
func (s Snapshot) ErrorKind() string {
	if s.Err == nil {
		return ""
	}
	return string(svcerrors.KindOf(s.Err))
}
