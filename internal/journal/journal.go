// Package journal records the terminal outcome of every ledger write so
// operators can find funds that moved without confirmed linkage.
package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/fixmypic/service_layer/internal/journal/migrations"
)

// Entry is one finished write intent.
type Entry struct {
	LocalID         string    `db:"local_id" json:"localId"`
	Kind            string    `db:"kind" json:"kind"`
	TxHash          string    `db:"tx_hash" json:"txHash,omitempty"`
	AuthoritativeID string    `db:"authoritative_id" json:"authoritativeId,omitempty"`
	Status          string    `db:"status" json:"status"`
	ErrorKind       string    `db:"error_kind" json:"errorKind,omitempty"`
	ErrorMessage    string    `db:"error_message" json:"errorMessage,omitempty"`
	StartedAt       time.Time `db:"started_at" json:"startedAt"`
	FinishedAt      time.Time `db:"finished_at" json:"finishedAt"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status string
	Limit  int
}

// Journal persists entries. Recording the same LocalID twice keeps the first.
type Journal interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

var (
	_ Journal = (*MemoryJournal)(nil)
	_ Journal = (*PostgresJournal)(nil)
)

// --- Memory -----------------------------------------------------------------

type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]Entry)}
}

func (j *MemoryJournal) Record(_ context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.entries[e.LocalID]; !ok {
		j.entries[e.LocalID] = e
	}
	return nil
}

func (j *MemoryJournal) List(_ context.Context, f Filter) ([]Entry, error) {
	j.mu.RLock()
	out := make([]Entry, 0, len(j.entries))
	for _, e := range j.entries {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
	}
	j.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool { return out[a].FinishedAt.After(out[b].FinishedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- Postgres ---------------------------------------------------------------

type PostgresJournal struct {
	db *sqlx.DB
}

// OpenPostgres connects to dsn and applies the journal migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresJournal, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresJournal(db), nil
}

func NewPostgresJournal(db *sqlx.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

func (j *PostgresJournal) Close() error {
	return j.db.Close()
}

func (j *PostgresJournal) Record(ctx context.Context, e Entry) error {
	_, err := j.db.NamedExecContext(ctx, `
		INSERT INTO reconcile_journal
			(local_id, kind, tx_hash, authoritative_id, status, error_kind, error_message, started_at, finished_at)
		VALUES
			(:local_id, :kind, :tx_hash, :authoritative_id, :status, :error_kind, :error_message, :started_at, :finished_at)
		ON CONFLICT (local_id) DO NOTHING
	`, e)
	return err
}

func (j *PostgresJournal) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var entries []Entry
	err := j.db.SelectContext(ctx, &entries, `
		SELECT local_id, kind, tx_hash, authoritative_id, status, error_kind, error_message, started_at, finished_at
		FROM reconcile_journal
		WHERE ($1 = '' OR status = $1)
		ORDER BY finished_at DESC
		LIMIT $2
	`, f.Status, limit)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
