package transcript

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parolfluo/parolfluo/pkg/types"
)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    speaker     TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    started_at  TIMESTAMPTZ,
    ended_at    TIMESTAMPTZ,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_id
    ON transcript_entries (session_id);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_created_at
    ON transcript_entries (created_at);
`

// Archive stores finals in a PostgreSQL transcript_entries table so meetings
// can be queried after the fact. It is an optional sink: the pipeline treats
// every failure as a warning, and a nil *Archive is a no-op.
//
// All methods are safe for concurrent use.
type Archive struct {
	pool *pgxpool.Pool
}

// OpenArchive connects to the database at dsn, verifies the connection, and
// ensures the transcript_entries table exists. The schema setup is
// idempotent and safe to run on every start.
func OpenArchive(ctx context.Context, dsn string) (*Archive, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript archive: migrate: %w", err)
	}
	return &Archive{pool: pool}, nil
}

// Store appends one final to transcript_entries. Zero utterance bounds are
// stored as NULL.
func (a *Archive) Store(ctx context.Context, ev types.TranscriptEvent) error {
	if a == nil || ev.Text == "" {
		return nil
	}
	const q = `
		INSERT INTO transcript_entries
		    (session_id, speaker, text, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := a.pool.Exec(ctx, q,
		ev.SessionID,
		ev.Speaker,
		ev.Text,
		nullableTime(ev.StartedAt),
		nullableTime(ev.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("transcript archive: store: %w", err)
	}
	return nil
}

// Entry is one archived final as read back from the database.
type Entry struct {
	SessionID string
	Speaker   string
	Text      string
	StartedAt time.Time
	EndedAt   time.Time
	CreatedAt time.Time
}

// Recent returns up to limit of the newest entries for sessionID, ordered
// oldest first.
func (a *Archive) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if a == nil {
		return []Entry{}, nil
	}
	const q = `
		SELECT session_id, speaker, text, started_at, ended_at, created_at
		FROM   transcript_entries
		WHERE  session_id = $1
		ORDER  BY created_at DESC, id DESC
		LIMIT  $2`

	rows, err := a.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("transcript archive: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e              Entry
			started, ended *time.Time
		)
		if err := row.Scan(
			&e.SessionID,
			&e.Speaker,
			&e.Text,
			&started,
			&ended,
			&e.CreatedAt,
		); err != nil {
			return Entry{}, err
		}
		if started != nil {
			e.StartedAt = *started
		}
		if ended != nil {
			e.EndedAt = *ended
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript archive: scan rows: %w", err)
	}
	slices.Reverse(entries)
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// Close releases the connection pool. Safe on a nil Archive.
func (a *Archive) Close() {
	if a != nil {
		a.pool.Close()
	}
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
