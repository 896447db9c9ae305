package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/hostagent/pkg/events"
)

const repoLogPrefix = "journal:repository"

// Execution is a row of the executions table.
type Execution struct {
	ID         int64     `json:"id"`
	Agent      string    `json:"agent"`
	RequestID  string    `json:"requestId"`
	Command    string    `json:"command"`
	Requester  string    `json:"requester"`
	Phase      string    `json:"phase"`
	ExitCode   int       `json:"exitCode"`
	Reason     *string   `json:"reason,omitempty"`
	TimedOut   bool      `json:"timedOut"`
	DurationMs int64     `json:"durationMs"`
	RecordedAt time.Time `json:"recordedAt"`
}

// ListParams filters ListRecent. Zero values mean no filter.
type ListParams struct {
	Agent   string
	Command string
	Limit   int
}

// Repository reads and writes the executions table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores one event.
func (r *Repository) Insert(ctx context.Context, e *events.CommandEvent) error {
	recorded := time.Now().UTC()
	if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
		recorded = ts
	}
	var reason *string
	if e.Reason != "" {
		reason = &e.Reason
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO executions (agent, request_id, command, requester, phase, exit_code, reason, timed_out, duration_ms, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.Agent, e.RequestID, e.Command, e.From, e.Phase, e.ExitCode, reason, e.TimedOut, e.DurationMs, recorded)
	if err != nil {
		return fmt.Errorf("%s - insert %s/%s: %w", repoLogPrefix, e.Command, e.RequestID, err)
	}
	return nil
}

// ListRecent returns the newest executions first.
func (r *Repository) ListRecent(ctx context.Context, params ListParams) ([]Execution, error) {
	limit := params.Limit
	if limit < 1 {
		limit = 20
	}

	query := `SELECT id, agent, request_id, command, requester, phase, exit_code, reason, timed_out, duration_ms, recorded_at
	          FROM executions WHERE 1=1`
	args := []interface{}{}
	argIdx := 1
	if params.Agent != "" {
		query += fmt.Sprintf(` AND agent = $%d`, argIdx)
		args = append(args, params.Agent)
		argIdx++
	}
	if params.Command != "" {
		query += fmt.Sprintf(` AND command = $%d`, argIdx)
		args = append(args, params.Command)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY recorded_at DESC, id DESC LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s - list executions: %w", repoLogPrefix, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Execution, error) {
		var e Execution
		err := row.Scan(&e.ID, &e.Agent, &e.RequestID, &e.Command, &e.Requester, &e.Phase,
			&e.ExitCode, &e.Reason, &e.TimedOut, &e.DurationMs, &e.RecordedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s - scan executions: %w", repoLogPrefix, err)
	}
	return out, nil
}

// Prune deletes executions recorded before cutoff and returns how many went.
func (r *Repository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM executions WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%s - prune: %w", repoLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Pruned %d executions older than %s", repoLogPrefix, tag.RowsAffected(), cutoff.Format(time.RFC3339)))
	return tag.RowsAffected(), nil
}
