package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/freightwatch/freightwatch/internal/workflow"
)

// PGStore persists run histories in Postgres. Events live in
// freightwatch.run_events with a (run_id, seq) primary key; the unique
// constraint is what enforces the single-writer-per-run discipline under
// concurrent appends.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) CreateRun(ctx context.Context, run Run, first workflow.Event) error {
	input, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("marshal run input: %w", err)
	}
	payload, err := json.Marshal(first)
	if err != nil {
		return fmt.Errorf("marshal first event: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO freightwatch.runs(id, shipment_id, customer_id, input, state)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Input.ShipmentID, run.Input.CustomerID, input, string(run.State),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrRunExists
		}
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO freightwatch.run_events(run_id, seq, event_type, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, first.Seq, string(first.Type), payload, first.RecordedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PGStore) Append(ctx context.Context, runID string, ev workflow.Event, state workflow.State) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Guard the expected sequence inside the transaction so an event is
	// either fully durable or not observed at all.
	var lastSeq int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM freightwatch.run_events WHERE run_id=$1`,
		runID,
	).Scan(&lastSeq)
	if err != nil {
		return err
	}
	if lastSeq == 0 {
		return ErrRunNotFound
	}
	if ev.Seq != lastSeq+1 {
		return fmt.Errorf("%w: appending seq %d after %d", ErrSequenceConflict, ev.Seq, lastSeq)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO freightwatch.run_events(run_id, seq, event_type, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		runID, ev.Seq, string(ev.Type), payload, ev.RecordedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSequenceConflict
		}
		return err
	}

	completed := ""
	if state.Terminal() {
		completed = ", completed_at=now()"
	}
	_, err = tx.Exec(ctx, `
		UPDATE freightwatch.runs SET state=$2, updated_at=now()`+completed+`
		WHERE id=$1`,
		runID, string(state),
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PGStore) Load(ctx context.Context, runID string) (Run, []workflow.Event, error) {
	var run Run
	var input []byte
	var state string
	err := s.pool.QueryRow(ctx, `
		SELECT id, input, state, cancel_requested, created_at, updated_at
		FROM freightwatch.runs WHERE id=$1`,
		runID,
	).Scan(&run.ID, &input, &state, &run.CancelRequested, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, nil, ErrRunNotFound
		}
		return Run{}, nil, err
	}
	run.State = workflow.State(state)
	if err := json.Unmarshal(input, &run.Input); err != nil {
		return Run{}, nil, fmt.Errorf("unmarshal run input: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM freightwatch.run_events
		WHERE run_id=$1 ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return Run{}, nil, err
	}
	defer rows.Close()

	var events []workflow.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return Run{}, nil, err
		}
		var ev workflow.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return Run{}, nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	return run, events, rows.Err()
}

func (s *PGStore) List(ctx context.Context, states []workflow.State) ([]Run, error) {
	query := `
		SELECT id, input, state, cancel_requested, created_at, updated_at
		FROM freightwatch.runs`
	var args []any
	if len(states) > 0 {
		strs := make([]string, len(states))
		for i, st := range states {
			strs[i] = string(st)
		}
		query += ` WHERE state = ANY($1)`
		args = append(args, strs)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var input []byte
		var state string
		if err := rows.Scan(&run.ID, &input, &state, &run.CancelRequested, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.State = workflow.State(state)
		if err := json.Unmarshal(input, &run.Input); err != nil {
			return nil, fmt.Errorf("unmarshal run input: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *PGStore) RequestCancel(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE freightwatch.runs SET cancel_requested=true, updated_at=now()
		WHERE id=$1`,
		runID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
