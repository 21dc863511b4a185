package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"mexc-sniper/internal/common"
)

// validTransitions is the bot run state machine. stopped and failed are
// terminal.
var validTransitions = map[string][]string{
	RunStarting: {RunRunning, RunFailed},
	RunRunning:  {RunStopping, RunFailed},
	RunStopping: {RunStopped, RunFailed},
}

func transitionAllowed(from, to string) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// InsertBotRun writes a new run in the starting state. The partial unique
// index on non-terminal runs makes a second concurrent start fail here,
// which surfaces as BOT_ALREADY_RUNNING.
func (d *DB) InsertBotRun(ctx context.Context, r *BotRun) error {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO bot_runs (id, configuration_id, operator_id, status, started_at, stopped_at, last_heartbeat, error_message)
		VALUES (?,?,?,?,?,?,?,?)`,
		r.ID, r.ConfigurationID, r.OperatorID, r.Status, ms(r.StartedAt), nil, ms(r.LastHeartbeat), nullStr(r.ErrorMessage))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return common.NewError(common.KindConfig, common.CodeBotAlreadyRunning,
			"a run is already active for configuration "+r.ConfigurationID)
	}
	return err
}

// TransitionBotRun moves the run from its current state to status, failing
// with INVALID_TRANSITION when the state machine forbids it. The update is
// compare-and-swap so concurrent transitions cannot race past each other.
func (d *DB) TransitionBotRun(ctx context.Context, runID, to string, errorMessage string) error {
	run, err := d.GetBotRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return common.NewError(common.KindInternal, "RUN_NOT_FOUND", "bot run "+runID+" not found")
	}
	if run.Status == to {
		// idempotent on repeated stop
		return nil
	}
	if !transitionAllowed(run.Status, to) {
		return common.NewError(common.KindInternal, common.CodeInvalidTransition,
			run.Status+" -> "+to+" is not a valid run transition")
	}

	ctx2, cancel := d.ctx(ctx)
	defer cancel()

	var stoppedAt interface{}
	if to == RunStopped || to == RunFailed {
		stoppedAt = ms(time.Now().UTC())
	}

	res, err := d.db.ExecContext(ctx2, `
		UPDATE bot_runs SET status = ?, stopped_at = COALESCE(?, stopped_at), error_message = COALESCE(NULLIF(?,''), error_message)
		WHERE id = ? AND status = ?`,
		to, stoppedAt, errorMessage, runID, run.Status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return common.NewError(common.KindInternal, common.CodeInvalidTransition,
			"run "+runID+" changed state concurrently")
	}
	return nil
}

// TouchHeartbeat records liveness for the run.
func (d *DB) TouchHeartbeat(ctx context.Context, runID string, at time.Time) error {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	_, err := d.db.ExecContext(ctx,
		`UPDATE bot_runs SET last_heartbeat = ? WHERE id = ?`, ms(at), runID)
	return err
}

const runColumns = `id, configuration_id, operator_id, status, started_at, stopped_at, last_heartbeat, error_message`

func scanBotRun(row interface{ Scan(...interface{}) error }) (*BotRun, error) {
	var (
		r                  BotRun
		started, heartbeat int64
		stopped            sql.NullInt64
		errMsg             sql.NullString
	)
	err := row.Scan(&r.ID, &r.ConfigurationID, &r.OperatorID, &r.Status,
		&started, &stopped, &heartbeat, &errMsg)
	if err != nil {
		return nil, err
	}
	r.StartedAt = fromMs(started)
	if stopped.Valid {
		r.StoppedAt = fromMs(stopped.Int64)
	}
	r.LastHeartbeat = fromMs(heartbeat)
	r.ErrorMessage = strOf(errMsg)
	return &r, nil
}

// GetBotRun returns the run with id, or nil when absent.
func (d *DB) GetBotRun(ctx context.Context, id string) (*BotRun, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	row := d.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM bot_runs WHERE id = ? LIMIT 1`, id)
	r, err := scanBotRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ActiveBotRun returns the non-terminal run for configurationID, or nil.
// Pass "" to find any non-terminal run.
func (d *DB) ActiveBotRun(ctx context.Context, configurationID string) (*BotRun, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	var row *sql.Row
	if configurationID == "" {
		row = d.db.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM bot_runs
			 WHERE status IN (?,?,?) ORDER BY started_at DESC LIMIT 1`,
			RunStarting, RunRunning, RunStopping)
	} else {
		row = d.db.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM bot_runs
			 WHERE configuration_id = ? AND status IN (?,?,?) ORDER BY started_at DESC LIMIT 1`,
			configurationID, RunStarting, RunRunning, RunStopping)
	}
	r, err := scanBotRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// UpsertBotStatus rewrites the process-wide status snapshot.
func (d *DB) UpsertBotStatus(ctx context.Context, s *BotStatus) error {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	if s.ID == "" {
		s.ID = BotStatusID
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO bot_status (id, is_running, last_heartbeat, exchange_api_status, api_response_time_ms, consecutive_errors, last_error_message, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			is_running = excluded.is_running,
			last_heartbeat = excluded.last_heartbeat,
			exchange_api_status = excluded.exchange_api_status,
			api_response_time_ms = excluded.api_response_time_ms,
			consecutive_errors = excluded.consecutive_errors,
			last_error_message = excluded.last_error_message,
			updated_at = excluded.updated_at`,
		s.ID, boolInt(s.IsRunning), ms(s.LastHeartbeat), s.ExchangeAPIStatus,
		s.APIResponseTimeMs, s.ConsecutiveErrors, nullStr(s.LastErrorMessage), ms(s.UpdatedAt))
	return err
}

// GetBotStatus returns the process status snapshot, or nil before the first
// heartbeat.
func (d *DB) GetBotStatus(ctx context.Context) (*BotStatus, error) {
	ctx, cancel := d.ctx(ctx)
	defer cancel()

	var (
		s         BotStatus
		running   int
		heartbeat int64
		updated   int64
		errMsg    sql.NullString
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT id, is_running, last_heartbeat, exchange_api_status, api_response_time_ms, consecutive_errors, last_error_message, updated_at
		FROM bot_status WHERE id = ? LIMIT 1`, BotStatusID).
		Scan(&s.ID, &running, &heartbeat, &s.ExchangeAPIStatus, &s.APIResponseTimeMs,
			&s.ConsecutiveErrors, &errMsg, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.IsRunning = running == 1
	s.LastHeartbeat = fromMs(heartbeat)
	s.LastErrorMessage = strOf(errMsg)
	s.UpdatedAt = fromMs(updated)
	return &s, nil
}
