package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/danpasecinic/execflow/internal/types"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PostgresStore is a PostgreSQL implementation of StateStore
type PostgresStore struct {
	db     *sql.DB
	schema string
	now    func() time.Time
}

// NewPostgresStore creates a new PostgreSQL state store
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	return openPostgres(connectionString, "")
}

// NewPostgresStoreInSchema creates the schema if needed and opens a store
// whose connections resolve tables in it. Used for isolated test databases.
func NewPostgresStoreInSchema(connectionString, schema string) (*PostgresStore, error) {
	if schema == "" {
		return nil, errors.New("schema is required")
	}

	admin, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = admin.Close() }()

	if _, err := admin.Exec("CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(schema)); err != nil {
		return nil, fmt.Errorf("failed to create schema %s: %w", schema, err)
	}

	dsn, err := withSearchPath(connectionString, schema)
	if err != nil {
		return nil, err
	}
	return openPostgres(dsn, schema)
}

func openPostgres(connectionString, schema string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &PostgresStore{
		db:     db,
		schema: schema,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := store.runMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// SchemaDSN returns connectionString pinned to schema, for handing a store's
// location to other processes.
func SchemaDSN(connectionString, schema string) (string, error) {
	return withSearchPath(connectionString, schema)
}

// withSearchPath adds a search_path runtime parameter to a URL or key/value DSN.
func withSearchPath(connectionString, schema string) (string, error) {
	if strings.HasPrefix(connectionString, "postgres://") || strings.HasPrefix(connectionString, "postgresql://") {
		u, err := url.Parse(connectionString)
		if err != nil {
			return "", fmt.Errorf("invalid database url: %w", err)
		}
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return strings.TrimSpace(connectionString) + " search_path=" + schema, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DropSchema removes the store's schema and everything in it. It is a no-op
// for stores opened without a schema.
func (s *PostgresStore) DropSchema() error {
	if s.schema == "" {
		return nil
	}
	if _, err := s.db.Exec("DROP SCHEMA IF EXISTS " + pq.QuoteIdentifier(s.schema) + " CASCADE"); err != nil {
		return fmt.Errorf("failed to drop schema %s: %w", s.schema, err)
	}
	return nil
}

// runMigrations applies database schema using goose
func (s *PostgresStore) runMigrations() error {
	fsys, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, s.db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// AddFlow adds a new flow to the store
func (s *PostgresStore) AddFlow(flow types.Flow) error {
	var exists bool
	err := s.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM flows WHERE id = $1 OR name = $2)", flow.ID, flow.Name,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check flow existence: %w", err)
	}
	if exists {
		return ErrFlowAlreadyExists
	}

	tags := flow.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT INTO flows (id, name, tags, created_at) VALUES ($1, $2, $3, $4)",
		flow.ID, flow.Name, tagsJSON, flow.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert flow: %w", err)
	}

	return nil
}

// GetFlow retrieves a flow by ID
func (s *PostgresStore) GetFlow(flowID string) (types.Flow, error) {
	row := s.db.QueryRow("SELECT id, name, tags, created_at FROM flows WHERE id = $1", flowID)
	return scanFlow(row)
}

// GetFlowByName retrieves a flow by its unique name
func (s *PostgresStore) GetFlowByName(name string) (types.Flow, error) {
	row := s.db.QueryRow("SELECT id, name, tags, created_at FROM flows WHERE name = $1", name)
	return scanFlow(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlow(row scanner) (types.Flow, error) {
	var flow types.Flow
	var tagsJSON []byte

	err := row.Scan(&flow.ID, &flow.Name, &tagsJSON, &flow.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Flow{}, ErrFlowNotFound
	}
	if err != nil {
		return types.Flow{}, fmt.Errorf("failed to get flow: %w", err)
	}

	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &flow.Tags); err != nil {
			return types.Flow{}, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}
	if len(flow.Tags) == 0 {
		flow.Tags = nil
	}

	return flow, nil
}

// ReadFlows returns the flows passing filter, oldest first. Exact names are
// matched in SQL; the glob is applied to the result.
func (s *PostgresStore) ReadFlows(filter types.FlowFilter) ([]types.Flow, error) {
	query := "SELECT id, name, tags, created_at FROM flows"
	var args []any
	if len(filter.Names) > 0 {
		query += " WHERE name = ANY($1)"
		args = append(args, pq.Array(filter.Names))
	}
	query += " ORDER BY created_at, name"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	flows := make([]types.Flow, 0)
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		if filter.Matches(flow) {
			flows = append(flows, flow)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flows: %w", err)
	}

	return flows, nil
}

// DeleteFlow removes a flow and, by cascade, its runs
func (s *PostgresStore) DeleteFlow(flowID string) error {
	res, err := s.db.Exec("DELETE FROM flows WHERE id = $1", flowID)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	return requireAffected(res, ErrFlowNotFound)
}

// AddFlowRun adds a new flow run to the store
func (s *PostgresStore) AddFlowRun(run types.FlowRun) error {
	var runExists, flowExists bool
	err := s.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM flow_runs WHERE id = $1), EXISTS(SELECT 1 FROM flows WHERE id = $2)",
		run.ID, run.FlowID,
	).Scan(&runExists, &flowExists)
	if err != nil {
		return fmt.Errorf("failed to check flow run existence: %w", err)
	}
	if runExists {
		return ErrFlowRunAlreadyExists
	}
	if !flowExists {
		return ErrFlowNotFound
	}

	_, err = s.db.Exec(
		`INSERT INTO flow_runs (id, flow_id, name, state, created_at, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.FlowID, run.Name, run.State, run.CreatedAt, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert flow run: %w", err)
	}

	return nil
}

const flowRunColumns = "id, flow_id, name, state, created_at, started_at, finished_at"

func scanFlowRun(row scanner) (types.FlowRun, error) {
	var run types.FlowRun
	err := row.Scan(&run.ID, &run.FlowID, &run.Name, &run.State, &run.CreatedAt, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.FlowRun{}, ErrFlowRunNotFound
	}
	if err != nil {
		return types.FlowRun{}, fmt.Errorf("failed to get flow run: %w", err)
	}
	return run, nil
}

// GetFlowRun retrieves a flow run by ID
func (s *PostgresStore) GetFlowRun(runID string) (types.FlowRun, error) {
	return scanFlowRun(s.db.QueryRow("SELECT "+flowRunColumns+" FROM flow_runs WHERE id = $1", runID))
}

// UpdateFlowRun updates specific fields of a flow run
func (s *PostgresStore) UpdateFlowRun(runID string, updates FlowRunUpdate) error {
	var a assignments
	if updates.State != nil {
		a.add("state", *updates.State)
	}
	if updates.StartedAt != nil {
		a.add("started_at", *updates.StartedAt)
	}
	if updates.FinishedAt != nil {
		a.add("finished_at", *updates.FinishedAt)
	}

	if a.empty() {
		_, err := s.GetFlowRun(runID)
		return err
	}

	query, args := a.statement("flow_runs", runID)
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update flow run: %w", err)
	}
	return requireAffected(res, ErrFlowRunNotFound)
}

// ListFlowRuns returns the runs of a flow (all runs when flowID is empty), oldest first
func (s *PostgresStore) ListFlowRuns(flowID string) ([]types.FlowRun, error) {
	query := "SELECT " + flowRunColumns + " FROM flow_runs"
	var args []any
	if flowID != "" {
		query += " WHERE flow_id = $1"
		args = append(args, flowID)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flow runs: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	runs := make([]types.FlowRun, 0)
	for rows.Next() {
		run, err := scanFlowRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating flow runs: %w", err)
	}

	return runs, nil
}

// AddTaskRun adds a new task run to the store
func (s *PostgresStore) AddTaskRun(run types.TaskRun) error {
	var runExists, flowRunExists bool
	err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM task_runs WHERE id = $1),
		        $2 = '' OR EXISTS(SELECT 1 FROM flow_runs WHERE id = $2)`,
		run.ID, run.FlowRunID,
	).Scan(&runExists, &flowRunExists)
	if err != nil {
		return fmt.Errorf("failed to check task run existence: %w", err)
	}
	if runExists {
		return ErrTaskRunAlreadyExists
	}
	if !flowRunExists {
		return ErrFlowRunNotFound
	}

	definitionJSON, err := json.Marshal(run.Definition.WithDefaults())
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	updatedAt := run.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = run.CreatedAt
	}

	query := `
		INSERT INTO task_runs (id, flow_run_id, name, state, definition, backend, job_name, execution_name,
		                       generation, attempt, max_retries, cancel_requested, message,
		                       created_at, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = s.db.Exec(
		query,
		run.ID,
		nullString(run.FlowRunID),
		run.Name,
		run.State,
		definitionJSON,
		nullString(run.Backend),
		nullString(run.JobName),
		nullString(run.ExecutionName),
		run.Generation,
		run.Attempt,
		run.MaxRetries,
		run.CancelRequested,
		nullString(run.Message),
		run.CreatedAt,
		run.StartedAt,
		run.FinishedAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task run: %w", err)
	}

	return nil
}

const taskRunColumns = `id, flow_run_id, name, state, definition, backend, job_name, execution_name,
	generation, attempt, max_retries, cancel_requested, message, created_at, started_at, finished_at, updated_at`

func scanTaskRun(row scanner) (types.TaskRun, error) {
	var run types.TaskRun
	var definitionJSON []byte
	var flowRunID, backendName, jobName, executionName, message sql.NullString

	err := row.Scan(
		&run.ID,
		&flowRunID,
		&run.Name,
		&run.State,
		&definitionJSON,
		&backendName,
		&jobName,
		&executionName,
		&run.Generation,
		&run.Attempt,
		&run.MaxRetries,
		&run.CancelRequested,
		&message,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TaskRun{}, ErrTaskRunNotFound
	}
	if err != nil {
		return types.TaskRun{}, fmt.Errorf("failed to get task run: %w", err)
	}

	if err := json.Unmarshal(definitionJSON, &run.Definition); err != nil {
		return types.TaskRun{}, fmt.Errorf("failed to unmarshal definition: %w", err)
	}

	run.FlowRunID = flowRunID.String
	run.Backend = backendName.String
	run.JobName = jobName.String
	run.ExecutionName = executionName.String
	run.Message = message.String

	return run, nil
}

// GetTaskRun retrieves a task run by ID
func (s *PostgresStore) GetTaskRun(runID string) (types.TaskRun, error) {
	return scanTaskRun(s.db.QueryRow("SELECT "+taskRunColumns+" FROM task_runs WHERE id = $1", runID))
}

func taskRunAssignments(updates TaskRunUpdate, now time.Time) *assignments {
	a := &assignments{}
	if updates.State != nil {
		a.add("state", *updates.State)
	}
	if updates.Backend != nil {
		a.add("backend", *updates.Backend)
	}
	if updates.JobName != nil {
		a.add("job_name", *updates.JobName)
	}
	if updates.ExecutionName != nil {
		a.add("execution_name", *updates.ExecutionName)
	}
	if updates.Generation != nil {
		a.add("generation", *updates.Generation)
	}
	if updates.Attempt != nil {
		a.add("attempt", *updates.Attempt)
	}
	if updates.CancelRequested != nil {
		a.add("cancel_requested", *updates.CancelRequested)
	}
	if updates.Message != nil {
		a.add("message", *updates.Message)
	}
	if updates.StartedAt != nil {
		a.add("started_at", *updates.StartedAt)
	}
	if updates.FinishedAt != nil {
		a.add("finished_at", *updates.FinishedAt)
	}
	a.add("updated_at", now)
	return a
}

// UpdateTaskRun updates specific fields of a task run
func (s *PostgresStore) UpdateTaskRun(runID string, updates TaskRunUpdate) error {
	query, args := taskRunAssignments(updates, s.now()).statement("task_runs", runID)
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task run: %w", err)
	}
	return requireAffected(res, ErrTaskRunNotFound)
}

// ListTaskRuns returns the task runs passing filter, oldest first
func (s *PostgresStore) ListTaskRuns(filter types.TaskRunFilter) ([]types.TaskRun, error) {
	var where []string
	var args []any
	if filter.FlowRunID != "" {
		args = append(args, filter.FlowRunID)
		where = append(where, fmt.Sprintf("flow_run_id = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		args = append(args, pq.Array(states))
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}

	query := "SELECT " + taskRunColumns + " FROM task_runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task runs: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	runs := make([]types.TaskRun, 0)
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task runs: %w", err)
	}

	return runs, nil
}

// DeleteTaskRun removes a task run and, by cascade, its outcomes
func (s *PostgresStore) DeleteTaskRun(runID string) error {
	res, err := s.db.Exec("DELETE FROM task_runs WHERE id = $1", runID)
	if err != nil {
		return fmt.Errorf("failed to delete task run: %w", err)
	}
	return requireAffected(res, ErrTaskRunNotFound)
}

// RecordOutcome implements StateStore. The insert and the task run update
// share one transaction.
func (s *PostgresStore) RecordOutcome(outcome types.Outcome, updates TaskRunUpdate) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	err = tx.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM task_runs WHERE id = $1)", outcome.TaskRunID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check task run existence: %w", err)
	}
	if !exists {
		return false, ErrTaskRunNotFound
	}

	now := s.now()
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = now
	}

	res, err := tx.Exec(
		`INSERT INTO outcomes (task_run_id, attempt, generation, state, execution_name, message, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (task_run_id, attempt, generation) DO NOTHING`,
		outcome.TaskRunID,
		outcome.Attempt,
		outcome.Generation,
		outcome.State,
		nullString(outcome.ExecutionName),
		nullString(outcome.Message),
		outcome.RecordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert outcome: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	query, args := taskRunAssignments(updates, now).statement("task_runs", outcome.TaskRunID)
	if _, err := tx.Exec(query, args...); err != nil {
		return false, fmt.Errorf("failed to update task run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit outcome: %w", err)
	}
	return true, nil
}

// ListOutcomes returns the outcomes of a task run in attempt order
func (s *PostgresStore) ListOutcomes(taskRunID string) ([]types.Outcome, error) {
	rows, err := s.db.Query(
		`SELECT task_run_id, attempt, generation, state, execution_name, message, recorded_at
		 FROM outcomes WHERE task_run_id = $1 ORDER BY attempt, generation`,
		taskRunID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	out := make([]types.Outcome, 0)
	for rows.Next() {
		var o types.Outcome
		var executionName, message sql.NullString
		if err := rows.Scan(
			&o.TaskRunID, &o.Attempt, &o.Generation, &o.State, &executionName, &message, &o.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.ExecutionName = executionName.String
		o.Message = message.String
		out = append(out, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}

	return out, nil
}

// assignments accumulates "col = $n" fragments for a dynamic UPDATE.
type assignments struct {
	cols []string
	args []any
}

func (a *assignments) add(col string, v any) {
	a.args = append(a.args, v)
	a.cols = append(a.cols, fmt.Sprintf("%s = $%d", col, len(a.args)))
}

func (a *assignments) empty() bool {
	return len(a.cols) == 0
}

func (a *assignments) statement(table, id string) (string, []any) {
	args := append(append([]any(nil), a.args...), id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(a.cols, ", "), len(args))
	return query, args
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
