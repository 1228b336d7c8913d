package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lucasnoah/agentfactory/internal/checks"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID         int64     `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	Event      string    `json:"event"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	TotalCost  float64   `json:"total_cost"`
	CreatedAt  time.Time `json:"created_at"`
}

// BuilderRun represents a row in the builder_runs table.
type BuilderRun struct {
	ID               int64     `json:"id"`
	PipelineID       string    `json:"pipeline_id"`
	ServiceID        string    `json:"service_id"`
	Mode             string    `json:"mode"`
	Success          bool      `json:"success"`
	ExitCode         int       `json:"exit_code"`
	TestsPassed      int       `json:"tests_passed"`
	TestsTotal       int       `json:"tests_total"`
	ConvergenceRatio float64   `json:"convergence_ratio"`
	Cost             float64   `json:"cost"`
	DurationMs       int64     `json:"duration_ms"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// FixRound represents a row in the fix_rounds table.
type FixRound struct {
	ID               int64     `json:"id"`
	PipelineID       string    `json:"pipeline_id"`
	Round            int       `json:"round"`
	Attempted        int       `json:"attempted"`
	Resolved         int       `json:"resolved"`
	NewViolations    int       `json:"new_violations"`
	FixEffectiveness float64   `json:"fix_effectiveness"`
	RegressionRate   float64   `json:"regression_rate"`
	ScoreBefore      float64   `json:"score_before"`
	ScoreAfter       float64   `json:"score_after"`
	ConvergenceScore float64   `json:"convergence_score"`
	Cost             float64   `json:"cost"`
	CreatedAt        time.Time `json:"created_at"`
}

// CheckRun represents a row in the check_runs table.
type CheckRun struct {
	ID         int64     `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	Round      int       `json:"round"`
	ServiceID  string    `json:"service_id,omitempty"`
	CheckName  string    `json:"check_name"`
	Passed     bool      `json:"passed"`
	ExitCode   int       `json:"exit_code"`
	DurationMs int       `json:"duration_ms"`
	Summary    string    `json:"summary"`
	Issues     int       `json:"issues"`
	CreatedAt  time.Time `json:"created_at"`
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(ctx context.Context, e PipelineEvent) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO pipeline_events (pipeline_id, event, from_state, to_state, detail, total_cost) VALUES ($1, $2, $3, $4, $5, $6)`,
		e.PipelineID, e.Event, e.FromState, e.ToState, e.Detail, e.TotalCost,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetPipelineHistory returns the events of a pipeline, oldest first.
func (d *DB) GetPipelineHistory(ctx context.Context, pipelineID string) ([]PipelineEvent, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, pipeline_id, event, from_state, to_state, detail, total_cost, created_at
		 FROM pipeline_events WHERE pipeline_id = $1 ORDER BY created_at, id`,
		pipelineID,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline history: %w", err)
	}
	return collectEvents(rows)
}

// GetAllPipelineEvents returns every event created at or after since, oldest first.
func (d *DB) GetAllPipelineEvents(ctx context.Context, since time.Time) ([]PipelineEvent, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, pipeline_id, event, from_state, to_state, detail, total_cost, created_at
		 FROM pipeline_events WHERE created_at >= $1 ORDER BY created_at, id`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline events: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]PipelineEvent, error) {
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PipelineEvent, error) {
		var e PipelineEvent
		err := row.Scan(&e.ID, &e.PipelineID, &e.Event, &e.FromState, &e.ToState, &e.Detail, &e.TotalCost, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan pipeline event: %w", err)
	}
	return events, nil
}

// LogBuilderRun records one builder worker outcome.
func (d *DB) LogBuilderRun(ctx context.Context, pipelineID string, r pipeline.BuilderResult) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO builder_runs (pipeline_id, service_id, mode, success, exit_code, tests_passed, tests_total, convergence_ratio, cost, duration_ms, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		pipelineID, r.ServiceID, r.Mode, r.Success, r.ExitCode, r.TestsPassed, r.TestsTotal, r.ConvergenceRatio, r.Cost, r.DurationMs, r.Error,
	)
	if err != nil {
		return fmt.Errorf("log builder run: %w", err)
	}
	return nil
}

// GetBuilderRuns returns builder runs for a pipeline, or for every pipeline
// when pipelineID is empty.
func (d *DB) GetBuilderRuns(ctx context.Context, pipelineID string) ([]BuilderRun, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, pipeline_id, service_id, mode, success, exit_code, tests_passed, tests_total, convergence_ratio, cost, duration_ms, error, created_at
		 FROM builder_runs WHERE $1::text = '' OR pipeline_id = $1 ORDER BY id`,
		pipelineID,
	)
	if err != nil {
		return nil, fmt.Errorf("get builder runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (BuilderRun, error) {
		var r BuilderRun
		err := row.Scan(&r.ID, &r.PipelineID, &r.ServiceID, &r.Mode, &r.Success, &r.ExitCode, &r.TestsPassed, &r.TestsTotal,
			&r.ConvergenceRatio, &r.Cost, &r.DurationMs, &r.Error, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan builder run: %w", err)
	}
	return runs, nil
}

// LogFixRound records the metrics of one fix-pass round. Re-recording a round
// overwrites it.
func (d *DB) LogFixRound(ctx context.Context, pipelineID string, m pipeline.ConvergenceMetrics, cost float64) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO fix_rounds (pipeline_id, round, attempted, resolved, new_violations, fix_effectiveness, regression_rate, score_before, score_after, convergence_score, cost)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (pipeline_id, round) DO UPDATE SET
		   attempted = EXCLUDED.attempted, resolved = EXCLUDED.resolved, new_violations = EXCLUDED.new_violations,
		   fix_effectiveness = EXCLUDED.fix_effectiveness, regression_rate = EXCLUDED.regression_rate,
		   score_before = EXCLUDED.score_before, score_after = EXCLUDED.score_after,
		   convergence_score = EXCLUDED.convergence_score, cost = EXCLUDED.cost`,
		pipelineID, m.Round, m.Attempted, m.Resolved, m.NewViolations, m.FixEffectiveness, m.RegressionRate,
		m.ScoreBefore, m.ScoreAfter, m.ConvergenceScore, cost,
	)
	if err != nil {
		return fmt.Errorf("log fix round: %w", err)
	}
	return nil
}

// GetFixRounds returns fix rounds for a pipeline, or for every pipeline when
// pipelineID is empty.
func (d *DB) GetFixRounds(ctx context.Context, pipelineID string) ([]FixRound, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, pipeline_id, round, attempted, resolved, new_violations, fix_effectiveness, regression_rate, score_before, score_after, convergence_score, cost, created_at
		 FROM fix_rounds WHERE $1::text = '' OR pipeline_id = $1 ORDER BY pipeline_id, round`,
		pipelineID,
	)
	if err != nil {
		return nil, fmt.Errorf("get fix rounds: %w", err)
	}
	rounds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (FixRound, error) {
		var f FixRound
		err := row.Scan(&f.ID, &f.PipelineID, &f.Round, &f.Attempted, &f.Resolved, &f.NewViolations, &f.FixEffectiveness,
			&f.RegressionRate, &f.ScoreBefore, &f.ScoreAfter, &f.ConvergenceScore, &f.Cost, &f.CreatedAt)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan fix round: %w", err)
	}
	return rounds, nil
}

// LogCheckRun records one quality-gate check execution.
func (d *DB) LogCheckRun(ctx context.Context, pipelineID string, round int, serviceID string, r *checks.Result) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO check_runs (pipeline_id, round, service_id, check_name, passed, exit_code, duration_ms, summary, issues)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pipelineID, round, serviceID, r.CheckName, r.Passed, r.ExitCode, r.DurationMs, r.Summary, len(r.Issues),
	)
	if err != nil {
		return fmt.Errorf("log check run: %w", err)
	}
	return nil
}

// GetCheckRuns returns the check runs of a pipeline round.
func (d *DB) GetCheckRuns(ctx context.Context, pipelineID string, round int) ([]CheckRun, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, pipeline_id, round, service_id, check_name, passed, exit_code, duration_ms, summary, issues, created_at
		 FROM check_runs WHERE pipeline_id = $1 AND round = $2 ORDER BY id`,
		pipelineID, round,
	)
	if err != nil {
		return nil, fmt.Errorf("get check runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (CheckRun, error) {
		var c CheckRun
		err := row.Scan(&c.ID, &c.PipelineID, &c.Round, &c.ServiceID, &c.CheckName, &c.Passed, &c.ExitCode, &c.DurationMs, &c.Summary, &c.Issues, &c.CreatedAt)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan check run: %w", err)
	}
	return runs, nil
}
