package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lucasnoah/agentfactory/internal/checks"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

// testDB connects to FACTORY_TEST_DATABASE_URL and resets the schema. Tests
// are skipped when it is not set.
func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("FACTORY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FACTORY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	d, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Reset(ctx); err != nil {
		t.Fatalf("reset test db: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestMigrate(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	tables := []string{"schema_version", "pipeline_events", "builder_runs", "fix_rounds", "check_runs"}
	for _, table := range tables {
		var exists bool
		err := d.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name::text = $1)`, table).Scan(&exists)
		if err != nil || !exists {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	v, err := d.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != 1 {
		t.Errorf("schema version = %d, want 1", v)
	}

	// Migrate again should be idempotent
	if err := d.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestPipelineEvents(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	events := []PipelineEvent{
		{PipelineID: "p1", Event: "created", ToState: "init"},
		{PipelineID: "p1", Event: "transition", FromState: "init", ToState: "architect_running", Detail: "start_architect", TotalCost: 0},
		{PipelineID: "p2", Event: "created", ToState: "init"},
		{PipelineID: "p1", Event: "failed", FromState: "architect_running", ToState: "failed", Detail: "budget exceeded", TotalCost: 1.5},
	}
	for _, e := range events {
		if err := d.LogPipelineEvent(ctx, e); err != nil {
			t.Fatalf("log event: %v", err)
		}
	}

	history, err := d.GetPipelineHistory(ctx, "p1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d events, want 3", len(history))
	}
	if history[0].Event != "created" || history[2].Event != "failed" {
		t.Errorf("unexpected order: %+v", history)
	}
	if history[2].TotalCost != 1.5 || history[2].Detail != "budget exceeded" {
		t.Errorf("failed event = %+v", history[2])
	}
	if history[1].CreatedAt.IsZero() {
		t.Error("created_at not populated")
	}

	all, err := d.GetAllPipelineEvents(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("all events: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("got %d events, want 4", len(all))
	}
}

func TestBuilderRuns(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	results := []pipeline.BuilderResult{
		{ServiceID: "api", Success: true, TestsPassed: 10, TestsTotal: 10, ConvergenceRatio: 1, Cost: 0.4, Mode: pipeline.ModeBuild, DurationMs: 1200},
		{ServiceID: "web", Success: false, Error: "exit code 3", ExitCode: 3, Cost: 0.25, Mode: pipeline.ModeBuild},
	}
	for _, r := range results {
		if err := d.LogBuilderRun(ctx, "p1", r); err != nil {
			t.Fatalf("log builder run: %v", err)
		}
	}
	if err := d.LogBuilderRun(ctx, "p2", results[0]); err != nil {
		t.Fatalf("log builder run: %v", err)
	}

	runs, err := d.GetBuilderRuns(ctx, "p1")
	if err != nil {
		t.Fatalf("get builder runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[1].Error != "exit code 3" || runs[1].ExitCode != 3 || runs[1].Success {
		t.Errorf("web run = %+v", runs[1])
	}

	all, err := d.GetBuilderRuns(ctx, "")
	if err != nil {
		t.Fatalf("get all builder runs: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d runs, want 3", len(all))
	}
}

func TestFixRounds_Upsert(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	m := pipeline.ConvergenceMetrics{Round: 1, Attempted: 4, Resolved: 2, FixEffectiveness: 0.5, ScoreBefore: 60, ScoreAfter: 75}
	if err := d.LogFixRound(ctx, "p1", m, 1.2); err != nil {
		t.Fatalf("log fix round: %v", err)
	}
	m.Resolved = 3
	if err := d.LogFixRound(ctx, "p1", m, 1.3); err != nil {
		t.Fatalf("relog fix round: %v", err)
	}

	rounds, err := d.GetFixRounds(ctx, "p1")
	if err != nil {
		t.Fatalf("get fix rounds: %v", err)
	}
	if len(rounds) != 1 {
		t.Fatalf("got %d rounds, want 1", len(rounds))
	}
	if rounds[0].Resolved != 3 || rounds[0].Cost != 1.3 {
		t.Errorf("round = %+v", rounds[0])
	}
}

func TestCheckRuns(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	r := &checks.Result{CheckName: "lint", Passed: false, ExitCode: 1, DurationMs: 40, Summary: "2 problems",
		Issues: []checks.Issue{{Message: "a"}, {Message: "b"}}}
	if err := d.LogCheckRun(ctx, "p1", 0, "api", r); err != nil {
		t.Fatalf("log check run: %v", err)
	}
	if err := d.LogCheckRun(ctx, "p1", 1, "api", r); err != nil {
		t.Fatalf("log check run: %v", err)
	}

	runs, err := d.GetCheckRuns(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("get check runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].Issues != 2 || runs[0].ServiceID != "api" || runs[0].Passed {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestOpen_BadURL(t *testing.T) {
	if _, err := Open(context.Background(), "postgres://%zz"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}
