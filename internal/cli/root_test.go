package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

func executeCommand(args ...string) (string, error) {
	resetHelp(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetHelp clears --help left set by an earlier Execute on the shared tree.
func resetHelp(cmd *cobra.Command) {
	if f := cmd.Flags().Lookup("help"); f != nil {
		_ = f.Value.Set("false")
		f.Changed = false
	}
	for _, c := range cmd.Commands() {
		resetHelp(c)
	}
}

// setupConfig writes a factory.yaml rooted at a temp state dir and returns
// its path together with the pipeline store the CLI will use.
func setupConfig(t *testing.T, extra string) (string, *pipeline.Store) {
	t.Helper()
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	content := "state_dir: " + stateDir + "\nlog:\n  level: error\n" + extra
	path := filepath.Join(dir, "factory.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, pipeline.NewStore(filepath.Join(stateDir, "pipelines"))
}

func createPipeline(t *testing.T, store *pipeline.Store, state string) *pipeline.PipelineState {
	t.Helper()
	ps, err := store.Create(pipeline.CreateOpts{RequirementPath: "/tmp/req.md", OutputDir: "/tmp/out", Depth: "standard"})
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	if state != "" {
		ps.CurrentState = state
		if err := store.Save(ps); err != nil {
			t.Fatalf("save pipeline: %v", err)
		}
	}
	return ps
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "resume", "status", "list", "abort",
		"config", "db", "analytics", "serve", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	cases := [][]string{
		{"run"}, {"resume"}, {"status"}, {"list"}, {"abort"},
		{"config", "validate"}, {"config", "show"},
		{"db", "migrate"}, {"db", "reset"}, {"db", "events"},
		{"analytics"}, {"serve"},
	}
	for _, c := range cases {
		out, err := executeCommand(append(c, "--help")...)
		if err != nil {
			t.Errorf("%v --help failed: %v", c, err)
		}
		if out == "" {
			t.Errorf("%v --help produced no output", c)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}

func TestListCommand(t *testing.T) {
	cfgPath, store := setupConfig(t, "")

	out, err := executeCommand("list", "--config", cfgPath, "--state", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "No pipelines found.") {
		t.Errorf("expected empty listing, got: %s", out)
	}

	first := createPipeline(t, store, "")
	second := createPipeline(t, store, "builders_running")

	out, err = executeCommand("list", "--config", cfgPath, "--state", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, id := range []string{first.PipelineID, second.PipelineID} {
		if !strings.Contains(out, id) {
			t.Errorf("listing missing %s:\n%s", id, out)
		}
	}

	out, err = executeCommand("list", "--config", cfgPath, "--state", "builders_running")
	if err != nil {
		t.Fatalf("list --state: %v", err)
	}
	if strings.Contains(out, first.PipelineID) || !strings.Contains(out, second.PipelineID) {
		t.Errorf("state filter not applied:\n%s", out)
	}

	if _, err := executeCommand("list", "--config", cfgPath, "--state", "bogus"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestStatusCommand(t *testing.T) {
	cfgPath, store := setupConfig(t, "")
	ps := createPipeline(t, store, "integrating")

	out, err := executeCommand("status", ps.PipelineID, "--config", cfgPath, "--format", "text", "--watch=false")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{ps.PipelineID, "integrating", "integration_done"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = executeCommand("status", ps.PipelineID, "--config", cfgPath, "--format", "json", "--watch=false")
	if err != nil {
		t.Fatalf("status json: %v", err)
	}
	var got pipeline.PipelineState
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode status json: %v\n%s", err, out)
	}
	if got.PipelineID != ps.PipelineID || got.CurrentState != "integrating" {
		t.Errorf("unexpected status %+v", got)
	}

	if _, err := executeCommand("status", "missing-id", "--config", cfgPath, "--format", "text", "--watch=false"); err == nil {
		t.Error("expected error for unknown pipeline")
	}
}

func TestStatusCommand_InFlight(t *testing.T) {
	cfgPath, store := setupConfig(t, "")
	running := createPipeline(t, store, "quality_gate")
	done := createPipeline(t, store, "complete")

	out, err := executeCommand("status", "--config", cfgPath, "--format", "text", "--watch=false")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, running.PipelineID) {
		t.Errorf("in-flight pipeline missing:\n%s", out)
	}
	if strings.Contains(out, done.PipelineID) {
		t.Errorf("terminal pipeline should not be listed:\n%s", out)
	}
}

func TestAbortCommand(t *testing.T) {
	cfgPath, store := setupConfig(t, "")
	ps := createPipeline(t, store, "builders_running")

	out, err := executeCommand("abort", ps.PipelineID, "--config", cfgPath, "--reason", "wrong requirement")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !strings.Contains(out, "wrong requirement") {
		t.Errorf("abort output missing reason: %s", out)
	}

	got, err := store.Load(ps.PipelineID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.CurrentState != "failed" || got.FailureReason != "wrong requirement" {
		t.Errorf("state = %s (%s), want failed (wrong requirement)", got.CurrentState, got.FailureReason)
	}
	if got.PreviousState != "builders_running" {
		t.Errorf("previous state = %s, want builders_running", got.PreviousState)
	}
}

func TestRunCommand_MissingRequirement(t *testing.T) {
	cfgPath, _ := setupConfig(t, "")
	_, err := executeCommand("run", filepath.Join(t.TempDir(), "nope.md"), "--config", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "read requirement") {
		t.Errorf("expected read requirement error, got %v", err)
	}
}

func TestResumeCommand_Complete(t *testing.T) {
	cfgPath, store := setupConfig(t, "")
	ps := createPipeline(t, store, "complete")

	out, err := executeCommand("resume", ps.PipelineID, "--config", cfgPath, "--retry=false")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !strings.Contains(out, "complete") {
		t.Errorf("expected summary, got: %s", out)
	}
}

func TestConfigValidate(t *testing.T) {
	cfgPath, _ := setupConfig(t, "")
	out, err := executeCommand("config", "validate", "--config", cfgPath)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("unexpected output: %s", out)
	}

	badPath, _ := setupConfig(t, "pipeline:\n  max_fix_rounds: -1\n  depth: deep\n")
	out, err = executeCommand("config", "validate", "--config", badPath)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out, "pipeline.max_fix_rounds") || !strings.Contains(out, "pipeline.depth") {
		t.Errorf("validation output missing fields: %s", out)
	}
}

func TestConfigShow(t *testing.T) {
	cfgPath, _ := setupConfig(t, "")
	out, err := executeCommand("config", "show", "--config", cfgPath)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	for _, want := range []string{"max_concurrent_builders: 3", "max_fix_rounds: 5", "addr: 127.0.0.1:8085"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show missing %q", want)
		}
	}
}

func TestJournalCommands_RequireDatabase(t *testing.T) {
	cfgPath, _ := setupConfig(t, "")
	for _, args := range [][]string{
		{"db", "migrate"},
		{"db", "events", "some-id"},
		{"analytics", "--days", "7"},
	} {
		_, err := executeCommand(append(args, "--config", cfgPath)...)
		if err == nil || !strings.Contains(err.Error(), "database_url is not configured") {
			t.Errorf("%v: expected database_url error, got %v", args, err)
		}
	}
}

func TestDBReset_RequiresConfirmation(t *testing.T) {
	cfgPath, _ := setupConfig(t, "")
	_, err := executeCommand("db", "reset", "--config", cfgPath, "--yes=false")
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("expected confirmation error, got %v", err)
	}
}

func TestWatchPipeline(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	ps := createPipeline(t, store, "integrating")

	var seen []string
	show := func(p *pipeline.PipelineState) error {
		seen = append(seen, p.CurrentState)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- watchPipeline(ctx, store, ps, show) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := store.Update(ps.PipelineID, func(p *pipeline.PipelineState) { p.CurrentState = "complete" }); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not return after the pipeline completed")
	}
	if len(seen) == 0 || seen[len(seen)-1] != "complete" {
		t.Errorf("expected final render of complete, got %v", seen)
	}
}

func TestWatchPipeline_TerminalReturnsImmediately(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	ps := createPipeline(t, store, "failed")
	if err := watchPipeline(context.Background(), store, ps, func(*pipeline.PipelineState) error {
		t.Error("show should not be called")
		return nil
	}); err != nil {
		t.Fatalf("watch: %v", err)
	}
}
