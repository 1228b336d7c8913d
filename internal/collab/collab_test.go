package collab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

func TestFallback_PrimaryRetriesThenSucceeds(t *testing.T) {
	calls := 0
	f := Fallback[int]{
		Primary: Strategy[int]{Name: "remote", Call: func(ctx context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errors.New("flaky")
			}
			return 42, nil
		}},
		Fallback: Strategy[int]{Name: "local", Call: func(ctx context.Context) (int, error) { return -1, nil }},
		Attempts: 3,
		Backoff:  time.Millisecond,
	}
	v, name, err := f.Do(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, "remote", name)
	assert.Equal(t, 3, calls)
}

func TestFallback_UsesFallbackAfterPrimaryFails(t *testing.T) {
	f := Fallback[string]{
		Primary:  Strategy[string]{Name: "remote", Call: func(ctx context.Context) (string, error) { return "", errors.New("down") }},
		Fallback: Strategy[string]{Name: "local", Call: func(ctx context.Context) (string, error) { return "ok", nil }},
		Attempts: 2,
	}
	v, name, err := f.Do(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, "local", name)
}

func TestFallback_BothFail(t *testing.T) {
	f := Fallback[string]{
		Primary:  Strategy[string]{Name: "remote", Call: func(ctx context.Context) (string, error) { return "", errors.New("down") }},
		Fallback: Strategy[string]{Name: "local", Call: func(ctx context.Context) (string, error) { return "", errors.New("no map") }},
	}
	_, _, err := f.Do(context.Background())
	require.Error(t, err)
	assert.Equal(t, "remote: down; fallback local: no map", err.Error())
}

func TestFallback_NoFallbackOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fellBack := false
	f := Fallback[int]{
		Primary: Strategy[int]{Name: "remote", Call: func(ctx context.Context) (int, error) {
			cancel()
			return 0, ctx.Err()
		}},
		Fallback: Strategy[int]{Name: "local", Call: func(ctx context.Context) (int, error) {
			fellBack = true
			return 1, nil
		}},
		Attempts: 3,
	}
	_, _, err := f.Do(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, fellBack)
}

func TestFallback_ShouldFallbackRejects(t *testing.T) {
	permanent := errors.New("invalid requirement")
	f := Fallback[int]{
		Primary:        Strategy[int]{Name: "remote", Call: func(ctx context.Context) (int, error) { return 0, permanent }},
		Fallback:       Strategy[int]{Name: "local", Call: func(ctx context.Context) (int, error) { return 1, nil }},
		ShouldFallback: func(err error) bool { return !errors.Is(err, permanent) },
	}
	_, _, err := f.Do(context.Background())
	assert.ErrorIs(t, err, permanent)
}

func TestCommandDecomposer(t *testing.T) {
	dir := t.TempDir()
	d := &CommandDecomposer{Command: `test "$FACTORY_ATTEMPT" = 2 && echo '{"services":[{"id":"web","port":3000},{"id":" api ","tech_stack":"go"}],"cost":0.5}'`}

	dec, err := d.Decompose(context.Background(), DecomposeRequest{OutputDir: dir, Attempt: 2})
	require.NoError(t, err)
	require.Len(t, dec.Services, 2)
	assert.Equal(t, "api", dec.Services[0].ID)
	assert.Equal(t, "api", dec.Services[0].Name)
	assert.Equal(t, "go", dec.Services[0].TechStack)
	assert.Equal(t, 3000, dec.Services[1].Port)
	assert.Equal(t, 0.5, dec.Cost)

	_, err = d.Decompose(context.Background(), DecomposeRequest{OutputDir: dir, Attempt: 1})
	assert.ErrorContains(t, err, "decomposer exited 1")
}

func TestCommandDecomposer_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := (&CommandDecomposer{}).Decompose(context.Background(), DecomposeRequest{OutputDir: dir})
	assert.ErrorContains(t, err, "not configured")

	_, err = (&CommandDecomposer{Command: "echo nope >&2; exit 3"}).Decompose(context.Background(), DecomposeRequest{OutputDir: dir})
	assert.ErrorContains(t, err, "decomposer exited 3: nope")

	_, err = (&CommandDecomposer{Command: "echo not-json"}).Decompose(context.Background(), DecomposeRequest{OutputDir: dir})
	assert.ErrorContains(t, err, "parse decomposer output")
}

func TestFileDecomposer_ServiceMap(t *testing.T) {
	dir := t.TempDir()
	req := filepath.Join(dir, "requirement.md")
	require.NoError(t, os.WriteFile(req, []byte("# todo app"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "services.yaml"), []byte(`
services:
  - id: web
    tech_stack: node
    port: 3000
  - id: api
    tech_stack: go
    port: 8080
    health_path: /healthz
domain_model:
  Todo: "id, title, done"
contract_stubs:
  - name: todos
    kind: openapi
    service: api
    spec: "openapi: 3.0.0"
`), 0o644))

	dec, err := (&FileDecomposer{}).Decompose(context.Background(), DecomposeRequest{RequirementPath: req})
	require.NoError(t, err)
	require.Len(t, dec.Services, 2)
	assert.Equal(t, "api", dec.Services[0].ID)
	assert.Equal(t, "/healthz", dec.Services[0].HealthPath)
	assert.Equal(t, "id, title, done", dec.DomainModel["Todo"])
	require.Len(t, dec.ContractStubs, 1)
	assert.Equal(t, "todos", dec.ContractStubs[0].Name)
}

func TestFileDecomposer_ScansOutputDir(t *testing.T) {
	out := t.TempDir()
	for name, marker := range map[string]string{"api": "go.mod", "web": "package.json", "docs": ""} {
		require.NoError(t, os.MkdirAll(filepath.Join(out, name), 0o755))
		if marker != "" {
			require.NoError(t, os.WriteFile(filepath.Join(out, name, marker), nil, 0o644))
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Join(out, ".factory"), 0o755))

	dec, err := (&FileDecomposer{}).Decompose(context.Background(), DecomposeRequest{
		RequirementPath: filepath.Join(t.TempDir(), "req.md"),
		OutputDir:       out,
	})
	require.NoError(t, err)
	var got []string
	for _, s := range dec.Services {
		got = append(got, s.ID+":"+s.TechStack)
	}
	assert.Equal(t, []string{"api:go", "docs:", "web:node"}, got)
}

const openapiDoc = `openapi: 3.0.0
info:
  title: todos
  version: "1"
paths: {}
`

func TestHTTPContractRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/contracts", r.URL.Path)
		var stub pipeline.ContractStub
		_ = json.NewDecoder(r.Body).Decode(&stub)
		switch stub.Name {
		case "good":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"c-1","valid":true}`))
		case "bad":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"valid":true,"errors":["paths missing"]}`))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	reg := &HTTPContractRegistry{BaseURL: srv.URL + "/"}
	ctx := context.Background()

	rec, err := reg.Register(ctx, pipeline.ContractStub{Name: "good", Kind: "openapi", Service: "api", Spec: openapiDoc})
	require.NoError(t, err)
	assert.Equal(t, "c-1", rec.ID)
	assert.True(t, rec.Valid)
	assert.Equal(t, "http", rec.Registry)

	rec, err = reg.Register(ctx, pipeline.ContractStub{Name: "bad", Kind: "openapi", Service: "api"})
	require.NoError(t, err)
	assert.False(t, rec.Valid)
	assert.Equal(t, []string{"paths missing"}, rec.Errors)
	assert.NotEmpty(t, rec.ID)

	_, err = reg.Register(ctx, pipeline.ContractStub{Name: "other"})
	assert.ErrorContains(t, err, "registry returned 500")

	_, err = (&HTTPContractRegistry{}).Register(ctx, pipeline.ContractStub{})
	assert.Error(t, err)
}

func TestFileContractRegistry(t *testing.T) {
	dir := t.TempDir()
	reg := &FileContractRegistry{Dir: filepath.Join(dir, "contracts")}

	rec, err := reg.Register(context.Background(), pipeline.ContractStub{Name: "todos", Kind: "openapi", Service: "api", Spec: openapiDoc})
	require.NoError(t, err)
	assert.True(t, rec.Valid, rec.Errors)
	assert.Equal(t, "file", rec.Registry)
	assert.FileExists(t, filepath.Join(dir, "contracts", "api-todos.json"))

	rec, err = reg.Register(context.Background(), pipeline.ContractStub{Name: "events", Kind: "asyncapi", Service: "api", Spec: "asyncapi: 2.6.0\ninfo: {}\n"})
	require.NoError(t, err)
	assert.False(t, rec.Valid)
	assert.Equal(t, []string{`asyncapi document is missing "channels"`}, rec.Errors)
}

func TestValidateStub(t *testing.T) {
	assert.Empty(t, ValidateStub(pipeline.ContractStub{Name: "a", Kind: "openapi", Service: "s", Spec: openapiDoc}))
	assert.Equal(t, []string{`kind failed "oneof"`}, ValidateStub(pipeline.ContractStub{Name: "a", Kind: "graphql", Service: "s", Spec: "x"}))
	assert.Len(t, ValidateStub(pipeline.ContractStub{}), 4)
	assert.Contains(t, ValidateStub(pipeline.ContractStub{Name: "a", Kind: "openapi", Service: "s", Spec: "[unclosed"})[0], "not valid YAML")
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	i := strings.LastIndex(srv.URL, ":")
	port, err := strconv.Atoi(srv.URL[i+1:])
	require.NoError(t, err)
	return port
}

func TestHealthIntegrator(t *testing.T) {
	var hits atomic.Int32
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	out := t.TempDir()
	req := IntegrationRequest{
		OutputDir: out,
		Services: []pipeline.ServiceInfo{
			{ID: "api", Port: serverPort(t, healthy), HealthPath: "/healthz"},
			{ID: "worker"},
			{ID: "skipped", Port: 1},
		},
		Dirs: map[string]string{"api": out, "worker": out},
	}

	h := &HealthIntegrator{
		HealthTimeout: 2 * time.Second,
		RPS:           50,
		TestCommand:   `echo "$FACTORY_SERVICE_URLS" | grep -q "api=http://127.0.0.1"`,
	}
	rep, err := h.Integrate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, rep.Passed)
	assert.True(t, rep.Services["api"].Healthy)
	assert.NotContains(t, rep.Services, "skipped")
	assert.Contains(t, rep.Notes, "worker declares no port; health not checked")
	require.Len(t, rep.CrossService, 1)
	assert.True(t, rep.CrossService[0].Passed)
	assert.GreaterOrEqual(t, hits.Load(), int32(3))

	req.Services = append(req.Services, pipeline.ServiceInfo{ID: "web", Port: serverPort(t, broken)})
	req.Dirs["web"] = out
	h.HealthTimeout = 200 * time.Millisecond
	h.TestCommand = "echo broken; exit 1"
	rep, err = h.Integrate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, rep.Passed)
	assert.False(t, rep.Services["web"].Healthy)
	assert.Contains(t, rep.Services["web"].Error, "not healthy within 200ms")
	assert.Equal(t, "broken", rep.CrossService[0].Detail)
}

func TestHealthIntegrator_DeployFailure(t *testing.T) {
	h := &HealthIntegrator{DeployCommand: "echo compose failed; exit 2"}
	rep, err := h.Integrate(context.Background(), IntegrationRequest{OutputDir: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, rep.Passed)
	require.Len(t, rep.Notes, 1)
	assert.Equal(t, "deploy command exited 2: compose failed", rep.Notes[0])
}

func TestHealthIntegrator_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	h := &HealthIntegrator{HealthTimeout: time.Minute, RPS: 20}
	_, err := h.Integrate(ctx, IntegrationRequest{
		OutputDir: t.TempDir(),
		Services:  []pipeline.ServiceInfo{{ID: "api", Port: serverPort(t, srv)}},
		Dirs:      map[string]string{"api": "x"},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPollHealth_DeadlineSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// One request per second: the second token always lands past both deadlines.
	t.Run("parent deadline first", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()
		limiter := rate.NewLimiter(1, 1)
		err := pollHealth(ctx, http.DefaultClient, limiter, srv.URL, time.Minute)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.NotContains(t, err.Error(), "not healthy within")
	})

	t.Run("health timeout first", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		limiter := rate.NewLimiter(1, 1)
		err := pollHealth(ctx, http.DefaultClient, limiter, srv.URL, 150*time.Millisecond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not healthy within 150ms")
		assert.NoError(t, ctx.Err())
	})
}
