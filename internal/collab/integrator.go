package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lucasnoah/agentfactory/internal/logging"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
	"github.com/lucasnoah/agentfactory/internal/proc"
)

// HealthIntegrator deploys the services with an optional command, waits for
// each service's health endpoint and runs an optional cross-service test
// command.
type HealthIntegrator struct {
	Host          string
	DeployCommand string
	TestCommand   string
	HealthTimeout time.Duration
	RPS           float64
	Grace         time.Duration
	Client        *http.Client
	Logger        *zap.Logger
}

const defaultHealthPath = "/health"

func (h *HealthIntegrator) Integrate(ctx context.Context, req IntegrationRequest) (*pipeline.IntegrationReport, error) {
	log := h.Logger
	if log == nil {
		log = logging.Nop()
	}
	report := &pipeline.IntegrationReport{Passed: true, Services: map[string]pipeline.ServiceOutcome{}}

	if h.DeployCommand != "" {
		out, code, err := h.shell(ctx, req.OutputDir, h.DeployCommand, nil)
		if err != nil {
			return nil, fmt.Errorf("deploy: %w", err)
		}
		if code != 0 {
			report.Passed = false
			report.Notes = append(report.Notes, fmt.Sprintf("deploy command exited %d: %s", code, tail(out, 500)))
			return report, nil
		}
	}

	urls, err := h.waitHealthy(ctx, req, report, log)
	if err != nil {
		return nil, err
	}

	if h.TestCommand != "" {
		var pairs []string
		for _, id := range sortedKeys(urls) {
			pairs = append(pairs, id+"="+urls[id])
		}
		out, code, err := h.shell(ctx, req.OutputDir, h.TestCommand, []string{"FACTORY_SERVICE_URLS=" + strings.Join(pairs, ",")})
		if err != nil {
			return nil, fmt.Errorf("cross-service tests: %w", err)
		}
		t := pipeline.TestOutcome{Name: "cross-service", Passed: code == 0}
		if code != 0 {
			t.Detail = tail(out, 1000)
			report.Passed = false
		}
		report.CrossService = append(report.CrossService, t)
	}
	return report, nil
}

func (h *HealthIntegrator) waitHealthy(ctx context.Context, req IntegrationRequest, report *pipeline.IntegrationReport, log *zap.Logger) (map[string]string, error) {
	host := h.Host
	if host == "" {
		host = "127.0.0.1"
	}
	timeout := h.HealthTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	rps := h.RPS
	if rps <= 0 {
		rps = 2
	}
	limiter := rate.NewLimiter(rate.Limit(rps), 1)
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	urls := map[string]string{}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range req.Services {
		if _, built := req.Dirs[svc.ID]; !built {
			continue
		}
		if svc.Port == 0 {
			report.Notes = append(report.Notes, fmt.Sprintf("%s declares no port; health not checked", svc.ID))
			continue
		}
		path := svc.HealthPath
		if path == "" {
			path = defaultHealthPath
		}
		url := "http://" + host + ":" + strconv.Itoa(svc.Port) + path
		urls[svc.ID] = url

		g.Go(func() error {
			outcome := pipeline.ServiceOutcome{URL: url}
			err := pollHealth(gctx, client, limiter, url, timeout)
			switch {
			case err == nil:
				outcome.Healthy = true
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				outcome.Error = err.Error()
				log.Warn("service unhealthy", zap.String(logging.KeyService, svc.ID), zap.Error(err))
			}
			mu.Lock()
			report.Services[svc.ID] = outcome
			if !outcome.Healthy {
				report.Passed = false
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

func pollHealth(parent context.Context, client *http.Client, limiter *rate.Limiter, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	var last error
	for {
		if err := limiter.Wait(ctx); err != nil {
			if perr := parentCutoff(parent, ctx); perr != nil {
				return perr
			}
			if last == nil {
				last = err
			}
			return fmt.Errorf("not healthy within %s: %w", timeout, last)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			last = err
			continue
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		last = errors.New("health returned " + resp.Status)
	}
}

// parentCutoff returns the parent's error when the parent, not the health
// timeout, is what ends polling. rate.Limiter.Wait fails as soon as the next
// token would land past the deadline, before the context is actually done,
// so a parent deadline that bounds ctx is waited out here.
func parentCutoff(parent, ctx context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	pd, ok := parent.Deadline()
	if !ok {
		return nil
	}
	if d, _ := ctx.Deadline(); pd.After(d) {
		return nil
	}
	<-parent.Done()
	return parent.Err()
}

func (h *HealthIntegrator) shell(ctx context.Context, dir, command string, env []string) (string, int, error) {
	var out bytes.Buffer
	ex, err := proc.Run(ctx, proc.Spec{
		Argv:   []string{"sh", "-c", command},
		Dir:    dir,
		Env:    env,
		Stdout: &out,
		Stderr: &out,
		Grace:  h.Grace,
	})
	if err != nil {
		return "", -1, err
	}
	if ex.Killed {
		return out.String(), ex.Code, ctx.Err()
	}
	return out.String(), ex.Code, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
