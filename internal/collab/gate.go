package collab

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/agentfactory/internal/checks"
	"github.com/lucasnoah/agentfactory/internal/config"
	"github.com/lucasnoah/agentfactory/internal/fixpass"
	"github.com/lucasnoah/agentfactory/internal/logging"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

// CheckGate is a quality gate built from configured check layers. Root
// layers run once in the output directory; per-service layers run in every
// built service directory.
type CheckGate struct {
	Runner    *checks.Runner
	Layers    []config.Layer
	OutputDir string
	Logger    *zap.Logger

	// OnResult, when set, receives every raw check result. service is empty
	// for root layers.
	OnResult func(round int, service string, r *checks.Result)
}

func (g *CheckGate) Scan(ctx context.Context, req fixpass.ScanRequest) (*pipeline.QualitySnapshot, error) {
	log := g.Logger
	if log == nil {
		log = logging.Nop()
	}
	layers := g.selectLayers(req.Layers)
	byName := make(map[string]config.Layer, len(layers))
	var root, perService []checks.GateCheckConfig
	for _, l := range layers {
		byName[l.Name] = l
		cc := checks.GateCheckConfig{
			Name:    l.Name,
			Command: l.Command,
			Parser:  l.Parser,
			Timeout: config.ParseDuration(l.Timeout, 5*time.Minute),
		}
		if l.PerService {
			perService = append(perService, cc)
		} else {
			root = append(root, cc)
		}
	}

	snap := &pipeline.QualitySnapshot{Round: req.Round, Layers: map[string]pipeline.LayerVerdict{}}
	for _, l := range layers {
		snap.Layers[l.Name] = pipeline.LayerVerdict{Passed: true, Blocking: l.IsBlocking()}
	}
	seen := map[string]bool{}
	collect := func(service string, results []*checks.Result) {
		for _, r := range results {
			if g.OnResult != nil {
				g.OnResult(req.Round, service, r)
			}
			layer := byName[r.CheckName]
			v := snap.Layers[layer.Name]
			if !r.Passed {
				v.Passed = false
			}
			v.Summary = joinSummary(v.Summary, service, r.Summary)
			for _, is := range r.Issues {
				f := toFinding(layer, service, req.Round, is)
				if seen[f.ID] {
					continue
				}
				seen[f.ID] = true
				snap.Findings = append(snap.Findings, f)
				v.Findings++
			}
			snap.Layers[layer.Name] = v
		}
	}

	if len(root) > 0 {
		dir := g.OutputDir
		_, results, err := g.Runner.RunGate(ctx, dir, checks.GateOpts{Gate: "quality", Round: req.Round, Checks: root, Continue: true})
		if err != nil {
			return nil, fmt.Errorf("quality gate in %s: %w", dir, err)
		}
		collect("", results)
	}
	if len(perService) > 0 {
		for _, svc := range req.Services {
			dir, ok := req.Dirs[svc.ID]
			if !ok {
				continue
			}
			_, results, err := g.Runner.RunGate(ctx, dir, checks.GateOpts{Gate: "quality", Round: req.Round, Checks: perService, Continue: true})
			if err != nil {
				return nil, fmt.Errorf("quality gate for %s: %w", svc.ID, err)
			}
			collect(svc.ID, results)
		}
	}

	sort.Slice(snap.Findings, func(i, j int) bool { return snap.Findings[i].ID < snap.Findings[j].ID })
	snap.Passed = fixpass.Count(snap.Findings).Blocking() == 0
	for _, v := range snap.Layers {
		if v.Blocking && !v.Passed {
			snap.Passed = false
		}
	}
	snap.Score = fixpass.QualityScore(snap.Findings)
	snap.TakenAt = time.Now().UTC().Format(time.RFC3339)

	log.Info("quality scan finished",
		zap.Int(logging.KeyRound, req.Round),
		zap.Int("layers", len(layers)),
		zap.Int("findings", len(snap.Findings)),
		zap.Bool("passed", snap.Passed),
	)
	return snap, nil
}

// selectLayers returns the configured layers named in names, or all of them
// when names is empty. Unknown names are ignored.
func (g *CheckGate) selectLayers(names []string) []config.Layer {
	if len(names) == 0 {
		return g.Layers
	}
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	var out []config.Layer
	for _, l := range g.Layers {
		if want[l.Name] {
			out = append(out, l)
		}
	}
	return out
}

// toFinding converts a check issue into an open finding. Findings from a
// non-blocking layer never rank above P2.
func toFinding(layer config.Layer, service string, round int, is checks.Issue) pipeline.Finding {
	system := service
	if is.Service != "" {
		system = is.Service
	}
	category := is.Category
	if category == "" {
		category = layer.Category
	}
	evidence := is.Message
	if is.File != "" {
		loc := is.File
		if is.Line > 0 {
			loc = fmt.Sprintf("%s:%d", is.File, is.Line)
		}
		evidence = loc + ": " + evidence
	}
	if is.Rule != "" {
		evidence += " (" + is.Rule + ")"
	}
	f := pipeline.Finding{
		ID:                fingerprint(layer.Name, system, is.Rule, is.File, is.Message),
		Priority:          is.Priority,
		System:            system,
		Layer:             layer.Name,
		Category:          category,
		Workaround:        is.Workaround,
		Evidence:          evidence,
		RecommendedAction: is.Action,
		Resolution:        pipeline.ResolutionOpen,
		DiscoveredRound:   round,
	}
	f.Priority = fixpass.Classify(f)
	if !layer.IsBlocking() && (f.Priority == pipeline.P0 || f.Priority == pipeline.P1) {
		f.Priority = pipeline.P2
	}
	return f
}

// fingerprint identifies a finding across scans. Line numbers are left out
// so an unrelated edit above the issue does not make it look new.
func fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:6])
}

func joinSummary(prev, service, summary string) string {
	if service != "" {
		summary = service + ": " + summary
	}
	if prev == "" {
		return summary
	}
	return prev + "; " + summary
}
