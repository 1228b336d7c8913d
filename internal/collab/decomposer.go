package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/agentfactory/internal/pipeline"
	"github.com/lucasnoah/agentfactory/internal/proc"
)

// CommandDecomposer runs an external decomposition command through sh. The
// command reads FACTORY_REQUIREMENT_PATH and prints a Decomposition as JSON.
type CommandDecomposer struct {
	Command string
	Grace   time.Duration
}

func (d *CommandDecomposer) Decompose(ctx context.Context, req DecomposeRequest) (*Decomposition, error) {
	if d.Command == "" {
		return nil, errors.New("decomposer command is not configured")
	}
	var stdout, stderr bytes.Buffer
	ex, err := proc.Run(ctx, proc.Spec{
		Argv: []string{"sh", "-c", d.Command},
		Dir:  req.OutputDir,
		Env: []string{
			"FACTORY_REQUIREMENT_PATH=" + req.RequirementPath,
			"FACTORY_OUTPUT_DIR=" + req.OutputDir,
			"FACTORY_ATTEMPT=" + strconv.Itoa(req.Attempt),
		},
		Stdout: &stdout,
		Stderr: &stderr,
		Grace:  d.Grace,
	})
	if err != nil {
		return nil, fmt.Errorf("run decomposer: %w", err)
	}
	if ex.Killed {
		return nil, fmt.Errorf("decomposer terminated: %w", ctx.Err())
	}
	if ex.Code != 0 {
		return nil, fmt.Errorf("decomposer exited %d: %s", ex.Code, tail(stderr.String(), 500))
	}
	var dec Decomposition
	if err := json.Unmarshal(stdout.Bytes(), &dec); err != nil {
		return nil, fmt.Errorf("parse decomposer output: %w", err)
	}
	normalize(&dec)
	return &dec, nil
}

// FileDecomposer reads a hand-written service map (services.yaml next to the
// requirement). Without one it treats every directory under the output dir as
// a service.
type FileDecomposer struct {
	ServiceMap string
}

func (d *FileDecomposer) Decompose(ctx context.Context, req DecomposeRequest) (*Decomposition, error) {
	name := d.ServiceMap
	if name == "" {
		name = "services.yaml"
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(req.RequirementPath), name)
	}

	data, err := os.ReadFile(path)
	if err == nil {
		var dec Decomposition
		if err := yaml.Unmarshal(data, &dec); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		normalize(&dec)
		return &dec, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read service map: %w", err)
	}
	return scanServiceDirs(req.OutputDir)
}

// stackMarkers maps a marker file to the tech stack it indicates.
var stackMarkers = []struct {
	file  string
	stack string
}{
	{"go.mod", "go"},
	{"package.json", "node"},
	{"pyproject.toml", "python"},
	{"requirements.txt", "python"},
	{"Cargo.toml", "rust"},
	{"pom.xml", "java"},
}

func scanServiceDirs(outputDir string) (*Decomposition, error) {
	dec := &Decomposition{}
	if outputDir == "" {
		return dec, nil
	}
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return dec, nil
		}
		return nil, fmt.Errorf("scan output dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		svc := pipeline.ServiceInfo{ID: e.Name(), Name: e.Name()}
		for _, m := range stackMarkers {
			if _, err := os.Stat(filepath.Join(outputDir, e.Name(), m.file)); err == nil {
				svc.TechStack = m.stack
				break
			}
		}
		dec.Services = append(dec.Services, svc)
	}
	normalize(dec)
	return dec, nil
}

func normalize(dec *Decomposition) {
	for i := range dec.Services {
		s := &dec.Services[i]
		s.ID = strings.TrimSpace(s.ID)
		if s.Name == "" {
			s.Name = s.ID
		}
	}
	sort.SliceStable(dec.Services, func(i, j int) bool { return dec.Services[i].ID < dec.Services[j].ID })
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
