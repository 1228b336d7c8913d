// Package workspace lays out the per-service working directories that builder
// workers run in.
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/lucasnoah/agentfactory/internal/pipeline"
	"github.com/lucasnoah/agentfactory/internal/prompt"
)

// BriefFile is the name of the builder brief written into every workspace.
const BriefFile = "BRIEF.md"

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using os/exec.
type ExecGit struct{}

func (e *ExecGit) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// Manager creates service workspaces under an output directory.
type Manager struct {
	git       GitRunner
	outputDir string
	prompts   *prompt.Library
	gitInit   bool
}

// NewManager returns a Manager rooted at outputDir. git may be nil when
// gitInit is false.
func NewManager(git GitRunner, outputDir string, prompts *prompt.Library, gitInit bool) *Manager {
	return &Manager{git: git, outputDir: outputDir, prompts: prompts, gitInit: gitInit}
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitize turns a service id into a single safe path element.
func sanitize(id string) string {
	s := unsafeChars.ReplaceAllString(strings.TrimSpace(id), "-")
	s = strings.Trim(s, ".-")
	if s == "" {
		return "service"
	}
	return s
}

// Path returns the workspace directory for serviceID.
func (m *Manager) Path(serviceID string) string {
	return filepath.Join(m.outputDir, sanitize(serviceID))
}

// Dirs maps every service in ps to its workspace directory.
func (m *Manager) Dirs(ps *pipeline.PipelineState) map[string]string {
	dirs := make(map[string]string, len(ps.Services))
	for _, s := range ps.Services {
		dirs[s.ID] = m.Path(s.ID)
	}
	return dirs
}

// Prepare creates the workspace of every service in ps and (re)writes its
// brief. Existing workspace contents are left alone, so Prepare is safe to
// call again on resume.
func (m *Manager) Prepare(ps *pipeline.PipelineState) (map[string]string, error) {
	if m.outputDir == "" {
		return nil, fmt.Errorf("prepare workspaces: output dir is not set")
	}
	dirs := m.Dirs(ps)
	seen := make(map[string]string, len(dirs))
	for id, dir := range dirs {
		if other, ok := seen[dir]; ok {
			return nil, fmt.Errorf("services %s and %s map to the same workspace %s", other, id, dir)
		}
		seen[dir] = id
	}

	requirement := ""
	if ps.RequirementPath != "" {
		data, err := os.ReadFile(ps.RequirementPath)
		if err != nil {
			return nil, fmt.Errorf("read requirement: %w", err)
		}
		requirement = strings.TrimSpace(string(data))
	}

	for _, svc := range ps.Services {
		dir := dirs[svc.ID]
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
		brief, err := m.prompts.RenderNamed(prompt.BuilderBrief, briefVars(ps, svc, requirement))
		if err != nil {
			return nil, fmt.Errorf("brief for %s: %w", svc.ID, err)
		}
		if err := pipeline.WriteAtomic(filepath.Join(dir, BriefFile), []byte(brief)); err != nil {
			return nil, fmt.Errorf("write brief for %s: %w", svc.ID, err)
		}
		if m.gitInit {
			if err := m.initRepo(dir); err != nil {
				return nil, err
			}
		}
	}
	return dirs, nil
}

// initRepo runs git init unless dir already is a repository.
func (m *Manager) initRepo(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return nil
	}
	if m.git == nil {
		return fmt.Errorf("git init %s: no git runner", dir)
	}
	if _, err := m.git.Run(dir, "init", "--quiet"); err != nil {
		return fmt.Errorf("git init %s: %w", dir, err)
	}
	return nil
}

func briefVars(ps *pipeline.PipelineState, svc pipeline.ServiceInfo, requirement string) prompt.Vars {
	vars := prompt.Vars{
		"service_name": svc.Name,
		"service_id":   svc.ID,
		"tech_stack":   svc.TechStack,
		"depth":        ps.Depth,
		"requirement":  requirement,
		"description":  svc.Description,
		"health_path":  svc.HealthPath,
		"domain_model": formatDomainModel(ps.DomainModel),
		"contracts":    formatContracts(ps, svc.ID),
		"peers":        formatPeers(ps.Services, svc.ID),
	}
	if vars["tech_stack"] == "" {
		vars["tech_stack"] = "unspecified"
	}
	if svc.Port > 0 {
		vars["port"] = strconv.Itoa(svc.Port)
	}
	return vars
}

func formatDomainModel(model map[string]string) string {
	if len(model) == 0 {
		return ""
	}
	keys := make([]string, 0, len(model))
	for k := range model {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- **%s**: %s\n", k, model[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatContracts lists the stubs owned by serviceID, marking the ones that
// failed registration.
func formatContracts(ps *pipeline.PipelineState, serviceID string) string {
	valid := map[string]bool{}
	for _, rec := range ps.Contracts {
		if rec.Service == serviceID && rec.Valid {
			valid[rec.Name] = true
		}
	}
	var b strings.Builder
	for _, stub := range ps.ContractStubs {
		if stub.Service != serviceID {
			continue
		}
		status := ""
		if !valid[stub.Name] {
			status = " (unregistered)"
		}
		fmt.Fprintf(&b, "### %s (%s)%s\n\n```\n%s\n```\n\n", stub.Name, stub.Kind, status, strings.TrimSpace(stub.Spec))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPeers(services []pipeline.ServiceInfo, self string) string {
	var b strings.Builder
	for _, s := range services {
		if s.ID == self {
			continue
		}
		line := "- " + s.ID
		if s.TechStack != "" {
			line += " (" + s.TechStack + ")"
		}
		if s.Port > 0 {
			line += fmt.Sprintf(" on port %d", s.Port)
		}
		if s.Description != "" {
			line += ": " + s.Description
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
