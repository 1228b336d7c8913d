package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a pipeline directory or state file does not exist.
var ErrNotFound = errors.New("pipeline not found")

// SchemaVersionError is returned by Load when the state file was written by a
// different schema version.
type SchemaVersionError struct {
	Path string
	Got  int
	Want int
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("%s: schema_version %d is not supported (want %d)", e.Path, e.Got, e.Want)
}

// Store manages pipeline state on disk.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) pipelineDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

// StatePath returns the path of pipeline.json for id.
func (s *Store) StatePath(id string) string {
	return filepath.Join(s.pipelineDir(id), "pipeline.json")
}

// ArtifactDir returns the directory holding per-phase artifacts for id.
func (s *Store) ArtifactDir(id string) string {
	return filepath.Join(s.pipelineDir(id), "artifacts")
}

// CreateOpts holds the immutable inputs of a new pipeline.
type CreateOpts struct {
	RequirementPath   string
	RequirementDigest string
	OutputDir         string
	Depth             string
	BudgetLimit       *float64
	Limits            Limits
}

// Create initialises a new pipeline in the init state and persists it.
func (s *Store) Create(opts CreateOpts) (*PipelineState, error) {
	id := uuid.NewString()
	if err := os.MkdirAll(s.ArtifactDir(id), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir artifacts: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	ps := &PipelineState{
		SchemaVersion:     SchemaVersion,
		PipelineID:        id,
		RequirementPath:   opts.RequirementPath,
		RequirementDigest: opts.RequirementDigest,
		OutputDir:         opts.OutputDir,
		Depth:             opts.Depth,
		CurrentState:      "init",
		CompletedPhases:   []string{},
		BudgetLimit:       opts.BudgetLimit,
		PhaseCosts:        map[string]float64{},
		Limits:            opts.Limits,
		Services:          []ServiceInfo{},
		ContractStubs:     []ContractStub{},
		Contracts:         []ContractRecord{},
		BuilderResults:    map[string]BuilderResult{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := WriteJSON(s.StatePath(id), ps); err != nil {
		return nil, fmt.Errorf("write pipeline.json: %w", err)
	}
	return ps, nil
}

// Save writes ps atomically, stamping UpdatedAt.
func (s *Store) Save(ps *PipelineState) error {
	if ps.PipelineID == "" {
		return fmt.Errorf("save pipeline: empty pipeline_id")
	}
	if ps.SchemaVersion != SchemaVersion {
		return &SchemaVersionError{Path: s.StatePath(ps.PipelineID), Got: ps.SchemaVersion, Want: SchemaVersion}
	}
	ps.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := WriteJSON(s.StatePath(ps.PipelineID), ps); err != nil {
		return fmt.Errorf("write pipeline.json: %w", err)
	}
	return nil
}

// Load reads the pipeline state for id. A file whose schema_version differs
// from SchemaVersion is rejected.
func (s *Store) Load(id string) (*PipelineState, error) {
	path := s.StatePath(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("pipeline %s not found: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var header struct {
		SchemaVersion *int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	if header.SchemaVersion == nil {
		return nil, &SchemaVersionError{Path: path, Got: 0, Want: SchemaVersion}
	}
	if *header.SchemaVersion != SchemaVersion {
		return nil, &SchemaVersionError{Path: path, Got: *header.SchemaVersion, Want: SchemaVersion}
	}

	var ps PipelineState
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	if ps.PhaseCosts == nil {
		ps.PhaseCosts = map[string]float64{}
	}
	if ps.BuilderResults == nil {
		ps.BuilderResults = map[string]BuilderResult{}
	}
	if ps.CompletedPhases == nil {
		ps.CompletedPhases = []string{}
	}
	return &ps, nil
}

// Update performs a read-modify-write of the pipeline state.
func (s *Store) Update(id string, fn func(*PipelineState)) error {
	ps, err := s.Load(id)
	if err != nil {
		return err
	}
	fn(ps)
	return s.Save(ps)
}

// List returns all readable pipelines ordered by creation time.
func (s *Store) List() ([]PipelineState, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var pipelines []PipelineState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		ps, err := s.Load(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		pipelines = append(pipelines, *ps)
	}

	sort.Slice(pipelines, func(i, j int) bool {
		if pipelines[i].CreatedAt != pipelines[j].CreatedAt {
			return pipelines[i].CreatedAt < pipelines[j].CreatedAt
		}
		return pipelines[i].PipelineID < pipelines[j].PipelineID
	})
	return pipelines, nil
}

// Delete removes all data for a pipeline.
func (s *Store) Delete(id string) error {
	dir := s.pipelineDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("pipeline %s not found: %w", id, ErrNotFound)
	}
	return os.RemoveAll(dir)
}

// SaveArtifact writes v as artifacts/<name>.json for pipeline id.
func (s *Store) SaveArtifact(id, name string, v any) error {
	return WriteJSON(filepath.Join(s.ArtifactDir(id), name+".json"), v)
}

// LoadArtifact reads artifacts/<name>.json for pipeline id into v.
func (s *Store) LoadArtifact(id, name string, v any) error {
	return ReadJSON(filepath.Join(s.ArtifactDir(id), name+".json"), v)
}

// Artifacts lists the artifact names saved for pipeline id.
func (s *Store) Artifacts(id string) ([]string, error) {
	entries, err := os.ReadDir(s.ArtifactDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name()[:len(e.Name())-len(".json")])
	}
	sort.Strings(names)
	return names, nil
}
