package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

// ArtifactSchemaVersion is the only builder result schema the controller accepts.
const ArtifactSchemaVersion = 1

// Artifact locations relative to a task's working directory.
const (
	ArtifactDir  = ".factory"
	ArtifactName = "builder-result.json"
)

const maxArtifactSize = 1 << 20

var artifactValidate = validator.New()

// Artifact is the result file a builder worker writes before exiting. Pointer
// fields distinguish "absent" from zero.
type Artifact struct {
	SchemaVersion    *int     `json:"schema_version" validate:"required,eq=1"`
	Success          *bool    `json:"success" validate:"required"`
	TestsPassed      *int     `json:"tests_passed" validate:"omitempty,gte=0"`
	TestsTotal       *int     `json:"tests_total" validate:"omitempty,gte=0"`
	ConvergenceRatio *float64 `json:"convergence_ratio" validate:"omitempty,gte=0,lte=1"`
	Cost             *float64 `json:"cost" validate:"omitempty,gte=0"`
	Error            string   `json:"error"`
}

// ArtifactPath returns where the worker for workDir must write its result.
func ArtifactPath(workDir string) string {
	return filepath.Join(workDir, ArtifactDir, ArtifactName)
}

// ReadArtifact reads and validates a builder result. When the file decodes but
// fails validation, the decoded artifact is returned alongside the error so the
// caller can still account for its cost.
func ReadArtifact(path string) (*Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("result artifact missing")
		}
		return nil, fmt.Errorf("open result artifact: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxArtifactSize+1))
	if err != nil {
		return nil, fmt.Errorf("read result artifact: %w", err)
	}
	if len(data) > maxArtifactSize {
		return nil, fmt.Errorf("result artifact exceeds %d bytes", maxArtifactSize)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("malformed result artifact: %w", err)
	}
	if err := artifactValidate.Struct(&a); err != nil {
		return &a, fmt.Errorf("invalid result artifact: %w", err)
	}
	if a.TestsPassed != nil && a.TestsTotal != nil && *a.TestsPassed > *a.TestsTotal {
		return &a, fmt.Errorf("invalid result artifact: tests_passed %d exceeds tests_total %d", *a.TestsPassed, *a.TestsTotal)
	}
	return &a, nil
}

// cost returns the reported cost, or 0 when it is absent or out of range.
func (a *Artifact) cost() float64 {
	if a == nil || a.Cost == nil || *a.Cost < 0 {
		return 0
	}
	return *a.Cost
}
