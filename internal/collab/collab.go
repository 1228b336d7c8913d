// Package collab holds the external collaborators the scheduler drives:
// decomposition, contract registration, integration and the quality gate.
// Each has a primary implementation and, where one exists, a local fallback.
package collab

import (
	"context"

	"github.com/lucasnoah/agentfactory/internal/fixpass"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

// DecomposeRequest is the input to decomposition.
type DecomposeRequest struct {
	RequirementPath string
	Requirement     string
	OutputDir       string
	Attempt         int
}

// Decomposition is a service map plus the contracts the services expose.
type Decomposition struct {
	Services      []pipeline.ServiceInfo  `json:"services" yaml:"services"`
	DomainModel   map[string]string       `json:"domain_model,omitempty" yaml:"domain_model"`
	ContractStubs []pipeline.ContractStub `json:"contract_stubs,omitempty" yaml:"contract_stubs"`
	Cost          float64                 `json:"cost,omitempty" yaml:"cost"`
}

// Decomposer turns a requirement into a Decomposition.
type Decomposer interface {
	Decompose(ctx context.Context, req DecomposeRequest) (*Decomposition, error)
}

// ContractRegistry validates and stores a contract stub.
type ContractRegistry interface {
	Register(ctx context.Context, stub pipeline.ContractStub) (*pipeline.ContractRecord, error)
}

// IntegrationRequest is the input to integration.
type IntegrationRequest struct {
	OutputDir string
	Services  []pipeline.ServiceInfo
	Dirs      map[string]string // service id -> working directory, successful builds only
}

// Integrator brings the built services up together and checks them.
type Integrator interface {
	Integrate(ctx context.Context, req IntegrationRequest) (*pipeline.IntegrationReport, error)
}

// QualityGate runs the quality-gate layers.
type QualityGate = fixpass.Scanner
