package phase

import (
	"errors"
	"fmt"

	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

func requirementLoaded(ps *pipeline.PipelineState) error {
	if ps.RequirementDigest == "" {
		return errors.New("requirement document not loaded")
	}
	return nil
}

func serviceMapProduced(ps *pipeline.PipelineState) error {
	if len(ps.Services) == 0 {
		return errors.New("decomposition produced no services")
	}
	return nil
}

func architectRetriesRemain(ps *pipeline.PipelineState) error {
	if len(ps.Services) > 0 {
		return errors.New("a service map already exists")
	}
	if ps.ArchitectAttempts >= ps.Limits.ArchitectMaxRetries+1 {
		return fmt.Errorf("architect attempts exhausted (%d of %d)", ps.ArchitectAttempts, ps.Limits.ArchitectMaxRetries+1)
	}
	return nil
}

func architectureValid(ps *pipeline.PipelineState) error {
	if !ps.ArchitectureValid {
		if len(ps.ArchitectureIssues) > 0 {
			return fmt.Errorf("architecture failed validation: %s", ps.ArchitectureIssues[0])
		}
		return errors.New("architecture not validated")
	}
	return nil
}

func contractsValid(ps *pipeline.PipelineState) error {
	if len(ps.ContractStubs) == 0 {
		return errors.New("no contract stubs to register")
	}
	valid := map[string]bool{}
	for _, c := range ps.Contracts {
		if c.Valid {
			valid[c.Name] = true
		}
	}
	for _, stub := range ps.ContractStubs {
		if !valid[stub.Name] {
			return fmt.Errorf("contract %q is not registered as valid", stub.Name)
		}
	}
	return nil
}

func noContractsRequired(ps *pipeline.PipelineState) error {
	if len(ps.ContractStubs) > 0 {
		return fmt.Errorf("%d contract stubs require registration", len(ps.ContractStubs))
	}
	return nil
}

func enoughBuildersSucceeded(ps *pipeline.PipelineState) error {
	need := ps.Limits.MinBuilderSuccesses
	if need < 1 {
		need = 1
	}
	if n := ps.SuccessfulBuilders(); n < need {
		return fmt.Errorf("%d of %d builders succeeded, need %d", n, len(ps.Services), need)
	}
	return nil
}

func successfulBuildExists(ps *pipeline.PipelineState) error {
	if ps.SuccessfulBuilders() == 0 {
		return errors.New("no successful build")
	}
	return nil
}

func integrationRan(ps *pipeline.PipelineState) error {
	if ps.IntegrationReport == nil {
		return errors.New("integration has not run")
	}
	return nil
}

func qualityAccepted(ps *pipeline.PipelineState) error {
	snap := ps.LastQualityResults
	if snap == nil {
		return errors.New("quality gate has not run")
	}
	if snap.Passed || ps.FixLoop.Accepted {
		return nil
	}
	if ps.FixLoop.StopReason != "" {
		return fmt.Errorf("fix loop stopped: %s", ps.FixLoop.StopReason)
	}
	return errors.New("quality gate layers failed")
}

func blockingViolationsExist(ps *pipeline.PipelineState) error {
	snap := ps.LastQualityResults
	if snap == nil {
		return errors.New("quality gate has not run")
	}
	if snap.Passed || ps.FixLoop.Accepted {
		return errors.New("quality gate accepted")
	}
	if ps.FixLoop.StopReason != "" {
		return fmt.Errorf("fix loop stopped: %s", ps.FixLoop.StopReason)
	}
	if ps.QualityAttempts >= ps.Limits.MaxFixRounds {
		return fmt.Errorf("fix rounds exhausted (%d of %d)", ps.QualityAttempts, ps.Limits.MaxFixRounds)
	}
	if blockingCount(snap) == 0 {
		return errors.New("no blocking findings")
	}
	return nil
}

func fixRoundRecorded(ps *pipeline.PipelineState) error {
	h := ps.FixLoop.History
	if len(h) == 0 || h[len(h)-1].Round != ps.QualityAttempts {
		return fmt.Errorf("fix round %d has no recorded metrics", ps.QualityAttempts)
	}
	return nil
}

func blockingCount(snap *pipeline.QualitySnapshot) int {
	n := 0
	for _, f := range snap.Findings {
		if f.Resolution != pipeline.ResolutionOpen {
			continue
		}
		if f.Priority == pipeline.P0 || f.Priority == pipeline.P1 {
			n++
		}
	}
	return n
}
