package web

import (
	"context"
	"fmt"

	"github.com/lucasnoah/agentfactory/internal/db"
)

// pipelineHistory gathers the journaled events, builder runs and fix rounds
// of one pipeline.
func (s *Server) pipelineHistory(ctx context.Context, id string) (*EventsResponse, error) {
	events, err := s.history.GetPipelineHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("pipeline events: %w", err)
	}
	builds, err := s.history.GetBuilderRuns(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("builder runs: %w", err)
	}
	rounds, err := s.history.GetFixRounds(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fix rounds: %w", err)
	}
	if events == nil {
		events = []db.PipelineEvent{}
	}
	if builds == nil {
		builds = []db.BuilderRun{}
	}
	if rounds == nil {
		rounds = []db.FixRound{}
	}
	return &EventsResponse{Events: events, Builds: builds, FixRounds: rounds}, nil
}
