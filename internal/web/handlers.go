package web

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lucasnoah/agentfactory/internal/db"
	"github.com/lucasnoah/agentfactory/internal/phase"
	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

// ---- view models ----

type HealthResponse struct {
	Status string `json:"status"`
}

type PipelineRow struct {
	ID           string   `json:"id"`
	State        string   `json:"state"`
	Requirement  string   `json:"requirement"`
	Services     int      `json:"services"`
	Succeeded    int      `json:"succeeded"`
	FixRounds    int      `json:"fix_rounds"`
	TotalCost    float64  `json:"total_cost"`
	Budget       *float64 `json:"budget,omitempty"`
	Interrupted  bool     `json:"interrupted"`
	UpdatedAt    string   `json:"updated_at"`
	UpdatedAgo   string   `json:"updated_ago"`
	FailedReason string   `json:"failure_reason,omitempty"`
}

type ListResponse struct {
	Pipelines []PipelineRow  `json:"pipelines"`
	Counts    map[string]int `json:"counts"`
}

type DetailResponse struct {
	Pipeline  *pipeline.PipelineState `json:"pipeline"`
	Artifacts []string                `json:"artifacts"`
	NextPhase string                  `json:"next_phase,omitempty"`
}

type EventsResponse struct {
	Events    []db.PipelineEvent `json:"events"`
	Builds    []db.BuilderRun    `json:"builds"`
	FixRounds []db.FixRound      `json:"fix_rounds"`
}

func toRow(ps *pipeline.PipelineState) PipelineRow {
	return PipelineRow{
		ID:           ps.PipelineID,
		State:        ps.CurrentState,
		Requirement:  ps.RequirementPath,
		Services:     len(ps.Services),
		Succeeded:    ps.SuccessfulBuilders(),
		FixRounds:    ps.QualityAttempts,
		TotalCost:    ps.TotalCost,
		Budget:       ps.BudgetLimit,
		Interrupted:  ps.Interrupted,
		UpdatedAt:    ps.UpdatedAt,
		UpdatedAgo:   relTime(ps.UpdatedAt),
		FailedReason: ps.FailureReason,
	}
}

func relTime(ts string) string {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
	}
	var t time.Time
	for _, f := range formats {
		if parsed, err := time.Parse(f, ts); err == nil {
			t = parsed
			break
		}
	}
	if t.IsZero() {
		return ts
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// ---- handlers ----

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleList returns every pipeline, most recently updated first. ?state=
// filters by current state.
func (s *Server) handleList(c echo.Context) error {
	all, err := s.store.List()
	if err != nil {
		s.logger.Error("list pipelines", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not list pipelines")
	}
	want := c.QueryParam("state")
	if want != "" && !phase.Valid(phase.State(want)) {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown state %q", want))
	}

	resp := ListResponse{Pipelines: []PipelineRow{}, Counts: map[string]int{}}
	for i := range all {
		ps := &all[i]
		resp.Counts[ps.CurrentState]++
		if want != "" && ps.CurrentState != want {
			continue
		}
		resp.Pipelines = append(resp.Pipelines, toRow(ps))
	}
	sort.SliceStable(resp.Pipelines, func(i, j int) bool {
		return resp.Pipelines[i].UpdatedAt > resp.Pipelines[j].UpdatedAt
	})
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDetail(c echo.Context) error {
	ps, err := s.load(c)
	if err != nil {
		return err
	}
	names, err := s.store.Artifacts(ps.PipelineID)
	if err != nil {
		s.logger.Warn("list artifacts", zap.String("pipeline_id", ps.PipelineID), zap.Error(err))
	}
	if names == nil {
		names = []string{}
	}
	resp := DetailResponse{Pipeline: ps, Artifacts: names}
	if t, ok := phase.ResumeTrigger(phase.State(ps.CurrentState)); ok {
		resp.NextPhase = string(t)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEvents(c echo.Context) error {
	if s.history == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event journal is not configured")
	}
	ps, err := s.load(c)
	if err != nil {
		return err
	}
	resp, err := s.pipelineHistory(c.Request().Context(), ps.PipelineID)
	if err != nil {
		s.logger.Error("read pipeline history", zap.String("pipeline_id", ps.PipelineID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not read pipeline history")
	}
	return c.JSON(http.StatusOK, resp)
}

// load reads the pipeline named by the :id parameter.
func (s *Server) load(c echo.Context) (*pipeline.PipelineState, error) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("pipeline %s not found", id))
	}
	ps, err := s.store.Load(id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("pipeline %s not found", id))
		}
		s.logger.Error("load pipeline", zap.String("pipeline_id", id), zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "could not load pipeline")
	}
	return ps, nil
}
