// Package analytics summarizes the event journal: how long each state takes,
// how often builders succeed and how many fix rounds pipelines need.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/agentfactory/internal/db"
)

// Source loads journal rows. *db.DB implements it.
type Source interface {
	GetAllPipelineEvents(ctx context.Context, since time.Time) ([]db.PipelineEvent, error)
	GetBuilderRuns(ctx context.Context, pipelineID string) ([]db.BuilderRun, error)
	GetFixRounds(ctx context.Context, pipelineID string) ([]db.FixRound, error)
}

// Summary is the full analytics report.
type Summary struct {
	Since      time.Time          `json:"since"`
	States     []StateDuration    `json:"states"`
	Builders   []BuilderSuccess   `json:"builders"`
	FixRounds  FixRoundDist       `json:"fix_rounds"`
	Throughput []WeeklyThroughput `json:"throughput"`
}

// Summarize loads the journal since the given time and builds a Summary.
func Summarize(ctx context.Context, src Source, since time.Time) (*Summary, error) {
	events, err := src.GetAllPipelineEvents(ctx, since)
	if err != nil {
		return nil, err
	}
	runs, err := src.GetBuilderRuns(ctx, "")
	if err != nil {
		return nil, err
	}
	rounds, err := src.GetFixRounds(ctx, "")
	if err != nil {
		return nil, err
	}

	inWindow := pipelinesIn(events)
	var keptRuns []db.BuilderRun
	for _, r := range runs {
		if inWindow[r.PipelineID] {
			keptRuns = append(keptRuns, r)
		}
	}
	var keptRounds []db.FixRound
	for _, r := range rounds {
		if inWindow[r.PipelineID] {
			keptRounds = append(keptRounds, r)
		}
	}

	return &Summary{
		Since:      since,
		States:     StateDurations(events),
		Builders:   BuilderSuccessRates(keptRuns),
		FixRounds:  FixRoundDistribution(events, keptRounds),
		Throughput: Throughput(events),
	}, nil
}

func pipelinesIn(events []db.PipelineEvent) map[string]bool {
	ids := map[string]bool{}
	for _, e := range events {
		ids[e.PipelineID] = true
	}
	return ids
}

// StateDuration holds duration stats for a pipeline state.
type StateDuration struct {
	State string  `json:"state"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// StateDurations measures the time spent in each state. A visit starts with
// the event that entered the state and ends with the next event of the same
// pipeline that left it. Visits still open are not counted.
func StateDurations(events []db.PipelineEvent) []StateDuration {
	type visit struct {
		state string
		start time.Time
	}
	open := map[string]visit{}
	durations := map[string][]float64{}

	for _, e := range ordered(events) {
		if v, ok := open[e.PipelineID]; ok && e.FromState == v.state && e.FromState != "" {
			if secs := e.CreatedAt.Sub(v.start).Seconds(); secs >= 0 {
				durations[v.state] = append(durations[v.state], secs)
			}
			delete(open, e.PipelineID)
		}
		// A self-loop such as an architect retry restarts the visit.
		if e.ToState != "" {
			open[e.PipelineID] = visit{state: e.ToState, start: e.CreatedAt}
		}
	}

	var results []StateDuration
	for state, ds := range durations {
		sort.Float64s(ds)
		results = append(results, StateDuration{
			State: state,
			Count: len(ds),
			Avg:   avg(ds),
			P50:   percentile(ds, 50),
			P95:   percentile(ds, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].State < results[j].State
	})
	return results
}

// BuilderSuccess holds builder outcome stats for one mode.
type BuilderSuccess struct {
	Mode        string  `json:"mode"`
	Total       int     `json:"total"`
	SuccessRate float64 `json:"success_rate_pct"`
	AvgCost     float64 `json:"avg_cost"`
	AvgSeconds  float64 `json:"avg_seconds"`
}

// BuilderSuccessRates groups builder runs by mode.
func BuilderSuccessRates(runs []db.BuilderRun) []BuilderSuccess {
	type acc struct {
		total, ok int
		costs     []float64
		secs      []float64
	}
	byMode := map[string]*acc{}
	for _, r := range runs {
		a, found := byMode[r.Mode]
		if !found {
			a = &acc{}
			byMode[r.Mode] = a
		}
		a.total++
		if r.Success {
			a.ok++
		}
		a.costs = append(a.costs, r.Cost)
		a.secs = append(a.secs, float64(r.DurationMs)/1000)
	}

	var results []BuilderSuccess
	for mode, a := range byMode {
		results = append(results, BuilderSuccess{
			Mode:        mode,
			Total:       a.total,
			SuccessRate: pct(a.ok, a.total),
			AvgCost:     avg(a.costs),
			AvgSeconds:  avg(a.secs),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Mode < results[j].Mode
	})
	return results
}

// FixRoundDist is the distribution of fix rounds over finished pipelines.
type FixRoundDist struct {
	Total     int     `json:"total"`
	Zero      float64 `json:"zero_rounds_pct"`
	One       float64 `json:"one_round_pct"`
	Two       float64 `json:"two_rounds_pct"`
	ThreePlus float64 `json:"three_plus_pct"`
	Avg       float64 `json:"avg_rounds"`
}

// FixRoundDistribution counts fix rounds per pipeline that reached a terminal
// state.
func FixRoundDistribution(events []db.PipelineEvent, rounds []db.FixRound) FixRoundDist {
	finished := map[string]bool{}
	for _, e := range events {
		if e.Event == "completed" || e.Event == "failed" {
			finished[e.PipelineID] = true
		}
	}
	perPipeline := map[string]int{}
	for id := range finished {
		perPipeline[id] = 0
	}
	for _, r := range rounds {
		if finished[r.PipelineID] && r.Round > perPipeline[r.PipelineID] {
			perPipeline[r.PipelineID] = r.Round
		}
	}

	var zero, one, two, threePlus int
	var counts []float64
	for _, n := range perPipeline {
		counts = append(counts, float64(n))
		switch {
		case n == 0:
			zero++
		case n == 1:
			one++
		case n == 2:
			two++
		default:
			threePlus++
		}
	}
	total := len(perPipeline)
	return FixRoundDist{
		Total:     total,
		Zero:      pct(zero, total),
		One:       pct(one, total),
		Two:       pct(two, total),
		ThreePlus: pct(threePlus, total),
		Avg:       avg(counts),
	}
}

// WeeklyThroughput holds pipeline counts for one ISO week.
type WeeklyThroughput struct {
	Period      string  `json:"period"`
	Created     int     `json:"created"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	AvgDuration float64 `json:"avg_duration_minutes"`
	AvgCost     float64 `json:"avg_cost"`
}

// Throughput groups pipeline outcomes by ISO week of the terminal event.
func Throughput(events []db.PipelineEvent) []WeeklyThroughput {
	created := map[string]time.Time{}
	type acc struct {
		created, completed, failed int
		minutes, costs             []float64
	}
	weeks := map[string]*acc{}
	week := func(t time.Time) *acc {
		y, w := t.ISOWeek()
		key := fmt.Sprintf("%d-W%02d", y, w)
		a, ok := weeks[key]
		if !ok {
			a = &acc{}
			weeks[key] = a
		}
		return a
	}

	for _, e := range ordered(events) {
		switch e.Event {
		case "created":
			created[e.PipelineID] = e.CreatedAt
			week(e.CreatedAt).created++
		case "completed", "failed":
			a := week(e.CreatedAt)
			if e.Event == "completed" {
				a.completed++
			} else {
				a.failed++
			}
			if start, ok := created[e.PipelineID]; ok {
				a.minutes = append(a.minutes, e.CreatedAt.Sub(start).Minutes())
			}
			a.costs = append(a.costs, e.TotalCost)
		}
	}

	var results []WeeklyThroughput
	for period, a := range weeks {
		results = append(results, WeeklyThroughput{
			Period:      period,
			Created:     a.created,
			Completed:   a.completed,
			Failed:      a.failed,
			AvgDuration: avg(a.minutes),
			AvgCost:     avg(a.costs),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Period < results[j].Period
	})
	return results
}

func ordered(events []db.PipelineEvent) []db.PipelineEvent {
	out := append([]db.PipelineEvent(nil), events...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
