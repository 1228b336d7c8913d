package fixpass

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/lucasnoah/agentfactory/internal/pipeline"
	"github.com/lucasnoah/agentfactory/internal/prompt"
)

// Instruction is the fix brief for one service.
type Instruction struct {
	ServiceID string             `json:"service_id"`
	Findings  []pipeline.Finding `json:"findings"`
	Text      string             `json:"text"`
}

// Target picks the findings a round should address: open P0 and P1 findings,
// or open P2 findings when no P0 or P1 remain. Findings that do not belong to
// a known service cannot be dispatched and are returned separately.
func Target(findings []pipeline.Finding, services []pipeline.ServiceInfo) (targeted, untargeted []pipeline.Finding) {
	known := make(map[string]bool, len(services))
	for _, s := range services {
		known[s.ID] = true
	}

	open := OpenFindings(findings)
	c := Count(open)
	want := map[string]bool{pipeline.P0: true, pipeline.P1: true}
	if c.Blocking() == 0 {
		want = map[string]bool{pipeline.P2: true}
	}
	for _, f := range open {
		if !want[f.Priority] {
			continue
		}
		if !known[f.System] {
			untargeted = append(untargeted, f)
			continue
		}
		targeted = append(targeted, f)
	}
	return targeted, untargeted
}

// Generate groups targeted findings by service and renders one instruction per
// service, P0 before P1. Instructions are sorted by service id.
func Generate(lib *prompt.Library, round int, targeted []pipeline.Finding) ([]Instruction, error) {
	byService := map[string][]pipeline.Finding{}
	for _, f := range targeted {
		byService[f.System] = append(byService[f.System], f)
	}
	ids := make([]string, 0, len(byService))
	for id := range byService {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Instruction
	for _, id := range ids {
		fs := byService[id]
		sort.SliceStable(fs, func(i, j int) bool {
			if fs[i].Priority != fs[j].Priority {
				return fs[i].Priority < fs[j].Priority
			}
			return fs[i].ID < fs[j].ID
		})

		var b strings.Builder
		var prios []string
		seen := map[string]bool{}
		for i, f := range fs {
			if !seen[f.Priority] {
				seen[f.Priority] = true
				prios = append(prios, f.Priority)
			}
			fmt.Fprintf(&b, "%d. [%s] %s", i+1, f.Priority, f.Layer)
			if f.Category != "" {
				fmt.Fprintf(&b, "/%s", f.Category)
			}
			fmt.Fprintf(&b, ": %s (id %s)\n", oneLine(f.Evidence), f.ID)
			if f.RecommendedAction != "" {
				fmt.Fprintf(&b, "   Recommended: %s\n", f.RecommendedAction)
			}
		}

		text, err := lib.RenderNamed(prompt.FixInstructions, prompt.Vars{
			"round":      strconv.Itoa(round),
			"service_id": id,
			"priorities": strings.Join(prios, ", "),
			"findings":   strings.TrimRight(b.String(), "\n"),
		})
		if err != nil {
			return nil, fmt.Errorf("render fix instructions for %s: %w", id, err)
		}
		out = append(out, Instruction{ServiceID: id, Findings: fs, Text: text})
	}
	return out, nil
}

const maxEvidenceLen = 400

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxEvidenceLen {
		cut := maxEvidenceLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "…"
	}
	return s
}
