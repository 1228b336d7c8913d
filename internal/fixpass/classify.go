// Package fixpass drives the quality-gate fix loop: it classifies findings,
// generates targeted fix instructions, measures each round and decides whether
// to continue, accept or stop.
package fixpass

import (
	"strings"

	"github.com/lucasnoah/agentfactory/internal/pipeline"
)

var categoryPriority = map[string]string{
	"build":   pipeline.P0,
	"startup": pipeline.P0,
	"deploy":  pipeline.P0,
	"health":  pipeline.P0,

	"primary_flow": pipeline.P1,
	"security":     pipeline.P1,
	"contract":     pipeline.P1,

	"secondary_feature": pipeline.P2,
	"test":              pipeline.P2,
	"integration":       pipeline.P2,

	"cosmetic":      pipeline.P3,
	"performance":   pipeline.P3,
	"documentation": pipeline.P3,
	"logging":       pipeline.P3,
	"style":         pipeline.P3,
	"hygiene":       pipeline.P3,
}

// Classify assigns a priority to f from its category. A P1 category with a
// known workaround drops to P2. Unknown categories keep a valid reported
// priority and default to P2.
func Classify(f pipeline.Finding) string {
	cat := strings.ToLower(strings.TrimSpace(f.Category))
	if p, ok := categoryPriority[cat]; ok {
		if p == pipeline.P1 && f.Workaround {
			return pipeline.P2
		}
		return p
	}
	if validPriority(f.Priority) {
		return strings.ToUpper(f.Priority)
	}
	return pipeline.P2
}

func validPriority(p string) bool {
	switch strings.ToUpper(p) {
	case pipeline.P0, pipeline.P1, pipeline.P2, pipeline.P3:
		return true
	}
	return false
}

// ClassifyAll returns a copy of findings with every priority reassigned.
func ClassifyAll(findings []pipeline.Finding) []pipeline.Finding {
	out := make([]pipeline.Finding, len(findings))
	for i, f := range findings {
		f.Priority = Classify(f)
		out[i] = f
	}
	return out
}

// Counts tallies open findings per priority.
type Counts struct {
	P0, P1, P2, P3 int
}

// Total is the number of open findings.
func (c Counts) Total() int { return c.P0 + c.P1 + c.P2 + c.P3 }

// Blocking is the number of open P0 and P1 findings.
func (c Counts) Blocking() int { return c.P0 + c.P1 }

// Count tallies the open findings in findings.
func Count(findings []pipeline.Finding) Counts {
	var c Counts
	for _, f := range findings {
		if !isOpen(f) {
			continue
		}
		switch f.Priority {
		case pipeline.P0:
			c.P0++
		case pipeline.P1:
			c.P1++
		case pipeline.P3:
			c.P3++
		default:
			c.P2++
		}
	}
	return c
}

func isOpen(f pipeline.Finding) bool {
	return f.Resolution == "" || f.Resolution == pipeline.ResolutionOpen
}

// OpenFindings returns the findings that are still open.
func OpenFindings(findings []pipeline.Finding) []pipeline.Finding {
	var out []pipeline.Finding
	for _, f := range findings {
		if isOpen(f) {
			out = append(out, f)
		}
	}
	return out
}
