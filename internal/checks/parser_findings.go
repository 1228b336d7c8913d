package checks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FindingsParser reads the scanner interchange format: either a JSON array of
// findings or an object with a "findings" array.
type FindingsParser struct{}

type scannerFinding struct {
	Rule              string `json:"rule"`
	File              string `json:"file"`
	Line              int    `json:"line"`
	Severity          string `json:"severity"`
	Message           string `json:"message"`
	Category          string `json:"category"`
	Service           string `json:"service"`
	Priority          string `json:"priority"`
	Workaround        bool   `json:"workaround"`
	RecommendedAction string `json:"recommended_action"`
}

func (p *FindingsParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	findings, err := decodeFindings(stdout)
	if err != nil {
		return ParseResult{
			Passed:  false,
			Summary: fmt.Sprintf("exit code %d (could not parse findings JSON)", exitCode),
			Issues: []Issue{{
				Rule:     "unparseable-output",
				Severity: "error",
				Message:  err.Error(),
			}},
		}
	}

	var issues []Issue
	for _, f := range findings {
		sev := strings.ToLower(f.Severity)
		if sev == "" {
			sev = "error"
		}
		issues = append(issues, Issue{
			Rule:       f.Rule,
			File:       f.File,
			Line:       f.Line,
			Severity:   sev,
			Message:    f.Message,
			Category:   f.Category,
			Service:    f.Service,
			Priority:   strings.ToUpper(f.Priority),
			Workaround: f.Workaround,
			Action:     f.RecommendedAction,
		})
	}

	if len(issues) == 0 {
		if exitCode != 0 {
			return (&GenericParser{}).Parse(stdout, stderr, exitCode)
		}
		return ParseResult{Passed: true, Summary: "no findings"}
	}
	return ParseResult{
		Passed:  false,
		Summary: fmt.Sprintf("%d findings", len(issues)),
		Issues:  issues,
	}
}

func decodeFindings(stdout string) ([]scannerFinding, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []scannerFinding
		if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var wrapped struct {
		Findings []scannerFinding `json:"findings"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Findings, nil
}
