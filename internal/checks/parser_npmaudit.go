package checks

import (
	"encoding/json"
	"fmt"
	"sort"
)

// NPMAuditParser parses npm audit --json output.
type NPMAuditParser struct{}

type npmAuditOutput struct {
	Metadata struct {
		Vulnerabilities struct {
			Critical int `json:"critical"`
			High     int `json:"high"`
			Moderate int `json:"moderate"`
			Low      int `json:"low"`
			Info     int `json:"info"`
			Total    int `json:"total"`
		} `json:"vulnerabilities"`
	} `json:"metadata"`
	Vulnerabilities map[string]npmVulnerability `json:"vulnerabilities"`
}

type npmVulnerability struct {
	Name         string          `json:"name"`
	Severity     string          `json:"severity"`
	Title        string          `json:"title"`
	URL          string          `json:"url"`
	Via          json.RawMessage `json:"via"`
	FixAvailable json.RawMessage `json:"fixAvailable"`
}

func (p *NPMAuditParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var raw npmAuditOutput
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		res := (&GenericParser{}).Parse(stdout, stderr, exitCode)
		res.Summary = fmt.Sprintf("exit code %d (could not parse npm audit JSON)", exitCode)
		return res
	}

	names := make([]string, 0, len(raw.Vulnerabilities))
	for name := range raw.Vulnerabilities {
		names = append(names, name)
	}
	sort.Strings(names)

	var issues []Issue
	for _, name := range names {
		vuln := raw.Vulnerabilities[name]
		category := "hygiene"
		if vuln.Severity == "critical" || vuln.Severity == "high" {
			category = "security"
		}
		msg := vuln.Title
		if msg == "" {
			msg = fmt.Sprintf("%s vulnerability in %s", vuln.Severity, name)
		}
		action := "upgrade " + name
		if string(vuln.FixAvailable) == "false" {
			action = "replace " + name + " (no fix available)"
		}
		issues = append(issues, Issue{
			Rule:     name,
			Severity: vuln.Severity,
			Message:  msg,
			Category: category,
			Action:   action,
		})
	}

	v := raw.Metadata.Vulnerabilities
	passed := exitCode == 0
	summary := fmt.Sprintf("%d vulnerabilities (%d critical, %d high, %d moderate, %d low)",
		v.Total, v.Critical, v.High, v.Moderate, v.Low)
	if passed {
		summary = "no vulnerabilities found"
	}

	return ParseResult{
		Passed:  passed,
		Summary: summary,
		Issues:  issues,
	}
}
