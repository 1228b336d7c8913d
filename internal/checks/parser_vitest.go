package checks

import (
	"encoding/json"
	"fmt"
)

// VitestParser parses vitest/jest JSON reporter output.
type VitestParser struct{}

type vitestOutput struct {
	NumTotalTests   int                 `json:"numTotalTests"`
	NumPassedTests  int                 `json:"numPassedTests"`
	NumFailedTests  int                 `json:"numFailedTests"`
	NumPendingTests int                 `json:"numPendingTests"`
	TestResults     []vitestSuiteResult `json:"testResults"`
}

type vitestSuiteResult struct {
	Name             string                  `json:"name"`
	Status           string                  `json:"status"` // "passed" or "failed"
	AssertionResults []vitestAssertionResult `json:"assertionResults"`
}

type vitestAssertionResult struct {
	FullName        string   `json:"fullName"`
	Status          string   `json:"status"` // "passed", "failed"
	FailureMessages []string `json:"failureMessages"`
}

func (p *VitestParser) Parse(stdout string, stderr string, exitCode int) ParseResult {
	var raw vitestOutput
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		res := (&GenericParser{}).Parse(stdout, stderr, exitCode)
		res.Summary = fmt.Sprintf("exit code %d (could not parse test JSON)", exitCode)
		return res
	}

	var issues []Issue
	for _, suite := range raw.TestResults {
		for _, a := range suite.AssertionResults {
			if a.Status != "failed" {
				continue
			}
			errMsg := "test failed"
			if len(a.FailureMessages) > 0 {
				errMsg = a.FailureMessages[0]
			}
			issues = append(issues, Issue{
				Rule:     a.FullName,
				File:     suite.Name,
				Severity: "error",
				Message:  errMsg,
				Category: "test",
			})
		}
	}

	passed := exitCode == 0 && raw.NumFailedTests == 0
	summary := fmt.Sprintf("%d passed, %d failed, %d skipped out of %d",
		raw.NumPassedTests, raw.NumFailedTests, raw.NumPendingTests, raw.NumTotalTests)

	return ParseResult{
		Passed:  passed,
		Summary: summary,
		Issues:  issues,
	}
}
