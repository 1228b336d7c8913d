package checks

// Issue is one normalized problem reported by a check.
type Issue struct {
	Rule       string `json:"rule,omitempty"`
	File       string `json:"file,omitempty"`
	Line       int    `json:"line,omitempty"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Category   string `json:"category,omitempty"`
	Service    string `json:"service,omitempty"`
	Priority   string `json:"priority,omitempty"`
	Workaround bool   `json:"workaround,omitempty"`
	Action     string `json:"action,omitempty"`
}

// ParseResult holds the normalized output from a parser.
type ParseResult struct {
	Passed  bool    `json:"passed"`
	Summary string  `json:"summary"`
	Issues  []Issue `json:"issues"`
}

// Parser converts raw command output into a structured ParseResult.
type Parser interface {
	Parse(stdout string, stderr string, exitCode int) ParseResult
}
