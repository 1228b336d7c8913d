package prompt

// Template names.
const (
	BuilderBrief    = "builder-brief"
	FixInstructions = "fix-instructions"
)

var builtinTemplates = map[string]string{
	BuilderBrief:    builderBriefTemplate,
	FixInstructions: fixInstructionsTemplate,
}

const builderBriefTemplate = `# Build service: {{service_name}}

Service id: {{service_id}}
Tech stack: {{tech_stack}}
Depth: {{depth}}
{{#if port}}Port: {{port}}
{{/if}}{{#if health_path}}Health endpoint: {{health_path}}
{{/if}}
## Requirement
{{requirement}}

{{#if description}}
## Responsibility
{{description}}
{{/if}}

{{#if domain_model}}
## Domain model
{{domain_model}}
{{/if}}

{{#if contracts}}
## Contracts this service must honor
{{contracts}}
{{/if}}

{{#if peers}}
## Other services in the system
{{peers}}
{{/if}}

## Instructions
1. Work only inside this directory.
2. Implement the service and its tests.
3. Run the tests until they pass or you cannot make further progress.
4. Before exiting, write the result file at $FACTORY_RESULT_PATH:

` + "```json" + `
{"schema_version": 1, "success": true, "tests_passed": 0, "tests_total": 0, "convergence_ratio": 0.0, "cost": 0.0, "error": ""}
` + "```" + `
`

const fixInstructionsTemplate = `# Fix pass round {{round}}: {{service_id}}

Priority focus: {{priorities}}

## Findings to fix
{{findings}}

## Instructions
1. Fix each finding above, highest priority first.
2. Do not change behavior unrelated to these findings.
3. Re-run the service's tests after each fix.
4. Do not introduce new failures while fixing existing ones.
5. Write the result file at $FACTORY_RESULT_PATH as in the original brief.
{{#if notes}}

## Notes
{{notes}}
{{/if}}
`
