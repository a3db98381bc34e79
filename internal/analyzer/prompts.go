package analyzer

import (
	"fmt"
	"strings"

	"github.com/dohr-michael/maestro/internal/skills"
)

const planSystemPrompt = `You are a skill execution planner. You are given a user query, one skill
bundle, and the bundle's file manifest. Decide whether the skill can handle
its part of the query and, if so, plan the commands to run.

Rules:
- Only reference files listed in the manifest. Never invent paths.
- Select the minimal set of reference/resource files actually needed.
- Prefer running bundle scripts over writing inline code.
- Each command runs inside a sandbox with its own working directory.
- Declare every file a command produces under "outputs" so downstream
  skills can consume it.
- When the query part depends on another skill's result, declare it under
  "inputs" as {"<local name>": "<producer skill id>/<output name>"}.

Respond with a single JSON object and nothing else:
{
  "skill_id": "<skill id>",
  "can_handle": true,
  "plan_summary": "<one sentence>",
  "required_paths": ["<manifest paths of references/resources to load>"],
  "commands": [
    {"type": "python_script", "path": "scripts/x.py", "args": ["--flag"], "outputs": {"tables": "tables.json"}},
    {"type": "shell", "command": "ls -la"},
    {"type": "python_code", "code": "print('hi')"},
    {"type": "javascript", "path": "scripts/x.js"}
  ],
  "inputs": {"source": "pdf/tables"},
  "packages": ["<pip packages needed>"],
  "reasoning": "<why>"
}`

const repairSystemPrompt = `You are a skill execution repair assistant. A planned command failed inside
the sandbox. Diagnose the failure from the exit code, stdout and stderr, and
decide whether a revised plan could succeed.

Respond with a single JSON object and nothing else:
{
  "diagnosis": "<what went wrong>",
  "fixable": true,
  "revised": { ...same shape as the original plan... }
}

Set "fixable" to false when retrying cannot help (missing system binary,
impossible request). Omit "revised" in that case.`

// buildPlanPrompt renders the user prompt for the planning call.
func buildPlanPrompt(d *skills.Descriptor, query string, upstream []UpstreamSummary) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "## Query\n%s\n\n", query)
	fmt.Fprintf(&sb, "## Skill: %s (%s@%s)\n%s\n\n", d.Name, d.ID, d.Version, d.Description)
	if d.Summary != "" {
		fmt.Fprintf(&sb, "### Instructions\n%s\n\n", d.Summary)
	}

	sb.WriteString("### Manifest\n")
	for _, kind := range []skills.Kind{skills.KindScript, skills.KindReference, skills.KindResource} {
		for _, path := range d.Paths(kind) {
			fmt.Fprintf(&sb, "- %s (%s)\n", path, kind)
		}
	}
	sb.WriteString("\n")

	if len(upstream) > 0 {
		sb.WriteString("### Upstream skills\n")
		for _, u := range upstream {
			fmt.Fprintf(&sb, "- %s: %s", u.SkillID, u.Summary)
			if len(u.Outputs) > 0 {
				fmt.Fprintf(&sb, " (outputs: %s)", strings.Join(u.Outputs, ", "))
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// buildRepairPrompt renders the user prompt for the repair call.
func buildRepairPrompt(d *skills.Descriptor, plan *ExecutionPlan, exitCode int, stdout, stderr string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "## Skill: %s (%s)\n\n", d.Name, d.ID)
	fmt.Fprintf(&sb, "## Plan summary\n%s\n\n", plan.Summary)

	sb.WriteString("## Planned commands\n")
	for i, cmd := range plan.Commands {
		switch {
		case cmd.Path != "":
			fmt.Fprintf(&sb, "%d. %s %s %s\n", i+1, cmd.Type, cmd.Path, strings.Join(cmd.Args, " "))
		case cmd.Command != "":
			fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, cmd.Type, cmd.Command)
		default:
			fmt.Fprintf(&sb, "%d. %s (inline)\n", i+1, cmd.Type)
		}
	}

	fmt.Fprintf(&sb, "\n## Failure\nexit code: %d\n\n", exitCode)
	fmt.Fprintf(&sb, "### stdout\n%s\n\n### stderr\n%s\n", truncate(stdout, 4000), truncate(stderr, 4000))

	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
