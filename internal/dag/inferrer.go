package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/dohr-michael/maestro/internal/skills"
)

const inferSystemPrompt = `You are a dependency planner. Given a user query and the skills selected to
answer it, decide which skills need the output of which other skills.

Only use the listed skill ids. Independent skills get no entry. Respond with
a single JSON object and nothing else:
{"edges": {"<skill id>": ["<skill id it depends on>", ...]}}`

// Inferrer derives extra dependency edges from the query using a model.
// Declared requires in the bundles always apply; the inferrer only adds
// edges the author did not declare.
type Inferrer struct {
	model model.ToolCallingChatModel
}

// NewInferrer creates an edge inferrer.
func NewInferrer(m model.ToolCallingChatModel) *Inferrer {
	return &Inferrer{model: m}
}

// InferEdges proposes dependency edges for the candidate set. Edges whose
// endpoints are not in the candidate set are dropped before they are trusted.
func (i *Inferrer) InferEdges(ctx context.Context, query string, candidates []*skills.Descriptor) (map[string][]string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## Query\n%s\n\n## Skills\n", query)
	for _, d := range candidates {
		fmt.Fprintf(&sb, "- %s: %s", d.ID, d.Description)
		if len(d.Requires) > 0 {
			fmt.Fprintf(&sb, " (declared requires: %s)", strings.Join(d.Requires, ", "))
		}
		sb.WriteString("\n")
	}

	resp, err := i.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(inferSystemPrompt),
		schema.UserMessage(sb.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("infer edges: %w", err)
	}

	var parsed struct {
		Edges map[string][]string `json:"edges"`
	}
	payload := resp.Content
	if start, end := strings.Index(payload, "{"), strings.LastIndex(payload, "}"); start >= 0 && end > start {
		payload = payload[start : end+1]
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("infer edges: parse response: %w", err)
	}

	known := make(map[string]bool, len(candidates))
	for _, d := range candidates {
		known[d.ID] = true
	}

	edges := make(map[string][]string)
	for from, deps := range parsed.Edges {
		if !known[from] {
			slog.Debug("dropping inferred edge from unknown skill", "skill", from)
			continue
		}
		for _, dep := range deps {
			if !known[dep] {
				slog.Debug("dropping inferred edge to unknown skill", "skill", from, "dep", dep)
				continue
			}
			edges[from] = append(edges[from], dep)
		}
	}
	return edges, nil
}
