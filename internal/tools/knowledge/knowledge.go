// Package knowledge exposes corpus retrieval as the retrieve_incident_info tool.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"opsagent/internal/embedding"
	"opsagent/internal/retrieval"
	"opsagent/internal/tools"
	"opsagent/internal/types"
)

// SourcesMarker introduces the source list at the end of a retrieval result.
const SourcesMarker = "[SOURCES]:"

// unknownSource is reported when a passage carries no source metadata.
const unknownSource = "unknown_source"

// Tool returns the retrieval tool. A positive timeout bounds each lookup.
func Tool(r retrieval.Retriever, timeout time.Duration) *tools.Tool {
	return &tools.Tool{
		Name: types.ToolRetrieveIncidentInfo,
		Description: "Search runbooks, postmortems and incident reports. " +
			"Example: 'What caused DB latency on Feb 15?'",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			query = strings.TrimSpace(query)
			if query == "" {
				return "", tools.Failure(tools.ErrMissingRequiredArg, "Error: retrieve_incident_info requires a non-empty query.")
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			p, err := r.Retrieve(ctx, query)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					return "", err
				}
				if errors.Is(err, embedding.ErrBackendUnreachable) || errors.Is(err, embedding.ErrModelNotFound) {
					return "", tools.Failure(err, "Error: The incident knowledge base is unavailable because "+
						"the embedding backend cannot serve requests.")
				}
				if errors.Is(err, retrieval.ErrIndexUnavailable) {
					return "", tools.Failure(err, "Error: The incident knowledge base is unavailable. "+
						"Check that the corpus directory exists and contains .txt or .md files.")
				}
				return "", tools.Failure(err, fmt.Sprintf("Error retrieving incident information: %v", err))
			}
			return Format(p), nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"query"},
			Properties: map[string]tools.Property{
				"query": {
					Type:        "string",
					Description: "Natural language question about an incident or runbook",
				},
			},
		},
	}
}

// Format renders a passage followed by its source list.
func Format(p retrieval.Passage) string {
	sources := unknownSource
	if len(p.Sources) > 0 {
		sources = strings.Join(p.Sources, ", ")
	}
	return fmt.Sprintf("%s\n\n%s %s", p.Text, SourcesMarker, sources)
}

// ExtractSources splits a tool result into its text and the listed sources.
// Text without a source list is returned unchanged.
func ExtractSources(result string) (string, []string) {
	i := strings.LastIndex(result, SourcesMarker)
	if i < 0 {
		return result, nil
	}
	var sources []string
	for _, s := range strings.Split(result[i+len(SourcesMarker):], ",") {
		if s = strings.TrimSpace(s); s != "" && s != unknownSource {
			sources = append(sources, s)
		}
	}
	return strings.TrimSpace(result[:i]), sources
}

// RegisterAll registers the retrieval tool.
func RegisterAll(registry *tools.Registry, r retrieval.Retriever, timeout time.Duration) error {
	return registry.Register(Tool(r, timeout))
}
