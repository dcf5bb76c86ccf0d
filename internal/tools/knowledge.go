package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/voxnexus/voxnexus/pkg/types"
)

const (
	knowledgeToolName = "search_knowledge_base"

	// knowledgeTopK and knowledgeMinSimilarity gate retrieval quality:
	// at most five chunks, each with cosine similarity of at least 0.7.
	knowledgeTopK          = 5
	knowledgeMinSimilarity = 0.7

	// NoKnowledgeFound is returned to the model when every candidate chunk
	// falls below the similarity floor.
	NoKnowledgeFound = "No relevant information found in the knowledge base."
)

func (s *Synthesizer) knowledgeTool(agentConfigID string) Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        knowledgeToolName,
			Description: "Search the agent's knowledge base for information relevant to the caller's question. Use this whenever the caller asks about topics the knowledge base may cover.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "The search query, phrased as a full question or statement.",
					},
				},
				"required": []string{"query"},
			},
		},
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return "Error: the query parameter is required.", nil
			}
			return s.searchKnowledge(ctx, agentConfigID, query)
		},
	}
}

func (s *Synthesizer) searchKnowledge(ctx context.Context, agentConfigID, query string) (string, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		s.logger.Warn("query embedding failed", "agent", agentConfigID, "error", err)
		return fmt.Sprintf("Error searching the knowledge base: %v", err), nil
	}

	results, err := s.store.SearchKnowledge(ctx, agentConfigID, vecs[0], knowledgeMinSimilarity, knowledgeTopK)
	if err != nil {
		s.logger.Warn("knowledge search failed", "agent", agentConfigID, "error", err)
		return fmt.Sprintf("Error searching the knowledge base: %v", err), nil
	}
	if len(results) == 0 {
		return NoKnowledgeFound, nil
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[Source: %s, relevance: %.0f%%]\n%s", r.Filename, r.Similarity*100, r.Content)
	}
	return b.String(), nil
}
