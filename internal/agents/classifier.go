// Package agents holds the LLM-backed audit agents: a site classifier and
// a report synthesizer. Every agent has a deterministic fallback so an
// LLM outage degrades the audit instead of failing it.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"geoaudit/internal/llm"
	"geoaudit/internal/model"
)

const classifierSystem = `You classify websites for a search-visibility audit.
Respond with a single JSON object and no extra text:
{"is_ymyl": bool, "category": string, "search_queries": [string, string, string]}
is_ymyl is true for health, finance, legal, safety, or civic content.
category is a short business vertical label.
search_queries are three queries a potential customer would type to find a business like this one.`

// Classifier labels the audited site and proposes discovery queries.
type Classifier struct {
	llm    llm.ChatCompleter
	logger *slog.Logger
}

func NewClassifier(c llm.ChatCompleter, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{llm: c, logger: logger}
}

// Classify inspects the seed page. Any failure, including unparseable
// model output, yields the neutral fallback classification; a failed
// completion call is also returned so the caller can record it.
func (c *Classifier) Classify(ctx context.Context, host, language string, pageHTML []byte) (model.ExternalIntelligence, error) {
	fallback := model.ExternalIntelligence{
		IsYMYL:        false,
		Category:      "General",
		SearchQueries: []string{host},
	}
	if c.llm == nil {
		return fallback, nil
	}

	user := fmt.Sprintf("Site host: %s\nContent language: %s\n\nHomepage content as markdown:\n%s",
		host, language, Excerpt(pageHTML))

	out, err := c.llm.Complete(ctx, llm.Request{
		System:      classifierSystem,
		User:        user,
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		c.logger.Warn("classifier degraded to fallback", "host", host, "err", err)
		return fallback, err
	}

	parsed := llm.ParseJSONFields(out)
	if parsed.Structured == nil {
		c.logger.Warn("classifier output was not JSON", "host", host)
		fallback.Raw = parsed.Raw
		return fallback, nil
	}

	intel := model.ExternalIntelligence{Category: "General", SearchQueries: []string{host}}
	if v, ok := parsed.Structured["is_ymyl"].(bool); ok {
		intel.IsYMYL = v
	}
	if v, ok := parsed.Structured["category"].(string); ok && strings.TrimSpace(v) != "" {
		intel.Category = strings.TrimSpace(v)
	}
	if qs, ok := parsed.Structured["search_queries"].([]any); ok {
		var queries []string
		for _, q := range qs {
			if s, ok := q.(string); ok && strings.TrimSpace(s) != "" {
				queries = append(queries, strings.TrimSpace(s))
			}
		}
		if len(queries) > 0 {
			intel.SearchQueries = queries
		}
	}
	return intel, nil
}
