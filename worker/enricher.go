package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/c360/lifestream/errors"
	"github.com/c360/lifestream/event"
	"github.com/c360/lifestream/llm"
	"github.com/c360/lifestream/pkg/retry"
)

// enrichmentResult is the structured output requested from the model.
type enrichmentResult struct {
	Tags         []string `json:"tags"          jsonschema:"minItems=3,maxItems=7"`
	SummaryShort string   `json:"summary_short" jsonschema:"maxLength=200"`
	SummaryLong  string   `json:"summary_long"`
	Language     string   `json:"language"`
}

var enrichmentSchema = llm.GenerateSchema[enrichmentResult]()

// catalog is the tag vocabulary surface the enricher uses: hints going in,
// newly discovered tags going out.
type catalog interface {
	Hints(ctx context.Context, max int) []string
	Add(ctx context.Context, tags []string) error
}

// Enricher asks the model for tags, summaries, and a language guess over the
// fetched text.
type Enricher struct {
	model      llm.Client
	catalog    catalog
	textBudget int
	maxHints   int
}

// NewEnricher builds an enricher. textBudget bounds how many characters of
// body text are sent to the model.
func NewEnricher(model llm.Client, cat catalog, textBudget, maxHints int) *Enricher {
	if textBudget <= 0 {
		textBudget = 32000
	}
	if maxHints <= 0 {
		maxHints = 100
	}
	return &Enricher{
		model:      model,
		catalog:    cat,
		textBudget: textBudget,
		maxHints:   maxHints,
	}
}

// WorkType implements Performer.
func (e *Enricher) WorkType() event.WorkType { return event.WorkEnrichLink }

// Agent implements Performer.
func (e *Enricher) Agent() string { return "enricher" }

// Perform runs one enrichment. Model errors, parse errors, and timeouts are
// retryable failures; the router decides whether another attempt remains.
func (e *Enricher) Perform(ctx context.Context, cmd *event.WorkCommand) (event.Type, any, error) {
	var p event.EnrichPayload
	if err := decodePayload(cmd, &p); err != nil {
		return "", nil, err
	}

	text := p.Text
	if len(text) > e.textBudget {
		text = text[:e.textBudget]
	}

	var hints []string
	if e.catalog != nil {
		hints = e.catalog.Hints(ctx, e.maxHints)
	}

	var result enrichmentResult
	if _, err := e.model.Chat(ctx, llm.Request{
		SystemPrompt: enrichSystemPrompt,
		UserPrompt:   buildEnrichPrompt(p.Title, text, hints),
		SchemaName:   "enrichment",
		Schema:       enrichmentSchema,
		MaxTokens:    2000,
		Temperature:  llm.Temp(0),
	}, &result); err != nil {
		return "", nil, fmt.Errorf("enrich: %w", err)
	}

	tags := normalizeTags(result.Tags)
	if len(tags) == 0 {
		return "", nil, fmt.Errorf("enrich: model returned no usable tags")
	}

	short := result.SummaryShort
	if len(short) > 200 {
		short = short[:200]
	}

	if e.catalog != nil {
		// The vocabulary is a soft hint; losing an update never fails the
		// enrichment itself.
		if err := e.catalog.Add(ctx, tags); err != nil {
			slog.Warn("tag catalog update failed",
				"subject_id", cmd.SubjectID,
				"correlation_id", cmd.CorrelationID,
				"error", err)
		}
	}

	return event.TypeEnrichmentCompleted, event.EnrichmentCompleted{
		Tags:         tags,
		SummaryShort: short,
		SummaryLong:  result.SummaryLong,
		Language:     result.Language,
		ModelVersion: e.model.Model(),
	}, nil
}

const enrichSystemPrompt = `You are a precise content tagger for a personal link archive.
Given an article title and body text, respond with JSON: 3-7 lowercase topic
tags, a summary of at most 200 characters, a longer summary of 2-4 sentences,
and the BCP-47 language tag of the article.
Prefer tags from the known vocabulary when they fit; invent new ones only when
nothing in the vocabulary applies.`

func buildEnrichPrompt(title, text string, hints []string) string {
	var b strings.Builder
	if len(hints) > 0 {
		b.WriteString("Known tags: ")
		b.WriteString(strings.Join(hints, ", "))
		b.WriteString("\n\n")
	}
	if title != "" {
		b.WriteString("Title: ")
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	b.WriteString(text)
	return b.String()
}

// normalizeTags lowercases, trims, and deduplicates while preserving the
// model's ordering.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// sortedSet returns the union of two tag sets in sorted order.
func sortedSet(existing, incoming []string) []string {
	set := make(map[string]struct{}, len(existing)+len(incoming))
	for _, t := range existing {
		set[t] = struct{}{}
	}
	for _, t := range incoming {
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func decodePayload(cmd *event.WorkCommand, target any) error {
	if err := json.Unmarshal(cmd.Payload, target); err != nil {
		return retry.NonRetryable(errors.WrapInvalid(err, "Worker", "decodePayload", string(cmd.WorkType)))
	}
	return nil
}
