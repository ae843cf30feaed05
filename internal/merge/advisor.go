// Package merge suggests and executes container merges.
//
// Suggestions come from the completion service and are untrusted: every
// one is checked against the candidate set before it can reach the
// executor.
package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pbaille/kbpulse/internal/completion"
	"github.com/pbaille/kbpulse/internal/domain"
	"github.com/pbaille/kbpulse/internal/logging"
)

// Advice is a validated set of merge suggestions
type Advice struct {
	Merges []domain.MergeSuggestion
	Cost   float64
}

// Advisor asks the completion service which containers overlap
type Advisor struct {
	completer completion.Completer
}

// NewAdvisor creates an Advisor. A nil completer disables suggestions.
func NewAdvisor(c completion.Completer) *Advisor {
	return &Advisor{completer: c}
}

// SuggestMerges returns nil with fewer than two candidates, without a
// completion service, or when the call or its reply fails.
func (a *Advisor) SuggestMerges(ctx context.Context, candidates []domain.MergeCandidate) (*Advice, error) {
	if len(candidates) < 2 {
		return nil, nil
	}
	if a.completer == nil {
		logging.Debug("Merge suggestions disabled, no completion service")
		return nil, nil
	}

	prompt, err := buildPrompt(candidates)
	if err != nil {
		return nil, err
	}

	res, err := a.completer.Complete(ctx, prompt)
	if err != nil {
		logging.Warn("Merge suggestion failed", "stage", "suggest", "err", err)
		return nil, nil
	}

	var reply struct {
		Merges []domain.MergeSuggestion `json:"merges"`
	}
	if err := completion.ParseJSON(res.Text, &reply); err != nil {
		logging.Warn("Merge suggestion reply unreadable", "stage", "suggest", "err", err)
		return nil, nil
	}

	return &Advice{
		Merges: Validate(reply.Merges, candidates),
		Cost:   res.Cost,
	}, nil
}

// Validate keeps only suggestions whose source and target are distinct
// candidate ids.
func Validate(suggestions []domain.MergeSuggestion, candidates []domain.MergeCandidate) []domain.MergeSuggestion {
	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.ID] = true
	}

	var out []domain.MergeSuggestion
	for _, s := range suggestions {
		if !known[s.Source] || !known[s.Target] || s.Source == s.Target {
			logging.Debug("Dropping merge suggestion", "source", s.Source, "target", s.Target)
			continue
		}
		out = append(out, s)
	}
	return out
}

func buildPrompt(candidates []domain.MergeCandidate) (string, error) {
	payload, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal candidates: %w", err)
	}

	var sb strings.Builder

	sb.WriteString("These are containers (named clusters of saved links) from one user's knowledge base. Find containers that cover the same subject and should be merged. Return JSON only.\n\n")
	sb.WriteString("Containers:\n")
	sb.Write(payload)
	sb.WriteString("\n\n")

	sb.WriteString(`Return a JSON object with this structure:
{
  "merges": [
    {"source": "container-id-to-fold", "target": "container-id-to-keep", "reason": "Why they overlap"}
  ]
}

Rules:
- Use only ids from the list above
- The target is the broader or larger container
- A container appears as a source at most once
- Return an empty list when nothing should be merged

Return ONLY the JSON, no other text.`)

	return sb.String(), nil
}
