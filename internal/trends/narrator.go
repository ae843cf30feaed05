// Package trends turns detected signals into narrated, expiring trends.
package trends

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pbaille/kbpulse/internal/completion"
	"github.com/pbaille/kbpulse/internal/logging"
	"github.com/pbaille/kbpulse/internal/signals"
)

// Draft is a narrated trend before it is persisted
type Draft struct {
	TrendType   string  `json:"trend_type"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Strength    float64 `json:"strength"`
}

// Narration is the outcome of one completion call
type Narration struct {
	Trends []Draft
	Cost   float64
}

// Narrator asks the completion service to describe a user's signals
type Narrator struct {
	completer completion.Completer
}

// NewNarrator creates a Narrator. A nil completer disables narration.
func NewNarrator(c completion.Completer) *Narrator {
	return &Narrator{completer: c}
}

// Narrate returns nil, without error, when narration is disabled, when
// there is nothing to narrate, or when the completion call or its reply
// fails. Callers treat nil as "no trends this run".
func (n *Narrator) Narrate(ctx context.Context, sigs []signals.Signal) (*Narration, error) {
	if n.completer == nil {
		logging.Debug("Narration disabled, no completion service")
		return nil, nil
	}
	if len(sigs) == 0 {
		return nil, nil
	}

	prompt, err := buildPrompt(sigs)
	if err != nil {
		return nil, err
	}

	res, err := n.completer.Complete(ctx, prompt)
	if err != nil {
		logging.Warn("Narration failed", "stage", "narrate", "err", err)
		return nil, nil
	}

	var reply struct {
		Trends []Draft `json:"trends"`
	}
	if err := completion.ParseJSON(res.Text, &reply); err != nil {
		logging.Warn("Narration reply unreadable", "stage", "narrate", "err", err)
		return nil, nil
	}

	out := &Narration{Cost: res.Cost}
	for _, d := range reply.Trends {
		d.TrendType = strings.ToLower(strings.TrimSpace(d.TrendType))
		d.Title = strings.TrimSpace(d.Title)
		if d.TrendType == "" || d.Title == "" {
			continue
		}
		d.Strength = clampStrength(d.Strength)
		out.Trends = append(out.Trends, d)
	}
	return out, nil
}

func clampStrength(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func buildPrompt(sigs []signals.Signal) (string, error) {
	payload, err := json.MarshalIndent(sigs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal signals: %w", err)
	}

	var sb strings.Builder

	sb.WriteString("These are behavioral signals from a user's knowledge base over the last two weeks. Return JSON only.\n\n")
	sb.WriteString("Signals:\n")
	sb.Write(payload)
	sb.WriteString("\n\n")

	sb.WriteString(`Return a JSON object with this structure:
{
  "trends": [
    {"trend_type": "velocity", "title": "Short title", "description": "One or two sentences.", "strength": 0.7}
  ]
}

Rules:
- trend_type is one of "velocity", "emergence", "convergence"
- Group related signals into a single trend when they tell the same story
- Titles are short and stable: describe the subject, not the date
- Strength is 0.0-1.0 based on how pronounced the pattern is
- Skip signals that are not interesting on their own

Return ONLY the JSON, no other text.`)

	return sb.String(), nil
}
