// Package suggest generates short phrase suggestions that help a non-native
// speaker participate in the meeting.
package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parley-live/parley/internal/meeting"
	"github.com/parley-live/parley/pkg/provider/llm"
)

const (
	maxSuggestions        = 5
	suggestionTemperature = 0.2
	suggestionMaxTokens   = 512
)

// Service produces phrase suggestions from recent meeting transcripts.
type Service struct {
	llm llm.Provider
}

// NewService builds a Service on the given provider.
func NewService(p llm.Provider) *Service {
	return &Service{llm: p}
}

// Generate returns up to five English/Korean phrase pairs fitting the recent
// conversation. The optional systemPrompt lets the user steer the tone.
func (s *Service) Generate(ctx context.Context, recentTranscripts []string, systemPrompt string) ([]meeting.Suggestion, error) {
	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: buildPrompt(recentTranscripts, systemPrompt)}},
		Temperature: suggestionTemperature,
		MaxTokens:   suggestionMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("suggest: generate: %w", err)
	}
	return parseSuggestions(resp.Content), nil
}

func buildPrompt(transcripts []string, systemPrompt string) string {
	var b strings.Builder
	if p := strings.TrimSpace(systemPrompt); p != "" {
		b.WriteString("Use the following system prompt to guide the suggestions.\n")
		b.WriteString("System prompt:\n")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	b.WriteString("You are helping a non-native speaker participate in a meeting. ")
	b.WriteString("Suggest 5 short, natural English sentences they can say. Mix questions and answers.\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Use simple, easy-to-edit phrases.\n")
	b.WriteString("- Keep each sentence under 12 words.\n")
	b.WriteString("- Avoid jargon and idioms.\n")
	b.WriteString("- Make them sound polite and natural.\n")
	b.WriteString("Return a JSON array of objects with keys \"en\" and \"ko\" only.\n")
	b.WriteString("Context:\n")
	for _, line := range transcripts {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// parseSuggestions extracts phrase pairs from a model response. It prefers a
// JSON array, salvaging one from surrounding prose if needed, and falls back
// to "en | ko" lines. Malformed responses yield an empty set, never an error.
func parseSuggestions(response string) []meeting.Suggestion {
	response = strings.TrimSpace(response)
	if response == "" {
		return nil
	}

	if items, ok := parseJSONSuggestions(response); ok {
		return items
	}
	return parseLineSuggestions(response)
}

func parseJSONSuggestions(response string) ([]meeting.Suggestion, bool) {
	raw := response
	var entries []map[string]any
	if json.Unmarshal([]byte(raw), &entries) != nil {
		// Salvage the outermost array from prose around it.
		start := strings.Index(raw, "[")
		end := strings.LastIndex(raw, "]")
		if start < 0 || end <= start {
			return nil, false
		}
		if json.Unmarshal([]byte(raw[start:end+1]), &entries) != nil {
			return nil, false
		}
	}

	var items []meeting.Suggestion
	for _, entry := range entries {
		en, _ := entry["en"].(string)
		ko, _ := entry["ko"].(string)
		en = strings.TrimSpace(en)
		ko = strings.TrimSpace(ko)
		if en == "" || ko == "" {
			continue
		}
		items = append(items, meeting.Suggestion{Source: en, Target: ko})
		if len(items) == maxSuggestions {
			break
		}
	}
	return items, true
}

func parseLineSuggestions(response string) []meeting.Suggestion {
	var items []meeting.Suggestion
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" {
			continue
		}
		var en, ko string
		if i := strings.Index(line, "|"); i >= 0 {
			en, ko = line[:i], line[i+1:]
		} else if i := strings.Index(line, "-"); i >= 0 {
			en, ko = line[:i], line[i+1:]
		} else {
			continue
		}
		en = strings.TrimSpace(en)
		ko = strings.TrimSpace(ko)
		if en == "" || ko == "" {
			continue
		}
		items = append(items, meeting.Suggestion{Source: en, Target: ko})
		if len(items) == maxSuggestions {
			break
		}
	}
	return items
}
