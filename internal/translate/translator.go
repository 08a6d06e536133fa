// Package translate renders meeting speech between English and Korean. A fast
// low-latency model serves interim captions; a quality model serves finalized
// segments, corrections, and the correction batches themselves.
package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/parley-live/parley/pkg/provider/llm"
)

const (
	translationTemperature = 0.2
	translationMaxTokens   = 512
)

const contextSystemPrompt = "You are a translator. Translate English to natural Korean. " +
	"Use context for coherence but translate only the current line. " +
	"If the line is unclear or incomplete, make the best possible inference. " +
	"Never ask questions, request more context, or mention language selection. " +
	"Respond in Korean only, without quotes or extra text. Return only the translation."

const quickSystemPrompt = "You are a translator. Translate Korean to natural English. " +
	"Return only the translation."

// Service routes translation requests to a fast and a quality LLM provider.
type Service struct {
	fast    llm.Provider
	quality llm.Provider
}

// NewService builds a Service. When quality is nil, the fast provider serves
// both tiers.
func NewService(fast, quality llm.Provider) *Service {
	if quality == nil {
		quality = fast
	}
	return &Service{fast: fast, quality: quality}
}

// TranslateFast translates one English sentence to Korean with the
// low-latency model. Used for interim caption sentences.
func (s *Service) TranslateFast(ctx context.Context, text string) (string, error) {
	prompt := "Translate the following English text to natural Korean.\n" +
		"\"" + text + "\"\n" +
		"Return only the Korean translation. Do not ask questions or add explanations."

	out, err := s.complete(ctx, s.fast, "", prompt)
	if err != nil {
		return "", fmt.Errorf("translate: fast: %w", err)
	}
	return out, nil
}

// TranslateWithContext translates a finalized English segment to Korean,
// feeding recent transcript lines to the quality model for coherence.
func (s *Service) TranslateWithContext(ctx context.Context, text string, recentContext []string) (string, error) {
	var b strings.Builder
	if len(recentContext) > 0 {
		b.WriteString("Recent context:\n")
		for _, entry := range recentContext {
			b.WriteString("- ")
			b.WriteString(entry)
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "Current line: %q\n", text)
	b.WriteString("Return only the translation.")

	out, err := s.complete(ctx, s.quality, contextSystemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("translate: with context: %w", err)
	}
	return out, nil
}

// TranslateCorrection re-translates a corrected segment with the quality
// model. No context is fed; the corrected text stands on its own.
func (s *Service) TranslateCorrection(ctx context.Context, text string) (string, error) {
	prompt := "Translate the following English text to natural Korean.\n" +
		"\"" + text + "\"\n" +
		"Return only the Korean translation. Do not ask questions or add explanations."

	out, err := s.complete(ctx, s.quality, "", prompt)
	if err != nil {
		return "", fmt.Errorf("translate: correction: %w", err)
	}
	return out, nil
}

// TranslateQuick translates Korean to English with the fast model. Serves the
// on-demand quick-translate endpoint.
func (s *Service) TranslateQuick(ctx context.Context, text string) (string, error) {
	out, err := s.complete(ctx, s.fast, quickSystemPrompt, text)
	if err != nil {
		return "", fmt.Errorf("translate: quick: %w", err)
	}
	return out, nil
}

// CorrectBatch runs a prepared correction prompt through the quality model
// and returns the raw response for the caller to parse.
func (s *Service) CorrectBatch(ctx context.Context, prompt string) (string, error) {
	out, err := s.complete(ctx, s.quality, "", prompt)
	if err != nil {
		return "", fmt.Errorf("translate: correction batch: %w", err)
	}
	return out, nil
}

func (s *Service) complete(ctx context.Context, p llm.Provider, system, prompt string) (string, error) {
	resp, err := p.Complete(ctx, llm.CompletionRequest{
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		SystemPrompt: system,
		Temperature:  translationTemperature,
		MaxTokens:    translationMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
