package meeting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
)

// correctionMinSimilarity is the Jaro-Winkler floor below which a corrected
// line counts as a rewrite rather than a minimal edit and is rejected.
const correctionMinSimilarity = 0.55

// Corrector is the collaborator contract for the batch correction pass.
type Corrector interface {
	// CorrectBatch sends a fully built correction prompt and returns the raw
	// model response.
	CorrectBatch(ctx context.Context, prompt string) (string, error)
}

// Correction is one accepted minimal edit for a finalized segment.
type Correction struct {
	SegmentID     int64
	Speaker       string
	OriginalText  string
	CorrectedText string
}

// CorrectionQueue batches finalized segments for a lower-priority LLM
// correction pass. Enqueue never blocks; the queue is unbounded and drained
// in fixed-size batches by the orchestrator's correction pump.
//
// Parse failures are dropped silently: a malformed response, a wrong shape,
// or a corrections array longer than the batch voids the whole batch with no
// retry and no dead letter.
type CorrectionQueue struct {
	mu        sync.Mutex
	items     []SubtitleSegment
	batchSize int
}

// NewCorrectionQueue creates a queue draining up to batchSize items per pass.
func NewCorrectionQueue(batchSize int) *CorrectionQueue {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &CorrectionQueue{batchSize: batchSize}
}

// Enqueue appends a finalized segment to the FIFO.
func (q *CorrectionQueue) Enqueue(seg SubtitleSegment) {
	q.mu.Lock()
	q.items = append(q.items, seg)
	q.mu.Unlock()
}

// Len returns the number of queued segments.
func (q *CorrectionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ProcessBatch drains up to the batch size, asks the corrector for minimal
// edits, and returns the corrections that actually change their line. An
// empty queue yields (nil, nil). Corrector failures are returned for logging;
// the drained items are not requeued.
func (q *CorrectionQueue) ProcessBatch(ctx context.Context, corrector Corrector) ([]Correction, error) {
	q.mu.Lock()
	n := len(q.items)
	if n > q.batchSize {
		n = q.batchSize
	}
	batch := q.items[:n:n]
	q.items = q.items[n:]
	q.mu.Unlock()

	if len(batch) == 0 {
		return nil, nil
	}

	resp, err := corrector.CorrectBatch(ctx, buildCorrectionPrompt(batch))
	if err != nil {
		return nil, fmt.Errorf("meeting: correction batch: %w", err)
	}

	corrected, ok := parseCorrections(resp)
	if !ok || len(corrected) > len(batch) {
		return nil, nil
	}

	var out []Correction
	for i, c := range corrected {
		text, ok := c.(string)
		if !ok {
			// Non-string element: skip it, the index keeps advancing.
			continue
		}
		text = strings.TrimSpace(text)
		orig := batch[i].Text
		if text == "" || text == orig {
			continue
		}
		if matchr.JaroWinkler(orig, text, true) < correctionMinSimilarity {
			continue
		}
		out = append(out, Correction{
			SegmentID:     batch[i].SegmentID,
			Speaker:       batch[i].Speaker,
			OriginalText:  orig,
			CorrectedText: text,
		})
	}
	return out, nil
}

// buildCorrectionPrompt numbers each line and asks for a JSON object with one
// corrected string per input line.
func buildCorrectionPrompt(batch []SubtitleSegment) string {
	var b strings.Builder
	b.WriteString("The following numbered lines are speech-to-text output from a live meeting.\n")
	b.WriteString("Fix obvious recognition errors with minimal edits. Preserve proper nouns,\n")
	b.WriteString("technical terms, and the original meaning. Do not paraphrase, reorder, or\n")
	b.WriteString("merge lines. If a line needs no change, return it unchanged.\n\n")
	for i, seg := range batch {
		fmt.Fprintf(&b, "%d. %s\n", i+1, seg.Text)
	}
	b.WriteString("\nRespond with only a JSON object of the form ")
	b.WriteString(`{"corrections": ["...", "..."]}`)
	b.WriteString(" containing exactly one string per input line, in order.")
	return b.String()
}

// parseCorrections extracts the corrections array from a model response,
// tolerating surrounding prose by retrying on the outermost {...} span.
func parseCorrections(raw string) ([]any, bool) {
	var payload struct {
		Corrections []any `json:"corrections"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start < 0 || end <= start {
			return nil, false
		}
		if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
			return nil, false
		}
	}
	if payload.Corrections == nil {
		return nil, false
	}
	return payload.Corrections, true
}
