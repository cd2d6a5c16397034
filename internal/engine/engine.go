// Package engine orchestrates a query end to end: embed the question,
// retrieve the nearest ordinance chunks, assemble a bounded context, ask the
// generation model for a cited answer, and extract the citations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/folcright/zonelcpilot/internal/ai"
	"github.com/folcright/zonelcpilot/internal/chunker"
	"github.com/folcright/zonelcpilot/internal/store"
	"github.com/folcright/zonelcpilot/internal/usage"
	"github.com/folcright/zonelcpilot/pkg/models"
)

// ErrServiceUnavailable is surfaced when the embedding or generation service
// still fails after bounded retries. No partial answer accompanies it.
var ErrServiceUnavailable = errors.New("answer service unavailable")

// NotFoundAnswer is returned verbatim when retrieval finds nothing. The
// generation service is not called in that case.
const NotFoundAnswer = "No relevant information was found in this ordinance for your question."

var sectionLabelRe = regexp.MustCompile(`(?i)(?:Section|§)\s*(\d+-\d+)`)

// Options bounds retrieval and context assembly.
type Options struct {
	TopK             int
	MaxContextTokens int
}

type Engine struct {
	Client ai.Client
	Store  store.ChunkStore
	Usage  *usage.Tracker
	opts   Options
}

// New creates a query engine over the given client, store and usage tracker.
func New(client ai.Client, st store.ChunkStore, tracker *usage.Tracker, opts Options) *Engine {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = 3000
	}
	return &Engine{Client: client, Store: st, Usage: tracker, opts: opts}
}

// Answer runs the full retrieval-augmented pipeline for one question.
func (e *Engine) Answer(ctx context.Context, question string) (models.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return models.Answer{}, errors.New("empty question")
	}

	if e.Usage != nil {
		e.Usage.Record(question, time.Now().UTC())
	}

	qvec, err := e.Client.Embed(ctx, ExpandQuery(question))
	if err != nil {
		return models.Answer{}, fmt.Errorf("%w: embed question: %v", ErrServiceUnavailable, err)
	}

	results, err := e.Store.Search(ctx, qvec, e.opts.TopK)
	if err != nil {
		return models.Answer{}, fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		log.Info().Str("question", question).Msg("no chunks retrieved, returning not-found answer")
		return models.Answer{Text: NotFoundAnswer, Citations: []string{}}, nil
	}

	kept, ordinanceText := e.assembleContext(results)

	text, err := e.Client.Generate(ctx, buildPrompt(question, ordinanceText))
	if err != nil {
		return models.Answer{}, fmt.Errorf("%w: generate answer: %v", ErrServiceUnavailable, err)
	}

	return models.Answer{
		Text:      text,
		Citations: extractCitations(text, kept),
	}, nil
}

// assembleContext concatenates retrieved chunks in descending-score order,
// dropping the lowest-scored ones once the token budget is exhausted. The
// best chunk is always kept, truncated to the budget if it alone exceeds it.
func (e *Engine) assembleContext(results []models.SearchResult) ([]models.SearchResult, string) {
	var blocks []string
	var kept []models.SearchResult
	budget := e.opts.MaxContextTokens

	for i, r := range results {
		section := r.Chunk.Section
		if section == "" {
			section = "Unknown"
		}
		block := "Section: " + section + "\n" + r.Chunk.Text

		tokens := chunker.CountTokens(block)
		if tokens > budget {
			if i > 0 {
				break
			}
			block = truncateTokens(block, budget)
			tokens = budget
		}
		blocks = append(blocks, block)
		kept = append(kept, r)
		budget -= tokens
	}

	return kept, strings.Join(blocks, "\n\n---\n\n")
}

func buildPrompt(question, ordinanceText string) string {
	return fmt.Sprintf(`You are a helpful assistant that answers zoning questions based solely on the provided ordinance text.

Question: %s

Relevant ordinance sections:
%s

Instructions:
1. Answer the question based ONLY on the provided text
2. Cite specific section numbers
3. If the answer isn't in the provided text, say so
4. Be concise and direct

Answer:`, question, ordinanceText)
}

// extractCitations pulls section references out of the generated answer and
// maps them back to the labels of the retrieved chunks, so citations keep the
// document's own formatting. If the model cited nothing parseable, all
// retrieved section labels are cited instead.
func extractCitations(answer string, retrieved []models.SearchResult) []string {
	labelByNumber := make(map[string]string)
	for _, r := range retrieved {
		if r.Chunk.Section == "" {
			continue
		}
		if m := sectionLabelRe.FindStringSubmatch(r.Chunk.Section); m != nil {
			labelByNumber[m[1]] = r.Chunk.Section
		}
	}

	var citations []string
	seen := make(map[string]bool)
	for _, m := range sectionLabelRe.FindAllStringSubmatch(answer, -1) {
		label, ok := labelByNumber[m[1]]
		if !ok {
			// The model cited a section we did not retrieve; keep its
			// reference as written.
			label = strings.TrimSpace(m[0])
		}
		if !seen[label] {
			seen[label] = true
			citations = append(citations, label)
		}
	}
	if len(citations) > 0 {
		return citations
	}

	for _, r := range retrieved {
		if r.Chunk.Section != "" && !seen[r.Chunk.Section] {
			seen[r.Chunk.Section] = true
			citations = append(citations, r.Chunk.Section)
		}
	}
	if citations == nil {
		citations = []string{}
	}
	return citations
}

// truncateTokens cuts s to at most n whitespace-delimited words, never
// mid-word.
func truncateTokens(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return s
	}
	return strings.Join(words[:n], " ")
}
