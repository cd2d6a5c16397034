// Package chunker splits extracted ordinance text into retrieval-sized
// chunks. Splitting prefers section boundaries; a section bigger than the
// token budget is split with overlap so context survives the cut.
package chunker

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/folcright/zonelcpilot/internal/loader"
	"github.com/folcright/zonelcpilot/pkg/models"
)

var (
	sectionRe = regexp.MustCompile(`(?i)(Section\s+\d+-\d+|§\s*\d+-\d+)`)
	articleRe = regexp.MustCompile(`(?i)Article\s+(\d+)`)
)

// categories is the fixed evaluation order, so keyword ties resolve the same
// way on every run.
var categories = []string{"setback", "permit", "use", "livestock", "structure", "density", "height", "parking"}

// categoryKeywords drives a crude keyword vote that tags each chunk with the
// regulation topic it most resembles.
var categoryKeywords = map[string][]string{
	"setback":   {"setback", "yard", "distance", "feet from", "property line", "boundary"},
	"permit":    {"permit", "approval", "certificate", "application", "license", "authorization"},
	"use":       {"permitted use", "allowed use", "conditional use", "special exception", "prohibited"},
	"livestock": {"animal", "livestock", "poultry", "horse", "chicken", "fowl", "cattle", "sheep"},
	"structure": {"building", "structure", "accessory", "shed", "barn", "garage", "dwelling"},
	"density":   {"density", "lot size", "minimum area", "acre", "square feet"},
	"height":    {"height", "stories", "feet tall", "maximum height"},
	"parking":   {"parking", "vehicle", "driveway", "garage"},
}

// Options controls chunk sizing. OverlapTokens must be smaller than
// MaxTokens; New clamps nonsense values to the defaults.
type Options struct {
	MaxTokens     int
	OverlapTokens int
}

type Chunker struct {
	opts Options
}

func New(opts Options) *Chunker {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 800
	}
	if opts.OverlapTokens < 0 || opts.OverlapTokens >= opts.MaxTokens {
		opts.OverlapTokens = opts.MaxTokens / 10
	}
	return &Chunker{opts: opts}
}

// CountTokens approximates the embedding model's tokenizer by counting
// whitespace-delimited words. Chunks are built from whole words, so no chunk
// ever starts or ends mid-word.
func CountTokens(s string) int {
	return len(strings.Fields(s))
}

// line pairs a text line with the page it came from.
type line struct {
	text string
	page int
}

// ChunkPages splits extracted pages into section-aligned chunks. Empty input
// yields an empty result, not an error.
func (c *Chunker) ChunkPages(pages []loader.Page) []models.Chunk {
	var lines []line
	for _, p := range pages {
		for _, l := range strings.Split(p.Text, "\n") {
			lines = append(lines, line{text: l, page: p.Number})
		}
	}
	return c.chunkLines(lines)
}

// ChunkText splits raw text with no page attribution (page 0).
func (c *Chunker) ChunkText(text string) []models.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	var lines []line
	for _, l := range strings.Split(text, "\n") {
		lines = append(lines, line{text: l})
	}
	return c.chunkLines(lines)
}

func (c *Chunker) chunkLines(lines []line) []models.Chunk {
	lines = c.splitLongLines(lines)

	var chunks []models.Chunk

	var cur []string
	var curTokens int
	var curSection, curArticle, curHeader string
	curPage := 0

	flush := func() {
		text := strings.TrimSpace(strings.Join(cur, "\n"))
		if text == "" {
			cur, curTokens = nil, 0
			return
		}
		chunks = append(chunks, c.newChunk(text, curSection, curArticle, curPage, len(chunks)))
		cur, curTokens = nil, 0
	}

	for _, l := range lines {
		if m := articleRe.FindStringSubmatch(l.text); m != nil {
			curArticle = "Article " + m[1]
		}

		if label := sectionRe.FindString(l.text); label != "" {
			// New section: align the chunk boundary to it.
			flush()
			curSection = normalizeLabel(label)
			curHeader = strings.TrimSpace(l.text)
			cur = []string{l.text}
			curTokens = CountTokens(l.text)
			curPage = l.page
			continue
		}

		lineTokens := CountTokens(l.text)
		if curTokens+lineTokens > c.opts.MaxTokens && len(cur) > 0 {
			// Oversize section: split, carrying the header and the tail of
			// the previous chunk forward for continuity.
			tail := lastTokens(strings.Join(cur, "\n"), c.opts.OverlapTokens)
			flush()
			if curHeader != "" && curSection != "" &&
				CountTokens(curHeader)+CountTokens(tail)+lineTokens <= c.opts.MaxTokens {
				cur = append(cur, curHeader)
				curTokens += CountTokens(curHeader)
			}
			if tail != "" {
				cur = append(cur, tail)
				curTokens += CountTokens(tail)
			}
			curPage = l.page
		}
		if len(cur) == 0 {
			curPage = l.page
		}
		cur = append(cur, l.text)
		curTokens += lineTokens
	}
	flush()

	return chunks
}

func (c *Chunker) newChunk(text, section, article string, page, index int) models.Chunk {
	return models.Chunk{
		ID:         chunkID(section, index, text),
		Section:    section,
		Article:    article,
		Category:   detectCategory(text),
		SourcePage: page,
		Text:       text,
		TokenCount: CountTokens(text),
		CreatedAt:  time.Now().UTC(),
	}
}

// MergeRelated joins adjacent chunks of the same section while the combined
// size stays within 1.5x the token budget. Small fragments left behind by
// section flushes fold back into their neighbors.
func (c *Chunker) MergeRelated(chunks []models.Chunk) []models.Chunk {
	limit := c.opts.MaxTokens + c.opts.MaxTokens/2

	var merged []models.Chunk
	i := 0
	for i < len(chunks) {
		cur := chunks[i]
		for i+1 < len(chunks) &&
			chunks[i+1].Section == cur.Section &&
			cur.TokenCount+chunks[i+1].TokenCount < limit {
			next := chunks[i+1]
			text := cur.Text + "\n\n" + next.Text
			cur = models.Chunk{
				ID:         chunkID(cur.Section, len(merged), text),
				Section:    cur.Section,
				Article:    cur.Article,
				Category:   detectCategory(text),
				SourcePage: cur.SourcePage,
				Text:       text,
				TokenCount: cur.TokenCount + next.TokenCount,
				CreatedAt:  cur.CreatedAt,
			}
			i++
		}
		merged = append(merged, cur)
		i++
	}
	return merged
}

// detectCategory returns the keyword category with the highest hit count, or
// "general" when nothing matches.
func detectCategory(text string) string {
	lower := strings.ToLower(text)

	best, bestScore := "general", 0
	for _, category := range categories {
		score := 0
		for _, kw := range categoryKeywords[category] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = category, score
		}
	}
	return best
}

// splitLongLines breaks any line over the budget (less overlap headroom) into
// word windows. PDF extraction sometimes yields a whole page as one line, and
// the main loop only splits between lines.
func (c *Chunker) splitLongLines(lines []line) []line {
	limit := c.opts.MaxTokens - c.opts.OverlapTokens

	out := make([]line, 0, len(lines))
	for _, l := range lines {
		if CountTokens(l.text) <= limit {
			out = append(out, l)
			continue
		}
		words := strings.Fields(l.text)
		for len(words) > 0 {
			n := limit
			if n > len(words) {
				n = len(words)
			}
			out = append(out, line{text: strings.Join(words[:n], " "), page: l.page})
			words = words[n:]
		}
	}
	return out
}

// normalizeLabel collapses internal whitespace so "§  5-100" and "§ 5-100"
// produce the same label.
func normalizeLabel(label string) string {
	return strings.Join(strings.Fields(label), " ")
}

// lastTokens returns the final n whitespace-delimited words of s.
func lastTokens(s string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(s)
	if len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}

func chunkID(section string, index int, text string) string {
	head := text
	if len(head) > 100 {
		head = head[:100]
	}
	h := sha1.Sum([]byte(fmt.Sprintf("%s#%d:%s", section, index, head)))
	return hex.EncodeToString(h[:])
}
