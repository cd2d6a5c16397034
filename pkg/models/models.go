package models

import "time"

// Chunk is a bounded span of ordinance text with its section metadata.
// Chunks are immutable once created by the chunker.
type Chunk struct {
	ID         string    `json:"id"`
	Section    string    `json:"section"`
	Article    string    `json:"article"`
	Category   string    `json:"category"`
	SourcePage int       `json:"source_page"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// SearchResult pairs a retrieved chunk with its cosine similarity score.
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Answer is the generated response plus the section labels it cites.
type Answer struct {
	Text      string   `json:"answer"`
	Citations []string `json:"citations"`
}
