// Package domain defines core domain types, constants, and validation for
// the content pipeline. It acts as the validation gate at pipeline entry
// points: the orchestrator's public API and each worker's task handler.
package domain

import "time"

// Article is a single piece of extracted content, progressively enriched as
// it moves through the transformation stage.
type Article struct {
	ID             string            `json:"id"`
	Source         string            `json:"source"`
	URL            string            `json:"url"`
	Title          string            `json:"title"`
	Content        string            `json:"content"`
	PublishedAt    time.Time         `json:"published_at"`
	Summary        string            `json:"summary,omitempty"`
	Sentiment      string            `json:"sentiment,omitempty"`
	Classification string            `json:"classification,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Verdict classifies the outcome of a claim-verification query.
type Verdict string

const (
	VerdictTrue        Verdict = "TRUE"
	VerdictFalse       Verdict = "FALSE"
	VerdictMixed       Verdict = "MIXED"
	VerdictUndetermined Verdict = "UNDETERMINED"
)

// Claim is a user-submitted assertion to be verified against the corpus.
type Claim struct {
	Text      string `json:"text"`
	WebSearch bool   `json:"web_search"`
}

// SourceConfig describes one configured extraction source: a named site with
// a URL template and a traversal strategy, fetched from the document store
// before a scrape begins.
type SourceConfig struct {
	Name            string `json:"name"`
	URLTemplate     string `json:"url_template"`
	TraversalPolicy string `json:"traversal_policy"` // "pagination_index" | "load_more" | "single_page"
}

// ValidSources enumerates known source names.
var ValidSources = map[string]bool{
	"reuters":   true,
	"apnews":    true,
	"bbc":       true,
	"npr":       true,
	"guardian":  true,
	"bloomberg": true,
}
