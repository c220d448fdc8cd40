// Package search retrieves clause-library entries for assistant context
// and compliance scoring. Meilisearch serves queries when reachable;
// Postgres full-text search is the fallback.
package search

type Query struct {
	Text   string
	Domain string
	TopK   int
}

type Result struct {
	ClauseID       string  `json:"clauseId"`
	Domain         string  `json:"domain"`
	Title          string  `json:"title"`
	Body           string  `json:"body"`
	Recommendation string  `json:"recommendation,omitempty"`
	Score          float64 `json:"score"`
}

// ClauseRecord is the indexable projection of a clause row.
type ClauseRecord struct {
	ID             string `json:"id"`
	Domain         string `json:"domain"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Recommendation string `json:"recommendation,omitempty"`
}

const defaultTopK = 5

func normalizeTopK(topK int) int {
	if topK <= 0 {
		return defaultTopK
	}
	if topK > 50 {
		return 50
	}
	return topK
}
