package types

// Ranking is the analyst's priority score for an article, 0 to 10.
type Ranking struct {
	Score     int    `json:"score"`
	Rationale string `json:"rationale,omitempty"`
}

// Extraction is the structured detection logic pulled from an article.
type Extraction struct {
	Summary     string   `json:"summary"`
	Techniques  []string `json:"techniques,omitempty"`
	Observables []string `json:"observables,omitempty"`
	Platforms   []string `json:"platforms,omitempty"`
}

// RuleDraft is a candidate rule as returned by the analyst, before it is
// assigned an ID.
type RuleDraft struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Body        string   `json:"body"`
}
