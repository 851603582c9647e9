package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultClaim ResultType = "claim"
	ResultPaper ResultType = "paper"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	Topic   string     `json:"topic,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text        string
	FilterType  ResultType // empty = all types
	FilterTopic string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// ClaimRecord is the indexed shape of a graph claim.
type ClaimRecord struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Topic string `json:"topic"`
}

// PaperRecord is the indexed shape of a published paper.
type PaperRecord struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
	Status   string `json:"status"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
