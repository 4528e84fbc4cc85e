package search

// Result is a single search hit returned to the caller.
type Result struct {
	ProposalID  string `json:"proposalId"`
	ProjectName string `json:"projectName"`
	ClientName  string `json:"clientName"`
	Snippet     string `json:"snippet"`
	Phase       string `json:"phase"`
	Status      string `json:"status"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterPhase  string
	FilterStatus string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push proposals into a search index.
type Indexer interface {
	IndexProposal(p ProposalRecord) error
	DeleteProposal(id string) error
}

// ProposalRecord is the data we index for a proposal.
type ProposalRecord struct {
	ID          string `json:"id"`
	ProjectName string `json:"projectName"`
	ClientName  string `json:"clientName"`
	Summary     string `json:"summary"`
	Phase       string `json:"phase"`
	Status      string `json:"status"`
}
