package message

import "time"

// AccountReport is the per-account breakdown of an indexing run.
type AccountReport struct {
	Handle        string        `json:"handle"`
	RequestsUsed  int           `json:"requestsUsed"`
	Processed     int           `json:"processed"`
	Embedded      int           `json:"embedded"`
	Stored        int           `json:"stored"`
	Errors        int           `json:"errors"`
	RateLimited   bool          `json:"rateLimited"`
	HasMoreData   bool          `json:"hasMoreData"`
	WasCompleted  bool          `json:"wasCompleted"`
	FailureReason string        `json:"failureReason,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

// RunReport summarizes a single indexing run of one source. It is the only
// value the scheduler ever sees from the indexer core.
type RunReport struct {
	RunID          string          `json:"runId"`
	Source         Source          `json:"source"`
	StartedAt      time.Time       `json:"startedAt"`
	ProcessingTime time.Duration   `json:"processingTime"`
	Processed      int             `json:"processed"`
	Embedded       int             `json:"embedded"`
	Stored         int             `json:"stored"`
	Errors         int             `json:"errors"`
	RequestsUsed   int             `json:"requestsUsed"`
	RateLimited    bool            `json:"rateLimited"`
	HasMoreData    bool            `json:"hasMoreData"`
	Success        bool            `json:"success"`
	FatalError     string          `json:"fatalError,omitempty"`
	Accounts       []AccountReport `json:"accounts"`
}

// Merge folds an account's results into the run totals.
func (r *RunReport) Merge(a AccountReport) {
	r.Accounts = append(r.Accounts, a)
	r.Processed += a.Processed
	r.Embedded += a.Embedded
	r.Stored += a.Stored
	r.Errors += a.Errors
	r.RequestsUsed += a.RequestsUsed
	r.RateLimited = r.RateLimited || a.RateLimited
	r.HasMoreData = r.HasMoreData || a.HasMoreData
}
