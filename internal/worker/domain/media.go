package domain

// Analysis state constants for media items
const (
	AnalysisPending = "PENDING"
	AnalysisRunning = "RUNNING"
	AnalysisDone    = "ANALYZED"
	AnalysisFailed  = "FAILED"
)

// MediaItem represents an uploaded resource tracked by the consumer
type MediaItem struct {
	ID               string
	StorageKey       string
	ProjectID        string
	OwnerID          string
	ContentType      string
	SizeBytes        int64
	AnalysisState    string
	AnalysisAttempts int
	Labels           string // JSON array of labels from analysis
	LastError        string
}
