package types

import "context"

// ExtractedData is the structured result produced by a page content extractor.
type ExtractedData struct {
	URL         string   `json:"url"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Language    string   `json:"language,omitempty"`
	Headings    []string `json:"headings,omitempty"`
	Links       []string `json:"links,omitempty"`
	WordCount   int      `json:"wordCount"`
	Excerpt     string   `json:"excerpt,omitempty"`
}

// SessionSummary is the immutable report produced once when a session closes.
type SessionSummary struct {
	ID                   string                 `json:"id"`
	URL                  string                 `json:"url"`
	Device               string                 `json:"device,omitempty"`
	BytesAllowed         int64                  `json:"bytesAllowed"`
	BytesBlockedEstimate int64                  `json:"bytesBlockedEstimate"`
	BytesSubstituted     int64                  `json:"bytesSubstituted"`
	RequestsByOutcome    map[DecisionKind]int64 `json:"requestsByOutcome"`
	BlockedByReason      map[string]int64       `json:"blockedByReason,omitempty"`
	BytesBySite          map[string]int64       `json:"bytesBySite,omitempty"`
	ElapsedMs            int64                  `json:"elapsedMs"`
	Partial              bool                   `json:"partial"`
	ExtractionError      *string                `json:"extractionError"`
	Data                 *ExtractedData         `json:"data"`
	ProtocolViolations   []string               `json:"protocolViolations,omitempty"`
}

// TotalRequests returns the number of decided requests.
func (s *SessionSummary) TotalRequests() int64 {
	var n int64
	for _, c := range s.RequestsByOutcome {
		n += c
	}
	return n
}

// PageHandle is a read-only view of a loaded page handed to the extractor.
type PageHandle interface {
	// URL returns the page URL after redirects.
	URL() string
	// HTML returns the serialized document.
	HTML(ctx context.Context) (string, error)
}
