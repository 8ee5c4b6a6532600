package docs

import (
	"time"

	"taxdocs/services/records"
)

// Summary is the dashboard overview of a user's documents.
type Summary struct {
	TotalDocuments int            `json:"totalDocuments"`
	LastUpdated    *time.Time     `json:"lastUpdated"`
	DocumentTypes  map[string]int `json:"documentTypes"`
}

// Summarize counts docs by type and finds the latest upload.
func Summarize(docs []records.Document) Summary {
	s := Summary{TotalDocuments: len(docs), DocumentTypes: make(map[string]int)}
	for _, d := range docs {
		typ := d.Type
		if typ == "" {
			typ = "unknown"
		}
		s.DocumentTypes[typ]++
		if s.LastUpdated == nil || d.UploadDate.After(*s.LastUpdated) {
			at := d.UploadDate
			s.LastUpdated = &at
		}
	}
	return s
}
