package model

import (
	"strings"
	"time"
)

// CandidateRecord is a single source's claim about an organization, location
// and service bundle. Adapters produce it; the pipeline never mutates it.
type CandidateRecord struct {
	SourceID     string            `json:"source_id"`
	SourceURL    string            `json:"source_url,omitempty"`
	Name         string            `json:"name"`
	AddressText  string            `json:"address_text,omitempty"`
	Phone        string            `json:"phone,omitempty"`
	ScheduleText string            `json:"schedule_text,omitempty"`
	Description  string            `json:"description,omitempty"`
	RawContent   string            `json:"raw_content,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
	CollectedAt  time.Time         `json:"collected_at,omitempty"`
}

// SourceText returns the text handed to the enrichment provider. The raw
// content blob wins when present; otherwise the structured fields are joined
// in a fixed order.
func (c CandidateRecord) SourceText() string {
	if strings.TrimSpace(c.RawContent) != "" {
		return c.RawContent
	}
	parts := make([]string, 0, 5)
	for _, s := range []string{c.Name, c.AddressText, c.Phone, c.ScheduleText, c.Description} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// Empty reports whether the record carries nothing worth enriching.
func (c CandidateRecord) Empty() bool {
	return strings.TrimSpace(c.SourceText()) == ""
}
