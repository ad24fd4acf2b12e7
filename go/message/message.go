// Package message defines the canonical record types which flow through the
// indexing pipeline: the raw records produced by source adapters, the
// normalized CanonicalMessage, and the RunReport emitted by indexing runs.
package message

import (
	"fmt"
	"time"
)

// Source identifies the platform a message originated from.
type Source string

const (
	SourceMicroblog Source = "microblog"
	SourceGroupchat Source = "groupchat"
)

// Validate returns an error if the Source is not a known platform.
func (s Source) Validate() error {
	switch s {
	case SourceMicroblog, SourceGroupchat:
		return nil
	default:
		return fmt.Errorf("invalid source %q", string(s))
	}
}

// ProcessingStatus tracks the pipeline stage a message has reached.
// It progresses monotonically within a run.
type ProcessingStatus string

const (
	StatusScraped     ProcessingStatus = "scraped"
	StatusTransformed ProcessingStatus = "transformed"
	StatusEmbedded    ProcessingStatus = "embedded"
	StatusStored      ProcessingStatus = "stored"
	StatusFailed      ProcessingStatus = "failed"
)

var statusRank = map[ProcessingStatus]int{
	StatusScraped:     0,
	StatusTransformed: 1,
	StatusEmbedded:    2,
	StatusStored:      3,
	StatusFailed:      4,
}

// Raw is the unified record returned by source adapters, prior to
// normalization. Adapters populate what the platform provides and leave the
// rest zero; the normalizer is the single place where Raw is coerced into a
// CanonicalMessage.
type Raw struct {
	Source    Source
	Channel   string // Account handle or channel partition, original case.
	ForeignID string // Platform-native message identifier.
	Text      string
	Author    string
	CreatedAt time.Time
	URL       string
	Language  string // Platform-provided language tag, or empty.
}

// CanonicalMessage is the normalized unit flowing through the pipeline.
type CanonicalMessage struct {
	ID           string           `json:"id"`
	Text         string           `json:"text"`
	Author       string           `json:"author"`
	AuthorHandle string           `json:"authorHandle"` // Lower-cased partition key.
	CreatedAt    time.Time        `json:"createdAt"`
	URL          string           `json:"url"`
	Source       Source           `json:"source"`
	KaspaRelated bool             `json:"kaspaRelated"`
	KaspaTopics  []string         `json:"kaspaTopics"`
	Hashtags     []string         `json:"hashtags"`
	Mentions     []string         `json:"mentions"`
	Links        []string         `json:"links"`
	Language     string           `json:"language"`
	ForeignID    string           `json:"originalForeignId"`
	Status       ProcessingStatus `json:"processingStatus"`
	RetryCount   int              `json:"retryCount,omitempty"`
	Errors       []string         `json:"errors,omitempty"`
}

// AdvanceTo moves the message to |next|, or returns an error if doing so
// would regress the status. StatusFailed is reachable from any stage.
func (m *CanonicalMessage) AdvanceTo(next ProcessingStatus) error {
	if next != StatusFailed && statusRank[next] < statusRank[m.Status] {
		return fmt.Errorf("processing status cannot regress from %s to %s", m.Status, next)
	}
	m.Status = next
	return nil
}

// Payload maps the message to the flat payload persisted alongside its
// vector. The layout is a storage contract: boundary queries filter on
// authorHandle and scan createdAt, so both must always be present.
func (m *CanonicalMessage) Payload(storedAt time.Time, dimensions int) map[string]any {
	return map[string]any{
		"text":              m.Text,
		"author":            m.Author,
		"authorHandle":      m.AuthorHandle,
		"createdAt":         m.CreatedAt.UTC().Format(time.RFC3339),
		"url":               m.URL,
		"source":            string(m.Source),
		"kaspaRelated":      m.KaspaRelated,
		"kaspaTopics":       toAnySlice(m.KaspaTopics),
		"hashtags":          toAnySlice(m.Hashtags),
		"mentions":          toAnySlice(m.Mentions),
		"links":             toAnySlice(m.Links),
		"language":          m.Language,
		"originalForeignId": m.ForeignID,
		"storedAt":          storedAt.UTC().Format(time.RFC3339),
		"vectorDimensions":  dimensions,
	}
}

func toAnySlice(ss []string) []any {
	var out = make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
