// Package transform is the single place where raw adapter records are coerced
// into canonical messages. It is pure: no I/O, no shared state. Downstream
// code must never re-peek at raw records.
package transform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
)

// EmptyTextSentinel is substituted for blank message text before embedding.
// Zero-length input is known to fail at some embedding providers, so the
// sentinel is stored in place of the original (empty) text.
const EmptyTextSentinel = "empty text"

// Default text-length bounds. Messages longer than the per-source maximum are
// skipped outright, never truncated. Messages shorter than the minimum are
// stored but flagged with a warning.
const (
	DefaultMaxTextLength   = 5000
	MicroblogMaxTextLength = 280
	MinTextLength          = 10
)

var (
	microblogHandleRe = regexp.MustCompile(`^[a-z0-9_]{1,15}$`)
	groupchatHandleRe = regexp.MustCompile(`^[a-z0-9_]{1,32}(:topic:[0-9]+)?$`)
)

// Normalizer converts raw adapter records into canonical messages.
type Normalizer struct {
	// MaxTextLength bounds stored text per source. Zero means the defaults
	// (280 for microblog, 5000 otherwise).
	MaxTextLength map[message.Source]int
}

// NewNormalizer returns a Normalizer with the default per-source text bounds.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		MaxTextLength: map[message.Source]int{
			message.SourceMicroblog: MicroblogMaxTextLength,
			message.SourceGroupchat: DefaultMaxTextLength,
		},
	}
}

// Result is the outcome of normalizing one raw record. A skipped record has
// no message; warnings never prevent storage.
type Result struct {
	Msg        *message.CanonicalMessage
	Skipped    bool
	SkipReason string
	Warnings   []string
}

// Normalize transforms |raw| into a canonical message.
func (n *Normalizer) Normalize(raw message.Raw) Result {
	if err := raw.Source.Validate(); err != nil {
		return Result{Skipped: true, SkipReason: err.Error()}
	}
	if raw.ForeignID == "" {
		return Result{Skipped: true, SkipReason: "record has no foreign id"}
	}

	var text = CleanWhitespace(raw.Text)
	if max := n.maxLen(raw.Source); len(text) > max {
		return Result{Skipped: true, SkipReason: fmt.Sprintf("text length %d exceeds maximum %d", len(text), max)}
	}

	var warnings []string
	if text == "" {
		text = EmptyTextSentinel
	} else if len(text) < MinTextLength {
		warnings = append(warnings, fmt.Sprintf("text length %d is below minimum %d", len(text), MinTextLength))
	}

	var handle = strings.ToLower(raw.Channel)
	if w := validateHandle(raw.Source, handle); w != "" {
		warnings = append(warnings, w)
	}

	var lang = raw.Language
	if lang == "" {
		lang = "unknown"
	}

	var id = StableID(raw.Source, handle, raw.ForeignID)
	var msg = &message.CanonicalMessage{
		ID:           id,
		Text:         text,
		Author:       raw.Author,
		AuthorHandle: handle,
		CreatedAt:    raw.CreatedAt.UTC(),
		URL:          raw.URL,
		Source:       raw.Source,
		KaspaRelated: KaspaRelated(text),
		KaspaTopics:  KaspaTopics(text),
		Hashtags:     Hashtags(raw.Text),
		Mentions:     Mentions(raw.Text),
		Links:        Links(raw.Text),
		Language:     lang,
		ForeignID:    raw.ForeignID,
		Status:       message.StatusTransformed,
	}
	return Result{Msg: msg, Warnings: warnings}
}

// NormalizeBatch normalizes |raws| in order, returning the surviving messages
// together with the count of skipped records and any accumulated warnings.
func (n *Normalizer) NormalizeBatch(raws []message.Raw) (msgs []*message.CanonicalMessage, skipped int, warnings []string) {
	for _, raw := range raws {
		var res = n.Normalize(raw)
		if res.Skipped {
			skipped++
			continue
		}
		msgs = append(msgs, res.Msg)
		warnings = append(warnings, res.Warnings...)
	}
	return msgs, skipped, warnings
}

func (n *Normalizer) maxLen(s message.Source) int {
	if n.MaxTextLength != nil {
		if max, ok := n.MaxTextLength[s]; ok && max > 0 {
			return max
		}
	}
	if s == message.SourceMicroblog {
		return MicroblogMaxTextLength
	}
	return DefaultMaxTextLength
}

// validateHandle checks the partition key shape. Violations are warnings
// only: legacy data contains handles which pre-date normalization.
func validateHandle(s message.Source, handle string) string {
	switch s {
	case message.SourceMicroblog:
		if !microblogHandleRe.MatchString(handle) {
			return fmt.Sprintf("microblog handle %q does not match ^[a-z0-9_]{1,15}$", handle)
		}
	case message.SourceGroupchat:
		if !groupchatHandleRe.MatchString(handle) {
			return fmt.Sprintf("groupchat handle %q is not a valid channel partition", handle)
		}
	}
	return ""
}
