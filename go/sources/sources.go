// Package sources defines the contract which platform adapters implement:
// budget-bounded bidirectional fetch of raw records, with typed error
// signals that the indexer core classifies.
package sources

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
)

// Typed adapter error signals. Adapters wrap platform errors into exactly one
// of these so the indexer can classify them without knowing wire protocols.
var (
	ErrTimeout      = errors.New("source request timed out")
	ErrUnauthorized = errors.New("source rejected credentials")
	ErrNotFound     = errors.New("source account not found")
	ErrTransient    = errors.New("transient source error")
	ErrFatal        = errors.New("fatal source error")
)

// FetchResult is the outcome of one budget-bounded fetch. Rate limiting is
// not an error: it sets RateLimited and HasMore so the run can move on to
// other accounts and favor this one next time.
type FetchResult struct {
	Records      []message.Raw
	RequestsUsed int
	RateLimited  bool
	ResetAfter   time.Duration // Provider-supplied reset hint, if rate limited.
	HasMore      bool          // The fetch was cut short by budget or rate limit.
	Done         bool          // The adapter reached the boundary or end of data.
}

// Adapter is the capability set of a platform source.
type Adapter interface {
	// Source identifies the platform.
	Source() message.Source

	// Accounts lists the partition handles this adapter is configured to
	// index. Handles of forum topics are discovered here and carry a
	// ":topic:<id>" suffix.
	Accounts(ctx context.Context) ([]string, error)

	// FetchForward returns records strictly newer than |since|, newest first,
	// spending at most |budget| platform requests. A zero |since| means the
	// configured historical lookback.
	FetchForward(ctx context.Context, handle string, since time.Time, budget int) (FetchResult, error)

	// FetchBackward returns records strictly older than |before|, spending at
	// most |budget| requests. Adapters lacking the capability return
	// {Done: true} and never silently skip.
	FetchBackward(ctx context.Context, handle string, before time.Time, budget int) (FetchResult, error)
}

// SplitHandle separates a partition handle into its channel and optional
// forum-topic id. A handle without a ":topic:" suffix has topic id zero.
func SplitHandle(handle string) (channel string, topicID int, err error) {
	const sep = ":topic:"
	var idx = strings.Index(handle, sep)
	if idx < 0 {
		return handle, 0, nil
	}
	topicID, err = strconv.Atoi(handle[idx+len(sep):])
	if err != nil || topicID <= 0 {
		return "", 0, fmt.Errorf("malformed topic handle %q", handle)
	}
	return handle[:idx], topicID, nil
}

// TopicHandle builds the partition handle of a forum topic.
func TopicHandle(channel string, topicID int) string {
	return fmt.Sprintf("%s:topic:%d", channel, topicID)
}
