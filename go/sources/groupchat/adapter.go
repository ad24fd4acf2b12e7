// Package groupchat fetches channel and forum-topic messages from the
// group-chat platform through a user-level MTProto client. Forum topics are
// separate partitions: their records carry a "<channel>:topic:<id>" handle so
// boundary queries stay per-topic.
package groupchat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/KASPACOM/ai-agent-sub001/go/sources"
	log "github.com/sirupsen/logrus"
)

const pageSize = 100

// ChannelRef identifies a configured channel by id or username.
type ChannelRef struct {
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
}

func (r ChannelRef) name() string {
	if r.Username != "" {
		return strings.ToLower(strings.TrimPrefix(r.Username, "@"))
	}
	return strconv.FormatInt(r.ID, 10)
}

// Channel is a resolved channel peer.
type Channel struct {
	ID         int64
	AccessHash int64
	Username   string
	Title      string
	Forum      bool
}

// ChatMessage is one fetched message, already reduced to what the
// normalizer needs.
type ChatMessage struct {
	ID     int
	Date   time.Time
	Text   string
	Author string
}

// ForumTopic is one discovered topic of a forum channel.
type ForumTopic struct {
	ID    int
	Title string
}

// API is the narrow platform surface the adapter consumes. The production
// implementation wraps the MTProto client; tests substitute a fake.
type API interface {
	Resolve(ctx context.Context, ref ChannelRef) (Channel, error)
	History(ctx context.Context, ch Channel, offsetID int, offsetDate time.Time, limit int) ([]ChatMessage, error)
	Replies(ctx context.Context, ch Channel, topicID, offsetID int, offsetDate time.Time, limit int) ([]ChatMessage, error)
	ForumTopics(ctx context.Context, ch Channel) ([]ForumTopic, error)
	// FloodWait inspects an error for the platform's rate-limit signal.
	FloodWait(err error) (time.Duration, bool)
}

// Config is the groupchat adapter configuration.
type Config struct {
	Channels       []ChannelRef
	HistoricalDays int
}

// Validate the configuration.
func (c Config) Validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("expected at least one channel")
	}
	for i, ref := range c.Channels {
		if ref.ID == 0 && ref.Username == "" {
			return fmt.Errorf("channel %d: expected id or username", i)
		}
	}
	return nil
}

// Adapter implements sources.Adapter for the group-chat platform.
type Adapter struct {
	cfg Config
	api API

	mu       sync.Mutex
	channels map[string]Channel // lower-cased channel name -> resolved peer
}

var _ sources.Adapter = (*Adapter)(nil)

// NewAdapter builds the adapter over an API implementation.
func NewAdapter(cfg Config, api API) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating groupchat config: %w", err)
	}
	if cfg.HistoricalDays <= 0 {
		cfg.HistoricalDays = 30
	}
	return &Adapter{cfg: cfg, api: api, channels: make(map[string]Channel)}, nil
}

// Source implements sources.Adapter.
func (a *Adapter) Source() message.Source { return message.SourceGroupchat }

// Accounts implements sources.Adapter. Forum channels contribute one handle
// per discovered topic in addition to the main-channel handle.
func (a *Adapter) Accounts(ctx context.Context) ([]string, error) {
	var out []string
	for _, ref := range a.cfg.Channels {
		var name = ref.name()
		var ch, err = a.resolve(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("resolving channel %q: %w", name, err)
		}
		out = append(out, name)

		if !ch.Forum {
			continue
		}
		topics, err := a.api.ForumTopics(ctx, ch)
		if err != nil {
			log.WithFields(log.Fields{"channel": name, "err": err}).
				Warn("listing forum topics failed, indexing main channel only")
			continue
		}
		for _, t := range topics {
			out = append(out, sources.TopicHandle(name, t.ID))
		}
	}
	return out, nil
}

// FetchForward implements sources.Adapter.
func (a *Adapter) FetchForward(ctx context.Context, handle string, since time.Time, budget int) (sources.FetchResult, error) {
	if since.IsZero() {
		since = time.Now().UTC().AddDate(0, 0, -a.cfg.HistoricalDays)
	}
	return a.fetch(ctx, handle, since, time.Time{}, budget)
}

// FetchBackward implements sources.Adapter. The platform paginates from any
// offset date, so historical backfill is a first-class capability here.
func (a *Adapter) FetchBackward(ctx context.Context, handle string, before time.Time, budget int) (sources.FetchResult, error) {
	return a.fetch(ctx, handle, time.Time{}, before, budget)
}

func (a *Adapter) fetch(ctx context.Context, handle string, since, before time.Time, budget int) (sources.FetchResult, error) {
	var res sources.FetchResult
	if budget <= 0 {
		res.HasMore = true
		return res, nil
	}

	var name, topicID, err = sources.SplitHandle(handle)
	if err != nil {
		return res, fmt.Errorf("%v: %w", err, sources.ErrFatal)
	}
	ch, err := a.resolveByName(ctx, name)
	if err != nil {
		return res, err
	}

	var offsetID int
	var offsetDate = before // Zero for forward fetches.
	for budget > 0 {
		var page []ChatMessage
		if topicID != 0 {
			page, err = a.api.Replies(ctx, ch, topicID, offsetID, offsetDate, pageSize)
		} else {
			page, err = a.api.History(ctx, ch, offsetID, offsetDate, pageSize)
		}
		res.RequestsUsed++
		budget--

		if err != nil {
			if wait, ok := a.api.FloodWait(err); ok {
				res.RateLimited, res.ResetAfter, res.HasMore = true, wait, true
				return res, nil
			}
			return res, classify(err)
		}
		if len(page) == 0 {
			res.Done = true
			return res, nil
		}

		for _, m := range page {
			if !since.IsZero() && !m.Date.After(since) {
				res.Done = true
				return res, nil
			}
			res.Records = append(res.Records, message.Raw{
				Source:    message.SourceGroupchat,
				Channel:   handle,
				ForeignID: strconv.Itoa(m.ID),
				Text:      m.Text,
				Author:    authorOrTitle(m, ch),
				CreatedAt: m.Date.UTC(),
				URL:       messageURL(ch, name, m.ID),
			})
			offsetID = m.ID
		}
		// Subsequent pages paginate by message id only.
		offsetDate = time.Time{}
	}

	res.HasMore = true
	return res, nil
}

func (a *Adapter) resolve(ctx context.Context, ref ChannelRef) (Channel, error) {
	var name = ref.name()
	a.mu.Lock()
	if ch, ok := a.channels[name]; ok {
		a.mu.Unlock()
		return ch, nil
	}
	a.mu.Unlock()

	var ch, err = a.api.Resolve(ctx, ref)
	if err != nil {
		return Channel{}, classify(err)
	}
	a.mu.Lock()
	a.channels[name] = ch
	a.mu.Unlock()
	return ch, nil
}

func (a *Adapter) resolveByName(ctx context.Context, name string) (Channel, error) {
	for _, ref := range a.cfg.Channels {
		if ref.name() == name {
			return a.resolve(ctx, ref)
		}
	}
	return Channel{}, fmt.Errorf("channel %q is not configured: %w", name, sources.ErrNotFound)
}

func authorOrTitle(m ChatMessage, ch Channel) string {
	if m.Author != "" {
		return m.Author
	}
	return ch.Title
}

func messageURL(ch Channel, name string, msgID int) string {
	if ch.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", ch.Username, msgID)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", ch.ID, msgID)
}

// classify maps platform errors onto the typed adapter signals.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case strings.Contains(err.Error(), "AUTH_KEY"):
		return fmt.Errorf("%v: %w", err, sources.ErrUnauthorized)
	case strings.Contains(err.Error(), "CHANNEL_INVALID") || strings.Contains(err.Error(), "USERNAME_NOT_OCCUPIED"):
		return fmt.Errorf("%v: %w", err, sources.ErrNotFound)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%v: %w", err, sources.ErrTimeout)
	default:
		return fmt.Errorf("%v: %w", err, sources.ErrTransient)
	}
}
