// Package microblog fetches account timelines from the microblog platform's
// v2 HTTP API using bearer-token auth. Pages hold at most 100 records,
// ordered newest to oldest, and every HTTP round-trip bills one request
// against the caller's budget.
package microblog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/message"
	"github.com/KASPACOM/ai-agent-sub001/go/sources"
	log "github.com/sirupsen/logrus"
)

const pageSize = 100

// Config is the microblog adapter configuration.
type Config struct {
	Bearer         string
	Accounts       []string
	BaseURL        string        // Defaults to the public API endpoint.
	Timeout        time.Duration // Per-call HTTP timeout.
	HistoricalDays int           // Initial lookback for accounts with no data.
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.Bearer == "" {
		return fmt.Errorf("expected bearer token")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("expected at least one account")
	}
	return nil
}

// Adapter implements sources.Adapter for the microblog platform.
type Adapter struct {
	cfg    Config
	client *http.Client

	mu      sync.Mutex
	userIDs map[string]string // handle -> platform user id
}

var _ sources.Adapter = (*Adapter)(nil)

// NewAdapter builds the adapter. It is a process-lifetime resource and safe
// for concurrent callers.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating microblog config: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twitter.com/2"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HistoricalDays <= 0 {
		cfg.HistoricalDays = 30
	}
	return &Adapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		userIDs: make(map[string]string),
	}, nil
}

// Source implements sources.Adapter.
func (a *Adapter) Source() message.Source { return message.SourceMicroblog }

// Accounts implements sources.Adapter.
func (a *Adapter) Accounts(context.Context) ([]string, error) {
	var out = make([]string, len(a.cfg.Accounts))
	for i, h := range a.cfg.Accounts {
		out[i] = strings.ToLower(strings.TrimPrefix(h, "@"))
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

// FetchBackward implements sources.Adapter. Backfill is a bounded window
// ending just before the earliest stored record.
func (a *Adapter) FetchBackward(ctx context.Context, handle string, before time.Time, budget int) (sources.FetchResult, error) {
	var start = before.AddDate(0, 0, -a.cfg.HistoricalDays)
	return a.fetch(ctx, handle, start, before, budget)
}

// fetch pages the user timeline within [since, before), newest first.
// A zero |before| means "up to now".
func (a *Adapter) fetch(ctx context.Context, handle string, since, before time.Time, budget int) (sources.FetchResult, error) {
	var res sources.FetchResult
	if budget <= 0 {
		res.HasMore = true
		return res, nil
	}

	var userID, spent, err = a.resolveUser(ctx, handle)
	res.RequestsUsed += spent
	if err != nil {
		var rl *rateLimit
		if errors.As(err, &rl) {
			res.RateLimited, res.ResetAfter, res.HasMore = true, rl.reset, true
			return res, nil
		}
		return res, err
	}
	budget -= spent

	var nextToken string
	for budget > 0 {
		var page timelinePage
		page, err = a.timelinePage(ctx, userID, since, before, nextToken)
		res.RequestsUsed++
		budget--

		if err != nil {
			var rl *rateLimit
			if errors.As(err, &rl) {
				res.RateLimited, res.ResetAfter, res.HasMore = true, rl.reset, true
				return res, nil
			}
			return res, err
		}

		for _, t := range page.Data {
			if !since.IsZero() && !t.CreatedAt.After(since) {
				res.Done = true
				return res, nil
			}
			res.Records = append(res.Records, message.Raw{
				Source:    message.SourceMicroblog,
				Channel:   handle,
				ForeignID: t.ID,
				Text:      t.Text,
				Author:    handle,
				CreatedAt: t.CreatedAt.UTC(),
				URL:       fmt.Sprintf("https://x.com/%s/status/%s", handle, t.ID),
				Language:  t.Lang,
			})
		}

		if page.Meta.NextToken == "" {
			res.Done = true
			return res, nil
		}
		nextToken = page.Meta.NextToken
	}

	res.HasMore = true
	return res, nil
}

// resolveUser maps a handle to its platform user id, caching the result.
// A cache hit costs zero requests.
func (a *Adapter) resolveUser(ctx context.Context, handle string) (string, int, error) {
	a.mu.Lock()
	if id, ok := a.userIDs[handle]; ok {
		a.mu.Unlock()
		return id, 0, nil
	}
	a.mu.Unlock()

	var body struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := a.getJSON(ctx, fmt.Sprintf("%s/users/by/username/%s", a.cfg.BaseURL, url.PathEscape(handle)), &body); err != nil {
		return "", 1, fmt.Errorf("resolving user %q: %w", handle, err)
	}
	if body.Data.ID == "" {
		return "", 1, fmt.Errorf("resolving user %q: %w", handle, sources.ErrNotFound)
	}

	a.mu.Lock()
	a.userIDs[handle] = body.Data.ID
	a.mu.Unlock()
	return body.Data.ID, 1, nil
}

type timelinePage struct {
	Data []struct {
		ID        string    `json:"id"`
		Text      string    `json:"text"`
		CreatedAt time.Time `json:"created_at"`
		Lang      string    `json:"lang"`
	} `json:"data"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
}

func (a *Adapter) timelinePage(ctx context.Context, userID string, since, before time.Time, nextToken string) (timelinePage, error) {
	var q = url.Values{}
	q.Set("max_results", strconv.Itoa(pageSize))
	q.Set("tweet.fields", "created_at,lang")
	if !since.IsZero() {
		q.Set("start_time", since.UTC().Format(time.RFC3339))
	}
	if !before.IsZero() {
		q.Set("end_time", before.UTC().Format(time.RFC3339))
	}
	if nextToken != "" {
		q.Set("pagination_token", nextToken)
	}

	var page timelinePage
	var err = a.getJSON(ctx, fmt.Sprintf("%s/users/%s/tweets?%s", a.cfg.BaseURL, userID, q.Encode()), &page)
	return page, err
}

// rateLimit is the internal signal for a 429 response.
type rateLimit struct{ reset time.Duration }

func (r *rateLimit) Error() string { return fmt.Sprintf("rate limited, reset in %s", r.reset) }

func (a *Adapter) getJSON(ctx context.Context, rawURL string, out any) error {
	var req, err = http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Bearer)

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%v: %w", err, sources.ErrTimeout)
		}
		return fmt.Errorf("%v: %w", err, sources.ErrTransient)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &rateLimit{reset: resetAfter(resp)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("status %d: %w", resp.StatusCode, sources.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return sources.ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d: %w", resp.StatusCode, sources.ErrTransient)
	default:
		var snippet, _ = io.ReadAll(io.LimitReader(resp.Body, 256))
		log.WithFields(log.Fields{"status": resp.StatusCode, "body": string(snippet)}).
			Warn("unexpected microblog API response")
		return fmt.Errorf("status %d: %w", resp.StatusCode, sources.ErrFatal)
	}
}

// resetAfter reads the provider's rate-limit reset header. The minimum
// honored wait is 60 seconds.
func resetAfter(resp *http.Response) time.Duration {
	var reset = time.Minute
	if raw := resp.Header.Get("x-rate-limit-reset"); raw != "" {
		if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > reset {
				reset = d
			}
		}
	}
	return reset
}
