package microblog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KASPACOM/ai-agent-sub001/go/sources"
	"github.com/stretchr/testify/require"
)

type tweet struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
	Lang      string `json:"lang"`
}

// apiServer fakes the platform's v2 user and timeline endpoints.
type apiServer struct {
	t        *testing.T
	pages    [][]tweet // timeline pages, chained by next_token
	resolves int
	fetches  int
	status   int // non-zero forces this status on timeline calls
}

func (s *apiServer) handler() http.Handler {
	var mux = http.NewServeMux()
	mux.HandleFunc("/users/by/username/", func(w http.ResponseWriter, r *http.Request) {
		s.resolves++
		require.Equal(s.t, "Bearer token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"id": "100", "username": "kaspa"},
		})
	})
	mux.HandleFunc("/users/100/tweets", func(w http.ResponseWriter, r *http.Request) {
		s.fetches++
		if s.status != 0 {
			w.WriteHeader(s.status)
			return
		}
		var page = 0
		if tok := r.URL.Query().Get("pagination_token"); tok != "" {
			fmt.Sscanf(tok, "page-%d", &page)
		}
		var body = map[string]any{"data": s.pages[page]}
		var meta = map[string]any{"result_count": len(s.pages[page])}
		if page+1 < len(s.pages) {
			meta["next_token"] = fmt.Sprintf("page-%d", page+1)
		}
		body["meta"] = meta
		json.NewEncoder(w).Encode(body)
	})
	return mux
}

func newTestAdapter(t *testing.T, srv *apiServer) *Adapter {
	t.Helper()
	var ts = httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	var a, err = NewAdapter(Config{
		Bearer:   "token",
		Accounts: []string{"@Kaspa"},
		BaseURL:  ts.URL,
	})
	require.NoError(t, err)
	return a
}

func TestAccountsNormalized(t *testing.T) {
	var a = newTestAdapter(t, &apiServer{t: t})
	var accounts, err = a.Accounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"kaspa"}, accounts)
}

func TestFetchForwardPaging(t *testing.T) {
	var srv = &apiServer{t: t, pages: [][]tweet{
		{{ID: "3", Text: "kaspa three", CreatedAt: "2024-06-03T00:00:00Z", Lang: "en"}},
		{{ID: "2", Text: "kaspa two", CreatedAt: "2024-06-02T00:00:00Z"}},
	}}
	var a = newTestAdapter(t, srv)

	var res, err = a.FetchForward(context.Background(), "kaspa",
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 5)
	require.NoError(t, err)

	require.True(t, res.Done)
	require.False(t, res.RateLimited)
	require.Len(t, res.Records, 2)
	require.Equal(t, 3, res.RequestsUsed) // resolve + two pages
	require.Equal(t, 1, srv.resolves)

	var rec = res.Records[0]
	require.Equal(t, "3", rec.ForeignID)
	require.Equal(t, "kaspa", rec.Channel)
	require.Equal(t, "en", rec.Language)
	require.Equal(t, "https://x.com/kaspa/status/3", rec.URL)
	require.Equal(t, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), rec.CreatedAt)
}

func TestFetchForwardStopsAtBoundary(t *testing.T) {
	var srv = &apiServer{t: t, pages: [][]tweet{
		{
			{ID: "3", Text: "new", CreatedAt: "2024-06-03T00:00:00Z"},
			{ID: "2", Text: "already stored", CreatedAt: "2024-06-01T00:00:00Z"},
		},
		{{ID: "1", Text: "never fetched", CreatedAt: "2024-05-01T00:00:00Z"}},
	}}
	var a = newTestAdapter(t, srv)

	var res, err = a.FetchForward(context.Background(), "kaspa",
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 5)
	require.NoError(t, err)

	// The page item at the boundary ends the sweep; the next page is not
	// requested.
	require.True(t, res.Done)
	require.Len(t, res.Records, 1)
	require.Equal(t, 1, srv.fetches)
}

func TestFetchBudgetExhaustion(t *testing.T) {
	var srv = &apiServer{t: t, pages: [][]tweet{
		{{ID: "3", Text: "a", CreatedAt: "2024-06-03T00:00:00Z"}},
		{{ID: "2", Text: "b", CreatedAt: "2024-06-02T00:00:00Z"}},
		{{ID: "1", Text: "c", CreatedAt: "2024-06-01T12:00:00Z"}},
	}}
	var a = newTestAdapter(t, srv)

	// Budget 2: one request resolves the user, one fetches a page.
	var res, err = a.FetchForward(context.Background(), "kaspa",
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 2)
	require.NoError(t, err)

	require.True(t, res.HasMore)
	require.False(t, res.Done)
	require.Len(t, res.Records, 1)
	require.Equal(t, 2, res.RequestsUsed)

	// The resolved user id is cached: a second fetch spends nothing on it.
	res, err = a.FetchForward(context.Background(), "kaspa",
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 2)
	require.NoError(t, err)
	require.Equal(t, 1, srv.resolves)
	require.Equal(t, 2, res.RequestsUsed) // two timeline pages this time
}

func TestFetchRateLimited(t *testing.T) {
	var srv = &apiServer{t: t, status: http.StatusTooManyRequests}
	var a = newTestAdapter(t, srv)

	var res, err = a.FetchForward(context.Background(), "kaspa",
		time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 5)
	require.NoError(t, err) // rate limiting is a result, not an error

	require.True(t, res.RateLimited)
	require.True(t, res.HasMore)
	require.GreaterOrEqual(t, res.ResetAfter, time.Minute)
}

func TestFetchErrorClassification(t *testing.T) {
	var cases = []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, sources.ErrUnauthorized},
		{http.StatusForbidden, sources.ErrUnauthorized},
		{http.StatusNotFound, sources.ErrNotFound},
		{http.StatusInternalServerError, sources.ErrTransient},
		{http.StatusTeapot, sources.ErrFatal},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status %d", tc.status), func(t *testing.T) {
			var a = newTestAdapter(t, &apiServer{t: t, status: tc.status})
			var _, err = a.FetchForward(context.Background(), "kaspa",
				time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), 5)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFetchZeroBudget(t *testing.T) {
	var srv = &apiServer{t: t}
	var a = newTestAdapter(t, srv)

	var res, err = a.FetchForward(context.Background(), "kaspa", time.Time{}, 0)
	require.NoError(t, err)
	require.True(t, res.HasMore)
	require.Zero(t, res.RequestsUsed)
	require.Zero(t, srv.resolves)
}
