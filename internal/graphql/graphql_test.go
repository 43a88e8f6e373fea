package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/ckexport/internal/domain"
)

// fakeAuth hands out tokens in order, advancing on Invalidate.
type fakeAuth struct {
	tokens        []string
	current       int
	invalidations int
	err           error
}

func (a *fakeAuth) Headers(ctx context.Context) (http.Header, error) {
	if a.err != nil {
		return nil, a.err
	}
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+a.tokens[a.current])
	h.Set("Content-Type", "application/json")
	return h, nil
}

func (a *fakeAuth) Invalidate() {
	a.invalidations++
	if a.current < len(a.tokens)-1 {
		a.current++
	}
}

type seenRequest struct {
	Operation string
	Cursor    string
	Auth      string
}

// fakeEndpoint dispatches on operation name and records every call.
type fakeEndpoint struct {
	mu      sync.Mutex
	seen    []seenRequest
	recent  func(call int) (int, string)
	history func(cursor string, call int) (int, string)
	detail  func(urn string) (int, string)
}

func (e *fakeEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OperationName string `json:"operationName"`
		Variables     struct {
			URN   string `json:"urn"`
			Input struct {
				PaginationInput *struct {
					AfterCursor string `json:"afterCursor"`
				} `json:"paginationInput"`
			} `json:"input"`
		} `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var cursor string
	if body.Variables.Input.PaginationInput != nil {
		cursor = body.Variables.Input.PaginationInput.AfterCursor
	}

	e.mu.Lock()
	e.seen = append(e.seen, seenRequest{Operation: body.OperationName, Cursor: cursor, Auth: r.Header.Get("Authorization")})
	calls := e.countLocked(body.OperationName, cursor)
	e.mu.Unlock()

	var status int
	var payload string
	switch body.OperationName {
	case RecentOperation:
		status, payload = e.recent(calls)
	case HistoryOperation:
		status, payload = e.history(cursor, calls)
	case DetailOperation:
		status, payload = e.detail(body.Variables.URN)
	default:
		status, payload = http.StatusBadRequest, `{"errors":[{"message":"unknown operation"}]}`
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func (e *fakeEndpoint) countLocked(op, cursor string) int {
	n := 0
	for _, s := range e.seen {
		if s.Operation == op && (op != HistoryOperation || s.Cursor == cursor) {
			n++
		}
	}
	return n
}

func (e *fakeEndpoint) calls(op string) []seenRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []seenRequest
	for _, s := range e.seen {
		if s.Operation == op {
			out = append(out, s)
		}
	}
	return out
}

func tx(id string, d civil.Date, amount float64) map[string]any {
	return map[string]any{
		"id":          id,
		"description": "Merchant " + id,
		"date":        d.String(),
		"amount":      map[string]any{"value": amount},
		"category":    map[string]any{"name": "Shopping", "type": "EXPENSE"},
	}
}

func listResponse(txs []map[string]any) string {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{"prime": map[string]any{"transactionList": map[string]any{"transactions": txs}}},
	})
	return string(b)
}

func pageResponse(txs []map[string]any, next bool, cursor string) string {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{"prime": map[string]any{"transactionsHub": map[string]any{
			"transactionPage": map[string]any{
				"transactions": txs,
				"pageInfo":     map[string]any{"hasNextPage": next, "endCursor": cursor},
			},
		}}},
	})
	return string(b)
}

const refreshBody = `{"error":"TOKEN_NEEDS_REFRESH"}`

var testNow = time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)

func day(m time.Month, d int) civil.Date {
	return civil.Date{Year: 2024, Month: m, Day: d}
}

func testPacing() Pacing {
	return Pacing{
		GapThresholdDays: 7,
		PageDelay:        time.Millisecond,
		SkipDelay:        time.Millisecond,
		RetryBackoff:     time.Millisecond,
		MaxRetries:       3,
	}
}

func newTestFetcher(t *testing.T, e *fakeEndpoint, auth *fakeAuth) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	f := NewFetcher(NewClient(srv.URL, srv.Client(), auth), testPacing())
	f.now = func() time.Time { return testNow }
	return f
}

// fiftyRecent is 50 transactions spread over the 10 days ending on testNow.
func fiftyRecent() []map[string]any {
	var txs []map[string]any
	for i := 0; i < 50; i++ {
		d := day(time.March, 31).AddDays(-(i / 5))
		txs = append(txs, tx(fmt.Sprintf("r%d", i), d, -10))
	}
	return txs
}

func TestClient_DoSendsPersistedQuery(t *testing.T) {
	var got map[string]any
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"data":{"ok":true}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), &fakeAuth{tokens: []string{"eyJa"}})
	data, err := c.Do(context.Background(), historyRequest("abc"))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("data = %s", data)
	}
	if authHeader != "Bearer eyJa" {
		t.Errorf("Authorization = %q", authHeader)
	}
	if got["operationName"] != HistoryOperation {
		t.Errorf("operationName = %v", got["operationName"])
	}

	pq := got["extensions"].(map[string]any)["persistedQuery"].(map[string]any)
	if pq["sha256Hash"] != HistoryQueryHash || pq["version"] != float64(1) {
		t.Errorf("persistedQuery = %v", pq)
	}

	input := got["variables"].(map[string]any)["input"].(map[string]any)
	if input["paginationInput"].(map[string]any)["afterCursor"] != "abc" {
		t.Errorf("paginationInput = %v", input["paginationInput"])
	}
	cat := input["categoryInput"].(map[string]any)
	if v, present := cat["categoryId"]; !present || v != nil {
		t.Errorf("categoryInput.categoryId = %v, want explicit null", v)
	}
	if _, present := got["query"]; present {
		t.Error("persisted request should not carry query text")
	}
}

func TestClient_DoErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   "boom",
			check: func(t *testing.T, err error) {
				var ne *domain.NetworkError
				if !errors.As(err, &ne) || ne.StatusCode != 500 || ne.NeedsRefresh() {
					t.Errorf("err = %v, want 500 NetworkError", err)
				}
			},
		},
		{
			name:   "token needs refresh",
			status: http.StatusUnauthorized,
			body:   refreshBody,
			check: func(t *testing.T, err error) {
				var ne *domain.NetworkError
				if !errors.As(err, &ne) || !ne.NeedsRefresh() {
					t.Errorf("err = %v, want refresh NetworkError", err)
				}
			},
		},
		{
			name:   "graphql errors",
			status: http.StatusOK,
			body:   `{"errors":[{"message":"bad cursor"}]}`,
			check: func(t *testing.T, err error) {
				var ge *domain.GraphQLError
				if !errors.As(err, &ge) || ge.Messages[0] != "bad cursor" {
					t.Errorf("err = %v, want GraphQLError", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, srv.Client(), &fakeAuth{tokens: []string{"eyJa"}})
			_, err := c.Do(context.Background(), recentRequest())
			tt.check(t, err)
		})
	}
}

func TestClient_DoCancelledContext(t *testing.T) {
	c := NewClient("http://127.0.0.1:0", nil, &fakeAuth{tokens: []string{"eyJa"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Do(ctx, recentRequest()); !errors.Is(err, domain.ErrAborted) {
		t.Errorf("Do() error = %v, want ErrAborted", err)
	}
}

func TestExtractTransactions(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantShape string
		wantCount int
		wantNext  bool
		wantOK    bool
	}{
		{
			name:      "paginated hub",
			data:      `{"prime":{"transactionsHub":{"transactionPage":{"transactions":[{"id":"1"},{"id":"2"}],"pageInfo":{"hasNextPage":true,"endCursor":"c"}}}}}`,
			wantShape: "prime.transactionsHub.transactionPage",
			wantCount: 2,
			wantNext:  true,
			wantOK:    true,
		},
		{
			name:      "list object",
			data:      `{"prime":{"transactionList":{"transactions":[{"id":"1"}]}}}`,
			wantShape: "prime.transactionList.transactions",
			wantCount: 1,
			wantOK:    true,
		},
		{
			name:      "list array",
			data:      `{"prime":{"transactionList":[{"id":"1"},{"id":"2"},{"id":"3"}]}}`,
			wantShape: "prime.transactionList[]",
			wantCount: 3,
			wantOK:    true,
		},
		{
			name:      "top level",
			data:      `{"transactions":[{"id":"1"}]}`,
			wantShape: "transactions",
			wantCount: 1,
			wantOK:    true,
		},
		{
			name:   "unknown",
			data:   `{"prime":{"somethingElse":{}}}`,
			wantOK: false,
		},
		{
			name:   "null data",
			data:   `null`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, shape, ok := ExtractTransactions(json.RawMessage(tt.data))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if shape != tt.wantShape {
				t.Errorf("shape = %q, want %q", shape, tt.wantShape)
			}
			if len(page.Transactions) != tt.wantCount {
				t.Errorf("count = %d, want %d", len(page.Transactions), tt.wantCount)
			}
			if page.HasNextPage != tt.wantNext {
				t.Errorf("HasNextPage = %v, want %v", page.HasNextPage, tt.wantNext)
			}
		})
	}
}

func TestFetcher_GapTriggersHistory(t *testing.T) {
	e := &fakeEndpoint{
		recent: func(int) (int, string) { return 200, listResponse(fiftyRecent()) },
		history: func(cursor string, _ int) (int, string) {
			switch cursor {
			case "":
				// Overlaps phase 1; only 03-20 and 03-18 are new.
				return 200, pageResponse([]map[string]any{
					tx("h1", day(time.March, 25), -5),
					tx("h2", day(time.March, 20), -6),
					tx("h3", day(time.March, 18), 7),
				}, true, "c1")
			case "c1":
				return 200, pageResponse([]map[string]any{
					tx("h4", day(time.March, 10), -8),
					tx("h5", day(time.February, 25), -9),
				}, true, "c2")
			default:
				t.Errorf("unexpected cursor %q", cursor)
				return 500, ""
			}
		},
	}
	f := newTestFetcher(t, e, &fakeAuth{tokens: []string{"eyJa"}})

	window := domain.NewDateWindow(day(time.March, 1), day(time.March, 31))
	records, err := f.Fetch(context.Background(), window, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if got := len(e.calls(HistoryOperation)); got != 2 {
		t.Errorf("history calls = %d, want 2", got)
	}
	if len(records) != 53 {
		t.Fatalf("len(records) = %d, want 53", len(records))
	}

	wantHistory := []string{"h2", "h3", "h4"}
	for i, id := range wantHistory {
		if got := records[50+i].ID; got != id {
			t.Errorf("history record %d = %s, want %s", i, got, id)
		}
	}
	if records[51].Type != domain.Credit {
		t.Errorf("positive amount should be credit, got %s", records[51].Type)
	}
}

func TestFetcher_SmallGapSkipsHistory(t *testing.T) {
	e := &fakeEndpoint{
		recent: func(int) (int, string) { return 200, listResponse(fiftyRecent()) },
		history: func(string, int) (int, string) {
			t.Error("history should not be queried")
			return 500, ""
		},
	}
	f := newTestFetcher(t, e, &fakeAuth{tokens: []string{"eyJa"}})

	window := domain.NewDateWindow(day(time.March, 15), day(time.March, 31))
	records, err := f.Fetch(context.Background(), window, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 50 {
		t.Errorf("len(records) = %d, want 50", len(records))
	}
}

func TestFetcher_RecentFiltersToWindow(t *testing.T) {
	e := &fakeEndpoint{
		recent: func(int) (int, string) {
			return 200, listResponse([]map[string]any{
				tx("in", day(time.March, 28), -1),
				tx("edge", day(time.March, 30), -1),
				tx("after", day(time.March, 31), -1),
			})
		},
	}
	f := newTestFetcher(t, e, &fakeAuth{tokens: []string{"eyJa"}})

	window := domain.NewDateWindow(day(time.March, 25), day(time.March, 30))
	records, err := f.Fetch(context.Background(), window, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 2 || records[0].ID != "in" || records[1].ID != "edge" {
		t.Errorf("records = %+v, want in and edge", records)
	}
}

func TestFetcher_RefreshRetriesOnce(t *testing.T) {
	t.Run("retry succeeds", func(t *testing.T) {
		e := &fakeEndpoint{
			recent: func(call int) (int, string) {
				if call == 1 {
					return 401, refreshBody
				}
				return 200, listResponse([]map[string]any{tx("a", day(time.March, 29), -1)})
			},
		}
		auth := &fakeAuth{tokens: []string{"eyJold", "eyJnew"}}
		f := newTestFetcher(t, e, auth)

		records, err := f.Fetch(context.Background(), domain.NewDateWindow(day(time.March, 28), day(time.March, 31)), nil)
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if len(records) != 1 {
			t.Errorf("len(records) = %d, want 1", len(records))
		}
		if auth.invalidations != 1 {
			t.Errorf("invalidations = %d, want 1", auth.invalidations)
		}

		calls := e.calls(RecentOperation)
		if len(calls) != 2 {
			t.Fatalf("recent calls = %d, want 2", len(calls))
		}
		if calls[1].Auth != "Bearer eyJnew" {
			t.Errorf("retry used %q, want fresh token", calls[1].Auth)
		}
	})

	t.Run("second failure yields empty phase", func(t *testing.T) {
		e := &fakeEndpoint{
			recent: func(int) (int, string) { return 401, refreshBody },
		}
		auth := &fakeAuth{tokens: []string{"eyJold", "eyJnew"}}
		f := newTestFetcher(t, e, auth)

		records, err := f.Fetch(context.Background(), domain.NewDateWindow(day(time.March, 28), day(time.March, 31)), nil)
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if len(records) != 0 {
			t.Errorf("len(records) = %d, want 0", len(records))
		}
		if got := len(e.calls(RecentOperation)); got != 2 {
			t.Errorf("recent calls = %d, want exactly 2", got)
		}
		if auth.invalidations != 1 {
			t.Errorf("invalidations = %d, want 1", auth.invalidations)
		}
	})
}

func TestFetcher_MissingAuth(t *testing.T) {
	e := &fakeEndpoint{}
	f := newTestFetcher(t, e, &fakeAuth{err: domain.ErrAuth})

	_, err := f.Fetch(context.Background(), domain.NewDateWindow(day(time.March, 1), day(time.March, 31)), nil)
	if !errors.Is(err, domain.ErrAuth) {
		t.Errorf("Fetch() error = %v, want ErrAuth", err)
	}
}

func TestFetcher_CancelMidHistory(t *testing.T) {
	e := &fakeEndpoint{
		recent: func(int) (int, string) { return 200, listResponse(nil) },
		history: func(cursor string, _ int) (int, string) {
			if cursor != "" {
				t.Errorf("request after cancellation, cursor %q", cursor)
			}
			return 200, pageResponse([]map[string]any{
				tx("h1", day(time.March, 20), -1),
				tx("h2", day(time.March, 19), -1),
			}, true, "c1")
		},
	}
	f := newTestFetcher(t, e, &fakeAuth{tokens: []string{"eyJa"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	progress := domain.Progress(func(msg string) {
		if strings.Contains(msg, "page 2") {
			cancel()
		}
	})

	records, err := f.Fetch(ctx, domain.NewDateWindow(day(time.January, 1), day(time.March, 31)), progress)
	if !errors.Is(err, domain.ErrAborted) {
		t.Fatalf("Fetch() error = %v, want ErrAborted", err)
	}
	if len(records) != 2 {
		t.Errorf("len(records) = %d, want the 2 collected before cancellation", len(records))
	}
	if got := len(e.calls(HistoryOperation)); got != 1 {
		t.Errorf("history calls = %d, want 1", got)
	}
}

func TestFetcher_HistoryRetriesThenReturnsPartial(t *testing.T) {
	e := &fakeEndpoint{
		recent: func(int) (int, string) { return 200, listResponse(nil) },
		history: func(cursor string, _ int) (int, string) {
			if cursor == "" {
				return 200, pageResponse([]map[string]any{tx("h1", day(time.March, 20), -1)}, true, "c1")
			}
			return 503, "unavailable"
		},
	}
	f := newTestFetcher(t, e, &fakeAuth{tokens: []string{"eyJa"}})

	records, err := f.Fetch(context.Background(), domain.NewDateWindow(day(time.January, 1), day(time.March, 31)), nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v, want partial result without error", err)
	}
	if len(records) != 1 {
		t.Errorf("len(records) = %d, want 1", len(records))
	}

	failing := 0
	for _, c := range e.calls(HistoryOperation) {
		if c.Cursor == "c1" {
			failing++
		}
	}
	if failing != 4 {
		t.Errorf("attempts on failing page = %d, want 4 (1 + 3 retries)", failing)
	}
}

func TestFetcher_HistoryRecoversAfterTransientFailure(t *testing.T) {
	e := &fakeEndpoint{
		recent: func(int) (int, string) { return 200, listResponse(nil) },
		history: func(cursor string, call int) (int, string) {
			switch {
			case cursor == "":
				return 200, pageResponse([]map[string]any{tx("h1", day(time.March, 20), -1)}, true, "c1")
			case call == 1:
				return 502, "bad gateway"
			default:
				return 200, pageResponse([]map[string]any{tx("h2", day(time.March, 2), -1)}, false, "")
			}
		},
	}
	f := newTestFetcher(t, e, &fakeAuth{tokens: []string{"eyJa"}})

	records, err := f.Fetch(context.Background(), domain.NewDateWindow(day(time.March, 1), day(time.March, 31)), nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("len(records) = %d, want 2", len(records))
	}
}

func TestFetcher_FetchDetail(t *testing.T) {
	e := &fakeEndpoint{
		detail: func(urn string) (int, string) {
			if urn != "urn:tx:1" {
				return 200, `{"data":{"transaction":null}}`
			}
			return 200, `{"data":{"transaction":{"account":{"name":"Checking","accountType":"DEPOSITORY","provider":{"name":"Big Bank"}}}}}`
		},
	}
	f := newTestFetcher(t, e, &fakeAuth{tokens: []string{"eyJa"}})

	detail, ok, err := f.FetchDetail(context.Background(), "urn:tx:1")
	if err != nil || !ok {
		t.Fatalf("FetchDetail() = %v, %v", ok, err)
	}
	if detail.Name != "Checking" || detail.Type != "DEPOSITORY" || detail.Provider != "Big Bank" {
		t.Errorf("detail = %+v", detail)
	}

	_, ok, err = f.FetchDetail(context.Background(), "urn:tx:missing")
	if err != nil || ok {
		t.Errorf("missing detail = %v, %v; want false, nil", ok, err)
	}
}

func TestFetcher_HistoryDelayDependsOnKeptRecords(t *testing.T) {
	e := &fakeEndpoint{
		recent: func(int) (int, string) { return 200, listResponse(fiftyRecent()) },
		history: func(cursor string, _ int) (int, string) {
			switch cursor {
			case "":
				// Already covered by phase 1, nothing kept.
				return 200, pageResponse([]map[string]any{
					tx("h1", day(time.March, 25), -1),
					tx("h2", day(time.March, 24), -1),
				}, true, "c1")
			case "c1":
				return 200, pageResponse([]map[string]any{tx("h3", day(time.March, 15), -1)}, true, "c2")
			default:
				return 200, pageResponse([]map[string]any{tx("h4", day(time.February, 20), -1)}, true, "c3")
			}
		},
	}
	f := newTestFetcher(t, e, &fakeAuth{tokens: []string{"eyJa"}})
	f.pacing.PageDelay = 800 * time.Millisecond
	f.pacing.SkipDelay = 300 * time.Millisecond

	var waits []time.Duration
	f.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}

	records, err := f.Fetch(context.Background(), domain.NewDateWindow(day(time.March, 1), day(time.March, 31)), nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(records) != 51 {
		t.Errorf("len(records) = %d, want 51", len(records))
	}

	want := []time.Duration{300 * time.Millisecond, 800 * time.Millisecond}
	if len(waits) != len(want) || waits[0] != want[0] || waits[1] != want[1] {
		t.Errorf("waits = %v, want %v", waits, want)
	}
}

func TestFetcher_HistoryGraphQLErrorEndsScan(t *testing.T) {
	e := &fakeEndpoint{
		recent: func(int) (int, string) { return 200, listResponse(nil) },
		history: func(cursor string, _ int) (int, string) {
			if cursor == "" {
				return 200, pageResponse([]map[string]any{tx("h1", day(time.March, 20), -1)}, true, "c1")
			}
			return 200, `{"errors":[{"message":"bad cursor"}]}`
		},
	}
	f := newTestFetcher(t, e, &fakeAuth{tokens: []string{"eyJa"}})

	var waits []time.Duration
	f.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}

	records, err := f.Fetch(context.Background(), domain.NewDateWindow(day(time.January, 1), day(time.March, 31)), nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v, want partial result without error", err)
	}
	if len(records) != 1 || records[0].ID != "h1" {
		t.Errorf("records = %+v, want only h1", records)
	}

	failing := 0
	for _, c := range e.calls(HistoryOperation) {
		if c.Cursor == "c1" {
			failing++
		}
	}
	if failing != 1 {
		t.Errorf("requests for failing page = %d, want 1 (no retry)", failing)
	}
	if len(waits) != 1 || waits[0] != f.pacing.PageDelay {
		t.Errorf("waits = %v, want only the page delay", waits)
	}
}
