package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"clashcaller/internal/retry"
	"clashcaller/internal/transport"
	logx "clashcaller/pkg/logx"
)

const testToken = "123:secret"

type fakeAPI struct {
	mu       sync.Mutex
	calls    map[string][]map[string]any
	handlers map[string]func(body map[string]any) (int, string)
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{calls: map[string][]map[string]any{}, handlers: map[string]func(map[string]any) (int, string){}}
	f.handlers["getMe"] = func(map[string]any) (int, string) {
		return 200, `{"ok":true,"result":{"id":999,"is_bot":true,"first_name":"Caller","username":"clashcaller_bot"}}`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := "/bot" + testToken + "/"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			http.NotFound(w, r)
			return
		}
		method := strings.TrimPrefix(r.URL.Path, prefix)
		raw, _ := io.ReadAll(r.Body)
		body := map[string]any{}
		_ = json.Unmarshal(raw, &body)

		f.mu.Lock()
		f.calls[method] = append(f.calls[method], body)
		h := f.handlers[method]
		f.mu.Unlock()
		if h == nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
			return
		}
		code, resp := h(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, resp)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) handle(method string, h func(body map[string]any) (int, string)) {
	f.mu.Lock()
	f.handlers[method] = h
	f.mu.Unlock()
}

func (f *fakeAPI) last(method string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.calls[method]
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

func newTestAdapter(t *testing.T, srv *httptest.Server, allowed ...int64) *Adapter {
	t.Helper()
	a, err := New(Config{Token: testToken, APIURL: srv.URL, RequestTimeout: 2 * time.Second, AllowedChats: allowed}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

const updatesJSON = `{"ok":true,"result":[
 {"update_id":11,"message":{"message_id":5,"date":1704067200,"chat":{"id":-100,"type":"supergroup"},"from":{"id":1,"is_bot":false,"first_name":"Alice","username":"alice"},"text":"!remindme in 2 hours base 5"}},
 {"update_id":12,"message":{"message_id":6,"date":1704067260,"chat":{"id":-100,"type":"supergroup"},"from":{"id":2,"is_bot":false,"first_name":"Bob","last_name":"B"},"caption":"photo !remindme 1h"}},
 {"update_id":13,"message":{"message_id":7,"date":1704067300,"chat":{"id":-100,"type":"supergroup"},"from":{"id":999,"is_bot":true,"first_name":"Caller"},"text":"Callout for @alice"}},
 {"update_id":14,"message":{"message_id":8,"date":1704067400,"chat":{"id":-200,"type":"group"},"from":{"id":3,"is_bot":false,"first_name":"Eve"},"text":"!remindme 5m"}},
 {"update_id":15}
]}`

func TestListNewItems(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.handle("getUpdates", func(map[string]any) (int, string) { return 200, updatesJSON })
	a := newTestAdapter(t, srv)

	page, err := a.ListNewItems(context.Background(), 10, 50)
	if err != nil {
		t.Fatalf("ListNewItems: %v", err)
	}
	if page.Next != 15 {
		t.Fatalf("Next = %d, want 15", page.Next)
	}
	if len(page.Items) != 3 {
		t.Fatalf("got %d items, want 3: %+v", len(page.Items), page.Items)
	}
	first := page.Items[0]
	if first.Position != 11 || first.SourceRef != "telegram:-100:5" || first.Author != "@alice" {
		t.Fatalf("unexpected first item: %+v", first)
	}
	if !first.PostedAt.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("PostedAt = %s", first.PostedAt)
	}
	if second := page.Items[1]; second.Author != "Bob B" || second.Text != "photo !remindme 1h" {
		t.Fatalf("unexpected second item: %+v", second)
	}

	body := api.last("getUpdates")
	if body["offset"].(float64) != 11 || body["limit"].(float64) != 50 {
		t.Fatalf("unexpected getUpdates payload: %v", body)
	}
}

func TestListNewItemsAllowedChats(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.handle("getUpdates", func(map[string]any) (int, string) { return 200, updatesJSON })
	a := newTestAdapter(t, srv, -200)

	page, err := a.ListNewItems(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("ListNewItems: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ChatID != -200 || page.Next != 15 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestPostReply(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	api.handle("sendMessage", func(map[string]any) (int, string) {
		return 200, `{"ok":true,"result":{"message_id":77,"date":1704067200,"chat":{"id":-100,"type":"supergroup"}}}`
	})
	a := newTestAdapter(t, srv)

	if err := a.PostReply(context.Background(), "telegram:-100:5", "Callout for @alice: base 5"); err != nil {
		t.Fatalf("PostReply: %v", err)
	}
	body := api.last("sendMessage")
	if body["chat_id"].(float64) != -100 || body["text"] != "Callout for @alice: base 5" {
		t.Fatalf("unexpected payload: %v", body)
	}
	rp, _ := body["reply_parameters"].(map[string]any)
	if rp["message_id"].(float64) != 5 {
		t.Fatalf("reply_parameters = %v", rp)
	}
}

func TestPostReplyErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		status    int
		body      string
		permanent error
		retryIn   time.Duration
	}{
		{name: "deleted source", status: 400, body: `{"ok":false,"error_code":400,"description":"Bad Request: message to be replied not found"}`, permanent: transport.ErrGone},
		{name: "kicked", status: 403, body: `{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked from the supergroup chat"}`, permanent: transport.ErrUnreachable},
		{name: "migrated", status: 400, body: `{"ok":false,"error_code":400,"description":"Bad Request: group chat was upgraded to a supergroup chat","parameters":{"migrate_to_chat_id":-1001}}`, permanent: transport.ErrGone},
		{name: "bad request", status: 400, body: `{"ok":false,"error_code":400,"description":"Bad Request: message text is empty"}`, permanent: transport.ErrRejected},
		{name: "flood", status: 429, body: `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`, retryIn: 7 * time.Second},
		{name: "server error", status: 502, body: `<html>bad gateway</html>`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			api, srv := newFakeAPI(t)
			api.handle("sendMessage", func(map[string]any) (int, string) { return tt.status, tt.body })
			a := newTestAdapter(t, srv)

			err := a.PostReply(context.Background(), "telegram:-100:5", "hi")
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.permanent != nil {
				if !errors.Is(err, tt.permanent) {
					t.Fatalf("err = %v, want %v", err, tt.permanent)
				}
				return
			}
			if transport.Permanent(err) {
				t.Fatalf("err = %v classified permanent", err)
			}
			if d, ok := retry.AfterHint(err); tt.retryIn > 0 && (!ok || d != tt.retryIn) {
				t.Fatalf("retry hint = %s, %v; want %s", d, ok, tt.retryIn)
			}
			if strings.Contains(err.Error(), "secret") {
				t.Fatalf("error leaks token: %v", err)
			}
		})
	}
}

func TestPostReplyRejectsBadRef(t *testing.T) {
	t.Parallel()
	_, srv := newFakeAPI(t)
	a := newTestAdapter(t, srv)
	err := a.PostReply(context.Background(), "nonsense", "hi")
	if !errors.Is(err, transport.ErrRejected) || !retry.IsNoRetry(err) {
		t.Fatalf("err = %v, want permanent rejection", err)
	}
}

func TestCallHonorsContext(t *testing.T) {
	t.Parallel()
	api, srv := newFakeAPI(t)
	release := make(chan struct{})
	api.handle("getUpdates", func(map[string]any) (int, string) {
		<-release
		return 200, `{"ok":true,"result":[]}`
	})
	defer close(release)
	a := newTestAdapter(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.ListNewItems(ctx, 0, 10)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error leaks token: %v", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
