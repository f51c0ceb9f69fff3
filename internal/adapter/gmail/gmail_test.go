package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/adapter"
)

func writeTokenFile(t *testing.T, token string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	return path
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tokenPath := writeTokenFile(t, "tok-123")
	a := New(Config{TokenFile: tokenPath, Account: "me@example.com"}, zap.NewNop())
	a.apiBase = srv.URL
	return a, tokenPath
}

func TestTokenTrimsWhitespace(t *testing.T) {
	path := writeTokenFile(t, "  tok-abc  \n")
	a := New(Config{TokenFile: path}, zap.NewNop())

	tok, err := a.token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "tok-abc" {
		t.Fatalf("expected trimmed token, got %q", tok)
	}
}

func TestTokenErrorsWhenFileMissing(t *testing.T) {
	a := New(Config{TokenFile: "/nonexistent/path"}, zap.NewNop())
	if _, err := a.token(); err == nil {
		t.Fatal("expected an error reading a missing token file")
	}
}

func TestHealthCheckReportsDetailOnMissingToken(t *testing.T) {
	a := New(Config{TokenFile: "/nonexistent/path"}, zap.NewNop())
	health, err := a.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if health.Healthy {
		t.Fatal("expected unhealthy without a readable token file")
	}
}

func TestHealthCheckOK(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/profile" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusOK)
	})

	health, err := a.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !health.Healthy {
		t.Fatalf("expected healthy, got %+v", health)
	}
}

func TestBuildRFC2822ContainsHeadersAndBody(t *testing.T) {
	raw := buildRFC2822("me@example.com", "you@example.com", "hello", "body text")
	if !strings.Contains(raw, "From: me@example.com") {
		t.Fatal("missing From header")
	}
	if !strings.Contains(raw, "To: you@example.com") {
		t.Fatal("missing To header")
	}
	if !strings.Contains(raw, "Subject: hello") {
		t.Fatal("missing Subject header")
	}
	if !strings.Contains(raw, "\r\n\r\nbody text") {
		t.Fatal("body must follow a blank line separating headers from content")
	}
}

func TestSendEncodesMessageAsBase64URLRaw(t *testing.T) {
	var captured struct {
		Raw      string `json:"raw"`
		ThreadID string `json:"threadId"`
	}
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/send" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "gm-1"})
	})

	result, err := a.Send(context.Background(), adapter.SendParams{
		Recipient: "you@example.com",
		Subject:   "hi",
		Message:   "hello there",
		ThreadID:  "thread-9",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.MessageID != "gm-1" {
		t.Fatalf("expected gm-1, got %q", result.MessageID)
	}
	if captured.ThreadID != "thread-9" {
		t.Fatalf("expected threadId to be forwarded, got %q", captured.ThreadID)
	}

	decoded, err := base64.URLEncoding.DecodeString(captured.Raw)
	if err != nil {
		t.Fatalf("raw field was not valid base64url: %v", err)
	}
	if !strings.Contains(string(decoded), "hello there") {
		t.Fatalf("decoded message missing body, got %q", decoded)
	}
}

func TestSendClassifiesServerErrorAsTransient(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := a.Send(context.Background(), adapter.SendParams{Recipient: "you@example.com", Message: "hi"})
	if adapter.KindOf(err) != adapter.KindTransient {
		t.Fatalf("expected KindTransient, got %v", adapter.KindOf(err))
	}
}

func TestSendClassifiesBadRequestAsPermanent(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := a.Send(context.Background(), adapter.SendParams{Recipient: "you@example.com", Message: "hi"})
	if adapter.KindOf(err) != adapter.KindPermanent {
		t.Fatalf("expected KindPermanent, got %v", adapter.KindOf(err))
	}
}

func TestListChatsMapsThreadsToSummaries(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"threads":       []map[string]string{{"id": "t1"}, {"id": "t2"}},
			"nextPageToken": "abc",
		})
	})

	page, err := a.ListChats(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListChats: %v", err)
	}
	if len(page.Items) != 2 || !page.HasMore {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestGetHistoryExtractsFromHeader(t *testing.T) {
	a, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{
					"payload": map[string]any{
						"headers": []map[string]string{
							{"name": "From", "value": "them@example.com"},
						},
					},
				},
			},
		})
	})

	page, err := a.GetHistory(context.Background(), "thread-1", 10, time.Time{})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Sender != "them@example.com" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestWatchReturnsAlreadyClosedChannel(t *testing.T) {
	a := New(Config{}, zap.NewNop())
	ch, err := a.Watch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected an already-closed channel, gmail has no push stream available")
	}
}
