package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/adapter"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := New(Config{BotToken: "test-token"}, zap.NewNop())
	a.apiBase = srv.URL
	return a
}

func TestParseChannelTarget(t *testing.T) {
	id, err := parseChannelTarget("channel:123")
	if err != nil || id != "123" {
		t.Fatalf("expected 123, nil, got %q, %v", id, err)
	}

	if _, err := parseChannelTarget("user:456"); err == nil {
		t.Fatal("a bare user: target should be rejected without a resolved DM channel id")
	}

	if _, err := parseChannelTarget("nonsense"); err == nil {
		t.Fatal("an unrecognized party format should be rejected")
	}
}

func TestHealthCheckReportsUnhealthyWithoutToken(t *testing.T) {
	a := New(Config{}, zap.NewNop())
	health, err := a.HealthCheck(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if health.Healthy {
		t.Fatal("expected unhealthy when no bot token is configured")
	}
}

func TestHealthCheckOK(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bot test-token" {
			t.Errorf("missing bot auth header, got %q", r.Header.Get("Authorization"))
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

func TestSendPostsContentToChannelEndpoint(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/42/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["content"] != "hi there" {
			t.Errorf("unexpected content %q", body["content"])
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg-1"})
	})

	result, err := a.Send(context.Background(), adapter.SendParams{Recipient: "channel:42", Message: "hi there"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.MessageID != "msg-1" {
		t.Fatalf("expected msg-1, got %q", result.MessageID)
	}
}

func TestSendRejectsUnresolvedUserTarget(t *testing.T) {
	a := New(Config{BotToken: "x"}, zap.NewNop())
	if _, err := a.Send(context.Background(), adapter.SendParams{Recipient: "user:1", Message: "hi"}); err == nil {
		t.Fatal("expected an error for an unresolved user target")
	}
}

func TestSendClassifiesRateLimitAsTransient(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := a.Send(context.Background(), adapter.SendParams{Recipient: "channel:1", Message: "hi"})
	if adapter.KindOf(err) != adapter.KindTransient {
		t.Fatalf("expected KindTransient, got %v", adapter.KindOf(err))
	}
}

func TestSendClassifiesClientErrorAsPermanent(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := a.Send(context.Background(), adapter.SendParams{Recipient: "channel:1", Message: "hi"})
	if adapter.KindOf(err) != adapter.KindPermanent {
		t.Fatalf("expected KindPermanent, got %v", adapter.KindOf(err))
	}
}

func TestGetHistoryMapsAuthorToSender(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"author": map[string]string{"id": "77"}, "content": "yo", "timestamp": "2026-01-02T15:04:05Z"},
		})
	})

	page, err := a.GetHistory(context.Background(), "1", 10, time.Time{})
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Sender != "user:77" {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestListChatsReturnsEmptyPageWithoutError(t *testing.T) {
	a := New(Config{BotToken: "x"}, zap.NewNop())
	page, err := a.ListChats(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("expected no chats, discord has no bot-wide list endpoint, got %+v", page)
	}
}
