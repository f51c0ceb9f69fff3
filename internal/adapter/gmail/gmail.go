// Package gmail implements the network-API channel adapter for Gmail
// over its REST API. Holder-side OAuth login is out of scope (spec.md
// §1); this adapter only consumes an already-minted access token read
// from a holder-owned credential file.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/adapter"
)

const apiBase = "https://gmail.googleapis.com/gmail/v1/users/me"

// Config configures the Gmail adapter.
type Config struct {
	TokenFile string
	Account   string
}

// Adapter is the Gmail channel adapter.
type Adapter struct {
	cfg    Config
	logger *zap.Logger
	client *http.Client

	// apiBase defaults to the real Gmail REST host; tests in this
	// package point it at an httptest.Server instead.
	apiBase string
}

// New builds a Gmail adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	return &Adapter{cfg: cfg, logger: logger, client: &http.Client{Timeout: 15 * time.Second}, apiBase: apiBase}
}

// ChannelID implements adapter.Adapter.
func (a *Adapter) ChannelID() string { return "gmail" }

func (a *Adapter) token() (string, error) {
	data, err := os.ReadFile(a.cfg.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// HealthCheck implements adapter.Adapter.
func (a *Adapter) HealthCheck(ctx context.Context) (adapter.HealthResult, error) {
	tok, err := a.token()
	if err != nil {
		return adapter.HealthResult{Healthy: false, Detail: err.Error()}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+"/profile", nil)
	if err != nil {
		return adapter.HealthResult{Healthy: false, Detail: err.Error()}, nil
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := a.client.Do(req)
	if err != nil {
		return adapter.HealthResult{Healthy: false, Detail: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return adapter.HealthResult{Healthy: false, Detail: fmt.Sprintf("status %d", resp.StatusCode)}, nil
	}
	return adapter.HealthResult{Healthy: true, Detail: "ok"}, nil
}

// Send implements adapter.Adapter. Recipient is a bare email address
// (spec.md §6); Subject and ThreadID come from params.
func (a *Adapter) Send(ctx context.Context, params adapter.SendParams) (adapter.SendResult, error) {
	tok, err := a.token()
	if err != nil {
		return adapter.SendResult{}, adapter.NotConfigured("send", err)
	}

	raw := buildRFC2822(a.cfg.Account, params.Recipient, params.Subject, params.Message)
	body, _ := json.Marshal(map[string]any{
		"raw":      base64.URLEncoding.EncodeToString([]byte(raw)),
		"threadId": params.ThreadID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/messages/send", bytes.NewReader(body))
	if err != nil {
		return adapter.SendResult{}, adapter.Transient("send", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return adapter.SendResult{}, adapter.Transient("send", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return adapter.SendResult{}, adapter.Transient("send", fmt.Errorf("gmail status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return adapter.SendResult{}, adapter.Permanent("send", fmt.Errorf("gmail status %d", resp.StatusCode))
	}

	var out struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	return adapter.SendResult{MessageID: out.ID, Timestamp: time.Now().UTC()}, nil
}

func buildRFC2822(from, to, subject, body string) string {
	return fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", from, to, subject, body)
}

// ListChats implements adapter.Adapter, mapping Gmail threads to chats.
func (a *Adapter) ListChats(ctx context.Context, limit, offset int) (adapter.ChatPage, error) {
	tok, err := a.token()
	if err != nil {
		return adapter.ChatPage{}, adapter.NotConfigured("list_chats", err)
	}

	url := fmt.Sprintf("%s/threads?maxResults=%d", a.apiBase, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return adapter.ChatPage{}, adapter.Transient("list_chats", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := a.client.Do(req)
	if err != nil {
		return adapter.ChatPage{}, adapter.Transient("list_chats", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return adapter.ChatPage{}, adapter.Permanent("list_chats", fmt.Errorf("gmail status %d", resp.StatusCode))
	}

	var parsed struct {
		Threads []struct {
			ID string `json:"id"`
		} `json:"threads"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return adapter.ChatPage{}, adapter.Transient("list_chats", err)
	}

	page := adapter.ChatPage{HasMore: parsed.NextPageToken != ""}
	for _, t := range parsed.Threads {
		page.Items = append(page.Items, adapter.ChatSummary{ChatID: t.ID})
	}
	return page, nil
}

// GetHistory implements adapter.Adapter by listing messages in a thread.
func (a *Adapter) GetHistory(ctx context.Context, chatID string, limit int, before time.Time) (adapter.HistoryPage, error) {
	tok, err := a.token()
	if err != nil {
		return adapter.HistoryPage{}, adapter.NotConfigured("get_history", err)
	}

	url := fmt.Sprintf("%s/threads/%s", a.apiBase, chatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return adapter.HistoryPage{}, adapter.Transient("get_history", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := a.client.Do(req)
	if err != nil {
		return adapter.HistoryPage{}, adapter.Transient("get_history", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return adapter.HistoryPage{}, adapter.Permanent("get_history", fmt.Errorf("gmail status %d", resp.StatusCode))
	}

	var parsed struct {
		Messages []struct {
			Payload struct {
				Headers []struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				} `json:"headers"`
			} `json:"payload"`
			InternalDate string `json:"internalDate"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return adapter.HistoryPage{}, adapter.Transient("get_history", err)
	}

	page := adapter.HistoryPage{}
	for _, m := range parsed.Messages {
		if len(page.Items) >= limit {
			page.HasMore = true
			break
		}
		page.Items = append(page.Items, adapter.HistoryItem{Sender: headerValue(m.Payload.Headers, "From")})
	}
	return page, nil
}

func headerValue(headers []struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}, name string) string {
	for _, h := range headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// Watch implements adapter.Adapter. Gmail has no native push stream
// available to this adapter's credential scope; it returns a closed
// channel so the router treats it as a finite, already-exhausted
// stream rather than fabricating a polling loop the spec does not ask
// for.
func (a *Adapter) Watch(ctx context.Context) (<-chan adapter.IncomingMessage, error) {
	ch := make(chan adapter.IncomingMessage)
	close(ch)
	return ch, nil
}
