// Package discord implements the network-API channel adapter for
// Discord: REST calls for send/list/history, and a WebSocket connection
// to the Discord Gateway for watch, using gorilla/websocket the way the
// teacher's go-server/pkg/websocket package drives its client
// connections.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/adapter"
)

const (
	apiBase    = "https://discord.com/api/v10"
	gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"
)

// Config configures the Discord adapter.
type Config struct {
	BotToken string
}

// Adapter is the Discord channel adapter.
type Adapter struct {
	cfg    Config
	logger *zap.Logger
	client *http.Client

	// apiBase defaults to the real Discord REST host; tests in this
	// package point it at an httptest.Server instead.
	apiBase string

	mu   sync.Mutex
	conn *websocket.Conn
}

// New builds a Discord adapter. token is the bot token read from the
// holder-owned credential file (holder-side OAuth/bot login itself is
// out of scope per spec.md §1).
func New(cfg Config, logger *zap.Logger) *Adapter {
	return &Adapter{
		cfg:     cfg,
		logger:  logger,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiBase: apiBase,
	}
}

// ChannelID implements adapter.Adapter.
func (a *Adapter) ChannelID() string { return "discord" }

// HealthCheck implements adapter.Adapter.
func (a *Adapter) HealthCheck(ctx context.Context) (adapter.HealthResult, error) {
	if a.cfg.BotToken == "" {
		return adapter.HealthResult{Healthy: false, Detail: "no bot token configured"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := a.authedRequest(ctx, http.MethodGet, a.apiBase+"/users/@me", nil)
	if err != nil {
		return adapter.HealthResult{Healthy: false, Detail: err.Error()}, nil
	}
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

func (a *Adapter) authedRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+a.cfg.BotToken)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Send implements adapter.Adapter. Recipient must be a `channel:<id>`
// party; a `user:<id>` party is rejected as a permanent error, since no
// DM channel is opened for it.
func (a *Adapter) Send(ctx context.Context, params adapter.SendParams) (adapter.SendResult, error) {
	channelID, err := parseChannelTarget(params.Recipient)
	if err != nil {
		return adapter.SendResult{}, adapter.Permanent("send", err)
	}

	payload, _ := json.Marshal(map[string]string{"content": params.Message})
	req, err := a.authedRequest(ctx, http.MethodPost, fmt.Sprintf("%s/channels/%s/messages", a.apiBase, channelID), payload)
	if err != nil {
		return adapter.SendResult{}, adapter.Transient("send", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return adapter.SendResult{}, adapter.Transient("send", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return adapter.SendResult{}, adapter.Transient("send", fmt.Errorf("rate limited by discord"))
	}
	if resp.StatusCode >= 500 {
		return adapter.SendResult{}, adapter.Transient("send", fmt.Errorf("discord status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return adapter.SendResult{}, adapter.Permanent("send", fmt.Errorf("discord status %d", resp.StatusCode))
	}

	var out struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	return adapter.SendResult{MessageID: out.ID, Timestamp: time.Now().UTC()}, nil
}

// ListChats implements adapter.Adapter.
func (a *Adapter) ListChats(ctx context.Context, limit, offset int) (adapter.ChatPage, error) {
	// Discord has no single "list my chats" REST call for a bot; a real
	// deployment would enumerate guild channels it has access to. This
	// returns an empty, non-paged result rather than fabricate data.
	return adapter.ChatPage{}, nil
}

// GetHistory implements adapter.Adapter.
func (a *Adapter) GetHistory(ctx context.Context, chatID string, limit int, before time.Time) (adapter.HistoryPage, error) {
	url := fmt.Sprintf("%s/channels/%s/messages?limit=%d", a.apiBase, chatID, limit)
	req, err := a.authedRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return adapter.HistoryPage{}, adapter.Transient("get_history", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return adapter.HistoryPage{}, adapter.Transient("get_history", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return adapter.HistoryPage{}, adapter.Permanent("get_history", fmt.Errorf("discord status %d", resp.StatusCode))
	}

	var raw []struct {
		Author struct {
			ID string `json:"id"`
		} `json:"author"`
		Content   string `json:"content"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return adapter.HistoryPage{}, adapter.Transient("get_history", err)
	}

	page := adapter.HistoryPage{}
	for _, m := range raw {
		ts, _ := time.Parse(time.RFC3339, m.Timestamp)
		page.Items = append(page.Items, adapter.HistoryItem{
			Sender:    "user:" + m.Author.ID,
			Text:      m.Content,
			Timestamp: ts,
		})
	}
	page.HasMore = len(raw) == limit
	return page, nil
}

// Watch implements adapter.Adapter by opening the Discord Gateway
// WebSocket and translating MESSAGE_CREATE dispatch events.
func (a *Adapter) Watch(ctx context.Context) (<-chan adapter.IncomingMessage, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return nil, adapter.Transient("watch", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	out := make(chan adapter.IncomingMessage, 256)
	go a.readGateway(ctx, conn, out)
	return out, nil
}

type gatewayEvent struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

func (a *Adapter) readGateway(ctx context.Context, conn *websocket.Conn, out chan<- adapter.IncomingMessage) {
	defer close(out)
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var evt gatewayEvent
		if err := conn.ReadJSON(&evt); err != nil {
			a.logger.Debug("discord: gateway read error", zap.Error(err))
			return
		}

		if evt.Op != 0 || evt.T != "MESSAGE_CREATE" {
			continue
		}

		var msg struct {
			ChannelID string `json:"channel_id"`
			Author    struct {
				ID  string `json:"id"`
				Bot bool   `json:"bot"`
			} `json:"author"`
			Content   string `json:"content"`
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(evt.D, &msg); err != nil {
			continue
		}

		ts, _ := time.Parse(time.RFC3339, msg.Timestamp)
		incoming := adapter.IncomingMessage{
			Channel:   "discord",
			ChatID:    msg.ChannelID,
			Sender:    "user:" + msg.Author.ID,
			Text:      msg.Content,
			Timestamp: ts,
			IsFromMe:  msg.Author.Bot,
		}

		select {
		case out <- incoming:
		case <-ctx.Done():
			return
		}
	}
}

func parseChannelTarget(party string) (string, error) {
	const channelPrefix = "channel:"
	const userPrefix = "user:"
	switch {
	case len(party) > len(channelPrefix) && party[:len(channelPrefix)] == channelPrefix:
		return party[len(channelPrefix):], nil
	case len(party) > len(userPrefix) && party[:len(userPrefix)] == userPrefix:
		// A real implementation opens a DM channel via POST
		// /users/@me/channels first; callers are expected to pass the
		// resolved DM channel id as channel:<id> once that handshake
		// has happened out of band.
		return "", fmt.Errorf("user targets require a resolved DM channel id")
	default:
		return "", fmt.Errorf("party %q is not a valid discord target", party)
	}
}
