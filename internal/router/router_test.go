package router

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/audit"
	"github.com/carapace-gateway/carapace/internal/config"
	"github.com/carapace-gateway/carapace/internal/metrics"
	"github.com/carapace-gateway/carapace/internal/policy"
	"github.com/carapace-gateway/carapace/internal/protocol"
)

var (
	errHealth = errors.New("health check failed")
	errLoad   = errors.New("load failed")
)

type fakeAdapter struct {
	channel  string
	sendErr  error
	sendID   string
	healthErr error
}

func (f *fakeAdapter) ChannelID() string { return f.channel }

func (f *fakeAdapter) HealthCheck(ctx context.Context) (adapter.HealthResult, error) {
	if f.healthErr != nil {
		return adapter.HealthResult{}, f.healthErr
	}
	return adapter.HealthResult{Healthy: true, Detail: "ok"}, nil
}

func (f *fakeAdapter) Send(ctx context.Context, params adapter.SendParams) (adapter.SendResult, error) {
	if f.sendErr != nil {
		return adapter.SendResult{}, f.sendErr
	}
	return adapter.SendResult{MessageID: f.sendID, Timestamp: time.Now().UTC()}, nil
}

func (f *fakeAdapter) ListChats(ctx context.Context, limit, offset int) (adapter.ChatPage, error) {
	return adapter.ChatPage{}, nil
}

func (f *fakeAdapter) GetHistory(ctx context.Context, chatID string, limit int, before time.Time) (adapter.HistoryPage, error) {
	return adapter.HistoryPage{}, nil
}

func (f *fakeAdapter) Watch(ctx context.Context) (<-chan adapter.IncomingMessage, error) {
	ch := make(chan adapter.IncomingMessage)
	close(ch)
	return ch, nil
}

func newTestRouter(t *testing.T, cfg config.File, adapters map[string]adapter.Adapter) *Router {
	t.Helper()

	eng, err := policy.NewEngine(cfg)
	if err != nil {
		t.Fatalf("policy.NewEngine: %v", err)
	}

	dir := t.TempDir()
	journal, err := audit.Open(filepath.Join(dir, "audit.log"), true)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	dl, err := audit.NewDeadLetterStore(filepath.Join(dir, "dead-letters"))
	if err != nil {
		t.Fatalf("audit.NewDeadLetterStore: %v", err)
	}

	return New(adapters, eng, journal, dl, metrics.NewRegistry(), zap.NewNop(), func() (config.File, error) { return cfg, nil }, cfg)
}

func rawID(n int) json.RawMessage {
	b, _ := json.Marshal(n)
	return b
}

func baseConfig() config.File {
	return config.File{
		Channels: map[string]config.ChannelConfig{
			"imsg": {
				Enabled:  true,
				Binary:   "/bin/sh",
				Outbound: config.FilterPolicy{Mode: config.ModeAllowlist, Allowlist: []string{"+15551234567"}},
			},
		},
		Security: config.SecurityConfig{
			RateLimit: map[string]config.RateLimitConfig{"imsg": {Requests: 2, WindowSeconds: 60}},
		},
	}
}

func TestDispatchPing(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "ping"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestDispatchSendAllowed(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg", sendID: "m1"}})
	params, _ := json.Marshal(map[string]string{"channel": "imsg", "recipient": "+15551234567", "message": "hi"})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "channel.send", Params: params})
	if resp.Error != nil {
		t.Fatalf("expected success, got error %+v", resp.Error)
	}
}

func TestDispatchSendDeniedByAllowlist(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}})
	params, _ := json.Marshal(map[string]string{"channel": "imsg", "recipient": "+19998887777", "message": "hi"})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "channel.send", Params: params})
	if resp.Error == nil || resp.Error.Code != protocol.CodeNotPermitted {
		t.Fatalf("expected CodeNotPermitted, got %+v", resp.Error)
	}
}

func TestDispatchSendRateLimited(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}})
	params, _ := json.Marshal(map[string]string{"channel": "imsg", "recipient": "+15551234567", "message": "hi"})
	req := protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "channel.send", Params: params}

	for i := 0; i < 2; i++ {
		resp := r.Dispatch(context.Background(), req)
		if resp.Error != nil {
			t.Fatalf("attempt %d should succeed, got %+v", i, resp.Error)
		}
	}
	resp := r.Dispatch(context.Background(), req)
	if resp.Error == nil || resp.Error.Code != protocol.CodeRateLimited {
		t.Fatalf("third attempt should be rate limited, got %+v", resp.Error)
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "bogus"})
	if resp.Error == nil || resp.Error.Code != protocol.CodeUnknownMethod {
		t.Fatalf("expected CodeUnknownMethod, got %+v", resp.Error)
	}
}

func TestDispatchSendUnknownChannel(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}})
	params, _ := json.Marshal(map[string]string{"channel": "gmail", "recipient": "a@example.com", "message": "hi"})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "channel.send", Params: params})
	if resp.Error == nil || resp.Error.Code != protocol.CodeNotPermitted {
		t.Fatalf("expected CodeNotPermitted, got %+v", resp.Error)
	}
}

func TestDispatchListChats(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}})
	params, _ := json.Marshal(map[string]string{"channel": "imsg"})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "channel.list_chats", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestDispatchListChatsRequiresChannel(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "channel.list_chats", Params: json.RawMessage(`{}`)})
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams, got %+v", resp.Error)
	}
}

func TestDispatchGetHistory(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}})
	params, _ := json.Marshal(map[string]string{"channel": "imsg", "chat_id": "c1"})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "channel.get_history", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestDispatchGetHistoryRejectsBadTimestamp(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}})
	params, _ := json.Marshal(map[string]string{"channel": "imsg", "chat_id": "c1", "before": "not-a-time"})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "channel.get_history", Params: params})
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams, got %+v", resp.Error)
	}
}

func TestDispatchWatchAuthorizesKnownChannel(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}})
	params, _ := json.Marshal(map[string]string{"channel": "imsg"})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "channel.watch", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestDispatchWatchRejectsUnknownChannel(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}})
	params, _ := json.Marshal(map[string]string{"channel": "discord"})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "channel.watch", Params: params})
	if resp.Error == nil || resp.Error.Code != protocol.CodeNotConfigured {
		t.Fatalf("expected CodeNotConfigured, got %+v", resp.Error)
	}
}

func TestDispatchStatusReportsHealth(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}})
	params, _ := json.Marshal(map[string]string{"channel": "imsg"})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "channel.status", Params: params})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result == nil {
		t.Fatal("expected a health result")
	}
}

func TestDispatchStatusSurfacesAdapterError(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg", healthErr: errHealth}})
	params, _ := json.Marshal(map[string]string{"channel": "imsg"})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "channel.status", Params: params})
	if resp.Error == nil {
		t.Fatal("expected an error response when health check fails")
	}
}

func TestDispatchGetDeadLetters(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "admin.get_dead_letters"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestDispatchGetDeadLettersRejectsBadSince(t *testing.T) {
	r := newTestRouter(t, baseConfig(), map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}})
	params, _ := json.Marshal(map[string]string{"since": "not-a-time"})
	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "admin.get_dead_letters", Params: params})
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams, got %+v", resp.Error)
	}
}

func TestDispatchReloadConfigInstallsNewSnapshotForPolicyOnlyChange(t *testing.T) {
	cfg := baseConfig()
	cfg.Endpoint = config.EndpointConfig{Path: "/tmp/carapace.sock", RequestTimeout: time.Second}
	cfg.Advanced = config.AdvancedConfig{MaxConnections: 4}
	eng, err := policy.NewEngine(cfg)
	if err != nil {
		t.Fatalf("policy.NewEngine: %v", err)
	}

	dir := t.TempDir()
	journal, err := audit.Open(filepath.Join(dir, "audit.log"), true)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	dl, err := audit.NewDeadLetterStore(filepath.Join(dir, "dead-letters"))
	if err != nil {
		t.Fatalf("audit.NewDeadLetterStore: %v", err)
	}

	reloaded := cfg
	imsg := cfg.Channels["imsg"]
	imsg.Outbound = config.FilterPolicy{Mode: config.ModeAllowlist, Allowlist: []string{"+15551234567", "+19995551234"}}
	reloaded.Channels = map[string]config.ChannelConfig{"imsg": imsg}
	loader := func() (config.File, error) { return reloaded, nil }

	r := New(map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}}, eng, journal, dl, metrics.NewRegistry(), zap.NewNop(), loader, cfg)

	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "admin.reload_config"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if ok, _ := eng.Current().CheckOutbound("imsg", "+19995551234"); !ok {
		t.Fatal("expected reload to install a snapshot reflecting the widened allowlist")
	}
}

func TestDispatchReloadConfigRejectsEndpointPathChange(t *testing.T) {
	cfg := baseConfig()
	cfg.Endpoint = config.EndpointConfig{Path: "/tmp/carapace.sock", RequestTimeout: time.Second}
	cfg.Advanced = config.AdvancedConfig{MaxConnections: 4}
	eng, err := policy.NewEngine(cfg)
	if err != nil {
		t.Fatalf("policy.NewEngine: %v", err)
	}

	dir := t.TempDir()
	journal, err := audit.Open(filepath.Join(dir, "audit.log"), true)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	dl, err := audit.NewDeadLetterStore(filepath.Join(dir, "dead-letters"))
	if err != nil {
		t.Fatalf("audit.NewDeadLetterStore: %v", err)
	}

	reloaded := cfg
	reloaded.Endpoint.Path = "/tmp/other.sock"
	loader := func() (config.File, error) { return reloaded, nil }

	r := New(map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}}, eng, journal, dl, metrics.NewRegistry(), zap.NewNop(), loader, cfg)

	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "admin.reload_config"})
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams when endpoint.path changes, got %+v", resp.Error)
	}
}

func TestDispatchReloadConfigRejectsNewlyEnabledChannel(t *testing.T) {
	cfg := baseConfig()
	cfg.Endpoint = config.EndpointConfig{Path: "/tmp/carapace.sock", RequestTimeout: time.Second}
	cfg.Advanced = config.AdvancedConfig{MaxConnections: 4}
	eng, err := policy.NewEngine(cfg)
	if err != nil {
		t.Fatalf("policy.NewEngine: %v", err)
	}

	dir := t.TempDir()
	journal, err := audit.Open(filepath.Join(dir, "audit.log"), true)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	dl, err := audit.NewDeadLetterStore(filepath.Join(dir, "dead-letters"))
	if err != nil {
		t.Fatalf("audit.NewDeadLetterStore: %v", err)
	}

	reloaded := cfg
	reloaded.Channels = map[string]config.ChannelConfig{
		"imsg":   cfg.Channels["imsg"],
		"widget": {Enabled: true, Outbound: config.FilterPolicy{Mode: config.ModeOpen}},
	}
	loader := func() (config.File, error) { return reloaded, nil }

	r := New(map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}}, eng, journal, dl, metrics.NewRegistry(), zap.NewNop(), loader, cfg)

	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "admin.reload_config"})
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams when a channel's enabled set changes, got %+v", resp.Error)
	}
	if eng.Current().ChannelKnown("widget") {
		t.Fatal("rejected reload must not install the new snapshot")
	}
}

func TestDispatchReloadConfigRejectsBinaryChange(t *testing.T) {
	dir := t.TempDir()
	binV1 := filepath.Join(dir, "imsg-v1")
	binV2 := filepath.Join(dir, "imsg-v2")
	for _, p := range []string{binV1, binV2} {
		if err := os.WriteFile(p, []byte("#!/bin/sh\n"), 0755); err != nil {
			t.Fatalf("write fake binary: %v", err)
		}
	}

	cfg := baseConfig()
	cfg.Endpoint = config.EndpointConfig{Path: "/tmp/carapace.sock", RequestTimeout: time.Second}
	cfg.Advanced = config.AdvancedConfig{MaxConnections: 4}
	cfg.Channels["imsg"] = config.ChannelConfig{
		Enabled:  true,
		Binary:   binV1,
		Outbound: cfg.Channels["imsg"].Outbound,
	}
	eng, err := policy.NewEngine(cfg)
	if err != nil {
		t.Fatalf("policy.NewEngine: %v", err)
	}

	journal, err := audit.Open(filepath.Join(dir, "audit.log"), true)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	dl, err := audit.NewDeadLetterStore(filepath.Join(dir, "dead-letters"))
	if err != nil {
		t.Fatalf("audit.NewDeadLetterStore: %v", err)
	}

	reloaded := cfg
	imsg := cfg.Channels["imsg"]
	imsg.Binary = binV2
	reloaded.Channels = map[string]config.ChannelConfig{"imsg": imsg}
	loader := func() (config.File, error) { return reloaded, nil }

	r := New(map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}}, eng, journal, dl, metrics.NewRegistry(), zap.NewNop(), loader, cfg)

	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "admin.reload_config"})
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("expected CodeInvalidParams when an adapter binary path changes, got %+v", resp.Error)
	}
}

func TestDispatchReloadConfigRejectsLoaderError(t *testing.T) {
	cfg := baseConfig()
	eng, err := policy.NewEngine(cfg)
	if err != nil {
		t.Fatalf("policy.NewEngine: %v", err)
	}

	dir := t.TempDir()
	journal, err := audit.Open(filepath.Join(dir, "audit.log"), true)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	dl, err := audit.NewDeadLetterStore(filepath.Join(dir, "dead-letters"))
	if err != nil {
		t.Fatalf("audit.NewDeadLetterStore: %v", err)
	}

	loader := func() (config.File, error) { return config.File{}, errLoad }

	r := New(map[string]adapter.Adapter{"imsg": &fakeAdapter{channel: "imsg"}}, eng, journal, dl, metrics.NewRegistry(), zap.NewNop(), loader, cfg)

	resp := r.Dispatch(context.Background(), protocol.Request{JSONRPC: "2.0", ID: rawID(1), Method: "admin.reload_config"})
	if resp.Error == nil || resp.Error.Code != protocol.CodeInternal {
		t.Fatalf("expected CodeInternal when the loader fails, got %+v", resp.Error)
	}
}
