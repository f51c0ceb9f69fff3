package connection

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/audit"
	"github.com/carapace-gateway/carapace/internal/config"
	"github.com/carapace-gateway/carapace/internal/metrics"
	"github.com/carapace-gateway/carapace/internal/policy"
	"github.com/carapace-gateway/carapace/internal/router"
	"github.com/carapace-gateway/carapace/internal/subscription"
)

type stubAdapter struct {
	channel string
	stream  chan adapter.IncomingMessage
}

func (a *stubAdapter) ChannelID() string { return a.channel }

func (a *stubAdapter) HealthCheck(ctx context.Context) (adapter.HealthResult, error) {
	return adapter.HealthResult{Healthy: true}, nil
}

func (a *stubAdapter) Send(ctx context.Context, params adapter.SendParams) (adapter.SendResult, error) {
	return adapter.SendResult{MessageID: "m1", Timestamp: time.Now().UTC()}, nil
}

func (a *stubAdapter) ListChats(ctx context.Context, limit, offset int) (adapter.ChatPage, error) {
	return adapter.ChatPage{}, nil
}

func (a *stubAdapter) GetHistory(ctx context.Context, chatID string, limit int, before time.Time) (adapter.HistoryPage, error) {
	return adapter.HistoryPage{}, nil
}

func (a *stubAdapter) Watch(ctx context.Context) (<-chan adapter.IncomingMessage, error) {
	return a.stream, nil
}

func newTestHandler(t *testing.T) (*Handler, *stubAdapter) {
	t.Helper()

	cfg := config.File{
		Channels: map[string]config.ChannelConfig{
			"imsg": {Enabled: true, Inbound: config.FilterPolicy{Mode: config.ModeOpen}},
		},
	}
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

	stub := &stubAdapter{channel: "imsg", stream: make(chan adapter.IncomingMessage, 4)}
	adapters := map[string]adapter.Adapter{"imsg": stub}
	reg := metrics.NewRegistry()

	r := router.New(adapters, eng, journal, dl, reg, zap.NewNop(), func() (config.File, error) { return cfg, nil }, cfg)
	subs := subscription.New(adapters, eng, journal, dl, reg, zap.NewNop(), 16)

	return &Handler{Router: r, Subscriptions: subs, Logger: zap.NewNop(), RequestTimeout: 2 * time.Second}, stub
}

func TestServeRespondsToPing(t *testing.T) {
	h, _ := newTestHandler(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, serverConn)

	if _, err := clientConn.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}

	buf := make([]byte, 4096)
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !bytes.Contains(buf[:n], []byte(`"pong":true`)) {
		t.Fatalf("expected a pong result, got %s", buf[:n])
	}
}

func TestServeRejectsWrongProtocolVersionWithoutClosing(t *testing.T) {
	h, _ := newTestHandler(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, serverConn)

	if _, err := clientConn.Write([]byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}` + "\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	buf := make([]byte, 4096)
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !bytes.Contains(buf[:n], []byte(`-32600`)) {
		t.Fatalf("expected CodeInvalidRequest, got %s", buf[:n])
	}

	if _, err := clientConn.Write([]byte(`{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n")); err != nil {
		t.Fatalf("write second request: %v", err)
	}
	n, err = clientConn.Read(buf)
	if err != nil {
		t.Fatalf("connection should remain usable after a protocol-version rejection: %v", err)
	}
	if !bytes.Contains(buf[:n], []byte(`"pong":true`)) {
		t.Fatalf("expected the connection to keep serving subsequent requests, got %s", buf[:n])
	}
}

func TestServeWatchDeliversNotification(t *testing.T) {
	h, stub := newTestHandler(t)
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Serve(ctx, serverConn)

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)

		if _, err := clientConn.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"channel.watch","params":{"channel":"imsg"}}` + "\n")); err != nil {
			t.Errorf("write watch request: %v", err)
			return
		}

		buf := make([]byte, 4096)
		n, err := clientConn.Read(buf)
		if err != nil {
			t.Errorf("read ack: %v", err)
			return
		}
		if !bytes.Contains(buf[:n], []byte(`"subscribed":true`)) {
			t.Errorf("expected subscribe ack, got %s", buf[:n])
			return
		}

		stub.stream <- adapter.IncomingMessage{Channel: "imsg", Sender: "+15551234567", Text: "hello"}

		n, err = clientConn.Read(buf)
		if err != nil {
			t.Errorf("read notification: %v", err)
			return
		}
		if !bytes.Contains(buf[:n], []byte(`"channel.message"`)) || !bytes.Contains(buf[:n], []byte(`"hello"`)) {
			t.Errorf("expected a channel.message notification carrying the text, got %s", buf[:n])
		}
	}()

	select {
	case <-clientDone:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watch notification round trip")
	}
}
