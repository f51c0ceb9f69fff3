package subscription

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/adapter"
	"github.com/carapace-gateway/carapace/internal/audit"
	"github.com/carapace-gateway/carapace/internal/config"
	"github.com/carapace-gateway/carapace/internal/metrics"
	"github.com/carapace-gateway/carapace/internal/policy"
)

type stubWatchAdapter struct {
	channel string
	stream  chan adapter.IncomingMessage
}

func (a *stubWatchAdapter) ChannelID() string { return a.channel }
func (a *stubWatchAdapter) HealthCheck(ctx context.Context) (adapter.HealthResult, error) {
	return adapter.HealthResult{Healthy: true}, nil
}
func (a *stubWatchAdapter) Send(ctx context.Context, params adapter.SendParams) (adapter.SendResult, error) {
	return adapter.SendResult{}, nil
}
func (a *stubWatchAdapter) ListChats(ctx context.Context, limit, offset int) (adapter.ChatPage, error) {
	return adapter.ChatPage{}, nil
}
func (a *stubWatchAdapter) GetHistory(ctx context.Context, chatID string, limit int, before time.Time) (adapter.HistoryPage, error) {
	return adapter.HistoryPage{}, nil
}
func (a *stubWatchAdapter) Watch(ctx context.Context) (<-chan adapter.IncomingMessage, error) {
	return a.stream, nil
}

func newTestManager(t *testing.T, cfg config.File, a adapter.Adapter, bufferSize int) (*Manager, *metrics.Registry) {
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

	reg := metrics.NewRegistry()
	m := New(map[string]adapter.Adapter{"imsg": a}, eng, journal, dl, reg, zap.NewNop(), bufferSize)
	return m, reg
}

func TestSubscriptionDeliversInOrder(t *testing.T) {
	sub := newSubscription("s1", "imsg", 10)
	sub.push(adapter.IncomingMessage{Text: "one"})
	sub.push(adapter.IncomingMessage{Text: "two"})

	ctx := context.Background()
	ev1, ok := sub.Next(ctx)
	if !ok || ev1.Message.Text != "one" {
		t.Fatalf("expected first message, got %+v ok=%v", ev1, ok)
	}
	ev2, ok := sub.Next(ctx)
	if !ok || ev2.Message.Text != "two" {
		t.Fatalf("expected second message, got %+v ok=%v", ev2, ok)
	}
}

func TestSubscriptionDropsOldestOnOverflow(t *testing.T) {
	sub := newSubscription("s1", "imsg", 2)
	if dropped := sub.push(adapter.IncomingMessage{Text: "one"}); dropped {
		t.Fatal("push into a non-full queue should not report a drop")
	}
	if dropped := sub.push(adapter.IncomingMessage{Text: "two"}); dropped {
		t.Fatal("push filling the queue exactly to capacity should not report a drop")
	}
	if dropped := sub.push(adapter.IncomingMessage{Text: "three"}); !dropped { // drops "one"
		t.Fatal("push past capacity should report a drop")
	}

	ctx := context.Background()
	ev, ok := sub.Next(ctx)
	if !ok || ev.Message.Text != "two" {
		t.Fatalf("expected oldest surviving message \"two\", got %+v", ev)
	}
	if ev.Dropped != 1 {
		t.Fatalf("expected dropped count of 1 reported on the next delivered event, got %d", ev.Dropped)
	}

	ev2, ok := sub.Next(ctx)
	if !ok || ev2.Message.Text != "three" {
		t.Fatalf("expected \"three\" next, got %+v", ev2)
	}
	if ev2.Dropped != 0 {
		t.Fatalf("dropped count should reset to zero after being reported once, got %d", ev2.Dropped)
	}
}

func TestSubscriptionCloseUnblocksNext(t *testing.T) {
	sub := newSubscription("s1", "imsg", 4)
	done := make(chan bool, 1)
	go func() {
		_, ok := sub.Next(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	sub.close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Next should report !ok once the subscription is closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after close")
	}
}

func TestSubscriptionNextRespectsContextCancellation(t *testing.T) {
	sub := newSubscription("s1", "imsg", 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := sub.Next(ctx)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Next should report !ok once ctx is cancelled")
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after context cancellation")
	}
}

func TestManagerDeliverCountsDeadLetterOnInboundDeny(t *testing.T) {
	cfg := config.File{
		Channels: map[string]config.ChannelConfig{
			"imsg": {Enabled: true, Inbound: config.FilterPolicy{Mode: config.ModeDenylist, Denylist: []string{"+19995551234"}}},
		},
	}
	stub := &stubWatchAdapter{channel: "imsg", stream: make(chan adapter.IncomingMessage, 1)}
	m, reg := newTestManager(t, cfg, stub, 4)

	sub, err := m.Subscribe(context.Background(), "imsg")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer m.Unsubscribe(sub)

	before := testutil.ToFloat64(reg.DeadLettersTotal)
	stub.stream <- adapter.IncomingMessage{Channel: "imsg", Sender: "+19995551234", Text: "blocked"}

	deadline := time.After(time.Second)
	for testutil.ToFloat64(reg.DeadLettersTotal) == before {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the denied inbound message to count as a dead letter")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestManagerDeliverCountsSubscriptionsDroppedOnOverflow(t *testing.T) {
	cfg := config.File{
		Channels: map[string]config.ChannelConfig{
			"imsg": {Enabled: true, Inbound: config.FilterPolicy{Mode: config.ModeOpen}},
		},
	}
	stub := &stubWatchAdapter{channel: "imsg", stream: make(chan adapter.IncomingMessage, 4)}
	m, reg := newTestManager(t, cfg, stub, 1)

	sub, err := m.Subscribe(context.Background(), "imsg")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer m.Unsubscribe(sub)

	stub.stream <- adapter.IncomingMessage{Channel: "imsg", Sender: "+15551234567", Text: "one"}
	stub.stream <- adapter.IncomingMessage{Channel: "imsg", Sender: "+15551234567", Text: "two"}

	deadline := time.After(time.Second)
	for testutil.ToFloat64(reg.SubscriptionsDropped) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the overflow drop to be counted")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
