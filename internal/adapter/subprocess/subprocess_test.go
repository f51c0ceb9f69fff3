package subprocess

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/carapace-gateway/carapace/internal/adapter"
)

// TestMain supports re-executing this same test binary as a fake RPC
// helper process, the same pattern os/exec's own tests use to avoid
// shipping a separate fixture binary.
func TestMain(m *testing.M) {
	if os.Getenv("CARAPACE_FAKE_HELPER") == "1" {
		runFakeHelper()
		return
	}
	os.Exit(m.Run())
}

func runFakeHelper() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}

		switch req.Method {
		case "ping":
			fmt.Fprintf(os.Stdout, `{"id":%d,"result":{}}`+"\n", req.ID)
		case "send":
			fmt.Fprintf(os.Stdout, `{"id":%d,"result":{"message_id":"fake-1"}}`+"\n", req.ID)
		default:
			fmt.Fprintf(os.Stdout, `{"id":%d,"error":{"code":1,"message":"unsupported"}}`+"\n", req.ID)
		}
	}
	os.Exit(0)
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	a := New(Config{ChannelID: "imsg", Binary: self}, zap.NewNop())

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { a.Stop() })
	return a
}

func TestSubprocessAdapterHealthCheck(t *testing.T) {
	os.Setenv("CARAPACE_FAKE_HELPER", "1")
	defer os.Unsetenv("CARAPACE_FAKE_HELPER")

	a := newTestAdapter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	health, err := a.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if !health.Healthy {
		t.Fatalf("expected healthy, got %+v", health)
	}
}

func adapterSendParams() adapter.SendParams {
	return adapter.SendParams{Recipient: "+15551234567", Message: "hello"}
}

func TestSubprocessAdapterSend(t *testing.T) {
	os.Setenv("CARAPACE_FAKE_HELPER", "1")
	defer os.Unsetenv("CARAPACE_FAKE_HELPER")

	a := newTestAdapter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := a.Send(ctx, adapterSendParams())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.MessageID != "fake-1" {
		t.Fatalf("expected message id from helper, got %q", result.MessageID)
	}
}
