package policy

import (
	"os"
	"testing"
	"time"

	"github.com/carapace-gateway/carapace/internal/config"
)

// testConfig returns a File that passes config.Validate, which Reload
// runs: an endpoint, a connection cap, and an imsg binary that exists
// (the test binary itself).
func testConfig(allowlist []string, requests, windowSeconds int) config.File {
	return config.File{
		Endpoint: config.EndpointConfig{Path: "/tmp/carapace-test.sock", RequestTimeout: time.Second},
		Advanced: config.AdvancedConfig{MaxConnections: 1},
		Channels: map[string]config.ChannelConfig{
			"imsg": {
				Enabled:  true,
				Binary:   os.Args[0],
				Outbound: config.FilterPolicy{Mode: config.ModeAllowlist, Allowlist: allowlist},
			},
		},
		Security: config.SecurityConfig{
			RateLimit: map[string]config.RateLimitConfig{"imsg": {Requests: requests, WindowSeconds: windowSeconds}},
		},
	}
}

func TestEngineCurrentReflectsCompiledSnapshot(t *testing.T) {
	e, err := NewEngine(testConfig([]string{"+15551234567"}, 10, 60))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	snap := e.Current()
	if !snap.ChannelKnown("imsg") {
		t.Fatal("expected imsg to be a known channel")
	}
	allowed, _ := snap.CheckOutbound("imsg", "+15551234567")
	if !allowed {
		t.Fatal("expected allowlisted recipient to pass")
	}
}

func TestEngineReloadInstallsNewSnapshotAtomically(t *testing.T) {
	e, err := NewEngine(testConfig([]string{"+15551234567"}, 10, 60))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	before := e.Current()

	if err := e.Reload(testConfig([]string{"+19998887777"}, 10, 60)); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	after := e.Current()
	if before == after {
		t.Fatal("Reload must install a distinct snapshot, never mutate in place")
	}

	allowed, _ := before.CheckOutbound("imsg", "+15551234567")
	if !allowed {
		t.Fatal("a snapshot already obtained by an in-flight request must keep its original policy")
	}

	allowed, _ = after.CheckOutbound("imsg", "+15551234567")
	if allowed {
		t.Fatal("the old recipient should no longer be allowed under the reloaded policy")
	}
}

func TestEngineReloadRejectsInvalidConfig(t *testing.T) {
	e, err := NewEngine(testConfig([]string{"+15551234567"}, 10, 60))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	bad := testConfig([]string{"+15551234567"}, 10, 60)
	bad.Security.ContentFilterPatterns = []config.ContentRuleConfig{{Pattern: "(", Action: "block"}}

	if err := e.Reload(bad); err == nil {
		t.Fatal("expected Reload to reject an unparseable content filter pattern")
	}
	if e.Current().ContentFilter.Enabled {
		t.Fatal("a failed reload must leave the prior snapshot in effect")
	}
}

func TestEngineAllowRatePersistsAcrossReload(t *testing.T) {
	e, err := NewEngine(testConfig([]string{"+15551234567"}, 2, 60))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if !e.AllowRate("imsg") {
		t.Fatal("first attempt should be allowed")
	}
	if err := e.Reload(testConfig([]string{"+15551234567"}, 2, 60)); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !e.AllowRate("imsg") {
		t.Fatal("second attempt should still be allowed, the limiter's history survives reload")
	}
	if e.AllowRate("imsg") {
		t.Fatal("third attempt within the window should be rejected")
	}
}
