package policy

import (
	"testing"

	"github.com/carapace-gateway/carapace/internal/config"
)

func TestCompiledFilterOpenAcceptsEverything(t *testing.T) {
	f := compileFilter(config.FilterPolicy{Mode: config.ModeOpen})
	ok, kind := f.Check("anyone@example.com")
	if !ok || kind != DenialNone {
		t.Fatalf("open mode should accept unconditionally, got ok=%v kind=%v", ok, kind)
	}
}

func TestCompiledFilterAllowlistDeniesUnlisted(t *testing.T) {
	f := compileFilter(config.FilterPolicy{Mode: config.ModeAllowlist, Allowlist: []string{"alice@example.com"}})
	if ok, _ := f.Check("alice@example.com"); !ok {
		t.Fatal("listed party should be accepted")
	}
	ok, kind := f.Check("eve@example.com")
	if ok || kind != DenialAllowlist {
		t.Fatalf("unlisted party should be denied as not_in_allowlist, got ok=%v kind=%v", ok, kind)
	}
}

func TestCompiledFilterAllowlistEmptyDeniesAll(t *testing.T) {
	f := compileFilter(config.FilterPolicy{Mode: config.ModeAllowlist})
	if ok, _ := f.Check("anyone@example.com"); ok {
		t.Fatal("an empty allowlist must deny everything")
	}
}

func TestCompiledFilterDenylistBlocksListed(t *testing.T) {
	f := compileFilter(config.FilterPolicy{Mode: config.ModeDenylist, Denylist: []string{"spammer@example.com"}})
	ok, kind := f.Check("spammer@example.com")
	if ok || kind != DenialDenylist {
		t.Fatalf("denylisted party should be denied as in_denylist, got ok=%v kind=%v", ok, kind)
	}
	if ok, _ := f.Check("friend@example.com"); !ok {
		t.Fatal("a party absent from the denylist should be accepted")
	}
}

func TestCompiledFilterDenylistEmptyAllowsAll(t *testing.T) {
	f := compileFilter(config.FilterPolicy{Mode: config.ModeDenylist})
	if ok, _ := f.Check("anyone@example.com"); !ok {
		t.Fatal("an empty denylist must allow everything")
	}
}

func TestSnapshotUnknownChannelDenies(t *testing.T) {
	snap := Snapshot{Channels: map[string]ChannelPolicy{}}
	if ok, kind := snap.CheckOutbound("ghost", "anyone@example.com"); ok || kind != DenialAllowlist {
		t.Fatalf("an unrecognized channel must deny, got ok=%v kind=%v", ok, kind)
	}
	if snap.ChannelKnown("ghost") {
		t.Fatal("ChannelKnown must report false for a channel never compiled into the snapshot")
	}
}

func TestCompileAppliesDefaultRateLimit(t *testing.T) {
	f := config.File{
		Channels: map[string]config.ChannelConfig{
			"imsg": {Enabled: true},
		},
		Security: config.SecurityConfig{
			RateLimit: map[string]config.RateLimitConfig{
				"default": {Requests: 10, WindowSeconds: 60},
			},
		},
	}
	snap, err := Compile(f)
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	lim, ok := snap.RateLimits["imsg"]
	if !ok {
		t.Fatal("imsg should inherit the default rate limit")
	}
	if lim.Requests != 10 || lim.WindowSeconds != 60 {
		t.Fatalf("unexpected inherited limit: %+v", lim)
	}
}
