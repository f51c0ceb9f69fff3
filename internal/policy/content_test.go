package policy

import (
	"regexp"
	"testing"
)

func rule(id, pattern string, action ContentAction) ContentRule {
	return ContentRule{ID: id, Pattern: pattern, Regexp: regexp.MustCompile(pattern), Action: action}
}

func TestContentFilterDisabledNeverBlocks(t *testing.T) {
	f := ContentFilter{Enabled: false, Rules: []ContentRule{rule("r1", "secret", ActionBlock)}}
	v := f.Evaluate("this contains secret")
	if v.Blocked {
		t.Fatal("a disabled filter must never block")
	}
}

func TestContentFilterBlockShortCircuits(t *testing.T) {
	f := ContentFilter{Enabled: true, Rules: []ContentRule{
		rule("warn-1", "foo", ActionWarn),
		rule("block-1", "secret", ActionBlock),
		rule("warn-2", "secret", ActionWarn),
	}}
	v := f.Evaluate("foo secret bar")
	if !v.Blocked {
		t.Fatal("matching block rule should block")
	}
	if v.BlockedBy.ID != "block-1" {
		t.Fatalf("expected block-1 to be the blocking rule, got %q", v.BlockedBy.ID)
	}
	if len(v.Warnings) != 1 || v.Warnings[0].ID != "warn-1" {
		t.Fatalf("warn rules evaluated before the block should still be recorded, got %+v", v.Warnings)
	}
}

func TestContentFilterWarnDoesNotShortCircuit(t *testing.T) {
	f := ContentFilter{Enabled: true, Rules: []ContentRule{
		rule("warn-1", "foo", ActionWarn),
		rule("warn-2", "bar", ActionWarn),
	}}
	v := f.Evaluate("foo bar")
	if v.Blocked {
		t.Fatal("warn rules must never block")
	}
	if len(v.Warnings) != 2 {
		t.Fatalf("expected both warn rules to fire, got %d", len(v.Warnings))
	}
}

func TestContentFilterEmptyBodyNeverBlocks(t *testing.T) {
	f := ContentFilter{Enabled: true, Rules: []ContentRule{rule("r1", ".+", ActionBlock)}}
	v := f.Evaluate("")
	if v.Blocked {
		t.Fatal("an empty body should not match a rule requiring at least one character")
	}
}
