package policy

import (
	"fmt"
	"regexp"

	"github.com/carapace-gateway/carapace/internal/config"
)

// ChannelPolicy is the compiled per-channel policy: its filters in each
// direction. Rate limiting is global to the Snapshot (keyed by channel)
// since the limiter carries mutable state across reloads differently —
// see Engine.
type ChannelPolicy struct {
	Outbound CompiledFilter
	Inbound  CompiledFilter
}

// Snapshot is the immutable value assembled at load (spec.md §3): it is
// never mutated in place, only replaced wholesale by Engine.Reload.
type Snapshot struct {
	Channels      map[string]ChannelPolicy
	ContentFilter ContentFilter
	RateLimits    map[string]RateLimit
}

// Compile turns a validated config.File into a Snapshot. Callers must
// run config.File.Validate first; Compile does not re-validate.
func Compile(f config.File) (Snapshot, error) {
	snap := Snapshot{
		Channels:   make(map[string]ChannelPolicy, len(f.Channels)),
		RateLimits: make(map[string]RateLimit),
	}

	for id, ch := range f.Channels {
		if !ch.Enabled {
			continue
		}
		snap.Channels[id] = ChannelPolicy{
			Outbound: compileFilter(ch.Outbound),
			Inbound:  compileFilter(ch.Inbound),
		}
	}

	def, hasDefault := f.Security.RateLimit["default"]
	for id, ch := range f.Channels {
		if !ch.Enabled {
			continue
		}
		if lim, ok := f.Security.RateLimit[id]; ok {
			snap.RateLimits[id] = RateLimit{Requests: lim.Requests, WindowSeconds: lim.WindowSeconds}
		} else if hasDefault {
			snap.RateLimits[id] = RateLimit{Requests: def.Requests, WindowSeconds: def.WindowSeconds}
		}
	}

	snap.ContentFilter.Enabled = f.Security.ContentFilterEnabled
	for i, rule := range f.Security.ContentFilterPatterns {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return Snapshot{}, fmt.Errorf("policy: compile content rule %d: %w", i, err)
		}
		snap.ContentFilter.Rules = append(snap.ContentFilter.Rules, ContentRule{
			ID:      fmt.Sprintf("rule-%d", i),
			Pattern: rule.Pattern,
			Regexp:  re,
			Action:  ContentAction(rule.Action),
		})
	}

	return snap, nil
}

// ChannelKnown reports whether channel is present in the snapshot. An
// unknown channel key denies by construction (spec.md §4.4).
func (s Snapshot) ChannelKnown(channel string) bool {
	_, ok := s.Channels[channel]
	return ok
}

// CheckOutbound evaluates party against channel's outbound filter. An
// unrecognized channel denies.
func (s Snapshot) CheckOutbound(channel, party string) (bool, DenialKind) {
	cp, ok := s.Channels[channel]
	if !ok {
		return false, DenialAllowlist
	}
	return cp.Outbound.Check(party)
}

// CheckInbound evaluates party against channel's inbound filter. An
// unrecognized channel denies.
func (s Snapshot) CheckInbound(channel, party string) (bool, DenialKind) {
	cp, ok := s.Channels[channel]
	if !ok {
		return false, DenialAllowlist
	}
	return cp.Inbound.Check(party)
}
