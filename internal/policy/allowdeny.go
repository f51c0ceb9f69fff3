package policy

import "github.com/carapace-gateway/carapace/internal/config"

// DenialKind identifies why an allow/deny check rejected a party.
type DenialKind string

const (
	DenialNone      DenialKind = ""
	DenialAllowlist DenialKind = "not_in_allowlist"
	DenialDenylist  DenialKind = "in_denylist"
)

// Direction distinguishes outbound sends from inbound deliveries.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// CompiledFilter is a FilterPolicy with its patterns normalized at load
// time, ready for repeated matching.
type CompiledFilter struct {
	Mode     config.FilterMode
	Patterns []string
}

// compileFilter normalizes pattern case per spec.md §3's load-time rule.
func compileFilter(p config.FilterPolicy) CompiledFilter {
	raw := p.Patterns()
	out := make([]string, len(raw))
	for i, pattern := range raw {
		out[i] = normalizePattern(pattern)
	}
	return CompiledFilter{Mode: p.Mode, Patterns: out}
}

// Check evaluates party against the filter: open accepts unconditionally,
// allowlist accepts iff some pattern matches, denylist accepts iff no
// pattern matches. An empty pattern list under allowlist denies
// everything; under denylist it allows everything — spec.md §3/§8.
func (f CompiledFilter) Check(party string) (bool, DenialKind) {
	switch f.Mode {
	case config.ModeOpen, "":
		return true, DenialNone
	case config.ModeAllowlist:
		for _, pattern := range f.Patterns {
			if matchPattern(pattern, party) {
				return true, DenialNone
			}
		}
		return false, DenialAllowlist
	case config.ModeDenylist:
		for _, pattern := range f.Patterns {
			if matchPattern(pattern, party) {
				return false, DenialDenylist
			}
		}
		return true, DenialNone
	default:
		return false, DenialAllowlist
	}
}
