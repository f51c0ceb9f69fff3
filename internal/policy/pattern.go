package policy

import "strings"

// matchPattern implements spec.md §4.4's four pattern shapes:
//   - exact string equality
//   - prefix wildcard: pattern ends in "*", party starts with the prefix
//   - domain wildcard: pattern is "*@D", party ends in "@D" (local part
//     compared case-insensitively)
//   - subdomain wildcard: pattern is "*@*.D", party matches "*@X.D" for
//     some X
//
// Phone-shaped parties are matched case-sensitively (they have no case);
// email-shaped comparisons fold the local part to lower case, which
// compileFilter already did at snapshot compile time for pattern text.
func matchPattern(pattern, party string) bool {
	if pattern == party {
		return true
	}

	if strings.Contains(pattern, "@") && !strings.HasPrefix(pattern, "*") && strings.EqualFold(pattern, party) {
		// Exact email match: local part is compared case-insensitively
		// (the pattern was already lower-cased at load time).
		return true
	}

	if at := strings.Index(pattern, "@*."); at >= 0 && strings.HasPrefix(pattern, "*@*.") {
		domain := pattern[len("*@*."):]
		return matchSubdomain(party, domain)
	}

	if strings.HasPrefix(pattern, "*@") {
		domain := pattern[len("*@"):]
		return matchDomain(party, domain)
	}

	if strings.HasSuffix(pattern, "*") {
		prefix := pattern[:len(pattern)-1]
		return strings.HasPrefix(party, prefix)
	}

	return false
}

// matchDomain checks party ends in "@domain", comparing case-insensitively.
func matchDomain(party, domain string) bool {
	at := strings.LastIndex(party, "@")
	if at < 0 {
		return false
	}
	return strings.EqualFold(party[at+1:], domain)
}

// matchSubdomain checks party is "user@X.domain" for some non-empty X.
func matchSubdomain(party, domain string) bool {
	at := strings.LastIndex(party, "@")
	if at < 0 {
		return false
	}
	hostPart := party[at+1:]
	suffix := "." + domain
	if !strings.HasSuffix(strings.ToLower(hostPart), strings.ToLower(suffix)) {
		return false
	}
	sub := hostPart[:len(hostPart)-len(suffix)]
	return sub != ""
}

// normalizePattern lower-cases the local-part-sensitive portion of an
// email-shaped pattern at load time, per spec.md §3's "normalize to
// lower case at load time" invariant. Phone-shaped patterns pass through
// unchanged since phone matching is case-sensitive (and phones have no
// case).
func normalizePattern(pattern string) string {
	if strings.Contains(pattern, "@") {
		return strings.ToLower(pattern)
	}
	return pattern
}
