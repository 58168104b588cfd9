// Package domainpolicy enforces per-run host allow/deny lists for both
// target URLs and webhook URLs.
package domainpolicy

import (
	"strings"

	"sentinel/pkg/sentinel"
)

// matcher stores exact hosts and suffix wildcards derived from a pattern
// list. A pattern of "*.example.com" or ".example.com" matches
// "example.com" and any subdomain; a bare "example.com" matches only that
// exact host.
type matcher struct {
	exact    map[string]string // host -> original pattern, for error citation
	suffixes []suffixRule
}

type suffixRule struct {
	suffix  string
	pattern string
}

func newMatcher(patterns []string) *matcher {
	m := &matcher{exact: make(map[string]string)}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			m.addSuffix(strings.TrimPrefix(value, "*."), raw)
		case strings.HasPrefix(value, "."):
			m.addSuffix(strings.TrimPrefix(value, "."), raw)
		default:
			m.exact[value] = raw
		}
	}
	if len(m.exact) == 0 && len(m.suffixes) == 0 {
		return nil
	}
	return m
}

func (m *matcher) addSuffix(suffix, pattern string) {
	if suffix == "" {
		return
	}
	for _, r := range m.suffixes {
		if r.suffix == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffixRule{suffix: suffix, pattern: pattern})
}

// match returns the citing pattern and true if host is covered by m.
func (m *matcher) match(host string) (string, bool) {
	if m == nil {
		return "", false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return "", false
	}
	if pattern, ok := m.exact[host]; ok {
		return pattern, true
	}
	for _, r := range m.suffixes {
		if host == r.suffix || strings.HasSuffix(host, "."+r.suffix) {
			return r.pattern, true
		}
	}
	return "", false
}

// Policy is a compiled allow/deny pair for a single class of host (target
// or webhook). An empty allowlist means "any host not denied is allowed".
type Policy struct {
	allow *matcher
	deny  *matcher
}

// New compiles an allow/deny pattern pair into a Policy.
func New(allowPatterns, denyPatterns []string) *Policy {
	return &Policy{
		allow: newMatcher(allowPatterns),
		deny:  newMatcher(denyPatterns),
	}
}

// Check reports whether host is permitted. Denylist is evaluated before
// allowlist, so a host present in both is rejected.
func (p *Policy) Check(host string) error {
	if p == nil {
		return nil
	}
	if pattern, denied := p.deny.match(host); denied {
		return &sentinel.DomainPolicyError{Host: host, Rule: "denylist:" + pattern}
	}
	if p.allow == nil {
		return nil
	}
	if pattern, allowed := p.allow.match(host); allowed {
		_ = pattern
		return nil
	}
	return &sentinel.DomainPolicyError{Host: host, Rule: "not in allowlist"}
}

// TargetPolicy builds the Policy governing which target hosts may be fetched.
func TargetPolicy(policy sentinel.RunPolicy) *Policy {
	return New(policy.TargetDomainAllowlist, policy.TargetDomainDenylist)
}

// WebhookPolicy builds the Policy governing which webhook hosts may receive deliveries.
func WebhookPolicy(policy sentinel.RunPolicy) *Policy {
	return New(policy.WebhookDomainAllowlist, policy.WebhookDomainDenylist)
}
