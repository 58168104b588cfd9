// Package safety implements the URL Safety Guard: the SSRF defense applied
// to every target URL, every redirect hop, every subresource load during
// rendered fetches, and every webhook URL.
package safety

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"sentinel/pkg/sentinel"
)

// verdictKey memoizes a check by the (allowLocalhost, host) pair, since the
// same host can be evaluated differently across runs with different policy.
type verdictKey struct {
	allowLocalhost bool
	host           string
}

type verdict struct {
	safe   bool
	reason string
}

// Guard is a process-global-cached URL safety checker. The zero value is
// ready to use; construct with New for a fresh cache (tests want isolation).
type Guard struct {
	mu       sync.Mutex
	cache    map[verdictKey]verdict
	resolver *net.Resolver
	// hostedRuntime reports whether the process appears to run on a managed
	// hosting platform, in which case allowLocalhost is silently ignored.
	hostedRuntime func() bool
}

// New builds a Guard with its own verdict cache.
func New() *Guard {
	return &Guard{
		cache:         make(map[verdictKey]verdict),
		resolver:      net.DefaultResolver,
		hostedRuntime: detectHostedRuntime,
	}
}

// global is the process-wide Guard used by package-level Check, matching the
// spec's requirement that the hostname cache be process-global.
var global = New()

// Check validates rawURL against the SSRF policy using the process-global
// cache. allowLocalhost is the run's opt-in flag; it is ignored (treated as
// false) when the process is detected to be running on a hosted runtime.
func Check(ctx context.Context, rawURL string, allowLocalhost bool) error {
	return global.Check(ctx, rawURL, allowLocalhost)
}

// Check validates rawURL, returning nil if safe or a *sentinel.UrlSafetyError otherwise.
func (g *Guard) Check(ctx context.Context, rawURL string, allowLocalhost bool) error {
	if g.hostedRuntime != nil && g.hostedRuntime() {
		allowLocalhost = false
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return unsafeErr(rawURL, fmt.Sprintf("unparseable url: %v", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return unsafeErr(rawURL, fmt.Sprintf("scheme %q not allowed", u.Scheme))
	}
	if u.User != nil {
		return unsafeErr(rawURL, "userinfo not allowed in url")
	}
	host := u.Hostname()
	if host == "" {
		return unsafeErr(rawURL, "empty host")
	}

	key := verdictKey{allowLocalhost: allowLocalhost, host: strings.ToLower(host)}
	g.mu.Lock()
	if v, ok := g.cache[key]; ok {
		g.mu.Unlock()
		if v.safe {
			return nil
		}
		return unsafeErr(rawURL, v.reason)
	}
	g.mu.Unlock()

	v := g.evaluate(ctx, host, allowLocalhost)
	g.mu.Lock()
	g.cache[key] = v
	g.mu.Unlock()

	if v.safe {
		return nil
	}
	return unsafeErr(rawURL, v.reason)
}

func (g *Guard) evaluate(ctx context.Context, host string, allowLocalhost bool) verdict {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		if allowLocalhost {
			return verdict{safe: true}
		}
		return verdict{reason: "localhost hostnames are rejected"}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip, allowLocalhost)
	}

	resolveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addrs, err := g.resolver.LookupIPAddr(resolveCtx, host)
	if err != nil {
		return verdict{reason: fmt.Sprintf("dns resolution failed: %v", err)}
	}
	if len(addrs) == 0 {
		return verdict{reason: "dns resolution returned no addresses"}
	}
	for _, a := range addrs {
		if v := checkIP(a.IP, allowLocalhost); !v.safe {
			return verdict{reason: fmt.Sprintf("resolved address %s: %s", a.IP, v.reason)}
		}
	}
	return verdict{safe: true}
}

// checkIP validates a single address is public unicast, unwrapping
// IPv4-mapped IPv6 addresses before the check.
func checkIP(ip net.IP, allowLocalhost bool) verdict {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	if ip.IsLoopback() {
		if allowLocalhost {
			return verdict{safe: true}
		}
		return verdict{reason: "loopback address"}
	}
	switch {
	case ip.IsUnspecified():
		return verdict{reason: "unspecified address"}
	case ip.IsPrivate():
		return verdict{reason: "private address"}
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return verdict{reason: "link-local address"}
	case ip.IsMulticast():
		return verdict{reason: "multicast address"}
	case !ip.IsGlobalUnicast():
		return verdict{reason: "not a public unicast address"}
	}
	return verdict{safe: true}
}

func unsafeErr(rawURL, reason string) error {
	return &sentinel.UrlSafetyError{URL: rawURL, Reason: reason}
}

// detectHostedRuntime performs a read-only environment query for signals
// common to managed hosting platforms (Cloud Run, App Engine, Cloud
// Functions), mirroring the teacher's own use of K_SERVICE-style env checks
// to distinguish local development from production.
func detectHostedRuntime() bool {
	for _, key := range []string{"K_SERVICE", "GAE_SERVICE", "FUNCTION_TARGET", "CLOUD_RUN_JOB"} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}
