package domainpolicy

import "testing"

func TestPolicyCheck(t *testing.T) {
	t.Run("empty allowlist means any host not denied is allowed", func(t *testing.T) {
		p := New(nil, nil)
		if err := p.Check("example.com"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("exact denylist entry", func(t *testing.T) {
		p := New(nil, []string{"evil.example.org"})
		if err := p.Check("evil.example.org"); err == nil {
			t.Fatalf("expected denylist rejection")
		}
		if err := p.Check("sub.evil.example.org"); err != nil {
			t.Fatalf("exact deny entry should not match subdomains, got %v", err)
		}
	})

	t.Run("wildcard suffix denylist", func(t *testing.T) {
		cases := []struct {
			host   string
			denied bool
		}{
			{"example.ru", true},
			{"sub.domain.ru", true},
			{"ru", true},
			{"example.com", false},
		}
		p := New(nil, []string{"*.ru"})
		for _, tc := range cases {
			err := p.Check(tc.host)
			if tc.denied && err == nil {
				t.Fatalf("host %q: expected denial", tc.host)
			}
			if !tc.denied && err != nil {
				t.Fatalf("host %q: unexpected denial: %v", tc.host, err)
			}
		}
	})

	t.Run("denylist wins over allowlist", func(t *testing.T) {
		p := New([]string{"example.com"}, []string{"example.com"})
		if err := p.Check("example.com"); err == nil {
			t.Fatalf("expected denylist to take precedence over allowlist")
		}
	})

	t.Run("non-empty allowlist rejects unlisted hosts", func(t *testing.T) {
		p := New([]string{"example.com", "*.trusted.org"}, nil)
		if err := p.Check("example.com"); err != nil {
			t.Fatalf("unexpected rejection of allowed host: %v", err)
		}
		if err := p.Check("api.trusted.org"); err != nil {
			t.Fatalf("unexpected rejection of allowed suffix host: %v", err)
		}
		if err := p.Check("random.net"); err == nil {
			t.Fatalf("expected rejection of unlisted host")
		}
	})

	t.Run("case insensitive host matching", func(t *testing.T) {
		p := New([]string{"Example.COM"}, nil)
		if err := p.Check("example.com"); err != nil {
			t.Fatalf("expected case-insensitive match, got %v", err)
		}
	})

	t.Run("nil policy allows everything", func(t *testing.T) {
		var p *Policy
		if err := p.Check("anything.example"); err != nil {
			t.Fatalf("nil policy should never reject: %v", err)
		}
	})
}
