package netguard

import (
	"testing"

	"github.com/quantgate/quantgate/internal/policy"
)

func newGuard(t *testing.T, cfg policy.NetworkConfig) *Guard {
	t.Helper()
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestParseAllowEntry(t *testing.T) {
	tests := []struct {
		in       string
		host     string
		port     int
		wildcard bool
		wantErr  bool
	}{
		{"pypi.org:443", "pypi.org", 443, false, false},
		{"*.github.com:443", "github.com", 443, true, false},
		{"Files.PythonHosted.ORG.:443", "files.pythonhosted.org", 443, false, false},
		{"pypi.org", "", 0, false, true},
		{"pypi.org:0", "", 0, false, true},
		{"pypi.org:70000", "", 0, false, true},
		{":443", "", 0, false, true},
	}
	for _, tt := range tests {
		e, err := ParseAllowEntry(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAllowEntry(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAllowEntry(%q): %v", tt.in, err)
			continue
		}
		if e.Host != tt.host || e.Port != tt.port || e.Wildcard != tt.wildcard {
			t.Errorf("ParseAllowEntry(%q) = %+v", tt.in, e)
		}
	}
}

func TestDefaultDeny(t *testing.T) {
	g := newGuard(t, policy.NetworkConfig{})
	if g.Active() {
		t.Error("empty allow-list must not offer an egress path")
	}
	if g.Session().IsAllowed("example.com:443") {
		t.Error("empty allow-list must deny everything")
	}
}

func TestAllowListMatch(t *testing.T) {
	g := newGuard(t, policy.NetworkConfig{
		AllowHosts: []string{"pypi.org:443", "*.pythonhosted.org:443"},
	})
	s := g.Session()

	if !s.IsAllowed("pypi.org:443") {
		t.Error("exact allow-list entry must pass")
	}
	if !s.IsAllowed("files.pythonhosted.org:443") {
		t.Error("wildcard allow-list entry must pass")
	}
	if s.IsAllowed("pypi.org:80") {
		t.Error("port mismatch must deny")
	}
	if s.IsAllowed("evilpypi.org:443") {
		t.Error("suffix without dot boundary must deny")
	}
}

func TestDenyRangesWinOverAllowList(t *testing.T) {
	// Misconfigured allow-list permitting the metadata endpoint: the
	// deny range must still win.
	g := newGuard(t, policy.NetworkConfig{
		AllowHosts: []string{"169.254.169.254:80"},
		DenyCIDRs:  []string{"169.254.0.0/16"},
	})
	if g.Session().IsAllowed("169.254.169.254:80") {
		t.Error("deny range must win over allow-list")
	}
}

func TestPrivateRangesDenied(t *testing.T) {
	g := newGuard(t, policy.NetworkConfig{
		AllowHosts: []string{"10.0.0.5:443"},
		DenyCIDRs:  []string{"10.0.0.0/8", "127.0.0.0/8"},
	})
	sess := g.Session()
	for _, dst := range []string{"10.0.0.5:443", "127.0.0.1:8080"} {
		if sess.IsAllowed(dst) {
			t.Errorf("%s must be denied", dst)
		}
	}
}

func TestTrafficRecordedBothWays(t *testing.T) {
	s := newGuard(t, policy.NetworkConfig{AllowHosts: []string{"pypi.org:443"}}).Session()

	s.IsAllowed("pypi.org:443")
	s.IsAllowed("example.com:443")

	traffic := s.Traffic()
	if len(traffic) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(traffic))
	}
	if !traffic[0].Allowed || traffic[1].Allowed {
		t.Errorf("unexpected traffic log: %+v", traffic)
	}
}

func TestRepeatedDenialsRaiseViolation(t *testing.T) {
	s := newGuard(t, policy.NetworkConfig{DenialFlagging: 3}).Session()

	if _, flagged := s.Violation(); flagged {
		t.Fatal("no violation before any denial")
	}
	for i := 0; i < 3; i++ {
		s.IsAllowed("example.com:443")
	}
	v, flagged := s.Violation()
	if !flagged {
		t.Fatal("expected violation after repeated denials")
	}
	if v.Detail == "" {
		t.Error("violation detail must name the pattern")
	}
	if s.Denials() != 3 {
		t.Errorf("expected 3 recorded denials, got %d", s.Denials())
	}

	s.ResetTraffic()
	if _, flagged := s.Violation(); flagged {
		t.Error("reset must clear the denial counter")
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	if _, err := New(policy.NetworkConfig{AllowHosts: []string{"nope"}}); err == nil {
		t.Error("malformed allow entry must fail load")
	}
	if _, err := New(policy.NetworkConfig{DenyCIDRs: []string{"10.0.0.0"}}); err == nil {
		t.Error("malformed CIDR must fail load")
	}
}
