// Package netguard enforces the outbound network policy consulted by
// sandbox backends for every connection attempt. Default is deny-all:
// only explicit allow-list entries pass, and the deny-list of private,
// link-local, and cloud-metadata ranges wins over any allow-list entry.
package netguard

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quantgate/quantgate/internal/model"
	"github.com/quantgate/quantgate/internal/policy"
)

// AllowEntry is one parsed allow-list entry, host:port with an
// optional "*." host wildcard.
type AllowEntry struct {
	Host     string // normalized lower-case, no trailing dot, no wildcard prefix
	Port     int
	Wildcard bool
}

// ParseAllowEntry parses "host:port" with an optional leading "*.".
func ParseAllowEntry(s string) (AllowEntry, error) {
	raw := strings.TrimSpace(s)
	idx := strings.LastIndexByte(raw, ':')
	if idx <= 0 || idx == len(raw)-1 {
		return AllowEntry{}, fmt.Errorf("invalid allow entry %q, expected host:port", s)
	}
	host, portPart := raw[:idx], raw[idx+1:]

	port, err := strconv.Atoi(portPart)
	if err != nil || port < 1 || port > 65535 {
		return AllowEntry{}, fmt.Errorf("invalid port in allow entry %q", s)
	}

	wildcard := strings.HasPrefix(host, "*.")
	if wildcard {
		host = host[2:]
	}
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return AllowEntry{}, fmt.Errorf("empty host in allow entry %q", s)
	}
	return AllowEntry{Host: host, Port: port, Wildcard: wildcard}, nil
}

// Attempt is one recorded connection attempt, permitted or not.
type Attempt struct {
	Destination string    `json:"destination"`
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// maxLoggedAttempts bounds the traffic log of one session.
const maxLoggedAttempts = 4096

// Guard is the compiled outbound policy, immutable after New; rebuild
// on policy reload. Per-execution traffic state lives in a Session.
type Guard struct {
	entries   []AllowEntry
	denyNets  []netip.Prefix
	flagAfter int
}

// New compiles a Guard from the network section of a policy snapshot.
// Malformed allow entries or CIDRs are load errors, not skipped.
func New(cfg policy.NetworkConfig) (*Guard, error) {
	g := &Guard{flagAfter: cfg.DenialFlagging}
	if g.flagAfter <= 0 {
		g.flagAfter = 3
	}
	for _, raw := range cfg.AllowHosts {
		e, err := ParseAllowEntry(raw)
		if err != nil {
			return nil, err
		}
		g.entries = append(g.entries, e)
	}
	for _, raw := range cfg.DenyCIDRs {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid deny CIDR %q: %w", raw, err)
		}
		g.denyNets = append(g.denyNets, p)
	}
	return g, nil
}

// Session opens a fresh per-execution view of the policy. Each
// sandboxed run gets its own session so denial patterns are attributed
// to the execution that produced them.
func (g *Guard) Session() *Session {
	return &Session{guard: g}
}

// Active reports whether any allow-list entry exists. With an empty
// allow-list no egress path is offered and sandbox network namespaces
// stay fully unshared.
func (g *Guard) Active() bool { return len(g.entries) > 0 }

// DeniedAddr reports whether a resolved address falls inside a denied
// range. The egress proxy checks this after dialing so DNS names
// cannot launder a connection into a denied range.
func (g *Guard) DeniedAddr(addr netip.Addr) bool {
	for _, p := range g.denyNets {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Session records the connection attempts of one execution. Sandbox
// backends consult it for every outbound connection; the gateway folds
// its verdict into the execution result and audit entry.
type Session struct {
	guard *Guard

	mu      sync.Mutex
	traffic []Attempt
	denials int
}

// Active reports whether the underlying policy offers any egress.
func (s *Session) Active() bool { return s.guard.Active() }

// IsAllowed decides one outbound destination ("host:port") and records
// the attempt in the traffic log either way.
func (s *Session) IsAllowed(destination string) bool {
	allowed, reason := s.guard.decide(destination)

	s.mu.Lock()
	if len(s.traffic) < maxLoggedAttempts {
		s.traffic = append(s.traffic, Attempt{
			Destination: destination,
			Allowed:     allowed,
			Reason:      reason,
			At:          time.Now().UTC(),
		})
	}
	if !allowed {
		s.denials++
	}
	s.mu.Unlock()

	return allowed
}

func (g *Guard) decide(destination string) (bool, string) {
	host, portStr, err := net.SplitHostPort(destination)
	if err != nil {
		return false, "malformed destination"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return false, "malformed port"
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	// Deny-list always wins, even over a misconfigured allow-list.
	if addr, err := netip.ParseAddr(host); err == nil {
		for _, p := range g.denyNets {
			if p.Contains(addr) {
				return false, "destination in denied range " + p.String()
			}
		}
	}

	for _, e := range g.entries {
		if e.Port != port {
			continue
		}
		if e.Wildcard {
			if host == e.Host || strings.HasSuffix(host, "."+e.Host) {
				return true, "allow-list match *." + e.Host
			}
			continue
		}
		if host == e.Host {
			return true, "allow-list match " + e.Host
		}
	}
	return false, "no allow-list match"
}

// Traffic returns a copy of the recorded attempts.
func (s *Session) Traffic() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, len(s.traffic))
	copy(out, s.traffic)
	return out
}

// Denials returns the count of denied attempts so far.
func (s *Session) Denials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.denials
}

// Violation returns a NetworkViolation when the denial pattern crossed
// the flagging threshold, or (zero, false) otherwise.
func (s *Session) Violation() (model.Violation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denials < s.guard.flagAfter {
		return model.Violation{}, false
	}
	return model.Violation{
		Kind:   model.ViolationNetwork,
		Detail: fmt.Sprintf("%d denied connection attempts", s.denials),
	}, true
}

// ResetTraffic clears the traffic log and denial counter, called when
// a session outlives a single run.
func (s *Session) ResetTraffic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traffic = s.traffic[:0]
	s.denials = 0
}
