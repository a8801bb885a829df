package policy

import (
	"sync/atomic"

	"github.com/quantgate/quantgate/internal/model"
)

// Snapshot is one immutable, fully-compiled view of the policy document.
// Validators and guards read a Snapshot for the whole request; a reload
// never mutates a live Snapshot, it swaps in a new one.
type Snapshot struct {
	Config *Config
	Hash   string

	// compiled capability lookups, keyed by content type
	allowed map[model.ContentType]map[string]bool
	denied  map[model.ContentType]map[string]bool
	modules map[model.ContentType]map[string]bool
}

// Compile builds a Snapshot from a checked Config.
func Compile(cfg *Config, hash string) *Snapshot {
	s := &Snapshot{
		Config:  cfg,
		Hash:    hash,
		allowed: make(map[model.ContentType]map[string]bool),
		denied:  make(map[model.ContentType]map[string]bool),
		modules: make(map[model.ContentType]map[string]bool),
	}
	for ct, caps := range cfg.Capabilities {
		s.allowed[ct] = toSet(caps.AllowedCalls)
		s.denied[ct] = toSet(caps.DeniedCalls)
		s.modules[ct] = toSet(caps.DeniedModules)
	}
	return s
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// Caps returns the capability set for a content type.
func (s *Snapshot) Caps(ct model.ContentType) CapabilitySet {
	return s.Config.Capabilities[ct]
}

// Ceiling returns the resource ceiling for an isolation level.
func (s *Snapshot) Ceiling(lvl model.IsolationLevel) LevelCeiling {
	return s.Config.Ceilings[lvl]
}

// CallAllowed reports whether name is on the allow list for ct.
func (s *Snapshot) CallAllowed(ct model.ContentType, name string) bool {
	return s.allowed[ct][name]
}

// CallDenied reports whether name is on the deny list for ct.
func (s *Snapshot) CallDenied(ct model.ContentType, name string) bool {
	return s.denied[ct][name]
}

// ModuleDenied reports whether module is on the deny list for ct.
func (s *Snapshot) ModuleDenied(ct model.ContentType, module string) bool {
	return s.modules[ct][module]
}

// Store holds the active Snapshot behind an atomic pointer. Concurrent
// readers never observe a partially updated policy.
type Store struct {
	ptr atomic.Pointer[Snapshot]
}

// NewStore creates a Store seeded with the given snapshot.
func NewStore(snap *Snapshot) *Store {
	st := &Store{}
	st.ptr.Store(snap)
	return st
}

// Current returns the active snapshot.
func (st *Store) Current() *Snapshot {
	return st.ptr.Load()
}

// Swap atomically replaces the active snapshot.
func (st *Store) Swap(snap *Snapshot) {
	st.ptr.Store(snap)
}

// Reload loads the document at path, compiles it, and swaps it in.
func (st *Store) Reload(path string) error {
	cfg, hash, err := LoadWithHash(path)
	if err != nil {
		return err
	}
	st.Swap(Compile(cfg, hash))
	return nil
}
