package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantgate/quantgate/internal/model"
)

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Version != "v1" {
		t.Errorf("expected version v1, got %s", cfg.Version)
	}
	if cfg.DegradeAfter != 10 {
		t.Errorf("expected DegradeAfter=10, got %d", cfg.DegradeAfter)
	}
	code, ok := cfg.Capabilities[model.ContentCode]
	if !ok {
		t.Fatal("expected capability set for code content")
	}
	if code.MaxDepth != 24 {
		t.Errorf("expected code MaxDepth=24, got %d", code.MaxDepth)
	}
	expr := cfg.Capabilities[model.ContentExpression]
	if expr.MaxImports != 0 {
		t.Errorf("expected expression MaxImports=0, got %d", expr.MaxImports)
	}
	if cfg.Ceilings[model.LevelNamespaceSandbox].MaxWallTime != 15*time.Second {
		t.Errorf("unexpected namespace ceiling: %v", cfg.Ceilings[model.LevelNamespaceSandbox])
	}
	if err := cfg.Check(); err != nil {
		t.Fatalf("default config must pass Check: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/policy.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.DegradeAfter != 10 {
		t.Errorf("expected default DegradeAfter=10, got %d", cfg.DegradeAfter)
	}
}

func TestLoadWithHashOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	doc := `
degrade_after: 3
network:
  allow_hosts:
    - pypi.org:443
`
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, hash, err := LoadWithHash(path)
	if err != nil {
		t.Fatalf("LoadWithHash: %v", err)
	}
	if !strings.HasPrefix(hash, "sha256:") {
		t.Errorf("expected sha256: prefix, got %q", hash)
	}
	if cfg.DegradeAfter != 3 {
		t.Errorf("overlay not applied: DegradeAfter=%d", cfg.DegradeAfter)
	}
	if len(cfg.Network.AllowHosts) != 1 || cfg.Network.AllowHosts[0] != "pypi.org:443" {
		t.Errorf("unexpected allow hosts: %v", cfg.Network.AllowHosts)
	}
	// Unspecified fields keep defaults.
	if len(cfg.Network.DenyCIDRs) == 0 {
		t.Error("deny CIDRs defaults lost on overlay")
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte("{{not yaml"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestCheckRejectsAllowDenyOverlap(t *testing.T) {
	cfg := DefaultConfig()
	caps := cfg.Capabilities[model.ContentCode]
	caps.AllowedCalls = append(caps.AllowedCalls, "eval")
	cfg.Capabilities[model.ContentCode] = caps

	if err := cfg.Check(); err == nil {
		t.Fatal("expected overlap error for eval in both sets")
	}
}

func TestCheckRejectsUnknownLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ceilings["warp_drive"] = LevelCeiling{}
	if err := cfg.Check(); err == nil {
		t.Fatal("expected unknown level error")
	}
}

func TestDefaultDocumentYAMLParses(t *testing.T) {
	var doc Config
	if err := yaml.Unmarshal([]byte(DefaultDocumentYAML()), &doc); err != nil {
		t.Fatalf("generated document must parse: %v", err)
	}
}

// writePolicy writes doc to a temp file and loads it through the real
// load path.
func writePolicy(t *testing.T, doc string) *Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestLoadDefaultDocumentKeepsCapabilityDefaults(t *testing.T) {
	// The generated document lists only size and depth limits; loading
	// it must behave exactly like the built-in defaults.
	cfg := writePolicy(t, DefaultDocumentYAML())
	def := DefaultConfig()

	for _, ct := range []model.ContentType{model.ContentCode, model.ContentExpression} {
		got, want := cfg.Capabilities[ct], def.Capabilities[ct]
		if len(got.AllowedCalls) != len(want.AllowedCalls) {
			t.Errorf("%s allowed calls = %d, want %d", ct, len(got.AllowedCalls), len(want.AllowedCalls))
		}
		if len(got.DeniedCalls) != len(want.DeniedCalls) {
			t.Errorf("%s denied calls = %d, want %d", ct, len(got.DeniedCalls), len(want.DeniedCalls))
		}
		if len(got.DeniedModules) != len(want.DeniedModules) {
			t.Errorf("%s denied modules = %d, want %d", ct, len(got.DeniedModules), len(want.DeniedModules))
		}
	}
	if cfg.Capabilities[model.ContentCode].MaxNodes != 2000 {
		t.Errorf("code MaxNodes = %d", cfg.Capabilities[model.ContentCode].MaxNodes)
	}

	snap := Compile(cfg, "sha256:doc")
	if !snap.CallDenied(model.ContentCode, "os.system") {
		t.Error("os.system no longer denied after loading the generated document")
	}
	if !snap.ModuleDenied(model.ContentCode, "os") {
		t.Error("os module no longer denied after loading the generated document")
	}
	if !snap.CallAllowed(model.ContentExpression, "mean") {
		t.Error("mean no longer whitelisted after loading the generated document")
	}
}

func TestOverlayKeepsListsWhenDocumentSetsLimits(t *testing.T) {
	cfg := writePolicy(t, `
capabilities:
  code:
    max_nodes: 100
`)
	code := cfg.Capabilities[model.ContentCode]
	if code.MaxNodes != 100 {
		t.Errorf("MaxNodes = %d, want 100", code.MaxNodes)
	}
	if code.MaxDepth != 24 {
		t.Errorf("MaxDepth = %d, want default 24", code.MaxDepth)
	}
	if len(code.AllowedCalls) == 0 || len(code.DeniedCalls) == 0 || len(code.DeniedModules) == 0 {
		t.Fatalf("capability lists wiped by partial overlay: %+v", code)
	}
}

func TestOverlayExtendsAllowedCalls(t *testing.T) {
	cfg := writePolicy(t, `
capabilities:
  expression:
    allowed_calls: [wma, ts_argmax]
`)
	snap := Compile(cfg, "sha256:doc")
	for _, call := range []string{"wma", "ts_argmax", "mean"} {
		if !snap.CallAllowed(model.ContentExpression, call) {
			t.Errorf("%s not whitelisted after overlay", call)
		}
	}
}

func TestOverlayDenyCIDRsOnlyGrow(t *testing.T) {
	cfg := writePolicy(t, `
network:
  deny_cidrs:
    - 100.64.0.0/10
`)
	got := make(map[string]bool, len(cfg.Network.DenyCIDRs))
	for _, c := range cfg.Network.DenyCIDRs {
		got[c] = true
	}
	for _, want := range []string{"100.64.0.0/10", "127.0.0.0/8", "169.254.0.0/16"} {
		if !got[want] {
			t.Errorf("deny CIDR %s missing after overlay: %v", want, cfg.Network.DenyCIDRs)
		}
	}
}

func TestSnapshotStoreSwap(t *testing.T) {
	cfg := DefaultConfig()
	st := NewStore(Compile(cfg, "sha256:aa"))

	if !st.Current().CallDenied(model.ContentCode, "eval") {
		t.Error("eval should be denied for code")
	}
	if !st.Current().CallAllowed(model.ContentExpression, "mean") {
		t.Error("mean should be allowed for expression")
	}

	next := DefaultConfig()
	caps := next.Capabilities[model.ContentExpression]
	caps.AllowedCalls = append(caps.AllowedCalls, "wma")
	next.Capabilities[model.ContentExpression] = caps
	st.Swap(Compile(next, "sha256:bb"))

	if !st.Current().CallAllowed(model.ContentExpression, "wma") {
		t.Error("swapped snapshot should allow wma")
	}
	if st.Current().Hash != "sha256:bb" {
		t.Errorf("unexpected hash %s", st.Current().Hash)
	}
}
