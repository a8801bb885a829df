package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunInitPolicy_WritesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	initPolicyOut = ""

	if err := runInitPolicy(nil, nil); err != nil {
		t.Fatalf("runInitPolicy failed: %v", err)
	}

	policyPath := filepath.Join(tmpDir, ".quantgate", "policy.yaml")
	data, err := os.ReadFile(policyPath)
	if err != nil {
		t.Fatalf("policy.yaml not created: %v", err)
	}
	for _, want := range []string{"capabilities:", "ceilings:", "pools:", "network:"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("policy.yaml missing %q section", want)
		}
	}
}

func TestRunInitPolicy_NoOverwrite(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	initPolicyOut = ""

	if err := runInitPolicy(nil, nil); err != nil {
		t.Fatalf("first runInitPolicy failed: %v", err)
	}
	if err := runInitPolicy(nil, nil); err == nil {
		t.Fatal("second runInitPolicy overwrote existing policy")
	}
}

func TestRunInitPolicy_ExplicitPath(t *testing.T) {
	out := filepath.Join(t.TempDir(), "gw.yaml")
	initPolicyOut = out
	defer func() { initPolicyOut = "" }()

	if err := runInitPolicy(nil, nil); err != nil {
		t.Fatalf("runInitPolicy failed: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("policy not written to %s: %v", out, err)
	}
}
