package version

import (
	"strings"
	"testing"
)

func TestLinkerValuesWin(t *testing.T) {
	oldV, oldC := Version, Commit
	t.Cleanup(func() { Version, Commit = oldV, oldC })

	Version, Commit = "v1.2.3", "0123456789abcdef0123"
	info := Resolve()
	if info.Version != "v1.2.3" || info.Commit != "0123456789abcdef0123" {
		t.Fatalf("Resolve() = %+v", info)
	}
	if got := String(); got != "v1.2.3 (0123456789ab)" {
		t.Fatalf("String() = %q", got)
	}
}

func TestResolveNeverEmpty(t *testing.T) {
	oldV := Version
	t.Cleanup(func() { Version = oldV })

	Version = ""
	if v := Resolve().Version; strings.TrimSpace(v) == "" {
		t.Fatal("empty version")
	}
}
