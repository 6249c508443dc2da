package buildinfo

import (
	"strings"
	"testing"
)

func TestClientVersion_Stamped(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })

	Version = "v1.2.3"
	if got := ClientVersion(); got != "v1.2.3" {
		t.Errorf("ClientVersion() = %q, want the stamped version", got)
	}
	if !strings.HasPrefix(String(), "slo-agent v1.2.3 ") {
		t.Errorf("String() = %q", String())
	}
	if Info()["version"] != "v1.2.3" {
		t.Errorf("Info()[version] = %q", Info()["version"])
	}
}

func TestClientVersion_Unstamped(t *testing.T) {
	// Test binaries carry no module version, so the default stands.
	if got := ClientVersion(); got == "" {
		t.Error("ClientVersion() is empty")
	}
}
