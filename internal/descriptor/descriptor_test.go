package descriptor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeDescriptor(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name+".conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	return path
}

func TestParsePreservesDeclarationOrder(t *testing.T) {
	dir := t.TempDir()
	path := writeDescriptor(t, dir, "radar", `
# radar service
image=foo/radar:2.1
port=8080:80
env=MODE=fast
port_note="ignored metadata"
`)
	desc, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if desc.Name != "radar" {
		t.Fatalf("unexpected name %q", desc.Name)
	}
	keys := make([]string, 0, len(desc.Options))
	for _, opt := range desc.Options {
		keys = append(keys, opt.Key)
	}
	want := []string{"image", "port", "env", "port_note"}
	if len(keys) != len(want) {
		t.Fatalf("expected %d options, got %v", len(want), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("option %d: expected %q, got %q", i, want[i], keys[i])
		}
	}
	if desc.Value("port_note") != "ignored metadata" {
		t.Fatalf("quotes not stripped: %q", desc.Value("port_note"))
	}
}

func TestParseRequiresImage(t *testing.T) {
	dir := t.TempDir()
	path := writeDescriptor(t, dir, "empty", "port=80\n")
	if _, err := Parse(path); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseRejectsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := writeDescriptor(t, dir, "bad", "image=x\nthis is not a pair\n")
	if _, err := Parse(path); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDiscoverSkipsBrokenDescriptors(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "beta", "image=b\n")
	writeDescriptor(t, dir, "alpha", "image=a\n")
	writeDescriptor(t, dir, "broken", "port=80\n")

	descs, skipped, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(descs) != 2 || descs[0].Name != "alpha" || descs[1].Name != "beta" {
		t.Fatalf("unexpected discovery result: %#v", descs)
	}
	if _, ok := skipped["broken"]; !ok {
		t.Fatalf("expected broken descriptor to be skipped, got %v", skipped)
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"wg", "app-1", "a.b_c"} {
		if err := ValidateName(name); err != nil {
			t.Fatalf("expected valid name %q, got %v", name, err)
		}
	}
	for _, name := range []string{"", "UPPER", "-lead", "a b", "a/b", "../x"} {
		if err := ValidateName(name); err == nil {
			t.Fatalf("expected invalid name %q", name)
		}
	}
}

func TestExpandVariables(t *testing.T) {
	t.Setenv("DOCKHAND_TEST_TOKEN", "sekrit")
	if got := ExpandVariables("token=${DOCKHAND_TEST_TOKEN}"); got != "token=sekrit" {
		t.Fatalf("expansion failed: %q", got)
	}
	if got := ExpandVariables("${MISSING_VARIABLE_XYZ}"); got != "${MISSING_VARIABLE_XYZ}" {
		t.Fatalf("missing variables must stay literal: %q", got)
	}
	volume := "/srv/${data}:/data"
	if got := ExpandVariables(volume); got != volume {
		t.Fatalf("volume-shaped values must not expand: %q", got)
	}
}
