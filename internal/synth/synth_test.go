package synth

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"dockhand/internal/descriptor"
)

func parseDescriptor(t *testing.T, name, contents string) *descriptor.Descriptor {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name+".conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	desc, err := descriptor.Parse(path)
	if err != nil {
		t.Fatalf("parse descriptor: %v", err)
	}
	return desc
}

func TestSynthesizeBasicScenario(t *testing.T) {
	desc := parseDescriptor(t, "web", `
image=foo/bar:1.0
port=8080:80
env=KEY=VAL
`)
	cmd, err := New(nil, nil, nil).Synthesize(desc)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	want := []string{"-p", "8080:80", "-e", "KEY=VAL", "foo/bar:1.0"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("expected %v, got %v", want, cmd.Args)
	}
}

func TestSynthesizeTokenPairProperty(t *testing.T) {
	desc := parseDescriptor(t, "app", `
image=foo/app:3
network=backend
restart=unless-stopped
port=9000
volume=/srv/app:/data
env=A=1
label=tier=web
`)
	cmd, err := New(nil, nil, nil).Synthesize(desc)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	// Six mapped non-image options, each one token pair, plus the image.
	if len(cmd.Args) != 6*2+1 {
		t.Fatalf("expected 13 tokens, got %d: %v", len(cmd.Args), cmd.Args)
	}
	if cmd.Args[len(cmd.Args)-1] != "foo/app:3" {
		t.Fatalf("image must be the final token: %v", cmd.Args)
	}
	joined := strings.Join(cmd.Args, " ")
	if !strings.Contains(joined, "-p 9000:9000") {
		t.Fatalf("bare port not normalized: %v", cmd.Args)
	}
}

func TestSynthesizeMultiValueExpansion(t *testing.T) {
	desc := parseDescriptor(t, "multi", `
image=img
ports=8080:80,8443:443/tcp
env=A=1,B=2
cap_add=NET_ADMIN,SYS_TIME
`)
	cmd, err := New(nil, nil, nil).Synthesize(desc)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	want := []string{
		"-p", "8080:80", "-p", "8443:443/tcp",
		"-e", "A=1", "-e", "B=2",
		"--cap-add", "NET_ADMIN", "--cap-add", "SYS_TIME",
		"img",
	}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("expected %v, got %v", want, cmd.Args)
	}
}

func TestSynthesizeCommaBearingFlagsPassThroughWhole(t *testing.T) {
	desc := parseDescriptor(t, "db", `
image=postgres:16
mount=type=volume,source=pgdata,target=/var/lib/postgresql/data
sysctl=net.core.somaxconn=1024
log_opt=max-size=10m,max-file=3
`)
	cmd, err := New(nil, nil, nil).Synthesize(desc)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	want := []string{
		"--mount", "type=volume,source=pgdata,target=/var/lib/postgresql/data",
		"--sysctl", "net.core.somaxconn=1024",
		"--log-opt", "max-size=10m,max-file=3",
		"postgres:16",
	}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("expected %v, got %v", want, cmd.Args)
	}
}

func TestSynthesizePortShorthands(t *testing.T) {
	cases := map[string]string{
		"53":           "53:53",
		"5353:53":      "5353:53",
		"5353:53/udp":  "5353:53/udp",
		"5353:53:udp":  "5353:53/udp",
		"  8080:80  ":  "8080:80",
		"8080:80/TCP ": "8080:80/tcp",
	}
	for input, want := range cases {
		normalized, _, err := normalizePort(strings.TrimSpace(input))
		if err != nil {
			t.Fatalf("normalizePort(%q) failed: %v", input, err)
		}
		if normalized != want {
			t.Fatalf("normalizePort(%q) = %q, want %q", input, normalized, want)
		}
	}
	for _, bad := range []string{"", "abc", "0:80", "80:99999", "1:2:3:4", "80/sctp", "8080:80:udp/tcp"} {
		if _, _, err := normalizePort(bad); err == nil {
			t.Fatalf("normalizePort(%q) should fail", bad)
		}
	}
}

func TestSynthesizeProxySuppressesWebPorts(t *testing.T) {
	desc := parseDescriptor(t, "portal", `
image=portal:1
proxy_domain=portal.example.org
ports=80,443,8443:8443
`)
	cmd, err := New(nil, nil, nil).Synthesize(desc)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	want := []string{"-p", "8443:8443", "portal:1"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("expected web ports suppressed, got %v", cmd.Args)
	}
}

func TestSynthesizeBooleanFlagOnlyWhenTrue(t *testing.T) {
	desc := parseDescriptor(t, "privileged-app", `
image=img
privileged=true
read_only=yes
init=false
`)
	cmd, err := New(nil, nil, nil).Synthesize(desc)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	want := []string{"--privileged", "img"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("expected only --privileged, got %v", cmd.Args)
	}
}

func TestSynthesizeMalformedOptionDegradesToSkip(t *testing.T) {
	desc := parseDescriptor(t, "partial", `
image=img
port=not-a-port
env=GOOD=1
`)
	cmd, err := New(nil, nil, nil).Synthesize(desc)
	if err != nil {
		t.Fatalf("one malformed option must not fail the service: %v", err)
	}
	want := []string{"-e", "GOOD=1", "img"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("expected malformed port skipped, got %v", cmd.Args)
	}
}

func TestSynthesizeUnknownKeyContinues(t *testing.T) {
	desc := parseDescriptor(t, "future", `
image=img
gpu_profile=a100
`)
	cmd, err := New(nil, nil, nil).Synthesize(desc)
	if err != nil {
		t.Fatalf("unknown keys must be forward-compatible: %v", err)
	}
	want := []string{"img"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("expected unknown key dropped, got %v", cmd.Args)
	}
}

func TestSynthesizeTrailingCommand(t *testing.T) {
	desc := parseDescriptor(t, "runner", `
image=alpine:3
command=sh -c sleep
`)
	cmd, err := New(nil, nil, nil).Synthesize(desc)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	want := []string{"alpine:3", "sh", "-c", "sleep"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("expected trailing command after image, got %v", cmd.Args)
	}
}

func TestSynthesizeEnvVariableExpansion(t *testing.T) {
	t.Setenv("DOCKHAND_SYNTH_SECRET", "hunter2")
	desc := parseDescriptor(t, "secrets", `
image=img
env=TOKEN=${DOCKHAND_SYNTH_SECRET}
`)
	cmd, err := New(nil, nil, nil).Synthesize(desc)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	want := []string{"-e", "TOKEN=hunter2", "img"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("expected env expansion, got %v", cmd.Args)
	}
}

func TestSynthesizeRequiresImage(t *testing.T) {
	// Built directly to bypass Parse validation so the synthesizer's own
	// pre-check is exercised.
	stripped := &descriptor.Descriptor{Name: "no-image"}
	if _, err := New(nil, nil, nil).Synthesize(stripped); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}
}
