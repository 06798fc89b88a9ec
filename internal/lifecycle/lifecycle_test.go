package lifecycle

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"

	"dockhand/internal/descriptor"
	"dockhand/internal/runtime"
	"dockhand/internal/synth"
)

const inspectFormat = "{{.State.Status}} {{if .State.Health}}{{.State.Health.Status}}{{end}}"

func inspectCall(name string) string {
	return "docker inspect --format " + inspectFormat + " " + name
}

func parseDescriptor(t *testing.T, name, content string) *descriptor.Descriptor {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".conf")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	desc, err := descriptor.Parse(path)
	if err != nil {
		t.Fatalf("parse descriptor: %v", err)
	}
	return desc
}

func newController(mock, hooks *runtime.MockRunner) *Controller {
	docker := runtime.NewDockerWithRunner("docker", mock)
	synthesizer := synth.New(synth.DefaultMapping(), nil, zap.NewNop())
	return New(docker, synthesizer, hooks, nil, zap.NewNop())
}

func TestDeployReplacesExistingContainer(t *testing.T) {
	mock := &runtime.MockRunner{Outputs: map[string]string{
		inspectCall("webapp"): "running",
	}}
	hooks := &runtime.MockRunner{}
	ctrl := newController(mock, hooks)

	desc := parseDescriptor(t, "webapp", "image=nginx:1.25\nport=8080:80\npost_start=echo ready\n")
	if err := ctrl.Deploy("pass-1", desc); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	wantRuns := []string{"docker stop webapp", "docker rm -f webapp"}
	if !reflect.DeepEqual(mock.RunCalls, wantRuns) {
		t.Fatalf("run calls = %v, want %v", mock.RunCalls, wantRuns)
	}
	launched := false
	for _, call := range mock.OutputCalls {
		if call == "docker run -d --name webapp -p 8080:80 nginx:1.25" {
			launched = true
		}
	}
	if !launched {
		t.Fatalf("launch missing from output calls: %v", mock.OutputCalls)
	}
	if !reflect.DeepEqual(hooks.RunCalls, []string{"sh -c echo ready"}) {
		t.Fatalf("hook calls = %v", hooks.RunCalls)
	}
}

func TestDeployTwiceIsIdempotent(t *testing.T) {
	desc := parseDescriptor(t, "webapp", "image=nginx:1.25\nport=8080:80\n")

	record := func() ([]string, []string) {
		mock := &runtime.MockRunner{Outputs: map[string]string{
			inspectCall("webapp"): "running",
		}}
		hooks := &runtime.MockRunner{}
		ctrl := newController(mock, hooks)
		if err := ctrl.Deploy("pass", desc); err != nil {
			t.Fatalf("Deploy: %v", err)
		}
		return mock.RunCalls, mock.OutputCalls
	}

	runs1, outs1 := record()
	runs2, outs2 := record()
	if !reflect.DeepEqual(runs1, runs2) || !reflect.DeepEqual(outs1, outs2) {
		t.Fatalf("passes diverged:\n%v %v\n%v %v", runs1, outs1, runs2, outs2)
	}
}

func TestDeployToleratesMissingContainer(t *testing.T) {
	mock := &runtime.MockRunner{
		OutputErr: func(call string) error {
			if strings.Contains(call, "inspect") {
				return errors.New("Error: No such object: webapp")
			}
			return nil
		},
	}
	hooks := &runtime.MockRunner{}
	ctrl := newController(mock, hooks)

	desc := parseDescriptor(t, "webapp", "image=nginx:1.25\n")
	if err := ctrl.Deploy("pass", desc); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(mock.RunCalls) != 0 {
		t.Fatalf("stop/remove issued for missing container: %v", mock.RunCalls)
	}
}

func TestLaunchFailureAbortsPass(t *testing.T) {
	mock := &runtime.MockRunner{
		OutputErr: func(call string) error {
			if strings.Contains(call, "inspect") {
				return errors.New("No such object")
			}
			if strings.HasPrefix(call, "docker run") {
				return errors.New("exit status 125")
			}
			return nil
		},
	}
	ctrl := newController(mock, &runtime.MockRunner{})

	first := parseDescriptor(t, "first", "image=a:1\n")
	second := parseDescriptor(t, "second", "image=b:1\n")
	err := ctrl.DeployAll("pass", []*descriptor.Descriptor{first, second})
	if err == nil {
		t.Fatal("DeployAll succeeded despite launch failure")
	}
	for _, call := range mock.OutputCalls {
		if strings.Contains(call, "--name second") {
			t.Fatalf("pass continued after failure: %v", mock.OutputCalls)
		}
	}
}

func TestPostStartHookFailureFailsDeploy(t *testing.T) {
	mock := &runtime.MockRunner{
		OutputErr: func(call string) error {
			if strings.Contains(call, "inspect") {
				return errors.New("No such object")
			}
			return nil
		},
	}
	hooks := &runtime.MockRunner{
		RunErr: func(string) error { return errors.New("exit status 1") },
	}
	ctrl := newController(mock, hooks)

	desc := parseDescriptor(t, "webapp", "image=nginx:1.25\npost_start=false\n")
	if err := ctrl.Deploy("pass", desc); err == nil {
		t.Fatal("Deploy succeeded despite hook failure")
	}
}

func TestSingleServiceOpsTolerateMissing(t *testing.T) {
	mock := &runtime.MockRunner{
		OutputErr: func(string) error { return errors.New("No such object") },
	}
	ctrl := newController(mock, &runtime.MockRunner{})

	for _, op := range []func(string) (runtime.State, error){
		ctrl.Start, ctrl.Stop, ctrl.Restart, ctrl.Remove,
	} {
		st, err := op("ghost")
		if err != nil {
			t.Fatalf("op on missing container errored: %v", err)
		}
		if st != runtime.StateMissing {
			t.Fatalf("state = %v, want missing", st)
		}
	}
	if len(mock.RunCalls) != 0 {
		t.Fatalf("commands issued for missing container: %v", mock.RunCalls)
	}
}

func TestRestartRunningContainer(t *testing.T) {
	mock := &runtime.MockRunner{Outputs: map[string]string{
		inspectCall("webapp"): "running",
	}}
	ctrl := newController(mock, &runtime.MockRunner{})

	st, err := ctrl.Restart("webapp")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if st != runtime.StateRunning {
		t.Fatalf("state = %v, want running", st)
	}
	if !reflect.DeepEqual(mock.RunCalls, []string{"docker restart webapp"}) {
		t.Fatalf("run calls = %v", mock.RunCalls)
	}
}

func TestTeardownKeepsFailedServicesDeployed(t *testing.T) {
	mock := &runtime.MockRunner{
		Outputs: map[string]string{
			inspectCall("good"): "running",
			inspectCall("bad"):  "running",
		},
		RunErr: func(call string) error {
			if call == "docker stop bad" {
				return errors.New("exit status 1")
			}
			return nil
		},
	}
	ctrl := newController(mock, &runtime.MockRunner{})

	failed, err := ctrl.Teardown("pass", []string{"good", "bad"})
	if err == nil {
		t.Fatal("Teardown succeeded despite a failing stop")
	}
	if !reflect.DeepEqual(failed, []string{"bad"}) {
		t.Fatalf("failed = %v, want [bad]", failed)
	}
	for _, call := range mock.RunCalls {
		if call == "docker rm -f bad" {
			t.Fatalf("removed a container whose stop failed: %v", mock.RunCalls)
		}
	}
}

func TestDeployAppliesPortOverride(t *testing.T) {
	mock := &runtime.MockRunner{
		OutputErr: func(call string) error {
			if strings.Contains(call, "inspect") {
				return errors.New("No such object")
			}
			return nil
		},
	}
	ctrl := newController(mock, &runtime.MockRunner{})
	ctrl.SetPortOverrides(map[string]int{"webapp": 9999})

	desc := parseDescriptor(t, "webapp", "image=nginx:1.25\nport=8080:80\n")
	if err := ctrl.Deploy("pass", desc); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	launched := false
	for _, call := range mock.OutputCalls {
		if call == "docker run -d --name webapp -p 9999:80 nginx:1.25" {
			launched = true
		}
		if strings.Contains(call, "8080") {
			t.Fatalf("declared host port survived the override: %v", mock.OutputCalls)
		}
	}
	if !launched {
		t.Fatalf("override not applied: %v", mock.OutputCalls)
	}
}

func TestOverridePublishedPortRewritesHostSideOnly(t *testing.T) {
	args := []string{"-e", "K=V", "-p", "8080:80/udp", "img"}
	overridePublishedPort(args, 9090)
	if args[3] != "9090:80/udp" {
		t.Fatalf("args = %v", args)
	}
}

func TestHostPortsExtraction(t *testing.T) {
	args := []string{"-p", "8080:80", "-e", "K=V", "-p", "9090:90/udp", "img"}
	got := hostPorts(args)
	if !reflect.DeepEqual(got, []int{8080, 9090}) {
		t.Fatalf("hostPorts = %v", got)
	}
}
