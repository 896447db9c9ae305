package handlers

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morezero/hostagent/pkg/supervisor"
)

func writeHandler(t *testing.T, dir, name, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), mode); err != nil {
		t.Fatalf("handlers:registry_test - write %s: %v", name, err)
	}
	return path
}

func newProber() *supervisor.Supervisor {
	return supervisor.New(supervisor.Options{Sentinel: "--8<--", MaxOutputBytes: 1 << 16})
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	system := writeHandler(t, dir, "10-system", `echo "system.uptime"
echo "system.reboot delay:int"
`, 0o755)
	writeHandler(t, dir, "20-failing", "exit 1\n", 0o755)
	writeHandler(t, dir, "30-badline", "echo 'ok.cmd'\necho 'bad/name x'\n", 0o755)
	writeHandler(t, dir, "40-noexec", "echo 'hidden.cmd'\n", 0o644)
	writeHandler(t, dir, ".hidden", "echo 'dot.cmd'\n", 0o755)
	writeHandler(t, dir, "50-off.disabled", "echo 'off.cmd'\n", 0o755)
	writeHandler(t, dir, "60-backup~", "echo 'backup.cmd'\n", 0o755)

	r := Discover(context.Background(), newProber(), 5*time.Second, []string{dir, filepath.Join(dir, "missing")})

	if r.Len() != 2 {
		t.Fatalf("handlers:registry_test - Len = %d, want 2 (%v)", r.Len(), r.Commands())
	}
	e, ok := r.Lookup("system.reboot")
	if !ok {
		t.Fatal("handlers:registry_test - system.reboot not registered")
	}
	if e.Path != system {
		t.Errorf("handlers:registry_test - Path = %q, want %q", e.Path, system)
	}
	if len(e.ArgSpec) != 1 || e.ArgSpec[0] != "delay:int" {
		t.Errorf("handlers:registry_test - ArgSpec = %v", e.ArgSpec)
	}
	if len(e.Digest) != 64 {
		t.Errorf("handlers:registry_test - Digest = %q, want 32-byte hex", e.Digest)
	}
	for _, name := range []string{"ok.cmd", "hidden.cmd", "dot.cmd", "off.cmd", "backup.cmd"} {
		if _, ok := r.Lookup(name); ok {
			t.Errorf("handlers:registry_test - %s should not be registered", name)
		}
	}
}

func TestDiscover_LastRegistrationWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeHandler(t, first, "a", "echo 'pkg.install'\n", 0o755)
	winner := writeHandler(t, second, "b", "echo 'pkg.install name'\n", 0o755)

	r := Discover(context.Background(), newProber(), 5*time.Second, []string{first, second})

	e, ok := r.Lookup("pkg.install")
	if !ok || e.Path != winner {
		t.Errorf("handlers:registry_test - pkg.install = %+v, want path %s", e, winner)
	}
}

func TestDiscover_HangingProbeIsBounded(t *testing.T) {
	dir := t.TempDir()
	writeHandler(t, dir, "hang", "exec sleep 30\n", 0o755)
	writeHandler(t, dir, "ok", "echo 'net.ping'\n", 0o755)

	start := time.Now()
	r := Discover(context.Background(), newProber(), 300*time.Millisecond, []string{dir})
	if time.Since(start) > 10*time.Second {
		t.Errorf("handlers:registry_test - discovery blocked for %s", time.Since(start))
	}
	if _, ok := r.Lookup("net.ping"); !ok {
		t.Error("handlers:registry_test - handler after the hanging one was not registered")
	}
}

type countingProber struct {
	calls atomic.Int32
}

func (p *countingProber) Invoke(ctx context.Context, inv supervisor.Invocation, onFlush func(supervisor.Partial)) supervisor.Result {
	p.calls.Add(1)
	if inv.Command != "" {
		return supervisor.Result{ExitCode: 99}
	}
	return supervisor.Result{Stdout: []byte("fake.cmd\n")}
}

func TestDiscover_ProbesWithoutCommand(t *testing.T) {
	dir := t.TempDir()
	writeHandler(t, dir, "one", "", 0o755)
	writeHandler(t, dir, "two", "", 0o755)
	p := &countingProber{}

	r := Discover(context.Background(), p, time.Second, []string{dir})
	if p.calls.Load() != 2 {
		t.Errorf("handlers:registry_test - %d probes, want 2", p.calls.Load())
	}
	if _, ok := r.Lookup("fake.cmd"); !ok {
		t.Error("handlers:registry_test - expected fake.cmd from probe mode output")
	}
}

func TestParseDeclarations(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    int
		wantErr bool
	}{
		{name: "simple", out: "a.b\nc\n", want: 2},
		{name: "blank lines", out: "\n  \nsystem.uptime\n\n", want: 1},
		{name: "arg spec", out: "service.control service:str action:str\n", want: 1},
		{name: "empty", out: "", want: 0},
		{name: "leading dot", out: ".bad\n", wantErr: true},
		{name: "double dot", out: "a..b\n", wantErr: true},
		{name: "bad char", out: "ok\nno/slash\n", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDeclarations([]byte(tt.out))
			if tt.wantErr {
				if err == nil {
					t.Errorf("handlers:registry_test - expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("handlers:registry_test - unexpected error: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("handlers:registry_test - got %d entries, want %d", len(got), tt.want)
			}
		})
	}
}

func TestCommandsSorted(t *testing.T) {
	r := NewRegistry(Entry{Command: "z.last"}, Entry{Command: "a.first"}, Entry{Command: "m.mid"})
	cmds := r.Commands()
	if len(cmds) != 3 || cmds[0].Command != "a.first" || cmds[2].Command != "z.last" {
		t.Errorf("handlers:registry_test - Commands = %v", cmds)
	}
}
