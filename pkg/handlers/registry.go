// Package handlers discovers command handler executables and maps command
// names to them.
package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/morezero/hostagent/pkg/supervisor"
)

const logPrefix = "handlers:registry"

var commandNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// Entry is one registered command.
type Entry struct {
	Command string   `json:"command"`
	Path    string   `json:"path"`
	ArgSpec []string `json:"argSpec,omitempty"`
	// Digest is the BLAKE3 hash of the executable at discovery time.
	Digest string `json:"digest"`
}

// Prober runs a candidate handler in probe mode.
type Prober interface {
	Invoke(ctx context.Context, inv supervisor.Invocation, onFlush func(supervisor.Partial)) supervisor.Result
}

// Registry maps command names to handler executables. It is built once by
// Discover and never mutated afterwards.
type Registry struct {
	entries map[string]Entry
	files   int
}

// NewRegistry builds a registry from entries. Later entries win.
func NewRegistry(entries ...Entry) *Registry {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		r.entries[e.Command] = e
	}
	return r
}

// Discover probes every candidate file in dirs and registers the commands
// they declare. A handler that fails its probe is skipped; the others are
// still registered. Missing directories are logged and ignored.
func Discover(ctx context.Context, prober Prober, probeTimeout time.Duration, dirs []string) *Registry {
	r := &Registry{entries: map[string]Entry{}}

	for _, dir := range dirs {
		candidates, err := candidateFiles(dir)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Skipping handler directory %s: %v", logPrefix, dir, err))
			continue
		}
		for _, path := range candidates {
			if ctx.Err() != nil {
				return r
			}
			r.probe(ctx, prober, probeTimeout, path)
		}
	}

	slog.Info(fmt.Sprintf("%s - Registered %d commands from %d handlers", logPrefix, len(r.entries), r.files))
	return r
}

func (r *Registry) probe(ctx context.Context, prober Prober, timeout time.Duration, path string) {
	res := prober.Invoke(ctx, supervisor.Invocation{Path: path, Timeout: timeout}, nil)
	if res.TimedOut {
		slog.Warn(fmt.Sprintf("%s - Probe of %s timed out after %s", logPrefix, path, timeout))
		return
	}
	if res.ExitCode != 0 {
		slog.Warn(fmt.Sprintf("%s - Probe of %s exited %d: %s", logPrefix, path, res.ExitCode, strings.TrimSpace(string(res.Stderr))))
		return
	}

	declared, err := ParseDeclarations(res.Stdout)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Ignoring %s: %v", logPrefix, path, err))
		return
	}
	if len(declared) == 0 {
		slog.Warn(fmt.Sprintf("%s - %s declared no commands", logPrefix, path))
		return
	}

	digest, err := fileDigest(path)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Ignoring %s: %v", logPrefix, path, err))
		return
	}

	for _, d := range declared {
		if prev, ok := r.entries[d.Command]; ok {
			slog.Warn(fmt.Sprintf("%s - Command %s from %s overrides %s", logPrefix, d.Command, path, prev.Path))
		}
		d.Path = path
		d.Digest = digest
		r.entries[d.Command] = d
	}
	r.files++
	slog.Debug(fmt.Sprintf("%s - %s declared %d commands", logPrefix, path, len(declared)))
}

// ParseDeclarations parses probe output: one "<command> <argSpec...>" per
// line. Blank lines are ignored; any invalid command name rejects the whole output.
func ParseDeclarations(out []byte) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(bytes.NewReader(out))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if !commandNamePattern.MatchString(fields[0]) {
			return nil, fmt.Errorf("line %d: invalid command name %q", lineNo, fields[0])
		}
		entries = append(entries, Entry{Command: fields[0], ArgSpec: fields[1:]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Lookup returns the entry registered for command.
func (r *Registry) Lookup(command string) (Entry, bool) {
	e, ok := r.entries[command]
	return e, ok
}

// Len returns the number of registered commands.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Commands returns the catalog sorted by command name.
func (r *Registry) Commands() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

func candidateFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, de := range entries {
		name := de.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".disabled") {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		out = append(out, path)
	}
	// ReadDir returns entries sorted by name, so registration order is stable.
	return out, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
