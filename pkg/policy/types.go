// Package policy holds per-command execution policy loaded from YAML.
package policy

import (
	"strings"
	"time"

	"github.com/morezero/hostagent/pkg/protocol"
)

// Policy overrides execution defaults per command.
type Policy struct {
	// Timeouts maps a command name to its timeout in seconds.
	Timeouts map[string]int `yaml:"timeouts"`
	// Deny lists commands that are never run. An entry ending in ".*" denies
	// every command below that prefix.
	Deny []string `yaml:"deny"`
}

// Timeout returns the configured timeout for command, or def.
func (p *Policy) Timeout(command string, def time.Duration) time.Duration {
	if p == nil {
		return def
	}
	if secs, ok := p.Timeouts[command]; ok && secs > 0 {
		return protocol.SecondsToDuration(int64(secs))
	}
	return def
}

// Denied reports whether command is on the deny list.
func (p *Policy) Denied(command string) bool {
	if p == nil {
		return false
	}
	for _, d := range p.Deny {
		if d == command {
			return true
		}
		if prefix, ok := strings.CutSuffix(d, "*"); ok && strings.HasSuffix(prefix, ".") && strings.HasPrefix(command, prefix) {
			return true
		}
	}
	return false
}
