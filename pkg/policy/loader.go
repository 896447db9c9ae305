package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/morezero/hostagent/pkg/protocol"
)

const logPrefix = "policy:loader"

// LoadPolicy loads the execution policy. The first of config/policy.yaml and
// policy.yaml that exists is the base. The first existing file among the
// paths passed in, then POLICY_FILE env, overrides it. Missing files are
// skipped; a file that exists but does not parse is an error, so a broken
// deny list never silently allows everything. With no file found the empty
// default policy is returned.
func LoadPolicy(paths ...string) (*Policy, error) {
	overrides := make([]string, 0, len(paths)+1)
	for _, p := range paths {
		if p != "" {
			overrides = append(overrides, p)
		}
	}
	if envPath := os.Getenv("POLICY_FILE"); envPath != "" {
		overrides = append(overrides, envPath)
	}

	base, basePath, err := loadFirst("config/policy.yaml", "policy.yaml")
	if err != nil {
		return nil, err
	}
	override, overridePath, err := loadFirst(overrides...)
	if err != nil {
		return nil, err
	}

	var pol *Policy
	switch {
	case base != nil && override != nil:
		pol = MergePolicies(base, override)
		slog.Info(fmt.Sprintf("%s - Merged policy %s over %s", logPrefix, overridePath, basePath))
	case override != nil:
		pol = override
		slog.Info(fmt.Sprintf("%s - Loaded policy from %s", logPrefix, overridePath))
	case base != nil:
		pol = base
		slog.Info(fmt.Sprintf("%s - Loaded policy from %s", logPrefix, basePath))
	default:
		slog.Info(fmt.Sprintf("%s - Using default policy", logPrefix))
		return GetDefaultPolicy(), nil
	}
	slog.Info(fmt.Sprintf("%s - Policy has %d timeouts, %d denied", logPrefix, len(pol.Timeouts), len(pol.Deny)))
	return pol, nil
}

// loadFirst parses the first of paths that exists. It returns a nil policy
// when none does.
func loadFirst(paths ...string) (*Policy, string, error) {
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("%s - read %s: %w", logPrefix, p, err)
		}

		var pol Policy
		if err := yaml.Unmarshal(data, &pol); err != nil {
			return nil, "", fmt.Errorf("%s - parse %s: %w", logPrefix, p, err)
		}
		if err := pol.Validate(); err != nil {
			return nil, "", fmt.Errorf("%s - %s: %w", logPrefix, p, err)
		}
		return &pol, p, nil
	}
	return nil, "", nil
}

// GetDefaultPolicy returns the policy used when no file is configured.
func GetDefaultPolicy() *Policy {
	return &Policy{Timeouts: map[string]int{}}
}

// Validate rejects out-of-range timeouts and empty deny entries.
func (p *Policy) Validate() error {
	for cmd, secs := range p.Timeouts {
		if secs < 0 {
			return fmt.Errorf("timeout for %s must not be negative", cmd)
		}
		if int64(secs) > protocol.MaxTimeoutSeconds {
			return fmt.Errorf("timeout for %s exceeds %d seconds", cmd, protocol.MaxTimeoutSeconds)
		}
	}
	for i, d := range p.Deny {
		if d == "" {
			return fmt.Errorf("deny entry %d is empty", i)
		}
	}
	return nil
}

// MergePolicies merges an override policy into a base policy. Override
// timeouts win; deny lists are combined.
func MergePolicies(base, override *Policy) *Policy {
	merged := &Policy{Timeouts: make(map[string]int, len(base.Timeouts)+len(override.Timeouts))}
	for cmd, secs := range base.Timeouts {
		merged.Timeouts[cmd] = secs
	}
	for cmd, secs := range override.Timeouts {
		merged.Timeouts[cmd] = secs
	}
	merged.Deny = append(append(merged.Deny, base.Deny...), override.Deny...)
	return merged
}
