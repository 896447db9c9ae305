package protocol

import (
	"fmt"

	masterminds "github.com/Masterminds/semver/v3"
)

const versionLogPrefix = "protocol:version"

// VersionGate decides which integer protocol versions the agent accepts.
// Versions are compared as N.0.0 against a semver constraint such as ">= 1, <= 2".
type VersionGate struct {
	raw        string
	constraint *masterminds.Constraints
}

// NewVersionGate parses a constraint expression.
func NewVersionGate(expr string) (*VersionGate, error) {
	c, err := masterminds.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid protocol constraint %q: %w", versionLogPrefix, expr, err)
	}
	return &VersionGate{raw: expr, constraint: c}, nil
}

// Allows reports whether the protocol version satisfies the constraint.
func (g *VersionGate) Allows(version int) bool {
	if version < 0 {
		return false
	}
	return g.constraint.Check(masterminds.New(uint64(version), 0, 0, "", ""))
}

// String returns the constraint expression.
func (g *VersionGate) String() string {
	return g.raw
}
