package protocol

import "testing"

func TestVersionGate(t *testing.T) {
	tests := []struct {
		expr    string
		version int
		want    bool
	}{
		{">= 1, <= 2", 1, true},
		{">= 1, <= 2", 2, true},
		{">= 1, <= 2", 3, false},
		{">= 1, <= 2", 0, false},
		{">= 1, <= 2", -1, false},
		{"^1", 1, true},
		{"^1", 2, false},
		{"2", 2, true},
	}
	for _, tt := range tests {
		gate, err := NewVersionGate(tt.expr)
		if err != nil {
			t.Fatalf("protocol:version_test - NewVersionGate(%q): %v", tt.expr, err)
		}
		if got := gate.Allows(tt.version); got != tt.want {
			t.Errorf("protocol:version_test - %q.Allows(%d) = %v, want %v", tt.expr, tt.version, got, tt.want)
		}
	}
}

func TestNewVersionGate_Invalid(t *testing.T) {
	if _, err := NewVersionGate("not a constraint"); err == nil {
		t.Error("protocol:version_test - expected error for invalid constraint")
	}
}
