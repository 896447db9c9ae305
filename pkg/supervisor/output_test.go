package supervisor

import (
	"testing"
)

const testSentinel = "--8<-- result --8<--"

func feed(o *output, chunks ...string) {
	w := o.stdoutWriter()
	for _, c := range chunks {
		w.Write([]byte(c))
	}
	o.finish()
}

func TestOutput_SentinelSplitting(t *testing.T) {
	tests := []struct {
		name        string
		chunks      []string
		wantStdout  string
		wantPayload string
		hasPayload  bool
	}{
		{
			name:        "single write",
			chunks:      []string{"3600\n" + testSentinel + "\n{\"exit\":0}\n"},
			wantStdout:  "3600\n",
			wantPayload: "{\"exit\":0}\n",
			hasPayload:  true,
		},
		{
			name:        "sentinel split across writes",
			chunks:      []string{"3600\n--8<-- re", "sult --8<", "--\n{\"exit\"", ":0}"},
			wantStdout:  "3600\n",
			wantPayload: "{\"exit\":0}",
			hasPayload:  true,
		},
		{
			name:        "crlf sentinel",
			chunks:      []string{"line\r\n" + testSentinel + "\r\npayload"},
			wantStdout:  "line\r\n",
			wantPayload: "payload",
			hasPayload:  true,
		},
		{
			name:       "lookalike prefix stays live",
			chunks:     []string{"--8<-- res", "ults follow\n", "done\n"},
			wantStdout: "--8<-- results follow\ndone\n",
		},
		{
			name:       "sentinel not at line start",
			chunks:     []string{"x " + testSentinel + "\nmore\n"},
			wantStdout: "x " + testSentinel + "\nmore\n",
		},
		{
			name:        "sentinel as last line without newline",
			chunks:      []string{"progress\n" + testSentinel},
			wantStdout:  "progress\n",
			wantPayload: "",
			hasPayload:  true,
		},
		{
			name:       "no sentinel",
			chunks:     []string{"a\n", "b"},
			wantStdout: "a\nb",
		},
		{
			name:        "sentinel text inside payload",
			chunks:      []string{testSentinel + "\n" + testSentinel + "\n"},
			wantStdout:  "",
			wantPayload: testSentinel + "\n",
			hasPayload:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOutput(testSentinel, 0)
			feed(o, tt.chunks...)
			var r Result
			o.fill(&r)
			if string(r.Stdout) != tt.wantStdout {
				t.Errorf("supervisor:output_test - stdout = %q, want %q", r.Stdout, tt.wantStdout)
			}
			if string(r.Payload) != tt.wantPayload {
				t.Errorf("supervisor:output_test - payload = %q, want %q", r.Payload, tt.wantPayload)
			}
			if r.HasPayload != tt.hasPayload {
				t.Errorf("supervisor:output_test - HasPayload = %v, want %v", r.HasPayload, tt.hasPayload)
			}
		})
	}
}

func TestOutput_Limit(t *testing.T) {
	o := newOutput(testSentinel, 10)
	feed(o, "0123456789abcdef\n")
	o.stderrWriter().Write([]byte("short"))

	var r Result
	o.fill(&r)
	if string(r.Stdout) != "0123456789" {
		t.Errorf("supervisor:output_test - stdout = %q, want first 10 bytes", r.Stdout)
	}
	if string(r.Stderr) != "short" {
		t.Errorf("supervisor:output_test - stderr = %q", r.Stderr)
	}
	if !r.Truncated {
		t.Error("supervisor:output_test - expected Truncated")
	}
}

func TestOutput_DeltaAndObserve(t *testing.T) {
	o := newOutput(testSentinel, 0)
	observed := 0
	o.observe = func(n int) { observed += n }

	w := o.stdoutWriter()
	w.Write([]byte("abc\n"))
	o.stderrWriter().Write([]byte("warn\n"))

	stdout, stderr := o.delta()
	if string(stdout) != "abc\n" || string(stderr) != "warn\n" {
		t.Errorf("supervisor:output_test - first delta = %q / %q", stdout, stderr)
	}

	w.Write([]byte("def\n" + testSentinel + "\nsecret payload\n"))
	stdout, stderr = o.delta()
	if string(stdout) != "def\n" || len(stderr) != 0 {
		t.Errorf("supervisor:output_test - second delta = %q / %q", stdout, stderr)
	}
	if observed != len("abc\n")+len("warn\n")+len("def\n") {
		t.Errorf("supervisor:output_test - observed %d live bytes, payload must not count", observed)
	}
}
