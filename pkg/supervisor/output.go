package supervisor

import (
	"bytes"
	"sync"
)

// output collects a child's stdout and stderr. Stdout lines are scanned for
// the sentinel: bytes before the sentinel line are live output, bytes after
// it are the handler's terminal payload. Live output and stderr are what
// partial flushes report.
type output struct {
	mu       sync.Mutex
	sentinel []byte
	limit    int

	stdout  bytes.Buffer
	stderr  bytes.Buffer
	payload bytes.Buffer

	inPayload bool
	lineStart bool
	// pending holds the start of a line that may still turn out to be the sentinel.
	pending   []byte
	truncated bool

	stdoutMark int
	stderrMark int

	// observe is told how many live bytes arrived. Called without mu held.
	observe func(n int)
}

func newOutput(sentinel string, limit int) *output {
	return &output{
		sentinel:  []byte(sentinel),
		limit:     limit,
		lineStart: true,
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (o *output) stdoutWriter() writerFunc {
	return func(p []byte) (int, error) {
		o.mu.Lock()
		n := o.scan(p)
		o.mu.Unlock()
		o.notify(n)
		return len(p), nil
	}
}

func (o *output) stderrWriter() writerFunc {
	return func(p []byte) (int, error) {
		o.mu.Lock()
		n := o.appendBounded(&o.stderr, p)
		o.mu.Unlock()
		o.notify(n)
		return len(p), nil
	}
}

func (o *output) notify(n int) {
	if n > 0 && o.observe != nil {
		o.observe(n)
	}
}

// scan splits p between live stdout and payload. Returns live bytes added.
func (o *output) scan(p []byte) int {
	added := 0
	for len(p) > 0 {
		if o.inPayload {
			o.appendBounded(&o.payload, p)
			return added
		}

		if !o.lineStart && o.pending == nil {
			// Mid-line: copy through to the end of the line.
			i := bytes.IndexByte(p, '\n')
			if i < 0 {
				added += o.appendBounded(&o.stdout, p)
				return added
			}
			added += o.appendBounded(&o.stdout, p[:i+1])
			p = p[i+1:]
			o.lineStart = true
			continue
		}

		// At a line start: buffer until the line is known not to be the sentinel.
		b := p[0]
		p = p[1:]
		o.pending = append(o.pending, b)
		o.lineStart = false
		if b == '\n' {
			if bytes.Equal(trimLine(o.pending), o.sentinel) {
				o.inPayload = true
				o.pending = nil
				continue
			}
			added += o.releasePending()
			o.lineStart = true
			continue
		}
		if !o.couldBeSentinel(o.pending) {
			added += o.releasePending()
		}
	}
	return added
}

func (o *output) couldBeSentinel(line []byte) bool {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return len(line) <= len(o.sentinel) && bytes.HasPrefix(o.sentinel, line)
}

func (o *output) releasePending() int {
	n := o.appendBounded(&o.stdout, o.pending)
	o.pending = nil
	return n
}

func (o *output) appendBounded(buf *bytes.Buffer, p []byte) int {
	room := o.limit - buf.Len()
	if o.limit <= 0 {
		room = len(p)
	}
	if room <= 0 {
		if len(p) > 0 {
			o.truncated = true
		}
		return 0
	}
	if len(p) > room {
		p = p[:room]
		o.truncated = true
	}
	buf.Write(p)
	return len(p)
}

// finish settles a trailing line that had no newline.
func (o *output) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending == nil {
		return
	}
	if bytes.Equal(trimLine(o.pending), o.sentinel) {
		o.inPayload = true
		o.pending = nil
		return
	}
	o.releasePending()
}

// delta returns the live bytes captured since the previous call.
func (o *output) delta() (stdout, stderr []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stdout = bytes.Clone(o.stdout.Bytes()[o.stdoutMark:])
	stderr = bytes.Clone(o.stderr.Bytes()[o.stderrMark:])
	o.stdoutMark = o.stdout.Len()
	o.stderrMark = o.stderr.Len()
	return stdout, stderr
}

func (o *output) fill(r *Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r.Stdout = bytes.Clone(o.stdout.Bytes())
	r.Stderr = bytes.Clone(o.stderr.Bytes())
	if o.inPayload {
		r.Payload = bytes.Clone(o.payload.Bytes())
		r.HasPayload = true
	}
	r.Truncated = o.truncated
}

func trimLine(line []byte) []byte {
	return bytes.TrimRight(line, "\r\n")
}
