// Package redact scrubs credential-shaped values from anything headed for a
// diagnostic sink. Every logging call site passes suspect values through
// String, and whole sinks can be wrapped with Writer as a backstop.
package redact

import (
	"io"
	"regexp"
)

const mask = "…[redacted]"

// keepPrefix is how much of a matched value survives redaction. Short
// enough that no useful fragment of a credential remains.
const keepPrefix = 6

var patterns = []*regexp.Regexp{
	// Bearer token shape: three dot-delimited base64url segments.
	regexp.MustCompile(`[A-Za-z0-9_-]{12,}\.[A-Za-z0-9_-]{12,}\.[A-Za-z0-9_-]{6,}`),
	// Subject identifier shape (DID).
	regexp.MustCompile(`did:[a-z0-9]+:[A-Za-z0-9._%-]+`),
	// Email shape.
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
}

// String returns s with every credential-shaped substring truncated and
// marked redacted. Redaction is irreversible.
func String(s string) string {
	for _, p := range patterns {
		s = p.ReplaceAllStringFunc(s, truncate)
	}
	return s
}

func truncate(match string) string {
	if len(match) <= keepPrefix {
		return mask
	}
	return match[:keepPrefix] + mask
}

// Writer wraps a log sink so every line written through it is scrubbed.
type Writer struct {
	Out io.Writer
}

// NewWriter returns a Writer scrubbing everything written to out.
func NewWriter(out io.Writer) Writer {
	return Writer{Out: out}
}

func (w Writer) Write(p []byte) (int, error) {
	if _, err := w.Out.Write([]byte(String(string(p)))); err != nil {
		return 0, err
	}
	// Report the original length so callers do not see short writes.
	return len(p), nil
}
