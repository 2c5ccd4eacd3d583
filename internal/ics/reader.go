package ics

import (
	"bufio"
	"io"
	"strings"
)

// ContentLine is one flattened ICS property after unfolding: the name
// before the first ';' or ':', the raw parameter text between them, and
// the value after the colon. Text escapes in Value are left intact; they
// are resolved once, when an occurrence is built.
type ContentLine struct {
	Name   string
	Params string
	Value  string
}

// HasParam reports whether the raw parameter text contains the given
// key=value pair, case-insensitively. Good enough for the parameters we
// consume (VALUE=DATE); no quoted-parameter handling.
func (c ContentLine) HasParam(pair string) bool {
	return strings.Contains(strings.ToUpper(c.Params), strings.ToUpper(pair))
}

// LineReader yields one ContentLine per logical ICS line, reconstructing
// folded lines: a physical line starting with a single space or tab
// continues the previous one with its first character stripped.
//
// A reader is single-pass and not restartable; create a fresh one per
// parse. Lines without a colon are dropped silently — the feeds we
// consume occasionally contain junk and a hard error would make the
// whole calendar unavailable.
type LineReader struct {
	sc      *bufio.Scanner
	pending string
	started bool
	done    bool
}

func NewLineReader(r io.Reader) *LineReader {
	sc := bufio.NewScanner(r)
	// Some exporters emit very long unfolded DESCRIPTION lines; raise the
	// scanner's token limit so those do not abort the parse.
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &LineReader{sc: sc}
}

// Err reports the first underlying read error, if any. A stream that
// ends because of an I/O failure must not be mistaken for a complete
// calendar.
func (r *LineReader) Err() error {
	return r.sc.Err()
}

// Next returns the next logical line. ok is false once the stream is
// exhausted.
func (r *LineReader) Next() (line ContentLine, ok bool) {
	for {
		logical, ok := r.nextLogical()
		if !ok {
			return ContentLine{}, false
		}
		cl, valid := splitContentLine(logical)
		if !valid {
			continue
		}
		return cl, true
	}
}

// nextLogical accumulates physical lines until the next non-continuation
// line (or EOF) terminates the pending one.
func (r *LineReader) nextLogical() (string, bool) {
	if r.done {
		return "", false
	}
	for r.sc.Scan() {
		raw := strings.TrimRight(r.sc.Text(), "\r")
		if len(raw) > 0 && (raw[0] == ' ' || raw[0] == '\t') {
			if r.started {
				r.pending += raw[1:]
			}
			continue
		}
		if r.started {
			out := r.pending
			r.pending = raw
			return out, true
		}
		r.pending = raw
		r.started = true
	}
	r.done = true
	if r.started {
		out := r.pending
		r.pending = ""
		return out, true
	}
	return "", false
}

func splitContentLine(s string) (ContentLine, bool) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return ContentLine{}, false
	}
	name := s[:colon]
	params := ""
	if semi := strings.IndexByte(name, ';'); semi >= 0 {
		params = name[semi+1:]
		name = name[:semi]
	}
	return ContentLine{
		Name:   strings.ToUpper(strings.TrimSpace(name)),
		Params: params,
		Value:  s[colon+1:],
	}, true
}
