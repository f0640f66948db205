// Package ircmsg implements the wire framing for RFC 1459/2812-family IRC
// messages: parsing a byte stream into discrete commands and re-encoding
// them for writing.
package ircmsg

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/horgh/irc"
	"github.com/pkg/errors"
)

// MaxLineLength is the maximum protocol message length, CRLF included.
const MaxLineLength = 512

// maxMiddleParams is the number of space-separated parameters the parser
// will peel off before treating the remainder of the line as trailing.
const maxMiddleParams = 14

// Message holds one parsed protocol line. See RFC 1459/2812 section 2.3.1.
type Message struct {
	// Source is the optional leading ":prefix". Blank if none was sent.
	Source string

	// Command is the command token, upper-cased. It is either all letters
	// or a 3-digit numeric.
	Command string

	// Params holds the middle parameters, in order, not including Trailing.
	Params []string

	// Trailing is the final, whitespace-permitting parameter. It is set
	// whenever the line had a ":"-introduced trailing segment, or once the
	// middle parameter count overflowed maxMiddleParams and the remainder
	// of the line was folded into it.
	Trailing string

	// HasTrailing records whether Trailing is meaningful (distinguishes an
	// explicit empty trailing parameter from no trailing parameter at all).
	HasTrailing bool
}

// AllParams returns Params with Trailing appended, if present. This is the
// shape most command handlers want.
func (m Message) AllParams() []string {
	if !m.HasTrailing {
		return m.Params
	}
	out := make([]string, len(m.Params)+1)
	copy(out, m.Params)
	out[len(m.Params)] = m.Trailing
	return out
}

// Param returns the i'th parameter from AllParams, or "" if it doesn't
// exist.
func (m Message) Param(i int) string {
	all := m.AllParams()
	if i < 0 || i >= len(all) {
		return ""
	}
	return all[i]
}

func (m Message) String() string {
	return fmt.Sprintf("Source [%s] Command [%s] Params %q Trailing [%s]",
		m.Source, m.Command, m.Params, m.Trailing)
}

// Encode renders the message as a wire line, CRLF included. It returns an
// error if the encoded form would exceed MaxLineLength; callers that need a
// line at any cost (e.g. an already-trimmed PRIVMSG body) should trim
// before calling Encode.
func Encode(m Message) (string, error) {
	var b strings.Builder

	if len(m.Source) > 0 {
		b.WriteByte(':')
		b.WriteString(m.Source)
		b.WriteByte(' ')
	}

	b.WriteString(m.Command)

	for _, p := range m.Params {
		b.WriteByte(' ')
		b.WriteString(p)
	}

	if m.HasTrailing {
		b.WriteString(" :")
		b.WriteString(m.Trailing)
	}

	b.WriteString("\r\n")

	line := b.String()
	if len(line) > MaxLineLength {
		return "", fmt.Errorf("encoded message exceeds %d bytes (%d): %s",
			MaxLineLength, len(line), m.Command)
	}

	return line, nil
}

// Parse parses a single line into a Message. The line must not include its
// terminator; Reader strips it before calling Parse.
//
// Grammar (RFC 1459/2812 section 2.3.1), as interpreted by this core:
//
//	message  = [ ":" source SPACE ] command params
//	params   = *14( SPACE middle ) [ SPACE ":" trailing ]
//	         | *14( SPACE middle ) SPACE [":"] trailing-overflow
//
// The second params alternative is this core's extension: once 14 middle
// parameters have been consumed, whatever remains on the line -- with or
// without a leading ':' -- becomes the trailing segment verbatim. The actual
// prefix/command/param splitting is done by github.com/horgh/irc; this
// function's own job is locating where that 15th segment starts (inserting
// the ':' the library expects there if the wire line didn't send one) and
// re-assembling the result into our Source/Params/Trailing shape.
func Parse(line string) (Message, error) {
	if len(line) == 0 {
		return Message{}, errors.New("empty line")
	}

	prepared, trailingAt := foldOverflow(line)

	decoded, err := irc.ParseMessage(prepared + "\r\n")
	if err != nil {
		return Message{}, errors.Wrap(err, "malformed message")
	}

	if !isValidCommandToken(decoded.Command) {
		return Message{}, errors.Errorf("malformed command token: %q", decoded.Command)
	}

	m := Message{
		Source:  decoded.Prefix,
		Command: decoded.Command,
	}

	if trailingAt >= 0 && trailingAt < len(decoded.Params) {
		m.Params = decoded.Params[:trailingAt]
		m.Trailing = decoded.Params[trailingAt]
		m.HasTrailing = true
	} else {
		m.Params = decoded.Params
	}

	return m, nil
}

// foldOverflow walks line far enough to find where its trailing parameter
// starts -- either an explicit ":"-introduced one, or (this core's
// extension) the 15th space-separated token. It returns line, along with
// the middle-parameter count at which the trailing segment begins, or -1 if
// line has no trailing segment at all. line is returned unchanged except in
// the overflow case: there the wire line omitted the ':', so it inserts one so the
// library parses the remainder as a single trailing parameter rather than
// erroring out on more than 15 parameters.
func foldOverflow(line string) (string, int) {
	pos := 0

	if pos < len(line) && line[pos] == ':' {
		end := strings.IndexByte(line, ' ')
		if end < 0 {
			return line, -1
		}
		pos = end + 1
	}

	pos = skipSpaces(line, pos)
	for pos < len(line) && line[pos] != ' ' {
		pos++
	}

	count := 0
	for pos < len(line) {
		pos = skipSpaces(line, pos)
		if pos >= len(line) {
			return line, -1
		}

		if line[pos] == ':' {
			return line, count
		}

		if count >= maxMiddleParams {
			return line[:pos] + ":" + line[pos:], count
		}

		for pos < len(line) && line[pos] != ' ' {
			pos++
		}
		count++
	}

	return line, -1
}

func skipSpaces(line string, pos int) int {
	for pos < len(line) && line[pos] == ' ' {
		pos++
	}
	return pos
}

func isValidCommandToken(cmd string) bool {
	if len(cmd) == 0 {
		return false
	}

	allDigits := true
	for _, c := range cmd {
		if c < '0' || c > '9' {
			allDigits = false
			break
		}
	}
	if allDigits {
		return len(cmd) == 3
	}

	for _, c := range cmd {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// Reader frames a byte stream into a sequence of Messages. It accepts CR,
// LF, or CRLF as the line delimiter and silently skips empty lines, per
// spec. A Reader is finite and non-restartable: once ReadMessage returns a
// read error (including io.EOF), every subsequent call returns an error too.
// A parse error on a malformed line does not end the stream.
type Reader struct {
	br   *bufio.Reader
	dead bool
}

// NewReader wraps r for message framing.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, MaxLineLength*2)}
}

// ReadMessage reads and parses the next message from the stream, skipping
// any number of leading empty lines. It returns io.EOF once the underlying
// stream is exhausted with no further data.
func (r *Reader) ReadMessage() (Message, error) {
	if r.dead {
		return Message{}, errors.New("reader is no longer usable")
	}

	for {
		raw, err := r.readLine()
		if err != nil {
			r.dead = true
			return Message{}, err
		}

		if len(raw) == 0 {
			continue
		}

		msg, err := Parse(raw)
		if err != nil {
			// A malformed line does not kill the stream on its own; the caller
			// (the connection state machine) decides whether a malformed line is
			// fatal. We surface it as a distinguishable error either way.
			return Message{}, errors.Wrap(err, "malformed message")
		}

		return msg, nil
	}
}

// readLine reads up to the next CR, LF, or CRLF and returns the line with
// the delimiter stripped. It scans byte by byte so an embedded CR ahead of
// the terminating LF ends its own line rather than swallowing whatever
// followed it.
func (r *Reader) readLine() (string, error) {
	var b strings.Builder

	for {
		c, err := r.br.ReadByte()
		if err != nil {
			if b.Len() > 0 && err == io.EOF {
				return b.String(), nil
			}
			return "", err
		}

		switch c {
		case '\n':
			return b.String(), nil
		case '\r':
			if next, peekErr := r.br.Peek(1); peekErr == nil && next[0] == '\n' {
				r.br.ReadByte()
			}
			return b.String(), nil
		default:
			b.WriteByte(c)
		}
	}
}

// WriteMessage encodes and writes m to w.
func WriteMessage(w io.Writer, m Message) error {
	line, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, line)
	return err
}
