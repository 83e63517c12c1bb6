package unityhelper

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	fenceMarker = "```"

	// fenceCloseReserve is the most a fence close marker can add to a
	// segment (a line break plus the marker)
	fenceCloseReserve = len("\n" + fenceMarker)

	// hardSplitMargin is kept free at the end of a segment when a single
	// line has to be cut mid-line
	hardSplitMargin = 10

	// MinSegmentLength is the smallest max length that can carry a
	// re-opened fence, its close marker and at least one character.
	MinSegmentLength = len(fenceMarker+"\n") + fenceCloseReserve + 1
)

var ErrChunkingImpossible = errors.New("message length too small to split responses")

// Segment is one piece of a message split by [Split]. Body is always a
// contiguous piece of the original text. Reopen and Close are fence
// markers added so a code block cut by the split still renders as
// code on both sides.
type Segment struct {
	Index  int    `json:"index"`
	Reopen string `json:"reopen,omitempty"`
	Body   string `json:"body"`
	Close  string `json:"close,omitempty"`
}

// String returns the segment as it should be sent.
func (s Segment) String() string {
	return s.Reopen + s.Body + s.Close
}

// Len is the length of String, in runes.
func (s Segment) Len() int {
	return runeLen(s.Reopen) + runeLen(s.Body) + runeLen(s.Close)
}

// ValidateMaxLength returns [ErrChunkingImpossible] if maxLength is too
// small for [Split] to keep code blocks intact.
func ValidateMaxLength(maxLength int) error {
	if maxLength < MinSegmentLength {
		return fmt.Errorf(
			"%w: %d (minimum: %d)",
			ErrChunkingImpossible,
			maxLength,
			MinSegmentLength,
		)
	}
	return nil
}

// Split breaks text into segments no longer than maxLength runes.
//
// Text that already fits is returned as a single segment. Otherwise,
// whole lines are packed into each segment until the next line would
// overflow it. A line too long for a segment of its own is cut at
// the remaining room, minus a small margin.
//
// When a split lands inside a fenced code block, the segment gets a
// closing fence and the next one re-opens the block with the same
// language tag. If maxLength is too small to fit those markers, the
// block is split without them.
//
// Concatenating the Body of each segment always reproduces text.
// A maxLength below 1 is treated as 1.
func Split(text string, maxLength int) []Segment {
	if maxLength < 1 {
		maxLength = 1
	}
	if runeLen(text) <= maxLength {
		return []Segment{{Body: text}}
	}

	c := &chunker{max: maxLength}
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		c.add(line)
	}
	c.flush(false)
	return c.segments
}

type chunker struct {
	max      int
	segments []Segment

	// current segment
	reopen  string
	body    strings.Builder
	bodyLen int

	// fence state as of the last line fully added
	inFence     bool
	fenceReopen string
	fenceUsable bool
}

func (c *chunker) length() int {
	return runeLen(c.reopen) + c.bodyLen
}

// injecting reports whether a split at this point needs fence markers
func (c *chunker) injecting() bool {
	return c.inFence && c.fenceUsable
}

func (c *chunker) closeReserve() int {
	if c.injecting() {
		return fenceCloseReserve
	}
	return 0
}

// freshLength is the length a new segment would start with
func (c *chunker) freshLength() int {
	if c.injecting() {
		return runeLen(c.fenceReopen)
	}
	return 0
}

func (c *chunker) add(line string) {
	lineLen := runeLen(line)

	openAfter := c.inFence
	reopenAfter := c.fenceReopen
	usableAfter := c.fenceUsable
	if isFenceLine(line) {
		if c.inFence {
			openAfter = false
		} else {
			openAfter = true
			reopenAfter = fenceReopenMarker(line)
			usableAfter = runeLen(reopenAfter)+fenceCloseReserve+1 <= c.max
		}
	}

	reserveAfter := 0
	if openAfter && usableAfter {
		reserveAfter = fenceCloseReserve
	}

	switch {
	case c.length()+lineLen+reserveAfter <= c.max:
		c.write(line, lineLen)
	case c.bodyLen > 0 && c.freshLength()+lineLen+reserveAfter <= c.max:
		c.flush(true)
		c.write(line, lineLen)
	default:
		c.hardSplit(line, reserveAfter)
	}

	c.inFence = openAfter
	c.fenceReopen = reopenAfter
	c.fenceUsable = usableAfter
}

// hardSplit writes a line that doesn't fit in a segment, starting with
// whatever room is left in the current one. reserveAfter is the room
// the last piece needs to leave for a fence close.
func (c *chunker) hardSplit(line string, reserveAfter int) {
	rest := []rune(line)
	for len(rest) > 0 {
		if c.length()+len(rest)+reserveAfter <= c.max {
			c.write(string(rest), len(rest))
			return
		}
		room := c.max - c.length() - c.closeReserve()
		if c.bodyLen > 0 && room <= hardSplitMargin {
			c.flush(true)
			continue
		}
		n := room - min(hardSplitMargin, (room-1)/2)
		c.write(string(rest[:n]), n)
		rest = rest[n:]
		c.flush(true)
	}
}

func (c *chunker) write(s string, n int) {
	c.body.WriteString(s)
	c.bodyLen += n
}

// flush ends the current segment. split is false only for the final
// segment, which never gets fence markers added.
func (c *chunker) flush(split bool) {
	if c.bodyLen == 0 {
		return
	}
	seg := Segment{
		Index:  len(c.segments),
		Reopen: c.reopen,
		Body:   c.body.String(),
	}
	inject := split && c.injecting()
	if inject {
		if strings.HasSuffix(seg.Body, "\n") {
			seg.Close = fenceMarker
		} else {
			seg.Close = "\n" + fenceMarker
		}
	}
	c.segments = append(c.segments, seg)

	c.body.Reset()
	c.bodyLen = 0
	c.reopen = ""
	if inject {
		c.reopen = c.fenceReopen
	}
}

func isFenceLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), fenceMarker)
}

// fenceReopenMarker returns the opening fence (with language tag) for
// the given fence line, ex: "```python\n"
func fenceReopenMarker(line string) string {
	lang := strings.TrimPrefix(strings.TrimSpace(line), fenceMarker)
	return fenceMarker + strings.TrimSpace(lang) + "\n"
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
