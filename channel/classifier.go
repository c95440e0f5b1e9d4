package channel

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// DefaultPromptPatterns match the common sudo prompt shapes. Targets
// with localized prompt text supply their own patterns via the run
// configuration; each pattern is tested against the trailing tail of
// un-classified output, so it should anchor at end-of-input.
var DefaultPromptPatterns = []string{
	`\[sudo\] password for [^:]+: ?$`,
	`[Pp]assword: ?$`,
}

// DefaultCompletionMarker is the convention the payload wrapper echoes
// when it finishes. Process exit stays authoritative; the marker only
// lets the operator see completion before the transport winds down.
const DefaultCompletionMarker = "__STIGDRIVE_DONE__"

const defaultTailSize = 4096

// classifier maintains a bounded trailing buffer of un-matched output
// and tests its tail against the prompt and completion patterns. It is
// deliberately not line-based: prompts usually arrive without a trailing
// newline and may be split across read chunks. A matched span consumes
// the buffer so the same text cannot trigger twice.
type classifier struct {
	tail     []byte
	maxTail  int
	patterns []*regexp.Regexp
	marker   string
}

func newClassifier(patterns []string, marker string, maxTail int) (*classifier, error) {
	if len(patterns) == 0 {
		patterns = DefaultPromptPatterns
	}
	if maxTail <= 0 {
		maxTail = defaultTailSize
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid elevation prompt pattern %q", p)
		}
		compiled = append(compiled, re)
	}
	return &classifier{
		maxTail:  maxTail,
		patterns: compiled,
		marker:   marker,
	}, nil
}

// feed appends a chunk and returns its classification.
func (c *classifier) feed(chunk []byte) Class {
	c.tail = append(c.tail, chunk...)
	if len(c.tail) > c.maxTail {
		c.tail = c.tail[len(c.tail)-c.maxTail:]
	}

	s := string(c.tail)
	for _, re := range c.patterns {
		if re.MatchString(s) {
			c.tail = c.tail[:0]
			return ElevationPrompt
		}
	}
	if c.marker != "" && strings.Contains(s, c.marker) {
		c.tail = c.tail[:0]
		return CompletionMarker
	}
	return Plain
}
