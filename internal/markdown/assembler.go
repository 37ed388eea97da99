// Package markdown assembles streamed tokens into markdown blocks that are
// safe to render on their own.
package markdown

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultLongLineThreshold is the rune length past which an unterminated line
// with internal whitespace is treated as a finished run of words.
const DefaultLongLineThreshold = 50

// headingPattern matches a line that is, or is still growing into, an ATX
// heading.
var headingPattern = regexp.MustCompile(`^#{1,6}(\s|$)`)

const terminalPunctuation = ".!?:"

// Options tunes block boundary detection.
type Options struct {
	LongLineThreshold int
}

// Assembler buffers tokens and releases them as complete blocks. The zero
// value is not usable; call NewAssembler.
type Assembler struct {
	pending  string
	longLine int
	// midLine is set when the last released block did not end a line, so
	// pending starts in the middle of one.
	midLine bool
}

// NewAssembler returns an empty assembler.
func NewAssembler(opts Options) *Assembler {
	if opts.LongLineThreshold <= 0 {
		opts.LongLineThreshold = DefaultLongLineThreshold
	}
	return &Assembler{longLine: opts.LongLineThreshold}
}

// Feed appends token to the pending tail and returns any blocks that became
// complete. Every returned block passes HasIncompleteMarkdown == false and
// ends on a whitespace or line boundary.
func (a *Assembler) Feed(token string) []string {
	if token == "" {
		return nil
	}
	a.pending += token
	cut := a.completePrefix()
	if cut == 0 {
		return nil
	}
	block := a.pending[:cut]
	a.pending = a.pending[cut:]
	a.midLine = !strings.HasSuffix(block, "\n")
	return []string{block}
}

// Flush releases whatever is pending, force-closing open constructs.
func (a *Assembler) Flush() []string {
	if a.pending == "" {
		return nil
	}
	block := forceClose(a.pending, a.midLine)
	a.pending = ""
	a.midLine = false
	return []string{block}
}

// Pending returns the text held back so far.
func (a *Assembler) Pending() string {
	return a.pending
}

// completePrefix returns the length of the longest provisionally complete
// prefix of pending that has no dangling markdown, or 0.
func (a *Assembler) completePrefix() int {
	cuts := a.candidateCuts()
	for i := len(cuts) - 1; i >= 0; i-- {
		if !hasIncomplete(a.pending[:cuts[i]], a.midLine) {
			return cuts[i]
		}
	}
	return 0
}

func (a *Assembler) candidateCuts() []int {
	var cuts []int
	for i := 0; i < len(a.pending); i++ {
		if a.pending[i] == '\n' {
			cuts = append(cuts, i+1)
		}
	}
	start := 0
	if len(cuts) > 0 {
		start = cuts[len(cuts)-1]
	}
	if tail := a.pending[start:]; tail != "" {
		if n := a.tailCut(tail, start > 0 || !a.midLine); n > 0 {
			cuts = append(cuts, start+n)
		}
	}
	return cuts
}

// tailCut decides how much of the unterminated last line may be released.
// Headings only end at a newline. Sentences need a trailing space so a word
// still arriving is never split; long lines release up to their last space.
func (a *Assembler) tailCut(line string, lineStart bool) int {
	trimmed := strings.TrimRight(line, " \t\r")
	if trimmed == "" {
		return len(line)
	}
	if lineStart && headingPattern.MatchString(trimmed) {
		return 0
	}
	if len(trimmed) < len(line) && strings.IndexByte(terminalPunctuation, trimmed[len(trimmed)-1]) >= 0 {
		return len(line)
	}
	if utf8.RuneCountInString(line) > a.longLine {
		i := strings.LastIndexAny(line, " \t")
		if i > 0 && strings.TrimSpace(line[:i]) != "" {
			return i + 1
		}
	}
	return 0
}

// ForceClose returns block with any open construct closed. Closing markers
// go before trailing whitespace. If appending markers cannot balance the
// block, the unmatched inline markers are escaped instead.
func ForceClose(block string) string {
	return forceClose(block, false)
}

func forceClose(block string, midLine bool) string {
	if !hasIncomplete(block, midLine) {
		return block
	}
	out := block
	if _, open := splitFences(out, midLine); open > 0 {
		if !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += strings.Repeat("`", open)
		if !hasIncomplete(out, midLine) {
			return out
		}
	}

	body := strings.TrimRight(out, " \t\r\n")
	trailing := out[len(body):]
	inline, _ := splitFences(body, midLine)
	c := scanInline(inline)

	var suffix strings.Builder
	if c.ticks%2 != 0 {
		suffix.WriteByte('`')
	}
	if c.openLink {
		suffix.WriteByte(')')
	}
	if c.singles%2 != 0 {
		suffix.WriteByte('*')
	}
	if c.doubles%2 != 0 {
		suffix.WriteString("**")
	}
	if closed := body + suffix.String() + trailing; !hasIncomplete(closed, midLine) {
		return closed
	}
	return escapeInline(out, midLine)
}

// escapeInline backslash-escapes every unescaped *, ` and [ outside fenced
// code so that no inline construct remains open.
func escapeInline(block string, midLine bool) string {
	var out strings.Builder
	var f fences
	lines := strings.Split(block, "\n")
	for n, line := range lines {
		if n > 0 {
			out.WriteByte('\n')
		}
		if (n > 0 || !midLine) && f.delimits(line) {
			out.WriteString(line)
			continue
		}
		if f.open > 0 {
			out.WriteString(line)
			continue
		}
		for i := 0; i < len(line); i++ {
			ch := line[i]
			switch ch {
			case '\\':
				out.WriteByte(ch)
				if i+1 < len(line) {
					i++
					out.WriteByte(line[i])
				}
			case '*', '`', '[':
				out.WriteByte('\\')
				out.WriteByte(ch)
			default:
				out.WriteByte(ch)
			}
		}
	}
	return out.String()
}
