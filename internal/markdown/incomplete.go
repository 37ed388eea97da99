package markdown

import "strings"

type inlineCounts struct {
	ticks    int
	doubles  int
	singles  int
	openLink bool
}

// HasIncompleteMarkdown reports whether block would render with a dangling
// construct: an open code fence, odd inline backticks, odd ** or standalone *
// markers, or an unterminated [text](url.
func HasIncompleteMarkdown(block string) bool {
	return hasIncomplete(block, false)
}

// hasIncomplete is HasIncompleteMarkdown for a block that may continue a line
// whose start was already released. Such a first line never delimits a fence.
func hasIncomplete(block string, midLine bool) bool {
	inline, open := splitFences(block, midLine)
	if open > 0 {
		return true
	}
	c := scanInline(inline)
	return c.ticks%2 != 0 || c.doubles%2 != 0 || c.singles%2 != 0 || c.openLink
}

// fenceRun returns the backtick run that starts line after at most three
// spaces of indent, and the text after it. n is 0 unless the run has at
// least three backticks.
func fenceRun(line string) (n int, rest string) {
	trimmed := strings.TrimLeft(line, " ")
	if len(line)-len(trimmed) > 3 {
		return 0, ""
	}
	for n < len(trimmed) && trimmed[n] == '`' {
		n++
	}
	if n < 3 {
		return 0, ""
	}
	return n, trimmed[n:]
}

// fences follows fenced code blocks line by line. An opening fence's info
// string may not contain a backtick, so "```ls``` now" is inline code. A
// closing fence is at least as long as its opener and has nothing after it.
type fences struct {
	open int // length of the open fence, 0 outside
}

// delimits reports whether line opens or closes a fence, updating the state.
func (f *fences) delimits(line string) bool {
	n, rest := fenceRun(line)
	if n == 0 {
		return false
	}
	if f.open == 0 {
		if strings.ContainsRune(rest, '`') {
			return false
		}
		f.open = n
		return true
	}
	if n >= f.open && strings.TrimSpace(rest) == "" {
		f.open = 0
		return true
	}
	return false
}

// splitFences returns the text outside fenced code blocks, with fence lines
// removed, and the length of the fence still open at the end (0 if none).
func splitFences(block string, midLine bool) (string, int) {
	var out strings.Builder
	var f fences
	first := true
	for line := range strings.SplitSeq(block, "\n") {
		continued := first && midLine
		first = false
		if !continued && f.delimits(line) {
			out.WriteByte('\n')
			continue
		}
		if f.open == 0 {
			out.WriteString(line)
		}
		out.WriteByte('\n')
	}
	return out.String(), f.open
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// bareRun reports whether the marker run s[i:j] is surrounded by whitespace
// or line edges. Such runs are bullets, rules or arithmetic, not emphasis.
func bareRun(s string, i, j int) bool {
	before := i == 0 || isSpace(s[i-1])
	after := j == len(s) || isSpace(s[j])
	return before && after
}

func scanInline(s string) inlineCounts {
	var c inlineCounts
	inCode := false
	bracket := false
	inURL := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inCode {
			if ch == '`' {
				c.ticks++
				inCode = false
			}
			continue
		}
		if inURL {
			switch ch {
			case ')':
				inURL = false
			case '\\':
				i++
			}
			continue
		}
		switch ch {
		case '\\':
			i++
		case '`':
			c.ticks++
			inCode = true
		case '*':
			j := i
			for j < len(s) && s[j] == '*' {
				j++
			}
			if !bareRun(s, i, j) {
				run := j - i
				c.doubles += run / 2
				c.singles += run % 2
			}
			i = j - 1
		case '[':
			bracket = true
		case ']':
			if bracket && i+1 < len(s) && s[i+1] == '(' {
				inURL = true
				i++
			}
			bracket = false
		}
	}
	c.openLink = inURL
	return c
}
