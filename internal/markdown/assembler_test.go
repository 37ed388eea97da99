package markdown

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func feedAll(a *Assembler, tokens ...string) []string {
	var out []string
	for _, tok := range tokens {
		out = append(out, a.Feed(tok)...)
	}
	return out
}

func TestAssemblerWaitsForWordBoundary(t *testing.T) {
	a := NewAssembler(Options{})
	require.Empty(t, feedAll(a, "Hel", "lo wor"))
	require.Equal(t, []string{"Hello world. "}, a.Feed("ld. "))
	require.Empty(t, a.Pending())
}

func TestAssemblerHoldsPartialHeading(t *testing.T) {
	a := NewAssembler(Options{})
	require.Empty(t, a.Feed("## Key C"))
	require.Equal(t, "## Key C", a.Pending())
	require.Equal(t, []string{"## Key Concepts\n"}, a.Feed("oncepts\n"))
}

func TestAssemblerHoldsHeadingUntilNewline(t *testing.T) {
	a := NewAssembler(Options{})
	require.Empty(t, a.Feed("## Key "))
	require.Equal(t, []string{"## Key Concepts\n"}, a.Feed("Concepts\n"))

	a = NewAssembler(Options{LongLineThreshold: 20})
	heading := "## A very long heading that runs well past the threshold"
	require.Empty(t, a.Feed(heading+" "))
	require.Equal(t, []string{heading + " end\n"}, a.Feed("end\n"))
}

func TestAssemblerInlineTripleBackticksAfterSentence(t *testing.T) {
	a := NewAssembler(Options{})
	require.Equal(t, []string{"Run the snippet: "}, a.Feed("Run the snippet: "))
	require.Equal(t, []string{"```ls -la``` now.\n"}, a.Feed("```ls -la``` now.\n"))
	require.Equal(t, []string{"More text follows here.\n"}, a.Feed("More text follows here.\n"))
	require.Empty(t, a.Flush())
}

func TestAssemblerReleasesCompleteLines(t *testing.T) {
	a := NewAssembler(Options{})
	require.Equal(t, []string{"First line\n"}, a.Feed("First line\nsecond"))
	require.Equal(t, "second", a.Pending())
}

func TestAssemblerHoldsOpenFence(t *testing.T) {
	a := NewAssembler(Options{})
	require.Equal(t, []string{"Code:\n"}, a.Feed("Code:\n```go\nx := 1\n"))
	require.Empty(t, a.Feed("y := 2\n"))
	require.Equal(t, []string{"```go\nx := 1\ny := 2\n```\n"}, a.Feed("```\n"))
}

func TestAssemblerHoldsOpenEmphasis(t *testing.T) {
	a := NewAssembler(Options{})
	require.Empty(t, a.Feed("This is **very "))
	require.Equal(t, []string{"This is **very important**. "}, a.Feed("important**. "))
}

func TestAssemblerCutsLongLinesAtWhitespace(t *testing.T) {
	a := NewAssembler(Options{LongLineThreshold: 20})
	blocks := a.Feed("alpha beta gamma delta epsi")
	require.Equal(t, []string{"alpha beta gamma delta "}, blocks)
	require.Equal(t, "epsi", a.Pending())
}

func TestAssemblerFlushForceCloses(t *testing.T) {
	a := NewAssembler(Options{})
	require.Empty(t, a.Feed("Partial **bold"))
	require.Equal(t, []string{"Partial **bold**"}, a.Flush())
	require.Empty(t, a.Flush())
}

func TestAssemblerBlocksAreCompleteAndConcatenate(t *testing.T) {
	doc := "## Overview\n\nThe **report** covers `three` areas.\n\n" +
		"```python\nprint('*')\n```\n\n" +
		"- item one\n- item *two*\n\n" +
		"See [source](http://example.com/a) for details. Done."

	for size := 1; size <= 9; size++ {
		a := NewAssembler(Options{LongLineThreshold: 16})
		var blocks []string
		for i := 0; i < len(doc); i += size {
			blocks = append(blocks, a.Feed(doc[i:min(i+size, len(doc))])...)
		}
		for _, b := range blocks {
			require.False(t, HasIncompleteMarkdown(b), "size %d block %q", size, b)
		}
		blocks = append(blocks, a.Flush()...)
		require.Equal(t, doc, strings.Join(blocks, ""), "size %d", size)
	}
}

var docFragments = []string{
	"alpha", "beta", "gamma", "revenue", "grew", "done.", "why?", "note:", "wow!",
	"**bold text**", "*slanted*", "`code`", "```ls -la```",
	"[a link](http://example.com/x)", "2 * 3", "-",
}

func randomLine(r *rand.Rand) string {
	words := make([]string, 1+r.IntN(14))
	for i := range words {
		words[i] = docFragments[r.IntN(len(docFragments))]
	}
	return strings.Join(words, " ")
}

func randomDoc(r *rand.Rand) string {
	var b strings.Builder
	for range 1 + r.IntN(8) {
		switch r.IntN(6) {
		case 0:
			b.WriteString("## " + randomLine(r) + "\n")
		case 1:
			b.WriteString("- " + randomLine(r) + "\n")
		case 2:
			b.WriteString("```go\nx := `a*b`\n```\n")
		case 3:
			b.WriteString("\n")
		default:
			b.WriteString(randomLine(r) + "\n")
		}
	}
	if r.IntN(2) == 0 {
		b.WriteString(randomLine(r) + ".")
	}
	return b.String()
}

func TestAssemblerRandomChunksReproduceInput(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for n := range 2000 {
		doc := randomDoc(r)
		require.False(t, HasIncompleteMarkdown(doc), "doc %q", doc)

		a := NewAssembler(Options{LongLineThreshold: []int{8, 16, 50}[n%3]})
		var blocks []string
		for i := 0; i < len(doc); {
			j := min(i+1+r.IntN(12), len(doc))
			for _, b := range a.Feed(doc[i:j]) {
				require.False(t, HasIncompleteMarkdown(b), "doc %q block %q", doc, b)
				blocks = append(blocks, b)
			}
			i = j
		}
		blocks = append(blocks, a.Flush()...)
		require.Equal(t, doc, strings.Join(blocks, ""))
	}
}

func TestHasIncompleteMarkdown(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"plain text", false},
		{"**bold**", false},
		{"**bold", true},
		{"*it*", false},
		{"*it", true},
		{"***both***", false},
		{"`code`", false},
		{"`code", true},
		{"`a * b`", false},
		{"2 * 3 = 6", false},
		{"* bullet\n* bullet", false},
		{"\\*escaped", false},
		{"[link](http://x)", false},
		{"[link](http://x", true},
		{"[just brackets]", false},
		{"```\ncode", true},
		{"```\ncode *\n```", false},
		{"  ```js\nx\n  ```\n", false},
		{"```ls -la``` now", false},
		{"````\n```\nx\n````", false},
		{"```\nx\n``` not a close", true},
		{"**bold **", true},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, HasIncompleteMarkdown(tt.in), "%q", tt.in)
	}
}

func TestForceClose(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"done.", "done."},
		{"**bold", "**bold**"},
		{"*it ", "*it* "},
		{"`code", "`code`"},
		{"[ref](http://x", "[ref](http://x)"},
		{"```go\nx := 1", "```go\nx := 1\n```"},
		{"**a `b", "**a `b`**"},
	}
	for _, tt := range tests {
		got := ForceClose(tt.in)
		require.Equal(t, tt.want, got, "%q", tt.in)
		require.False(t, HasIncompleteMarkdown(got), "%q", got)
	}
}

func TestSpaceBeforeClosingMarkerIsNotEmphasis(t *testing.T) {
	a := NewAssembler(Options{})
	require.Empty(t, a.Feed("**bold ** then. "))
	require.Equal(t, "**bold ** then. ", a.Pending())

	require.Equal(t, `\*\*bold \*\*`, ForceClose("**bold **"))
}

func TestForceCloseFallsBackToEscaping(t *testing.T) {
	// A trailing single marker cannot be balanced by appending one more.
	got := ForceClose("tail*")
	require.False(t, HasIncompleteMarkdown(got))
	require.Equal(t, "tail\\*", got)
}
