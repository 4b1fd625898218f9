package thinking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runParser(t *testing.T, fragments ...string) (thinkingOut, textOut string) {
	t.Helper()
	p := NewParser()
	var segs []Segment
	for _, f := range fragments {
		segs = append(segs, p.Feed(f)...)
	}
	segs = append(segs, p.Flush()...)
	for _, s := range segs {
		switch s.Type {
		case SegmentThinking:
			thinkingOut += s.Content
		case SegmentText:
			textOut += s.Content
		}
	}
	return thinkingOut, textOut
}

func TestPlainTextPassthrough(t *testing.T) {
	think, text := runParser(t, "hello ", "world")
	assert.Empty(t, think)
	assert.Equal(t, "hello world", text)
}

func TestBasicThinkingBlock(t *testing.T) {
	think, text := runParser(t, "<thinking>let me reason</thinking>The answer is 4.")
	assert.Equal(t, "let me reason", think)
	assert.Equal(t, "The answer is 4.", text)
}

func TestLeadingWhitespaceBeforeBlock(t *testing.T) {
	think, text := runParser(t, " \n\t<thinking>A</thinking>B")
	assert.Equal(t, "A", think)
	assert.Equal(t, " \n\t"+"B", text)
}

func TestMidStreamTagIsLiteral(t *testing.T) {
	in := "prefix <thinking>not a block</thinking>"
	think, text := runParser(t, in)
	assert.Empty(t, think)
	assert.Equal(t, in, text)
}

func TestEmptyThinkingBlock(t *testing.T) {
	think, text := runParser(t, "<thinking></thinking>visible")
	assert.Empty(t, think)
	assert.Equal(t, "visible", text)
}

func TestFakeTagQuoteBefore(t *testing.T) {
	in := "<thinking>use '</thinking>' to close</thinking>done"
	think, text := runParser(t, in)
	assert.Equal(t, "use '</thinking>' to close", think)
	assert.Equal(t, "done", text)
}

func TestFakeTagQuoteAfter(t *testing.T) {
	in := "<thinking>the tag </thinking>\" is magic</thinking>done"
	think, text := runParser(t, in)
	assert.Equal(t, "the tag </thinking>\" is magic", think)
	assert.Equal(t, "done", text)
}

func TestFakeTagBacktick(t *testing.T) {
	in := "<thinking>emit `</thinking>` literally</thinking>after"
	think, text := runParser(t, in)
	assert.Equal(t, "emit `</thinking>` literally", think)
	assert.Equal(t, "after", text)
}

func TestUnterminatedBlockFlush(t *testing.T) {
	p := NewParser()
	segs := p.Feed("<thinking>never closed")
	segs = append(segs, p.Flush()...)

	var think string
	for _, s := range segs {
		require.Equal(t, SegmentThinking, s.Type)
		think += s.Content
	}
	assert.Equal(t, "never closed", think)

	// Flush is idempotent.
	assert.Empty(t, p.Flush())
	assert.Empty(t, p.Flush())
}

func TestPartialOpeningTagAtEOF(t *testing.T) {
	think, text := runParser(t, "<thin")
	assert.Empty(t, think)
	assert.Equal(t, "<thin", text)
}

func TestWhitespaceOnlyStream(t *testing.T) {
	think, text := runParser(t, "   ")
	assert.Empty(t, think)
	assert.Equal(t, "   ", text)
}

func TestClosingTagSplitAcrossFrames(t *testing.T) {
	think, text := runParser(t, "<thinking>A</thin", "king>B")
	assert.Equal(t, "A", think)
	assert.Equal(t, "B", text)
}

func TestQuoteAfterTagSplitAcrossFrames(t *testing.T) {
	think, text := runParser(t, "<thinking>A</thinking>", "' still reasoning</thinking>B")
	assert.Equal(t, "A</thinking>' still reasoning", think)
	assert.Equal(t, "B", text)
}

func TestQuoteBeforeTagSplitAcrossFrames(t *testing.T) {
	think, text := runParser(t, "<thinking>A'", "</thinking> more</thinking>B")
	assert.Equal(t, "A'</thinking> more", think)
	assert.Equal(t, "B", text)
}

func TestTrailingCompleteTagHeldThenFlushed(t *testing.T) {
	p := NewParser()
	segs := p.Feed("<thinking>A</thinking>")
	// The tag's following byte is unknown, so nothing past "A" may be
	// emitted yet.
	var think string
	for _, s := range segs {
		require.Equal(t, SegmentThinking, s.Type)
		think += s.Content
	}
	assert.Equal(t, "A", think)
	assert.True(t, p.InThinking())

	segs = p.Flush()
	assert.Empty(t, segs)
	assert.False(t, p.InThinking())
}

// Splitting the input at any byte boundary must never change the output.
func TestFragmentationInvariance(t *testing.T) {
	inputs := []string{
		"plain text with no tags at all",
		"<thinking>reasoning here</thinking>visible text",
		"  <thinking>lead ws</thinking>tail",
		"<thinking>quote '</thinking>' fake</thinking>real",
		"<thinking>tick `</thinking>` fake</thinking>real",
		"<thinking>unterminated reasoning",
		"prefix <thinking>literal</thinking> suffix",
		"<thinking></thinking>",
	}

	for _, in := range inputs {
		wantThink, wantText := runParser(t, in)
		for i := 0; i <= len(in); i++ {
			gotThink, gotText := runParser(t, in[:i], in[i:])
			assert.Equalf(t, wantThink, gotThink, "input %q split at %d (thinking)", in, i)
			assert.Equalf(t, wantText, gotText, "input %q split at %d (text)", in, i)
		}

		// Byte-at-a-time feed.
		frags := make([]string, 0, len(in))
		for i := 0; i < len(in); i++ {
			frags = append(frags, in[i:i+1])
		}
		gotThink, gotText := runParser(t, frags...)
		assert.Equalf(t, wantThink, gotThink, "input %q byte feed (thinking)", in)
		assert.Equalf(t, wantText, gotText, "input %q byte feed (text)", in)
	}
}

// The concatenation of all emitted content equals the input with the
// legitimate tag pair stripped.
func TestTotality(t *testing.T) {
	cases := []struct {
		in       string
		stripped string
	}{
		{"no tags", "no tags"},
		{"<thinking>A</thinking>B", "AB"},
		{"  <thinking>A</thinking>B", "  AB"},
		{"mid <thinking>x</thinking>", "mid <thinking>x</thinking>"},
		{"<thinking>'</thinking>' quoted</thinking>Z", "'</thinking>' quotedZ"},
	}
	for _, tc := range cases {
		p := NewParser()
		var total strings.Builder
		for _, s := range p.Feed(tc.in) {
			total.WriteString(s.Content)
		}
		for _, s := range p.Flush() {
			total.WriteString(s.Content)
		}
		assert.Equalf(t, tc.stripped, total.String(), "input %q", tc.in)
	}
}
