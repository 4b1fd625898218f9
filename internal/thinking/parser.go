// Package thinking separates <thinking>...</thinking> reasoning from visible
// assistant text in a streamed response.
//
// The parser is incremental: fragments can split tags at any byte boundary.
// A block only counts when the stream's first non-whitespace bytes open it;
// anything else passes through untouched. A closing tag directly preceded or
// followed by a quote character is treated as literal content, so model
// output that talks about its own markup cannot end the block early.
package thinking

import (
	"strings"
	"unicode"

	log "github.com/sirupsen/logrus"
)

const (
	startTag = "<thinking>"
	endTag   = "</thinking>"
)

// SegmentType labels a parsed segment.
type SegmentType int

const (
	// SegmentText is visible assistant text.
	SegmentText SegmentType = iota
	// SegmentThinking is reasoning content from inside the thinking block.
	SegmentThinking
)

func (t SegmentType) String() string {
	if t == SegmentThinking {
		return "thinking"
	}
	return "text"
}

// Segment is one run of parsed content.
type Segment struct {
	Type    SegmentType
	Content string
}

type mode int

const (
	modePending mode = iota
	modeThinking
	modeText
	modePassthrough
)

func (m mode) String() string {
	switch m {
	case modePending:
		return "pending"
	case modeThinking:
		return "thinking"
	case modeText:
		return "text"
	default:
		return "passthrough"
	}
}

// Parser is a streaming thinking-tag parser. The zero value is not usable;
// call NewParser.
type Parser struct {
	mode    mode
	buf     string
	prev    byte // last byte consumed before buf; 0 when none
	flushed bool
}

// NewParser returns a parser in the pending state.
func NewParser() *Parser {
	return &Parser{mode: modePending}
}

// InThinking reports whether the parser is currently inside a thinking block.
func (p *Parser) InThinking() bool {
	return p.mode == modeThinking
}

// Feed consumes the next fragment and returns any segments that are safe to
// emit. Content that might still be part of a split tag is carried until the
// next fragment or Flush.
func (p *Parser) Feed(text string) []Segment {
	if text == "" {
		return nil
	}
	p.buf += text
	return p.parse(false)
}

// Flush emits everything still buffered. An unterminated thinking block is
// preserved as a final Thinking segment and logged. Calling Flush again emits
// nothing.
func (p *Parser) Flush() []Segment {
	if p.flushed {
		return nil
	}
	p.flushed = true

	segs := p.parse(true)
	if p.mode == modeThinking {
		log.Warn("thinking block not terminated before end of stream")
	}
	return segs
}

func (p *Parser) parse(atEOF bool) []Segment {
	var segs []Segment

	if p.mode == modePending {
		segs = append(segs, p.parsePending(atEOF)...)
	}
	if p.mode == modeThinking {
		segs = append(segs, p.parseThinking(atEOF)...)
	}
	if p.mode == modeText || p.mode == modePassthrough {
		segs = append(segs, p.drainText()...)
	}
	return segs
}

// parsePending waits until the first non-whitespace bytes identify the stream
// as a thinking block or plain output.
func (p *Parser) parsePending(atEOF bool) []Segment {
	trimmed := strings.TrimLeftFunc(p.buf, unicode.IsSpace)
	if trimmed == "" {
		if atEOF {
			p.mode = modePassthrough
		}
		return nil
	}

	if strings.HasPrefix(trimmed, startTag) {
		var segs []Segment
		if ws := p.buf[:len(p.buf)-len(trimmed)]; ws != "" {
			segs = append(segs, Segment{Type: SegmentText, Content: ws})
		}
		p.buf = trimmed[len(startTag):]
		p.prev = '>'
		p.mode = modeThinking
		return segs
	}

	// A proper prefix of the opening tag may still grow into it.
	if !atEOF && strings.HasPrefix(startTag, trimmed) {
		return nil
	}

	p.mode = modePassthrough
	return nil
}

// parseThinking scans for a genuine closing tag, honoring the quote rule and
// retaining anything that cannot be judged until more bytes arrive.
func (p *Parser) parseThinking(atEOF bool) []Segment {
	var segs []Segment

	searchFrom := 0
	for {
		rel := strings.Index(p.buf[searchFrom:], endTag)
		if rel < 0 {
			break
		}
		idx := searchFrom + rel

		before := p.prev
		if idx > 0 {
			before = p.buf[idx-1]
		}
		if isQuote(before) {
			searchFrom = idx + 1
			continue
		}

		after := idx + len(endTag)
		if after >= len(p.buf) && !atEOF {
			// The byte after the tag decides whether it is genuine;
			// hold the tag until it arrives.
			if idx > 0 {
				segs = append(segs, Segment{Type: SegmentThinking, Content: p.buf[:idx]})
				p.prev = p.buf[idx-1]
				p.buf = p.buf[idx:]
			}
			return segs
		}
		if after < len(p.buf) && isQuote(p.buf[after]) {
			searchFrom = idx + 1
			continue
		}

		if idx > 0 {
			segs = append(segs, Segment{Type: SegmentThinking, Content: p.buf[:idx]})
		}
		if after < len(p.buf) {
			p.buf = p.buf[after:]
		} else {
			p.buf = ""
		}
		p.prev = '>'
		p.mode = modeText
		return segs
	}

	if !atEOF {
		if k := partialSuffix(p.buf, endTag); k > 0 {
			head := p.buf[:len(p.buf)-k]
			if head != "" {
				segs = append(segs, Segment{Type: SegmentThinking, Content: head})
				p.prev = head[len(head)-1]
			}
			p.buf = p.buf[len(p.buf)-k:]
			return segs
		}
	}

	if p.buf != "" {
		segs = append(segs, Segment{Type: SegmentThinking, Content: p.buf})
		p.prev = p.buf[len(p.buf)-1]
		p.buf = ""
	}
	return segs
}

func (p *Parser) drainText() []Segment {
	if p.buf == "" {
		return nil
	}
	seg := Segment{Type: SegmentText, Content: p.buf}
	p.prev = p.buf[len(p.buf)-1]
	p.buf = ""
	return []Segment{seg}
}

func isQuote(b byte) bool {
	return b == '`' || b == '\'' || b == '"'
}

// partialSuffix returns the length of the longest proper prefix of tag that
// the text ends with, or 0.
func partialSuffix(text, tag string) int {
	for i := len(tag) - 1; i >= 1; i-- {
		if strings.HasSuffix(text, tag[:i]) {
			return i
		}
	}
	return 0
}
