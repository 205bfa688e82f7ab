package processing

import "strings"

const (
	ThinkStart = "<think>"
	ThinkEnd   = "</think>"
)

// ExtractThinking separates <think>...</think> blocks from the visible text.
// An unclosed block runs to the end of the text.
func ExtractThinking(text string) (content string, reasoning string) {
	var contentBuilder strings.Builder
	var reasoningBuilder strings.Builder

	cursor := 0
	for cursor < len(text) {
		startIdx := strings.Index(text[cursor:], ThinkStart)
		if startIdx == -1 {
			contentBuilder.WriteString(text[cursor:])
			break
		}

		realStart := cursor + startIdx
		contentBuilder.WriteString(text[cursor:realStart])
		cursor = realStart + len(ThinkStart)

		endIdx := strings.Index(text[cursor:], ThinkEnd)
		if endIdx == -1 {
			reasoningBuilder.WriteString(text[cursor:])
			break
		}

		realEnd := cursor + endIdx
		reasoningBuilder.WriteString(text[cursor:realEnd])
		cursor = realEnd + len(ThinkEnd)
	}

	return contentBuilder.String(), reasoningBuilder.String()
}

// StreamParser is the incremental form of ExtractThinking for streamed
// deltas. Tags split across chunks are held back until they resolve.
type StreamParser struct {
	inBlock bool
	buffer  string
}

func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Process consumes one delta and returns the visible and reasoning parts.
func (p *StreamParser) Process(input string) (content string, reasoning string) {
	text := p.buffer + input
	p.buffer = ""

	var contentBuilder strings.Builder
	var reasoningBuilder strings.Builder

	cursor := 0
	for cursor < len(text) {
		tag := ThinkStart
		out := &contentBuilder
		if p.inBlock {
			tag = ThinkEnd
			out = &reasoningBuilder
		}

		if idx := strings.Index(text[cursor:], tag); idx != -1 {
			out.WriteString(text[cursor : cursor+idx])
			cursor += idx + len(tag)
			p.inBlock = !p.inBlock
			continue
		}

		// hold back a suffix that may be the start of the tag
		held := partialSuffix(text[cursor:], tag)
		out.WriteString(text[cursor : len(text)-held])
		p.buffer = text[len(text)-held:]
		cursor = len(text)
	}

	return contentBuilder.String(), reasoningBuilder.String()
}

// Flush returns whatever is still held back once the stream has ended.
func (p *StreamParser) Flush() (content string, reasoning string) {
	rest := p.buffer
	p.buffer = ""
	if p.inBlock {
		return "", rest
	}
	return rest, ""
}

func partialSuffix(text, tag string) int {
	maxPartial := len(tag) - 1
	if len(text) < maxPartial {
		maxPartial = len(text)
	}
	for i := maxPartial; i > 0; i-- {
		if strings.HasPrefix(tag, text[len(text)-i:]) {
			return i
		}
	}
	return 0
}
