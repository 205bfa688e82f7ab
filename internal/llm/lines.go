package llm

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// DoneSentinel terminates OpenAI style event streams.
const DoneSentinel = "[DONE]"

// maxLineSize bounds a single event line.
const maxLineSize = 4 << 20

// LineSource reads newline delimited events from an upstream body. It serves
// both SSE framing and bare NDJSON: the optional "data:" prefix is removed,
// blank lines, SSE comments and non-data SSE fields are skipped.
type LineSource struct {
	body io.ReadCloser
	r    *bufio.Reader
}

func NewLineSource(body io.ReadCloser) *LineSource {
	return &LineSource{
		body: body,
		r:    bufio.NewReaderSize(body, 64<<10),
	}
}

// Next returns the next non-empty payload line.
func (s *LineSource) Next() (string, error) {
	for {
		line, err := s.readLine()
		if err != nil && (err != io.EOF || line == "") {
			return "", err
		}

		line = strings.TrimRight(line, "\r\n")
		if payload, ok := payloadOf(line); ok {
			return payload, nil
		}
		if err == io.EOF {
			return "", io.EOF
		}
	}
}

func (s *LineSource) readLine() (string, error) {
	var b strings.Builder
	for {
		frag, isPrefix, err := s.r.ReadLine()
		b.Write(frag)
		if b.Len() > maxLineSize {
			return "", bufio.ErrTooLong
		}
		if err != nil {
			return b.String(), err
		}
		if !isPrefix {
			return b.String(), nil
		}
	}
}

func payloadOf(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, ":") {
		return "", false
	}
	if rest, ok := strings.CutPrefix(trimmed, "data:"); ok {
		rest = strings.TrimSpace(rest)
		return rest, rest != ""
	}
	for _, field := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(trimmed, field) {
			return "", false
		}
	}
	return trimmed, true
}

func (s *LineSource) Close() error {
	return s.body.Close()
}

// DecodeLine is a MapFunc building block: it recognizes the DONE sentinel
// and unmarshals everything else into T.
func DecodeLine[T any](line string) (T, bool, error) {
	var v T
	if line == DoneSentinel {
		return v, true, nil
	}
	err := json.Unmarshal([]byte(line), &v)
	return v, false, err
}
