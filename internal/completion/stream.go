package completion

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// Stream is a finite, non-restartable sequence of text fragments from a
// streaming completion call. The consumer must drain Fragments; once the
// channel is closed, Err reports the terminal state and Text returns the
// reassembled full response.
type Stream struct {
	fragments chan string

	err  error
	text string
}

// Fragments returns the channel of incremental text fragments. It is
// closed when the upstream stream ends, successfully or not.
func (s *Stream) Fragments() <-chan string { return s.fragments }

// Err returns the terminal error, if any. Only valid after Fragments is closed.
func (s *Stream) Err() error { return s.err }

// Text returns the full reassembled response. Only valid after Fragments
// is closed and Err is nil.
func (s *Stream) Text() string { return s.text }

// sseChunk mirrors one incremental server-sent completion fragment.
type sseChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

const sseDoneMarker = "[DONE]"

// consume reads SSE events from body, forwarding each content fragment on
// the fragments channel while accumulating the full text. onComplete runs
// with the reassembled text after a clean end-of-stream marker.
func (s *Stream) consume(body io.ReadCloser, onComplete func(full string)) {
	defer body.Close()
	defer close(s.fragments)

	var full strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == sseDoneMarker {
			s.text = full.String()
			if onComplete != nil {
				onComplete(s.text)
			}
			return
		}

		var chunk sseChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.err = &UpstreamError{Body: data}
			return
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			full.WriteString(choice.Delta.Content)
			s.fragments <- choice.Delta.Content
		}
	}

	if err := scanner.Err(); err != nil {
		s.err = err
		return
	}
	// Stream ended without the explicit end marker.
	s.err = &UpstreamError{Body: "stream ended without end marker"}
}
