// Package sse reassembles the two upstream streaming wire formats into
// complete protocol frames. Framers are push-based: the caller feeds raw
// read fragments of any size and collects whole frames, so the output is
// independent of how the transport happened to chunk the stream.
package sse

import (
	"encoding/json"
	"strings"
)

const (
	dataPrefix  = "data:"
	doneLiteral = "[DONE]"
)

// Frame is one complete decoded wire unit: the payload of a data line for
// the SSE variants, or one JSON document for the newline-delimited variant.
type Frame struct {
	Data string
}

// Framer turns raw transport fragments into frames. Push reports
// terminated=true once the stream-done marker has been seen; no frames are
// produced after that. Flush decodes any retained partial frame, treating
// end-of-stream as an implicit frame terminator.
type Framer interface {
	Push(fragment string) (frames []Frame, terminated bool)
	Flush() (frames []Frame, terminated bool)
}

// EventFramer handles the chat-completions style stream: events separated
// by a blank line, each event split into lines, data lines carrying the
// payload and a literal [DONE] payload ending the stream.
type EventFramer struct {
	carry      string
	terminated bool
}

func NewEventFramer() *EventFramer {
	return &EventFramer{}
}

func (f *EventFramer) Push(fragment string) ([]Frame, bool) {
	if f.terminated {
		return nil, true
	}
	f.carry += fragment

	var frames []Frame
	for {
		event, rest, ok := splitEvent(f.carry)
		if !ok {
			break
		}
		f.carry = rest
		frames = append(frames, f.decodeEvent(event)...)
		if f.terminated {
			f.carry = ""
			return frames, true
		}
	}
	return frames, false
}

func (f *EventFramer) Flush() ([]Frame, bool) {
	if f.terminated || strings.TrimSpace(f.carry) == "" {
		f.carry = ""
		return nil, f.terminated
	}
	frames := f.decodeEvent(f.carry)
	f.carry = ""
	return frames, f.terminated
}

func (f *EventFramer) decodeEvent(event string) []Frame {
	var frames []Frame
	for _, line := range strings.Split(event, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if payload == doneLiteral {
			f.terminated = true
			return frames
		}
		if payload == "" {
			continue
		}
		frames = append(frames, Frame{Data: payload})
	}
	return frames
}

// splitEvent finds the first blank-line boundary (\r?\n\r?\n) and splits
// the buffer there. ok is false while the boundary is still incomplete.
func splitEvent(buf string) (event, rest string, ok bool) {
	for i := 0; i < len(buf); i++ {
		if buf[i] != '\n' {
			continue
		}
		j := i + 1
		if j < len(buf) && buf[j] == '\r' {
			j++
		}
		if j < len(buf) && buf[j] == '\n' {
			return buf[:i], buf[j+1:], true
		}
	}
	return "", buf, false
}

// LineFramer handles the generate-content style stream: single-newline
// frames, either data-prefixed SSE lines (with [DONE]) or bare
// newline-delimited JSON. A bare line that is not yet valid JSON is
// retained and joined with subsequent input instead of discarded, since
// large payloads may arrive split across reads.
type LineFramer struct {
	carry      string
	pending    string
	terminated bool
}

func NewLineFramer() *LineFramer {
	return &LineFramer{}
}

func (f *LineFramer) Push(fragment string) ([]Frame, bool) {
	if f.terminated {
		return nil, true
	}
	f.carry += fragment

	var frames []Frame
	for {
		idx := strings.IndexByte(f.carry, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(f.carry[:idx], "\r")
		f.carry = f.carry[idx+1:]
		frames = append(frames, f.decodeLine(line)...)
		if f.terminated {
			f.carry = ""
			f.pending = ""
			return frames, true
		}
	}
	return frames, false
}

func (f *LineFramer) Flush() ([]Frame, bool) {
	if f.terminated {
		return nil, true
	}
	var frames []Frame
	if tail := strings.TrimSuffix(f.carry, "\r"); strings.TrimSpace(tail) != "" {
		frames = append(frames, f.decodeLine(tail)...)
	}
	f.carry = ""
	if !f.terminated && strings.TrimSpace(f.pending) != "" {
		// Whatever is left is handed to the extractor; an unparseable
		// remnant becomes a per-frame skip there, never a stream error.
		frames = append(frames, Frame{Data: strings.TrimSpace(f.pending)})
	}
	f.pending = ""
	return frames, f.terminated
}

func (f *LineFramer) decodeLine(line string) []Frame {
	if f.pending != "" {
		f.pending += "\n" + line
		candidate := strings.TrimSpace(f.pending)
		if json.Valid([]byte(candidate)) {
			f.pending = ""
			return []Frame{{Data: candidate}}
		}
		return nil
	}

	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, dataPrefix) {
		payload := strings.TrimSpace(strings.TrimPrefix(trimmed, dataPrefix))
		if payload == doneLiteral {
			f.terminated = true
			return nil
		}
		if payload == "" {
			return nil
		}
		return []Frame{{Data: payload}}
	}
	if json.Valid([]byte(trimmed)) {
		return []Frame{{Data: trimmed}}
	}
	// Partial JSON line: keep the raw text and wait for more input.
	f.pending = line
	return nil
}
