// Package cot extracts the "Thinking: ... Answer: ..." prompting
// convention from a growing response buffer.
package cot

import "strings"

const (
	thinkingMarker = "Thinking:"
	answerMarker   = "Answer:"

	// Placeholder shown while thinking is hidden and no answer text has
	// arrived yet. Must never be empty: the render surface treats an
	// empty display string as nothing to show.
	thinkingPlaceholder = "Thinking..."
)

// Instruction is appended once to the final user turn of an outbound
// request when chain-of-thought is enabled. Stored history is never
// rewritten with it.
const Instruction = "\n\nRespond in exactly this format:\n" +
	"Thinking: your step-by-step reasoning\n" +
	"Answer: your final answer"

// View is the classification of the buffer accumulated so far.
// Answer holds the text that may be persisted: the resolved answer for
// structured output, the full raw text otherwise. Thinking text is never
// persisted.
type View struct {
	Thinking   string
	Answer     string
	Structured bool
	Partial    bool
}

// Splitter incrementally classifies a growing buffer. Each marker is
// located at most once and only unscanned text is searched, so total work
// stays linear in the stream length regardless of chunk count.
type Splitter struct {
	enabled bool
	buf     strings.Builder

	thinkingMark int // byte offset just after "Thinking:", -1 until seen
	answerMark   int // byte offset of "Answer:", -1 until seen
	scanFrom     int
}

func NewSplitter(enabled bool) *Splitter {
	return &Splitter{enabled: enabled, thinkingMark: -1, answerMark: -1}
}

// Text returns the raw accumulated buffer.
func (s *Splitter) Text() string {
	return s.buf.String()
}

// Append adds one delta and returns the updated view. The buffer is
// monotonically growing for the life of the splitter.
func (s *Splitter) Append(delta string) View {
	s.buf.WriteString(delta)
	if s.enabled {
		s.scan()
	}
	return s.View()
}

func (s *Splitter) scan() {
	text := s.buf.String()
	if s.thinkingMark < 0 {
		if idx := strings.Index(text[s.scanFrom:], thinkingMarker); idx >= 0 {
			s.thinkingMark = s.scanFrom + idx + len(thinkingMarker)
			s.scanFrom = s.thinkingMark
		} else {
			s.scanFrom = overlapFrom(len(text), len(thinkingMarker))
			return
		}
	}
	if s.answerMark < 0 {
		if idx := strings.Index(text[s.scanFrom:], answerMarker); idx >= 0 {
			s.answerMark = s.scanFrom + idx
			s.scanFrom = s.answerMark + len(answerMarker)
		} else {
			s.scanFrom = overlapFrom(len(text), len(answerMarker))
			if s.scanFrom < s.thinkingMark {
				s.scanFrom = s.thinkingMark
			}
		}
	}
}

// overlapFrom keeps enough tail unscanned that a marker split across two
// deltas is still found.
func overlapFrom(length, markerLen int) int {
	from := length - markerLen + 1
	if from < 0 {
		return 0
	}
	return from
}

// View derives the current classification without mutating state.
func (s *Splitter) View() View {
	text := s.buf.String()
	if !s.enabled || s.thinkingMark < 0 {
		return View{Answer: text}
	}
	if s.answerMark < 0 {
		return View{
			Thinking:   strings.TrimSpace(text[s.thinkingMark:]),
			Structured: true,
			Partial:    true,
		}
	}
	return View{
		Thinking:   strings.TrimSpace(text[s.thinkingMark:s.answerMark]),
		Answer:     strings.TrimSpace(text[s.answerMark+len(answerMarker):]),
		Structured: true,
	}
}

// Display derives the string shown to the user under the current display
// settings. It is never empty once any text has arrived.
func (v View) Display(showThinking bool) string {
	if !v.Structured {
		return v.Answer
	}
	if showThinking {
		if v.Partial {
			return thinkingMarker + " " + v.Thinking
		}
		return thinkingMarker + " " + v.Thinking + "\n\n" + answerMarker + " " + v.Answer
	}
	if v.Answer == "" {
		return thinkingPlaceholder
	}
	return v.Answer
}
