package chat

import "github.com/relaychat/relaychat/internal/provider"

// Request is one inbound chat turn. Model and Stream override the
// session settings for this call only when set.
type Request struct {
	Message string `json:"message"`
	Model   string `json:"model,omitempty"`
	Stream  *bool  `json:"stream,omitempty"`
}

// Result is a completed exchange.
type Result struct {
	Answer     string         `json:"answer"`
	Thinking   string         `json:"thinking,omitempty"`
	Structured bool           `json:"structured"`
	Model      string         `json:"model"`
	Usage      provider.Usage `json:"usage"`
}

// RenderSink receives display updates synchronously from the streaming
// loop: at most one OnDelta per decoded frame, in arrival order, and
// nothing further once the request context is cancelled.
type RenderSink interface {
	OnDelta(display string)
	OnStreamEnd()
	OnError(message string)
}

// NopSink discards all updates. Used for non-interactive callers.
type NopSink struct{}

func (NopSink) OnDelta(string) {}
func (NopSink) OnStreamEnd()   {}
func (NopSink) OnError(string) {}
