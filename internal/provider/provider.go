// Package provider implements the two supported upstream wire formats:
// the chat-completions SSE protocol and the generate-content JSON
// streaming protocol. Each client builds outbound requests, frames its
// stream, and extracts incremental deltas.
package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/relaychat/relaychat/internal/config"
	"github.com/relaychat/relaychat/internal/history"
	"github.com/relaychat/relaychat/internal/models"
	"github.com/relaychat/relaychat/internal/sse"
)

// DeltaKind classifies the outcome of decoding one frame.
type DeltaKind int

const (
	// DeltaText carries an incremental text fragment.
	DeltaText DeltaKind = iota
	// DeltaSkip marks a frame with nothing to extract. Never fatal.
	DeltaSkip
)

type Delta struct {
	Kind DeltaKind
	Text string
	// Reason explains a skip, for log output only.
	Reason string
	// Malformed marks a skip caused by an undecodable frame rather than
	// a merely empty one.
	Malformed bool
}

// Usage is the best-effort token accounting for one exchange.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is everything a client needs to build one outbound call.
// Messages are the session transcript; the system prompt and the
// chain-of-thought instruction are injected per wire format, never
// written back into the transcript.
type Request struct {
	Model        string
	Messages     []history.Message
	SystemPrompt string
	Stream       bool
	Generation   config.GenerationConfig
}

// Client is one upstream wire format.
type Client interface {
	ClientType() models.ClientType
	// NewRequest builds the outbound HTTP request, including auth.
	NewRequest(ctx context.Context, apiKey string, req Request) (*http.Request, error)
	// NewFramer returns a fresh framer for one streaming response.
	NewFramer() sse.Framer
	// ExtractDelta decodes one frame. Malformed frames yield DeltaSkip.
	ExtractDelta(frame sse.Frame) Delta
	// ExtractCompletion decodes a full non-streaming response body.
	ExtractCompletion(body []byte) (string, Usage, error)
	// ExtractUsage pulls token accounting out of a frame when the
	// protocol carries it there; ok is false otherwise.
	ExtractUsage(frame sse.Frame) (Usage, bool)
}

// TokenCounter is implemented by clients whose API exposes a dedicated
// token counting endpoint. Used for best-effort accounting when the
// stream itself carried no usage data.
type TokenCounter interface {
	CountTokens(ctx context.Context, httpClient *http.Client, apiKey, model, text string) (int, error)
}

// Registry holds the configured clients keyed by client type. Built once
// at startup; lookups never construct clients per call.
type Registry struct {
	clients map[models.ClientType]Client
}

func NewRegistry(cfg config.ProvidersConfig) *Registry {
	return &Registry{
		clients: map[models.ClientType]Client{
			models.ClientTypeOpenAI: NewOpenAIClient(cfg.OpenAIBaseURL),
			models.ClientTypeGoogle: NewGoogleClient(cfg.GoogleBaseURL),
		},
	}
}

// ForModel returns the client for a resolved catalog entry.
func (r *Registry) ForModel(m models.Model) (Client, error) {
	c, ok := r.clients[m.ClientType]
	if !ok {
		return nil, fmt.Errorf("no client registered for type %s", m.ClientType)
	}
	return c, nil
}
