package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/relaychat/relaychat/internal/models"
	"github.com/relaychat/relaychat/internal/sse"
)

// OpenAIClient speaks the chat-completions protocol: JSON POST with a
// bearer token, streaming as blank-line separated SSE events.
type OpenAIClient struct {
	baseURL string
}

func NewOpenAIClient(baseURL string) *OpenAIClient {
	return &OpenAIClient{baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *OpenAIClient) ClientType() models.ClientType {
	return models.ClientTypeOpenAI
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openAIChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (c *OpenAIClient) NewRequest(ctx context.Context, apiKey string, req Request) (*http.Request, error) {
	msgs := make([]openAIMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openAIMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(openAIRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   req.Stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (c *OpenAIClient) NewFramer() sse.Framer {
	return sse.NewEventFramer()
}

func (c *OpenAIClient) ExtractDelta(frame sse.Frame) Delta {
	var resp openAIResponse
	if err := json.Unmarshal([]byte(frame.Data), &resp); err != nil {
		return Delta{Kind: DeltaSkip, Reason: fmt.Sprintf("malformed chunk: %v", err), Malformed: true}
	}
	if len(resp.Choices) == 0 {
		return Delta{Kind: DeltaSkip, Reason: "no choices"}
	}
	text := resp.Choices[0].Delta.Content
	if text == "" {
		return Delta{Kind: DeltaSkip, Reason: "empty delta"}
	}
	return Delta{Kind: DeltaText, Text: text}
}

func (c *OpenAIClient) ExtractCompletion(body []byte) (string, Usage, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", Usage{}, fmt.Errorf("parse completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("completion has no choices")
	}
	var usage Usage
	if resp.Usage != nil {
		usage = Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// ExtractUsage recognises the optional final stream chunk that carries a
// usage object.
func (c *OpenAIClient) ExtractUsage(frame sse.Frame) (Usage, bool) {
	var resp openAIResponse
	if err := json.Unmarshal([]byte(frame.Data), &resp); err != nil {
		return Usage{}, false
	}
	if resp.Usage == nil || resp.Usage.TotalTokens == 0 {
		return Usage{}, false
	}
	return Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, true
}
