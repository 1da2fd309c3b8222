package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/relaychat/relaychat/internal/history"
	"github.com/relaychat/relaychat/internal/models"
	"github.com/relaychat/relaychat/internal/sse"
)

// GoogleClient speaks the generate-content protocol: key in the query
// string, assistant turns under the "model" role, the system prompt in a
// dedicated systemInstruction field, streaming as newline-delimited JSON
// (SSE-flavoured with alt=sse).
type GoogleClient struct {
	baseURL string
}

func NewGoogleClient(baseURL string) *GoogleClient {
	return &GoogleClient{baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *GoogleClient) ClientType() models.ClientType {
	return models.ClientTypeGoogle
}

type googlePart struct {
	Text string `json:"text"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"topP"`
	TopK             int     `json:"topK"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type googleRequest struct {
	Contents          []googleContent         `json:"contents"`
	GenerationConfig  *googleGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *googleContent          `json:"systemInstruction,omitempty"`
}

type googleCandidate struct {
	Content googleContent `json:"content"`
}

type googleResponse struct {
	Candidates    []googleCandidate `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (c *GoogleClient) NewRequest(ctx context.Context, apiKey string, req Request) (*http.Request, error) {
	contents := make([]googleContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if m.Role == history.RoleAssistant {
			role = "model"
		}
		contents = append(contents, googleContent{
			Role:  role,
			Parts: []googlePart{{Text: m.Content}},
		})
	}

	payload := googleRequest{
		Contents: contents,
		GenerationConfig: &googleGenerationConfig{
			Temperature:      req.Generation.Temperature,
			TopP:             req.Generation.TopP,
			TopK:             req.Generation.TopK,
			MaxOutputTokens:  req.Generation.MaxOutputTokens,
			ResponseMimeType: req.Generation.ResponseMimeType,
		},
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		// The system instruction content is role-less per the current
		// API contract; it is never mixed into ordinary turns.
		payload.SystemInstruction = &googleContent{Parts: []googlePart{{Text: req.SystemPrompt}}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	method := "generateContent"
	query := "key=" + url.QueryEscape(apiKey)
	if req.Stream {
		method = "streamGenerateContent"
		query += "&alt=sse"
	}
	endpoint := fmt.Sprintf("%s/models/%s:%s?%s", c.baseURL, url.PathEscape(req.Model), method, query)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, nil
}

func (c *GoogleClient) NewFramer() sse.Framer {
	return sse.NewLineFramer()
}

func (c *GoogleClient) ExtractDelta(frame sse.Frame) Delta {
	var resp googleResponse
	if err := json.Unmarshal([]byte(frame.Data), &resp); err != nil {
		return Delta{Kind: DeltaSkip, Reason: fmt.Sprintf("malformed chunk: %v", err), Malformed: true}
	}
	if len(resp.Candidates) == 0 {
		return Delta{Kind: DeltaSkip, Reason: "no candidates"}
	}
	parts := resp.Candidates[0].Content.Parts
	if len(parts) == 0 {
		return Delta{Kind: DeltaSkip, Reason: "no parts"}
	}
	// Multi-part responses place the incremental text in the final part.
	text := parts[len(parts)-1].Text
	if text == "" {
		return Delta{Kind: DeltaSkip, Reason: "empty part"}
	}
	return Delta{Kind: DeltaText, Text: text}
}

func (c *GoogleClient) ExtractCompletion(body []byte) (string, Usage, error) {
	var resp googleResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", Usage{}, fmt.Errorf("parse completion: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", Usage{}, fmt.Errorf("completion has no candidates")
	}
	return resp.Candidates[0].Content.Parts[0].Text, usageFrom(resp), nil
}

func (c *GoogleClient) ExtractUsage(frame sse.Frame) (Usage, bool) {
	var resp googleResponse
	if err := json.Unmarshal([]byte(frame.Data), &resp); err != nil {
		return Usage{}, false
	}
	u := usageFrom(resp)
	if u.TotalTokens == 0 {
		return Usage{}, false
	}
	return u, true
}

// CountTokens asks the dedicated countTokens endpoint how many tokens a
// piece of text costs. Best-effort accounting only.
func (c *GoogleClient) CountTokens(ctx context.Context, httpClient *http.Client, apiKey, model, text string) (int, error) {
	payload := googleRequest{
		Contents: []googleContent{{Role: "user", Parts: []googlePart{{Text: text}}}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:countTokens?key=%s", c.baseURL, url.PathEscape(model), url.QueryEscape(apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("count tokens: unexpected status %d", resp.StatusCode)
	}

	var counted struct {
		TotalTokens int `json:"totalTokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&counted); err != nil {
		return 0, fmt.Errorf("parse count response: %w", err)
	}
	return counted.TotalTokens, nil
}

func usageFrom(resp googleResponse) Usage {
	if resp.UsageMetadata == nil {
		return Usage{}
	}
	return Usage{
		PromptTokens:     resp.UsageMetadata.PromptTokenCount,
		CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      resp.UsageMetadata.TotalTokenCount,
	}
}
