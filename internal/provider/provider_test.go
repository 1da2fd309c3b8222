package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/relaychat/internal/config"
	"github.com/relaychat/relaychat/internal/history"
	"github.com/relaychat/relaychat/internal/models"
	"github.com/relaychat/relaychat/internal/sse"
)

func TestRegistry_ForModel(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(config.ProvidersConfig{
		OpenAIBaseURL: "https://api.example/v1",
		GoogleBaseURL: "https://gen.example/v1beta",
	})

	c, err := reg.ForModel(models.Model{ModelID: "gpt-4o", ClientType: models.ClientTypeOpenAI})
	require.NoError(t, err)
	assert.Equal(t, models.ClientTypeOpenAI, c.ClientType())

	c, err = reg.ForModel(models.Model{ModelID: "gemini-2.0-flash", ClientType: models.ClientTypeGoogle})
	require.NoError(t, err)
	assert.Equal(t, models.ClientTypeGoogle, c.ClientType())

	_, err = reg.ForModel(models.Model{ModelID: "x", ClientType: models.ClientType("anthropic")})
	assert.Error(t, err)
}

func TestOpenAIClient_NewRequest(t *testing.T) {
	t.Parallel()

	c := NewOpenAIClient("https://api.example/v1/")
	req, err := c.NewRequest(context.Background(), "sk-key", Request{
		Model:        "gpt-4o",
		SystemPrompt: "be brief",
		Stream:       true,
		Messages: []history.Message{
			{Role: history.RoleUser, Content: "hi"},
			{Role: history.RoleAssistant, Content: "hello"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://api.example/v1/chat/completions", req.URL.String())
	assert.Equal(t, "Bearer sk-key", req.Header.Get("Authorization"))

	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var payload struct {
		Model    string `json:"model"`
		Stream   bool   `json:"stream"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(raw, &payload))

	assert.Equal(t, "gpt-4o", payload.Model)
	assert.True(t, payload.Stream)
	require.Len(t, payload.Messages, 3)
	assert.Equal(t, "system", payload.Messages[0].Role)
	assert.Equal(t, "be brief", payload.Messages[0].Content)
	assert.Equal(t, "assistant", payload.Messages[2].Role)
}

func TestOpenAIClient_ExtractDelta(t *testing.T) {
	t.Parallel()

	c := NewOpenAIClient("https://api.example/v1")

	tests := []struct {
		name     string
		data     string
		wantKind      DeltaKind
		wantText      string
		wantMalformed bool
	}{
		{name: "text delta", data: `{"choices":[{"delta":{"content":"hel"}}]}`, wantKind: DeltaText, wantText: "hel"},
		{name: "empty delta", data: `{"choices":[{"delta":{"content":""}}]}`, wantKind: DeltaSkip},
		{name: "role-only chunk", data: `{"choices":[{"delta":{"role":"assistant"}}]}`, wantKind: DeltaSkip},
		{name: "no choices", data: `{"choices":[]}`, wantKind: DeltaSkip},
		{name: "malformed json", data: `{"choices":[`, wantKind: DeltaSkip, wantMalformed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.ExtractDelta(sse.Frame{Data: tt.data})
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantText, got.Text)
			if tt.wantKind == DeltaSkip {
				assert.NotEmpty(t, got.Reason)
			}
			assert.Equal(t, tt.wantMalformed, got.Malformed)
		})
	}
}

func TestOpenAIClient_ExtractCompletionAndUsage(t *testing.T) {
	t.Parallel()

	c := NewOpenAIClient("https://api.example/v1")

	body := `{"choices":[{"message":{"content":"final text"}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`
	text, usage, err := c.ExtractCompletion([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "final text", text)
	assert.Equal(t, 15, usage.TotalTokens)

	u, ok := c.ExtractUsage(sse.Frame{Data: `{"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`})
	require.True(t, ok)
	assert.Equal(t, 6, u.TotalTokens)

	_, ok = c.ExtractUsage(sse.Frame{Data: `{"choices":[{"delta":{"content":"x"}}]}`})
	assert.False(t, ok)
}

func TestGoogleClient_NewRequest(t *testing.T) {
	t.Parallel()

	c := NewGoogleClient("https://gen.example/v1beta")
	gen := config.GenerationConfig{Temperature: 0.7, TopP: 0.9, TopK: 20, MaxOutputTokens: 2048, ResponseMimeType: "text/plain"}

	req, err := c.NewRequest(context.Background(), "g-key", Request{
		Model:        "gemini-2.0-flash",
		SystemPrompt: "persona",
		Stream:       true,
		Generation:   gen,
		Messages: []history.Message{
			{Role: history.RoleUser, Content: "hi"},
			{Role: history.RoleAssistant, Content: "hello"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1beta/models/gemini-2.0-flash:streamGenerateContent", req.URL.Path)
	assert.Equal(t, "g-key", req.URL.Query().Get("key"))
	assert.Equal(t, "sse", req.URL.Query().Get("alt"))

	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var payload struct {
		Contents []struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"contents"`
		SystemInstruction *struct {
			Role  string `json:"role"`
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"systemInstruction"`
		GenerationConfig struct {
			Temperature     float64 `json:"temperature"`
			TopK            int     `json:"topK"`
			MaxOutputTokens int     `json:"maxOutputTokens"`
		} `json:"generationConfig"`
	}
	require.NoError(t, json.Unmarshal(raw, &payload))

	require.Len(t, payload.Contents, 2)
	assert.Equal(t, "user", payload.Contents[0].Role)
	assert.Equal(t, "model", payload.Contents[1].Role, "assistant role is normalised for this provider")

	require.NotNil(t, payload.SystemInstruction)
	assert.Empty(t, payload.SystemInstruction.Role, "system instruction content is role-less")
	assert.Equal(t, "persona", payload.SystemInstruction.Parts[0].Text)

	assert.Equal(t, 0.7, payload.GenerationConfig.Temperature)
	assert.Equal(t, 20, payload.GenerationConfig.TopK)
	assert.Equal(t, 2048, payload.GenerationConfig.MaxOutputTokens)
}

func TestGoogleClient_NonStreamEndpoint(t *testing.T) {
	t.Parallel()

	c := NewGoogleClient("https://gen.example/v1beta")
	req, err := c.NewRequest(context.Background(), "k", Request{Model: "gemini-1.5-pro", Stream: false})
	require.NoError(t, err)
	assert.Equal(t, "/v1beta/models/gemini-1.5-pro:generateContent", req.URL.Path)
	assert.Empty(t, req.URL.Query().Get("alt"))
}

func TestGoogleClient_ExtractDeltaUsesLastPart(t *testing.T) {
	t.Parallel()

	c := NewGoogleClient("https://gen.example/v1beta")

	tests := []struct {
		name          string
		data          string
		wantKind      DeltaKind
		wantText      string
		wantMalformed bool
	}{
		{
			name:     "single part",
			data:     `{"candidates":[{"content":{"parts":[{"text":"abc"}]}}]}`,
			wantKind: DeltaText,
			wantText: "abc",
		},
		{
			name:     "multi part takes last",
			data:     `{"candidates":[{"content":{"parts":[{"text":"old"},{"text":"new"}]}}]}`,
			wantKind: DeltaText,
			wantText: "new",
		},
		{name: "no candidates", data: `{"candidates":[]}`, wantKind: DeltaSkip},
		{name: "no parts", data: `{"candidates":[{"content":{"parts":[]}}]}`, wantKind: DeltaSkip},
		{name: "malformed", data: `{"candidates":`, wantKind: DeltaSkip, wantMalformed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.ExtractDelta(sse.Frame{Data: tt.data})
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantText, got.Text)
			assert.Equal(t, tt.wantMalformed, got.Malformed)
		})
	}
}

func TestGoogleClient_ExtractCompletionAndUsage(t *testing.T) {
	t.Parallel()

	c := NewGoogleClient("https://gen.example/v1beta")

	body := `{"candidates":[{"content":{"parts":[{"text":"answer"}]}}],"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3,"totalTokenCount":10}}`
	text, usage, err := c.ExtractCompletion([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "answer", text)
	assert.Equal(t, 10, usage.TotalTokens)

	u, ok := c.ExtractUsage(sse.Frame{Data: body})
	require.True(t, ok)
	assert.Equal(t, 7, u.PromptTokens)

	_, ok = c.ExtractUsage(sse.Frame{Data: `{"candidates":[{"content":{"parts":[{"text":"x"}]}}]}`})
	assert.False(t, ok)
}

func TestGoogleClient_CountTokens(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "models/gemini-2.0-flash:countTokens")
		assert.Equal(t, "sk-test", r.URL.Query().Get("key"))

		var req struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 1)
		assert.Equal(t, "some answer", req.Contents[0].Parts[0].Text)

		fmt.Fprint(w, `{"totalTokens": 42}`)
	}))
	defer srv.Close()

	c := NewGoogleClient(srv.URL)
	n, err := c.CountTokens(context.Background(), srv.Client(), "sk-test", "gemini-2.0-flash", "some answer")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestGoogleClient_CountTokensUpstreamFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewGoogleClient(srv.URL)
	_, err := c.CountTokens(context.Background(), srv.Client(), "sk-test", "gemini-2.0-flash", "text")
	assert.Error(t, err)
}
