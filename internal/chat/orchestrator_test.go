package chat_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/relaychat/internal/chat"
	"github.com/relaychat/relaychat/internal/config"
	"github.com/relaychat/relaychat/internal/credential"
	"github.com/relaychat/relaychat/internal/history"
	"github.com/relaychat/relaychat/internal/models"
	"github.com/relaychat/relaychat/internal/provider"
	"github.com/relaychat/relaychat/internal/settings"
)

type recordSink struct {
	mu     sync.Mutex
	deltas []string
	errs   []string
	ended  int
}

func (s *recordSink) OnDelta(display string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deltas = append(s.deltas, display)
}

func (s *recordSink) OnStreamEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended++
}

func (s *recordSink) OnError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, message)
}

func (s *recordSink) snapshot() ([]string, []string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deltas...), append([]string(nil), s.errs...), s.ended
}

type fixture struct {
	orchestrator *chat.Orchestrator
	session      *history.Session
	settings     *settings.Service
	credentials  *credential.Store
}

func newFixture(t *testing.T, upstream http.Handler) *fixture {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	cfg, err := config.Load("does-not-exist.toml")
	require.NoError(t, err)
	cfg.Providers.OpenAIBaseURL = srv.URL
	cfg.Providers.GoogleBaseURL = srv.URL

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := models.Default()
	store := credential.NewStore(log, filepath.Join(t.TempDir(), "key.sealed"))
	require.NoError(t, store.Seal("passphrase", "sk-test-0123456789"))
	svc := settings.NewService(log, cfg, catalog)
	session := history.NewSession()

	return &fixture{
		orchestrator: chat.NewOrchestrator(log, cfg, catalog, provider.NewRegistry(cfg.Providers), store, svc, session),
		session:      session,
		settings:     svc,
		credentials:  store,
	}
}

func sseEvent(t *testing.T, text string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]string{"content": text}}},
	})
	require.NoError(t, err)
	return "data: " + string(payload) + "\n\n"
}

func openAIStreamHandler(t *testing.T, deltas ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprint(w, sseEvent(t, d))
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})
}

func boolp(b bool) *bool { return &b }

func TestSend_StreamsDeltasAndPersists(t *testing.T) {
	f := newFixture(t, openAIStreamHandler(t, "Hello", " world"))
	sink := &recordSink{}

	res, err := f.orchestrator.Send(context.Background(), chat.Request{Message: "hi"}, sink)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", res.Answer)
	assert.False(t, res.Structured)
	assert.Equal(t, "gpt-4o-mini", res.Model)

	deltas, errs, ended := sink.snapshot()
	assert.Equal(t, []string{"Hello", "Hello world"}, deltas)
	assert.Empty(t, errs)
	assert.Equal(t, 1, ended)

	msgs := f.session.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, history.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello world", msgs[1].Content)
}

func TestSend_HiddenThinkingShowsPlaceholder(t *testing.T) {
	f := newFixture(t, openAIStreamHandler(t,
		"Thinking: two plus", " two is four\n", "Answer:", " 4"))
	_, err := f.settings.Apply(settings.Update{
		CoTEnabled:   boolp(true),
		ShowThinking: boolp(false),
	})
	require.NoError(t, err)
	sink := &recordSink{}

	res, err := f.orchestrator.Send(context.Background(), chat.Request{Message: "2+2?"}, sink)
	require.NoError(t, err)
	assert.True(t, res.Structured)
	assert.Equal(t, "4", res.Answer)
	assert.Equal(t, "two plus two is four", res.Thinking)

	deltas, _, _ := sink.snapshot()
	require.NotEmpty(t, deltas)
	// Nothing visible before the answer arrives, so a placeholder is
	// shown instead of an empty display.
	assert.Equal(t, "Thinking...", deltas[0])
	assert.Equal(t, "4", deltas[len(deltas)-1])

	for _, m := range f.session.Messages() {
		assert.NotContains(t, m.Content, "Thinking:")
	}
}

func TestSend_ShownThinkingPrefixesDisplay(t *testing.T) {
	f := newFixture(t, openAIStreamHandler(t, "Thinking: because\nAnswer: done"))
	_, err := f.settings.Apply(settings.Update{
		CoTEnabled:   boolp(true),
		ShowThinking: boolp(true),
	})
	require.NoError(t, err)
	sink := &recordSink{}

	res, err := f.orchestrator.Send(context.Background(), chat.Request{Message: "why?"}, sink)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Answer)

	deltas, _, _ := sink.snapshot()
	require.NotEmpty(t, deltas)
	assert.Equal(t, "Thinking: because\n\nAnswer: done", deltas[len(deltas)-1])
}

func TestSend_MalformedFrameDoesNotAbortStream(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, sseEvent(t, "first"))
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, sseEvent(t, " second"))
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})
	f := newFixture(t, handler)
	sink := &recordSink{}

	res, err := f.orchestrator.Send(context.Background(), chat.Request{Message: "go"}, sink)
	require.NoError(t, err)
	assert.Equal(t, "first second", res.Answer)
}

func TestSend_UpstreamErrorKeepsUserTurn(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
	})
	f := newFixture(t, handler)
	sink := &recordSink{}

	_, err := f.orchestrator.Send(context.Background(), chat.Request{Message: "hi"}, sink)
	var uerr *chat.UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusUnauthorized, uerr.Status)
	assert.Contains(t, uerr.Body, "invalid api key")

	_, errs, ended := sink.snapshot()
	require.Len(t, errs, 1)
	assert.Zero(t, ended)

	// The question stays in the transcript; no assistant turn is added.
	msgs := f.session.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
}

func TestSend_MissingCredential(t *testing.T) {
	f := newFixture(t, openAIStreamHandler(t, "unused"))
	f.credentials.Forget()

	_, err := f.orchestrator.Send(context.Background(), chat.Request{Message: "hi"}, nil)
	assert.ErrorIs(t, err, chat.ErrMissingCredential)
	assert.Zero(t, f.session.Len())
}

func TestSend_UnsupportedModel(t *testing.T) {
	f := newFixture(t, openAIStreamHandler(t, "unused"))

	_, err := f.orchestrator.Send(context.Background(), chat.Request{Message: "hi", Model: "claude-3-opus"}, nil)
	assert.ErrorIs(t, err, chat.ErrUnsupportedModel)
	assert.Zero(t, f.session.Len())
}

func TestSend_EmptyMessageRejected(t *testing.T) {
	f := newFixture(t, openAIStreamHandler(t, "unused"))

	_, err := f.orchestrator.Send(context.Background(), chat.Request{Message: "   "}, nil)
	assert.Error(t, err)
	assert.Zero(t, f.session.Len())
}

type cancellingSink struct {
	recordSink
	cancel context.CancelFunc
	once   sync.Once
}

func (s *cancellingSink) OnDelta(display string) {
	s.recordSink.OnDelta(display)
	s.once.Do(s.cancel)
}

func TestSend_CancelledMidStreamStaysSilent(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, sseEvent(t, "partial answer"))
		flusher.Flush()
		// Hold the stream open until the client goes away.
		<-r.Context().Done()
	})
	f := newFixture(t, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &cancellingSink{cancel: cancel}

	_, err := f.orchestrator.Send(ctx, chat.Request{Message: "hi"}, sink)
	assert.ErrorIs(t, err, context.Canceled)

	_, errs, ended := sink.snapshot()
	assert.Empty(t, errs, "cancellation is not surfaced as an error")
	assert.Zero(t, ended)

	// The partial text is discarded: only the user turn persists.
	msgs := f.session.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
}

func TestSend_NonStreamingCompletion(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices": [{"message": {"content": "complete answer"}}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
		}`)
	})
	f := newFixture(t, handler)
	sink := &recordSink{}

	res, err := f.orchestrator.Send(context.Background(), chat.Request{Message: "hi", Stream: boolp(false)}, sink)
	require.NoError(t, err)
	assert.Equal(t, "complete answer", res.Answer)
	assert.Equal(t, 8, res.Usage.TotalTokens)
	assert.Equal(t, 8, f.session.TokensUsed())

	deltas, _, ended := sink.snapshot()
	assert.Equal(t, []string{"complete answer"}, deltas)
	assert.Equal(t, 1, ended)
}

func TestSend_InstructionAppendedToOutboundOnly(t *testing.T) {
	var captured struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, sseEvent(t, "ok"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	f := newFixture(t, handler)
	_, err := f.settings.Apply(settings.Update{CoTEnabled: boolp(true)})
	require.NoError(t, err)

	_, err = f.orchestrator.Send(context.Background(), chat.Request{Message: "solve it"}, nil)
	require.NoError(t, err)

	require.NotEmpty(t, captured.Messages)
	last := captured.Messages[len(captured.Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "solve it"))
	assert.Contains(t, last.Content, "Respond in exactly this format")

	msgs := f.session.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, "solve it", msgs[0].Content, "stored transcript keeps the original message")
}

func TestSend_GoogleCountTokensFallback(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, ":streamGenerateContent"):
			// No usageMetadata anywhere in the stream.
			fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}]}`+"\n")
			fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]}}]}`+"\n")
		case strings.Contains(r.URL.Path, ":countTokens"):
			fmt.Fprint(w, `{"totalTokens": 7}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	f := newFixture(t, handler)
	sink := &recordSink{}

	res, err := f.orchestrator.Send(context.Background(), chat.Request{Message: "hi", Model: "gemini-2.0-flash"}, sink)
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Answer)
	assert.Equal(t, 7, res.Usage.TotalTokens)
	assert.Equal(t, 7, f.session.TokensUsed())
}

func TestSend_StreamUsageChunkPreferred(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseEvent(t, "hi"))
		fmt.Fprint(w, `data: {"choices":[],"usage":{"prompt_tokens":2,"completion_tokens":1,"total_tokens":3}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	f := newFixture(t, handler)

	res, err := f.orchestrator.Send(context.Background(), chat.Request{Message: "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Usage.TotalTokens)
	assert.Equal(t, 3, f.session.TokensUsed())
}

var _ chat.RenderSink = (*recordSink)(nil)
