// Package chat coordinates one conversation: it resolves the model,
// builds the outbound request, drives the stream, splits reasoning from
// the answer, and persists the exchange into the session transcript.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/relaychat/relaychat/internal/config"
	"github.com/relaychat/relaychat/internal/cot"
	"github.com/relaychat/relaychat/internal/credential"
	"github.com/relaychat/relaychat/internal/history"
	"github.com/relaychat/relaychat/internal/models"
	"github.com/relaychat/relaychat/internal/provider"
	"github.com/relaychat/relaychat/internal/settings"
	"github.com/relaychat/relaychat/internal/sse"
)

// maxErrorBody caps how much of an upstream error body is kept.
const maxErrorBody = 4096

type Orchestrator struct {
	catalog     *models.Catalog
	registry    *provider.Registry
	credentials *credential.Store
	settings    *settings.Service
	session     *history.Session
	generation  config.GenerationConfig
	logger      *slog.Logger

	// httpClient carries the configured deadline for non-streaming
	// calls. streamingClient has none; streams end on EOF or context
	// cancellation.
	httpClient      *http.Client
	streamingClient *http.Client
}

func NewOrchestrator(
	log *slog.Logger,
	cfg config.Config,
	catalog *models.Catalog,
	registry *provider.Registry,
	credentials *credential.Store,
	svc *settings.Service,
	session *history.Session,
) *Orchestrator {
	return &Orchestrator{
		catalog:         catalog,
		registry:        registry,
		credentials:     credentials,
		settings:        svc,
		session:         session,
		generation:      cfg.Generation,
		logger:          log.With(slog.String("service", "chat")),
		httpClient:      &http.Client{Timeout: cfg.Providers.Timeout()},
		streamingClient: &http.Client{},
	}
}

// Send runs one chat turn. The user message is appended to the session
// transcript before the upstream call, so a failed call still leaves the
// question in history. Display updates go to sink; the final answer is
// returned and persisted. A cancelled context returns context.Canceled
// with no sink calls and no assistant turn appended.
func (o *Orchestrator) Send(ctx context.Context, req Request, sink RenderSink) (Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return Result{}, errors.New("empty message")
	}
	if sink == nil {
		sink = NopSink{}
	}

	st := o.settings.Get()
	modelID := st.Model
	if req.Model != "" {
		modelID = req.Model
	}
	model, ok := o.catalog.Resolve(modelID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedModel, modelID)
	}
	client, err := o.registry.ForModel(model)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedModel, modelID)
	}

	apiKey := o.credentials.CurrentKey()
	if apiKey == "" {
		return Result{}, ErrMissingCredential
	}

	log := o.logger.With(
		slog.String("request_id", uuid.New().String()),
		slog.String("model", model.ModelID),
		slog.String("client", string(model.ClientType)),
	)

	o.session.AppendUser(req.Message)

	stream := st.StreamingEnabled
	if req.Stream != nil {
		stream = *req.Stream
	}

	preq := provider.Request{
		Model:        model.ModelID,
		Messages:     o.outbound(st),
		SystemPrompt: st.SystemPrompt,
		Stream:       stream,
		Generation:   o.generation,
	}

	if stream {
		return o.streamExchange(ctx, log, client, apiKey, preq, st, sink)
	}
	return o.completeExchange(ctx, log, client, apiKey, preq, st, sink)
}

// outbound snapshots the transcript for one call. When chain-of-thought
// is enabled the format instruction is appended to a copy of the final
// user turn; the stored transcript is never rewritten.
func (o *Orchestrator) outbound(st settings.Settings) []history.Message {
	msgs := o.session.Messages()
	if !st.CoTEnabled || len(msgs) == 0 {
		return msgs
	}
	last := len(msgs) - 1
	if msgs[last].Role != history.RoleUser {
		return msgs
	}
	msgs[last].Content += cot.Instruction
	return msgs
}

func (o *Orchestrator) streamExchange(ctx context.Context, log *slog.Logger, client provider.Client, apiKey string, preq provider.Request, st settings.Settings, sink RenderSink) (Result, error) {
	httpReq, err := client.NewRequest(ctx, apiKey, preq)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := o.streamingClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("request cancelled before response")
			return Result{}, context.Canceled
		}
		terr := &TransportError{Err: err}
		sink.OnError(terr.Error())
		return Result{}, terr
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		uerr := &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		log.Error("upstream rejected request", slog.Int("status", resp.StatusCode))
		sink.OnError(uerr.Error())
		return Result{}, uerr
	}

	splitter := cot.NewSplitter(st.CoTEnabled)
	framer := client.NewFramer()
	var usage provider.Usage
	var usageSeen bool

	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			frames, done := framer.Push(string(buf[:n]))
			if err := o.applyFrames(ctx, log, client, frames, splitter, st, sink, &usage, &usageSeen); err != nil {
				return Result{}, err
			}
			if done {
				break
			}
		}
		if readErr != nil {
			if ctx.Err() != nil {
				log.Debug("stream cancelled", slog.Int("received_bytes", len(splitter.Text())))
				return Result{}, context.Canceled
			}
			if errors.Is(readErr, io.EOF) {
				frames, _ := framer.Flush()
				if err := o.applyFrames(ctx, log, client, frames, splitter, st, sink, &usage, &usageSeen); err != nil {
					return Result{}, err
				}
				break
			}
			terr := &TransportError{Err: readErr}
			sink.OnError(terr.Error())
			return Result{}, terr
		}
	}

	return o.finalize(ctx, log, client, apiKey, preq.Model, splitter.View(), usage, usageSeen, sink)
}

// applyFrames pushes decoded frames through the splitter and on to the
// sink. Malformed frames are logged and skipped, never fatal. At most one
// OnDelta per frame, and none once the context is cancelled.
func (o *Orchestrator) applyFrames(ctx context.Context, log *slog.Logger, client provider.Client, frames []sse.Frame, splitter *cot.Splitter, st settings.Settings, sink RenderSink, usage *provider.Usage, usageSeen *bool) error {
	for _, frame := range frames {
		if ctx.Err() != nil {
			return context.Canceled
		}
		if u, ok := client.ExtractUsage(frame); ok {
			*usage = u
			*usageSeen = true
		}
		delta := client.ExtractDelta(frame)
		if delta.Kind == provider.DeltaSkip {
			if delta.Malformed {
				log.Warn("skipping malformed frame", slog.String("reason", delta.Reason))
			} else {
				log.Debug("skipping frame", slog.String("reason", delta.Reason))
			}
			continue
		}
		view := splitter.Append(delta.Text)
		sink.OnDelta(view.Display(st.ShowThinking))
	}
	return nil
}

func (o *Orchestrator) completeExchange(ctx context.Context, log *slog.Logger, client provider.Client, apiKey string, preq provider.Request, st settings.Settings, sink RenderSink) (Result, error) {
	httpReq, err := client.NewRequest(ctx, apiKey, preq)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("request cancelled before response")
			return Result{}, context.Canceled
		}
		terr := &TransportError{Err: err}
		sink.OnError(terr.Error())
		return Result{}, terr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, context.Canceled
		}
		terr := &TransportError{Err: err}
		sink.OnError(terr.Error())
		return Result{}, terr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		uerr := &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		log.Error("upstream rejected request", slog.Int("status", resp.StatusCode))
		sink.OnError(uerr.Error())
		return Result{}, uerr
	}

	text, usage, err := client.ExtractCompletion(body)
	if err != nil {
		perr := fmt.Errorf("parse response: %w", err)
		sink.OnError(perr.Error())
		return Result{}, perr
	}

	splitter := cot.NewSplitter(st.CoTEnabled)
	view := splitter.Append(text)
	sink.OnDelta(view.Display(st.ShowThinking))

	return o.finalize(ctx, log, client, apiKey, preq.Model, view, usage, usage.TotalTokens > 0, sink)
}

// finalize persists the answer, settles token accounting, and signals the
// end of the exchange. Only answer text ever reaches the transcript.
func (o *Orchestrator) finalize(ctx context.Context, log *slog.Logger, client provider.Client, apiKey, model string, view cot.View, usage provider.Usage, usageSeen bool, sink RenderSink) (Result, error) {
	o.session.AppendAssistant(view.Answer)

	if !usageSeen {
		usage = o.countUsage(ctx, log, client, apiKey, model, view)
	}
	o.session.AddTokens(usage.TotalTokens)

	sink.OnStreamEnd()
	log.Info("exchange complete",
		slog.Bool("structured", view.Structured),
		slog.Int("answer_len", len(view.Answer)),
		slog.Int("total_tokens", usage.TotalTokens))

	return Result{
		Answer:     view.Answer,
		Thinking:   view.Thinking,
		Structured: view.Structured,
		Model:      model,
		Usage:      usage,
	}, nil
}

// countUsage falls back to the provider's counting endpoint when the
// stream carried no usage data. Failures are logged and swallowed;
// accounting is best-effort.
func (o *Orchestrator) countUsage(ctx context.Context, log *slog.Logger, client provider.Client, apiKey, model string, view cot.View) provider.Usage {
	counter, ok := client.(provider.TokenCounter)
	if !ok || view.Answer == "" {
		return provider.Usage{}
	}
	n, err := counter.CountTokens(ctx, o.httpClient, apiKey, model, view.Answer)
	if err != nil {
		log.Warn("token count unavailable", slog.Any("error", err))
		return provider.Usage{}
	}
	return provider.Usage{CompletionTokens: n, TotalTokens: n}
}
