// Package settings holds the mutable per-session chat settings.
package settings

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/relaychat/relaychat/internal/config"
	"github.com/relaychat/relaychat/internal/models"
)

// Settings is the full set of user-adjustable knobs.
type Settings struct {
	Model            string `json:"model" validate:"required"`
	StreamingEnabled bool   `json:"streaming_enabled"`
	CoTEnabled       bool   `json:"cot_enabled"`
	ShowThinking     bool   `json:"show_thinking"`
	SystemPrompt     string `json:"system_prompt" validate:"max=8192"`
}

// Update carries a partial settings change; nil fields are left untouched.
type Update struct {
	Model            *string `json:"model,omitempty"`
	StreamingEnabled *bool   `json:"streaming_enabled,omitempty"`
	CoTEnabled       *bool   `json:"cot_enabled,omitempty"`
	ShowThinking     *bool   `json:"show_thinking,omitempty"`
	SystemPrompt     *string `json:"system_prompt,omitempty"`
}

type Service struct {
	mu       sync.RWMutex
	current  Settings
	catalog  *models.Catalog
	validate *validator.Validate
	logger   *slog.Logger
}

func NewService(log *slog.Logger, cfg config.Config, catalog *models.Catalog) *Service {
	return &Service{
		current: Settings{
			Model:            cfg.Chat.DefaultModel,
			StreamingEnabled: cfg.Chat.StreamingEnabled,
			CoTEnabled:       cfg.Chat.CoTEnabled,
			ShowThinking:     cfg.Chat.ShowThinking,
			SystemPrompt:     cfg.Chat.SystemPrompt,
		},
		catalog:  catalog,
		validate: validator.New(),
		logger:   log.With(slog.String("service", "settings")),
	}
}

// Get returns the current settings snapshot.
func (s *Service) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Apply merges an update into the current settings. The model, when
// changed, must resolve in the catalog.
func (s *Service) Apply(u Update) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	if u.Model != nil {
		if _, ok := s.catalog.Resolve(*u.Model); !ok {
			return Settings{}, fmt.Errorf("unknown model: %s", *u.Model)
		}
		next.Model = *u.Model
	}
	if u.StreamingEnabled != nil {
		next.StreamingEnabled = *u.StreamingEnabled
	}
	if u.CoTEnabled != nil {
		next.CoTEnabled = *u.CoTEnabled
	}
	if u.ShowThinking != nil {
		next.ShowThinking = *u.ShowThinking
	}
	if u.SystemPrompt != nil {
		next.SystemPrompt = *u.SystemPrompt
	}

	if err := s.validate.Struct(next); err != nil {
		return Settings{}, fmt.Errorf("validate settings: %w", err)
	}

	s.current = next
	s.logger.Info("settings updated", slog.String("model", next.Model), slog.Bool("cot", next.CoTEnabled))
	return next, nil
}
