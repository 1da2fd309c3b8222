package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/relaychat/relaychat/internal/chat"
	"github.com/relaychat/relaychat/internal/config"
	"github.com/relaychat/relaychat/internal/credential"
	"github.com/relaychat/relaychat/internal/handlers"
	"github.com/relaychat/relaychat/internal/history"
	"github.com/relaychat/relaychat/internal/logger"
	"github.com/relaychat/relaychat/internal/models"
	"github.com/relaychat/relaychat/internal/provider"
	"github.com/relaychat/relaychat/internal/server"
	"github.com/relaychat/relaychat/internal/settings"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideCatalog,
			provideRegistry,
			provideCredentialStore,
			provideSettingsService,
			provideSession,
			chat.NewOrchestrator,
			handlers.NewPingHandler,
			handlers.NewCredentialHandler,
			handlers.NewChatHandler,
			handlers.NewWSHandler,
			handlers.NewSettingsHandler,
			handlers.NewHistoryHandler,
			handlers.NewModelsHandler,
			provideServer,
		),
		fx.Invoke(
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return config.Config{}, fmt.Errorf("auth.jwt_secret is required")
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideCatalog(cfg config.Config) (*models.Catalog, error) {
	return models.Load(cfg.Catalog.Path)
}

func provideRegistry(cfg config.Config) *provider.Registry {
	return provider.NewRegistry(cfg.Providers)
}

func provideCredentialStore(log *slog.Logger, cfg config.Config) *credential.Store {
	return credential.NewStore(log, cfg.Credential.KeyFile)
}

func provideSettingsService(log *slog.Logger, cfg config.Config, catalog *models.Catalog) *settings.Service {
	return settings.NewService(log, cfg, catalog)
}

func provideSession() *history.Session {
	return history.NewSession()
}

func provideServer(cfg config.Config, pingHandler *handlers.PingHandler, credentialHandler *handlers.CredentialHandler, chatHandler *handlers.ChatHandler, wsHandler *handlers.WSHandler, settingsHandler *handlers.SettingsHandler, historyHandler *handlers.HistoryHandler, modelsHandler *handlers.ModelsHandler) *server.Server {
	return server.NewServer(cfg.Server.Addr, cfg.Auth.JWTSecret, pingHandler, credentialHandler, chatHandler, wsHandler, settingsHandler, historyHandler, modelsHandler)
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting server", slog.String("addr", cfg.Server.Addr))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
