package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath     = "config.toml"
	DefaultHTTPAddr       = ":8080"
	DefaultOpenAIBaseURL  = "https://api.openai.com/v1"
	DefaultGoogleBaseURL  = "https://generativelanguage.googleapis.com/v1beta"
	DefaultRequestTimeout = "60s"
	DefaultJWTExpiresIn   = "24h"
	DefaultKeyFilePath    = "data/credential.sealed"
	DefaultModel          = "gpt-4o-mini"
)

type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Auth       AuthConfig       `toml:"auth"`
	Providers  ProvidersConfig  `toml:"providers"`
	Catalog    CatalogConfig    `toml:"catalog"`
	Chat       ChatConfig       `toml:"chat"`
	Generation GenerationConfig `toml:"generation"`
	Credential CredentialConfig `toml:"credential"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// ProvidersConfig holds the upstream endpoints for the two supported
// wire formats.
type ProvidersConfig struct {
	OpenAIBaseURL string `toml:"openai_base_url"`
	GoogleBaseURL string `toml:"google_base_url"`
	// RequestTimeout bounds non-streaming calls. Streaming calls use a
	// client without a deadline; cancellation is per-request.
	RequestTimeout string `toml:"request_timeout"`
}

func (c ProvidersConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultRequestTimeout)
	}
	return d
}

// CatalogConfig points at an optional YAML model catalog. When the path is
// empty the built-in catalog is used.
type CatalogConfig struct {
	Path string `toml:"path"`
}

// ChatConfig seeds the mutable session settings.
type ChatConfig struct {
	DefaultModel     string `toml:"default_model"`
	StreamingEnabled bool   `toml:"streaming_enabled"`
	CoTEnabled       bool   `toml:"cot_enabled"`
	ShowThinking     bool   `toml:"show_thinking"`
	SystemPrompt     string `toml:"system_prompt"`
}

// GenerationConfig is passed through verbatim to the google provider.
// The openai provider only consumes model and stream.
type GenerationConfig struct {
	Temperature      float64 `toml:"temperature"`
	TopP             float64 `toml:"top_p"`
	TopK             int     `toml:"top_k"`
	MaxOutputTokens  int     `toml:"max_output_tokens"`
	ResponseMimeType string  `toml:"response_mime_type"`
}

type CredentialConfig struct {
	KeyFile string `toml:"key_file"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Providers: ProvidersConfig{
			OpenAIBaseURL:  DefaultOpenAIBaseURL,
			GoogleBaseURL:  DefaultGoogleBaseURL,
			RequestTimeout: DefaultRequestTimeout,
		},
		Chat: ChatConfig{
			DefaultModel:     DefaultModel,
			StreamingEnabled: true,
			ShowThinking:     true,
		},
		Generation: GenerationConfig{
			Temperature:      1.0,
			TopP:             0.95,
			TopK:             40,
			MaxOutputTokens:  8192,
			ResponseMimeType: "text/plain",
		},
		Credential: CredentialConfig{
			KeyFile: DefaultKeyFilePath,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}
