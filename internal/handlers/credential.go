package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/relaychat/relaychat/internal/auth"
	"github.com/relaychat/relaychat/internal/config"
	"github.com/relaychat/relaychat/internal/credential"
)

// CredentialHandler owns the unlock flow: sealing an API key under a
// password and exchanging the password for a session token later.
type CredentialHandler struct {
	store     *credential.Store
	jwtSecret string
	expiresIn time.Duration
	logger    *slog.Logger
}

func NewCredentialHandler(log *slog.Logger, cfg config.Config, store *credential.Store) *CredentialHandler {
	expiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn, _ = time.ParseDuration(config.DefaultJWTExpiresIn)
	}
	return &CredentialHandler{
		store:     store,
		jwtSecret: cfg.Auth.JWTSecret,
		expiresIn: expiresIn,
		logger:    log.With(slog.String("handler", "credential")),
	}
}

func (h *CredentialHandler) Register(e *echo.Echo) {
	group := e.Group("/auth")
	group.POST("/seal", h.Seal)
	group.POST("/unlock", h.Unlock)
	group.POST("/lock", h.Lock)
	group.GET("/status", h.Status)
}

type sealRequest struct {
	Password string `json:"password"`
	APIKey   string `json:"api_key"`
}

type unlockRequest struct {
	Password string `json:"password"`
}

type unlockResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type statusResponse struct {
	Unlocked  bool   `json:"unlocked"`
	SealedKey bool   `json:"sealed_key"`
	Key       string `json:"key,omitempty"`
}

// Seal stores the API key encrypted under the password and issues a
// session token right away.
func (h *CredentialHandler) Seal(c echo.Context) error {
	var req sealRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.store.Seal(req.Password, req.APIKey); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return h.issueToken(c)
}

// Unlock opens the sealed key with the password. A wrong password is a
// plain 401 with no detail.
func (h *CredentialHandler) Unlock(c echo.Context) error {
	var req unlockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !h.store.Unlock(req.Password) {
		return echo.NewHTTPError(http.StatusUnauthorized, "unlock failed")
	}
	return h.issueToken(c)
}

// Lock drops the in-memory key. The sealed file stays for a later unlock.
func (h *CredentialHandler) Lock(c echo.Context) error {
	h.store.Forget()
	return c.NoContent(http.StatusNoContent)
}

// Status reports whether a key is unlocked, in masked form only.
func (h *CredentialHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Unlocked:  h.store.HasKey(),
		SealedKey: h.store.HasSealedKey(),
	}
	if resp.Unlocked {
		resp.Key = credential.Mask(h.store.CurrentKey())
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *CredentialHandler) issueToken(c echo.Context) error {
	sessionID := uuid.New().String()
	token, expiresAt, err := auth.GenerateSessionToken(sessionID, h.jwtSecret, h.expiresIn)
	if err != nil {
		h.logger.Error("session token generation failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "token generation failed")
	}
	h.logger.Info("session opened", slog.String("session_id", sessionID))
	return c.JSON(http.StatusOK, unlockResponse{Token: token, ExpiresAt: expiresAt})
}
