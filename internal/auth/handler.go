package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"crm-backend/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type CookieSettings struct {
	Name   string
	Domain string
	Secure bool
	MaxAge time.Duration
}

type Handler struct {
	service *Service
	cookie  CookieSettings
	logger  *zap.Logger
	now     func() time.Time
}

func NewHandler(service *Service, cookie CookieSettings, logger *zap.Logger) *Handler {
	if cookie.Name == "" {
		cookie.Name = "refresh_token"
	}
	if cookie.MaxAge <= 0 {
		cookie.MaxAge = defaultRefreshSliding
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service: service,
		cookie:  cookie,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// loginRequest accepts any of the identifier field names clients send.
type loginRequest struct {
	Identifier string `json:"identifier"`
	Email      string `json:"email"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

func (b loginRequest) identifier() string {
	for _, candidate := range []string{b.Identifier, b.Email, b.Username} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return candidate
		}
	}
	return ""
}

// refreshRequest accepts both the snake_case and camelCase field names.
type refreshRequest struct {
	RefreshToken      string `json:"refresh_token"`
	RefreshTokenCamel string `json:"refreshToken"`
}

func (b refreshRequest) secret() string {
	if secret := strings.TrimSpace(b.RefreshToken); secret != "" {
		return secret
	}
	return strings.TrimSpace(b.RefreshTokenCamel)
}

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Role     string `json:"role"`
}

type tokenResponse struct {
	Tokens
	User userResponse `json:"user"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeCodedError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json body")
		return
	}

	result, err := h.service.Login(r.Context(), LoginRequest{
		Identifier: body.identifier(),
		Password:   body.Password,
		Client:     clientInfo(r),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeTokens(w, result)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	secret, err := h.refreshSecret(w, r)
	if err != nil {
		writeCodedError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json body")
		return
	}

	result, err := h.service.Refresh(r.Context(), secret, clientInfo(r))
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			h.clearCookie(w)
		}
		h.writeServiceError(w, r, err)
		return
	}

	h.writeTokens(w, result)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	// An unreadable body only means there is no body secret.
	secret, _ := h.refreshSecret(w, r)

	caller, _ := ClaimsFromContext(r.Context())
	if err := h.service.Logout(r.Context(), secret, clientInfo(r), caller); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.clearCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logged out successfully"})
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	caller, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeCodedError(w, http.StatusUnauthorized, CodeUnauthorized, "missing authorization token")
		return
	}

	revoked, err := h.service.LogoutAll(r.Context(), caller.ID, clientInfo(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.clearCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"message":          "Logged out from all devices",
		"sessions_revoked": revoked,
	})
}

func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	caller, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeCodedError(w, http.StatusUnauthorized, CodeUnauthorized, "missing authorization token")
		return
	}

	current := ""
	if cookie, err := r.Cookie(h.cookie.Name); err == nil {
		current = cookie.Value
	}
	if header := strings.TrimSpace(r.Header.Get("X-Refresh-Token")); header != "" {
		current = header
	}

	sessions, err := h.service.Sessions(r.Context(), caller.ID, current)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *Handler) writeTokens(w http.ResponseWriter, result LoginResult) {
	h.setCookie(w, result.Tokens.RefreshToken, result.Session.ExpiresAt)
	writeJSON(w, http.StatusOK, tokenResponse{
		Tokens: result.Tokens,
		User: userResponse{
			ID:       result.Identity.ID,
			Email:    result.Identity.Email,
			Username: result.Identity.Username,
			Name:     result.Identity.Name,
			Role:     result.Identity.Role,
		},
	})
}

// refreshSecret prefers a secret in the JSON body and falls back to the
// cookie. Unrelated body fields are ignored. A malformed body is an error
// only when there is no cookie to fall back to.
func (h *Handler) refreshSecret(w http.ResponseWriter, r *http.Request) (string, error) {
	var body refreshRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decodeErr := json.NewDecoder(r.Body).Decode(&body)
	if errors.Is(decodeErr, io.EOF) {
		decodeErr = nil
	}
	if decodeErr == nil {
		if secret := body.secret(); secret != "" {
			return secret, nil
		}
	}
	if cookie, err := r.Cookie(h.cookie.Name); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return strings.TrimSpace(cookie.Value), nil
	}
	return "", decodeErr
}

// setCookie keeps the cookie's lifetime no longer than the row's expires_at,
// which is capped by the absolute expiry near the end of a session chain.
func (h *Handler) setCookie(w http.ResponseWriter, secret string, expiresAt time.Time) {
	maxAge := h.cookie.MaxAge
	if !expiresAt.IsZero() {
		if remaining := expiresAt.Sub(h.now()); remaining < maxAge {
			maxAge = remaining
		}
	}
	if maxAge < time.Second {
		maxAge = time.Second
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    secret,
		Path:     "/",
		Domain:   h.cookie.Domain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		Domain:   h.cookie.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *Error
	if !errors.As(err, &authErr) {
		sentry.CaptureException(err)
		h.logger.Error("auth_request_failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeCodedError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
		return
	}

	switch authErr.Code {
	case CodeAccountLocked:
		w.Header().Set("Retry-After", strconv.Itoa(authErr.MinutesRemaining*60))
		writeJSON(w, http.StatusLocked, map[string]any{
			"error":             authErr.Message,
			"code":              authErr.Code,
			"locked_until":      authErr.LockedUntil.UTC().Format(time.RFC3339),
			"minutes_remaining": authErr.MinutesRemaining,
		})
	default:
		writeCodedError(w, statusFor(authErr.Code), authErr.Code, authErr.Message)
	}
}

func statusFor(code Code) int {
	switch code {
	case CodeMissingCredentials:
		return http.StatusBadRequest
	case CodeInvalidCredentials, CodeInvalidRefreshToken, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeAccountDisabled:
		return http.StatusForbidden
	case CodeAccountLocked:
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

func clientInfo(r *http.Request) ClientInfo {
	return ClientInfo{
		IP:        observability.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeCodedError(w http.ResponseWriter, status int, code Code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": string(code)})
}
