package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/citypulse/passkey-service/internal/ceremony"
	"github.com/go-webauthn/webauthn/protocol"
)

const (
	regSessionCookie  = "reg_session"
	authSessionCookie = "auth_session"

	sessionTokenHeader = "X-Session-Token"

	// Attestation responses carry the full attestation object; keep the
	// body cap generous.
	maxResponseBytes = 10 << 20
)

// Ceremony is the surface the HTTP layer needs from the ceremony
// service.
type Ceremony interface {
	BeginRegistration(ctx context.Context, email string) (*protocol.CredentialCreation, string, error)
	FinishRegistration(ctx context.Context, token string, response []byte) (*ceremony.RegistrationResult, error)
	BeginLogin(ctx context.Context, email string) (*protocol.CredentialAssertion, string, error)
	FinishLogin(ctx context.Context, token string, response []byte) (*ceremony.LoginResult, error)
	Status(ctx context.Context, bearerToken string) (*ceremony.StatusResult, error)
	Revoke(ctx context.Context, bearerToken string) error
}

type Server struct {
	ceremonies    Ceremony
	secureCookies bool
}

func NewServer(ceremonies Ceremony, secureCookies bool) *Server {
	return &Server{
		ceremonies:    ceremonies,
		secureCookies: secureCookies,
	}
}

type registrationOptionsResponse struct {
	*protocol.CredentialCreation
	SessionToken string `json:"sessionToken"`
}

type loginOptionsResponse struct {
	*protocol.CredentialAssertion
	SessionToken string `json:"sessionToken"`
}

// InitRegisterHandler handles GET /init-register?email=...
func (s *Server) InitRegisterHandler(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeJSONError(w, http.StatusBadRequest, "Email is required")
		return
	}

	options, token, err := s.ceremonies.BeginRegistration(r.Context(), email)
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}

	s.setSessionCookie(w, regSessionCookie, token)
	writeJSON(w, http.StatusOK, registrationOptionsResponse{
		CredentialCreation: options,
		SessionToken:       token,
	})
}

// VerifyRegisterHandler handles POST /verify-register.
func (s *Server) VerifyRegisterHandler(w http.ResponseWriter, r *http.Request) {
	token := s.sessionToken(r, regSessionCookie)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResponseBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.ceremonies.FinishRegistration(r.Context(), token, body)
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}

	s.clearSessionCookie(w, regSessionCookie)
	writeJSON(w, http.StatusOK, result)
}

// InitAuthHandler handles GET /init-auth?email=...
func (s *Server) InitAuthHandler(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeJSONError(w, http.StatusBadRequest, "Email is required")
		return
	}

	options, token, err := s.ceremonies.BeginLogin(r.Context(), email)
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}

	s.setSessionCookie(w, authSessionCookie, token)
	writeJSON(w, http.StatusOK, loginOptionsResponse{
		CredentialAssertion: options,
		SessionToken:        token,
	})
}

// VerifyAuthHandler handles POST /verify-auth.
func (s *Server) VerifyAuthHandler(w http.ResponseWriter, r *http.Request) {
	token := s.sessionToken(r, authSessionCookie)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResponseBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.ceremonies.FinishLogin(r.Context(), token, body)
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}

	s.clearSessionCookie(w, authSessionCookie)
	writeJSON(w, http.StatusOK, result)
}

// StatusHandler handles GET /passkey-status.
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	bearer, ok := bearerToken(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	status, err := s.ceremonies.Status(r.Context(), bearer)
	if err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// RevokeHandler handles DELETE /passkey-credentials.
func (s *Server) RevokeHandler(w http.ResponseWriter, r *http.Request) {
	bearer, ok := bearerToken(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := s.ceremonies.Revoke(r.Context(), bearer); err != nil {
		s.writeCeremonyError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Passkey credentials removed",
	})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// sessionToken extracts the ceremony session token, preferring the
// httpOnly cookie and falling back to the header used by non-browser
// clients.
func (s *Server) sessionToken(r *http.Request, cookieName string) string {
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if token := r.Header.Get(sessionTokenHeader); token != "" {
		return token
	}
	return r.URL.Query().Get("sessionToken")
}

func (s *Server) setSessionCookie(w http.ResponseWriter, name, token string) {
	sameSite := http.SameSiteLaxMode
	if s.secureCookies {
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    token,
		Path:     "/",
		MaxAge:   int(ceremony.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: sameSite,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookies,
	})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	return token, token != ""
}

// writeCeremonyError maps the ceremony taxonomy onto status codes and
// remediation messages. Verification internals never reach the client.
func (s *Server) writeCeremonyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ceremony.ErrUnknownIdentity):
		writeJSONError(w, http.StatusBadRequest, "No user with this email. Please sign up first.")
	case errors.Is(err, ceremony.ErrAlreadyEnrolled):
		writeJSONError(w, http.StatusBadRequest, "A passkey is already enrolled for this account. Please use passkey login instead.")
	case errors.Is(err, ceremony.ErrNoCredential):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":             "No passkey found for this email. Please register a passkey first.",
			"needsRegistration": true,
		})
	case errors.Is(err, ceremony.ErrSessionExpired):
		writeJSONError(w, http.StatusBadRequest, "Your session expired. Please try again.")
	case errors.Is(err, ceremony.ErrGestureNotCompleted):
		writeJSONError(w, http.StatusBadRequest, "Passkey verification was not completed. Please try again and finish the fingerprint or face prompt.")
	case errors.Is(err, ceremony.ErrReplayDetected):
		writeJSONError(w, http.StatusUnauthorized, "Passkey verification failed. Please sign in again.")
	case errors.Is(err, ceremony.ErrVerificationFailed):
		writeJSONError(w, http.StatusBadRequest, "Passkey verification failed.")
	case errors.Is(err, ceremony.ErrInvalidSession):
		writeJSONError(w, http.StatusBadRequest, "Invalid session. Please try again.")
	case errors.Is(err, ceremony.ErrUnauthorized):
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, ceremony.ErrStoreUnavailable):
		slog.Error("Backing store unavailable", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again.")
	default:
		slog.Error("Unhandled ceremony error", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
