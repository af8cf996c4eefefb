package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/christopherjohns/roomcast/internal/auth"
	"github.com/christopherjohns/roomcast/internal/user"
	"github.com/christopherjohns/roomcast/internal/ws"
)

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	User        *user.User `json:"user"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	u, err := s.accounts.Signup(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		var verr *auth.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, user.ErrUsernameTaken), errors.Is(err, user.ErrEmailTaken):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Error().Str("module", "server").Err(err).Msg("signup")
			writeError(w, http.StatusInternalServerError, "could not create account")
		}
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, u, err := s.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		log.Error().Str("module", "server").Err(err).Msg("login")
		writeError(w, http.StatusInternalServerError, "could not log in")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     ws.AccessTokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.accounts.TokenTTL().Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: token, TokenType: "bearer", User: u})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	u, err := s.accounts.Me(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, user.ErrNotFound):
			writeError(w, http.StatusUnauthorized, "not authenticated")
		default:
			log.Error().Str("module", "server").Err(err).Msg("me")
			writeError(w, http.StatusInternalServerError, "could not load account")
		}
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func bearerToken(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if c, err := r.Cookie(ws.AccessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}
