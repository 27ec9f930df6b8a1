package server

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/foreman/server/api"
)

// signToken issues an HS256 session token for subject.
func (s *Server) signToken(subject string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.jwtSecret()))
}

// verifyToken validates a session token and returns the subject claim.
func (s *Server) verifyToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.jwtSecret()), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("missing subject claim")
	}
	return claims.Subject, nil
}

// generateSecret creates a random 32-byte secret.
func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// jwtSecret returns the configured JWT secret, generating one if empty.
func (s *Server) jwtSecret() string {
	if s.cfg.Auth.JWTSecret != "" {
		return s.cfg.Auth.JWTSecret
	}
	s.secretOnce.Do(func() {
		s.generatedSecret = generateSecret()
	})
	return s.generatedSecret
}

// loginRequest is the body accepted by POST /api/auth/login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse is the body returned by a successful login.
type loginResponse struct {
	Token string `json:"token"`
}

// handleLogin validates credentials against the bcrypt hash in config and
// issues a JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username != s.cfg.Auth.AdminUser ||
		bcrypt.CompareHashAndPassword([]byte(s.cfg.Auth.AdminPass), []byte(req.Password)) != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.signToken(req.Username)
	if err != nil {
		s.logger.Error("sign jwt", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

// handleMe returns the currently authenticated user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"username": api.SubjectFromContext(r.Context()),
	})
}

// authMiddleware enforces session authentication on wrapped handlers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		subject, err := s.verifyToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		ctx := api.ContextWithSubject(r.Context(), subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// webhookAuth enforces the runner's static bearer credential, compared in
// constant time. An unconfigured credential rejects everything.
func (s *Server) webhookAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || s.cfg.Auth.WebhookToken == "" ||
			!hmac.Equal([]byte(token), []byte(s.cfg.Auth.WebhookToken)) {
			writeJSONError(w, http.StatusUnauthorized, "invalid webhook credential")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the bearer credential from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	return strings.TrimPrefix(authHeader, "Bearer "), true
}
