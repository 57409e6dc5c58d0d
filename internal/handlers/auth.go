package handlers

import (
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/jjudge-oj/authserver/internal/services"
	"github.com/sirupsen/logrus"
)

// AuthHandler serves registration, login and the current-user profile.
type AuthHandler struct {
	users  *services.UserService
	logger *logrus.Logger
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(users *services.UserService, logger *logrus.Logger) *AuthHandler {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &AuthHandler{users: users, logger: logger}
}

// AuthRouter registers auth and profile routes on the given router.
func AuthRouter(r chi.Router, users *services.UserService, logger *logrus.Logger) {
	handler := NewAuthHandler(users, logger)

	r.Post("/register", handler.Register)
	r.Post("/login", handler.Login)
	r.Group(func(r chi.Router) {
		r.Use(RequireSession(users, handler.logger))
		r.Get("/me", handler.Me)
		r.Put("/me", handler.UpdateMe)
	})
}

// Register creates a new account and returns a session token.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var in services.RegisterInput
	err := decodeParams(r, &in, func(v url.Values) {
		in.Email = v.Get("email")
		in.Password = v.Get("password")
		in.ConfirmPassword = v.Get("confirmPassword")
		in.Admin = services.Flag(formBool(v, "admin"))
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, msgInvalidParams)
		return
	}

	tok, err := h.users.Register(r.Context(), in)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: tok})
}

// Login verifies credentials and returns a session token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var in services.LoginInput
	err := decodeParams(r, &in, func(v url.Values) {
		in.Email = v.Get("email")
		in.Password = v.Get("password")
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, msgInvalidParams)
		return
	}

	tok, err := h.users.Login(r.Context(), in)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: tok})
}
