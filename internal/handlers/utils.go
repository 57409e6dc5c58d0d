package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jjudge-oj/authserver/internal/services"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

const (
	msgDuplicateEmail       = "This email is already taken"
	msgInvalidParams        = "Params invalid"
	msgAuthenticationFailed = "Please check your username and password"
	msgUnauthenticated      = "Failed to authenticate token."
	msgAuthorizationFailed  = "Wrong password"
	msgPersistence          = "Something went wrong, please try again"
	msgUpdateFailed         = "Couldn't update user"
)

// ErrorResponse is the payload of every failed request.
type ErrorResponse struct {
	Message string `json:"message"`
}

// TokenResponse is returned by register and login.
type TokenResponse struct {
	Token string `json:"token"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Message: message})
}

// statusFor maps service errors onto a status code and client message.
// Anything unrecognised is a 500.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrDuplicateEmail):
		return http.StatusUnprocessableEntity, msgDuplicateEmail
	case errors.Is(err, services.ErrInvalidParams):
		return http.StatusUnprocessableEntity, msgInvalidParams
	case errors.Is(err, services.ErrAuthenticationFailed):
		return http.StatusUnprocessableEntity, msgAuthenticationFailed
	case errors.Is(err, services.ErrAuthorizationFailed):
		return http.StatusUnprocessableEntity, msgAuthorizationFailed
	case errors.Is(err, services.ErrUnauthenticated):
		return http.StatusUnauthorized, msgUnauthenticated
	default:
		return http.StatusInternalServerError, msgPersistence
	}
}

func respondError(w http.ResponseWriter, r *http.Request, logger *logrus.Logger, err error) {
	respondErrorWith(w, r, logger, err, msgPersistence)
}

// respondErrorWith is respondError with a caller-specific message for 500s.
func respondErrorWith(w http.ResponseWriter, r *http.Request, logger *logrus.Logger, err error, internalMessage string) {
	status, message := statusFor(err)
	if status == http.StatusInternalServerError {
		message = internalMessage
		logger.WithError(err).WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, message)
}

// readBody returns the request body and puts an identical reader back so
// later stages can read it again.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func isForm(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/x-www-form-urlencoded"
}

// decodeParams fills dst from a JSON or urlencoded body. Only the fields dst
// declares are read; fromForm copies the same allow-list out of form values.
func decodeParams(r *http.Request, dst any, fromForm func(url.Values)) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if isForm(r) {
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return fmt.Errorf("parse form: %w", err)
		}
		fromForm(values)
		return nil
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func formBool(values url.Values, key string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(values.Get(key)))
	return err == nil && parsed
}
