package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/jjudge-oj/authserver/internal/services"
	"github.com/jjudge-oj/authserver/types"
	"github.com/sirupsen/logrus"
)

const tokenParam = "token"

type contextKey string

const contextUserKey contextKey = "user"

// RequireSession resolves the session token carried by the request and stores
// the current user in the request context. Requests without a valid token are
// rejected with 401.
func RequireSession(users *services.UserService, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := tokenFromRequest(r)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, msgInvalidParams)
				return
			}

			user, err := users.Resolve(r.Context(), raw)
			if err != nil {
				respondError(w, r, logger, err)
				return
			}

			ctx := context.WithValue(r.Context(), contextUserKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// tokenFromRequest looks for a token in the body, then the query string, then
// the Authorization header (raw or with a Bearer scheme). The first non-empty
// value wins. The body is left readable for the next handler.
func tokenFromRequest(r *http.Request) (string, error) {
	data, err := readBody(r)
	if err != nil {
		return "", err
	}
	if tok := tokenFromBody(r, data); tok != "" {
		return tok, nil
	}

	if tok := strings.TrimSpace(r.URL.Query().Get(tokenParam)); tok != "" {
		return tok, nil
	}

	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if scheme, rest, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(rest), nil
	}
	return auth, nil
}

func tokenFromBody(r *http.Request, data []byte) string {
	if len(bytes.TrimSpace(data)) == 0 {
		return ""
	}
	if isForm(r) {
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(values.Get(tokenParam))
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.Token)
}

func userFromContext(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(contextUserKey).(types.User)
	return user, ok
}
