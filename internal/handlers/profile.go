package handlers

import (
	"net/http"
	"net/url"

	"github.com/jjudge-oj/authserver/internal/services"
)

// Me returns the profile of the session's user.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, msgUnauthenticated)
		return
	}
	writeJSON(w, http.StatusOK, user.Profile())
}

// UpdateMe changes the email and/or password of the session's user.
func (h *AuthHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	user, ok := userFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, msgUnauthenticated)
		return
	}

	var in services.UpdateProfileInput
	err := decodeParams(r, &in, func(v url.Values) {
		in.Email = v.Get("email")
		in.CurrentPassword = v.Get("current_password")
		in.NewPassword = v.Get("new_password")
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, msgInvalidParams)
		return
	}

	updated, err := h.users.UpdateProfile(r.Context(), user, in)
	if err != nil {
		respondErrorWith(w, r, h.logger, err, msgUpdateFailed)
		return
	}
	writeJSON(w, http.StatusOK, updated.Profile())
}
