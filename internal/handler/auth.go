package handler

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/omrgrade/internal/model"
)

const authRealm = `Basic realm="omrgrade"`

// requireOperator checks HTTP basic credentials against the operator table.
func (h *Handler) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || username == "" {
			h.unauthorized(w)
			return
		}

		op, err := h.store.GetOperatorByUsername(r.Context(), username)
		if err != nil {
			slog.Error("failed to get operator", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if op == nil || !op.Active {
			slog.Warn("rejected unknown or inactive operator", "username", username)
			h.unauthorized(w)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
			slog.Warn("rejected operator password", "username", username)
			h.unauthorized(w)
			return
		}

		ctx := model.ContextWithOperator(r.Context(), op)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", authRealm)
	writeError(w, http.StatusUnauthorized, "unauthorized")
}
