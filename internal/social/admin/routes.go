package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"

	"github.com/cmatc13/homeserver/pkg/errors"
)

// Prefix is where the admin API is mounted.
const Prefix = "/_admin"

// Lookup returns the admin service serving a request.
type Lookup func(r *http.Request) (*Service, error)

// NewAuth returns the token verifier for secret, or nil when the admin API
// is disabled.
func NewAuth(secret string) *jwtauth.JWTAuth {
	if secret == "" {
		return nil
	}
	return jwtauth.New("HS256", []byte(secret), nil)
}

// Authenticate admits requests carrying a valid token with the admin
// claim. With a nil auth every request is refused.
func Authenticate(auth *jwtauth.JWTAuth) func(http.Handler) http.Handler {
	if auth == nil {
		return func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				errors.WriteJSON(w, errors.NewAPIError(errors.APIErrForbidden, "Admin API is disabled", nil))
			})
		}
	}

	verify := jwtauth.Verifier(auth)
	return func(next http.Handler) http.Handler {
		return verify(requireAdmin(next))
	}
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, claims, err := jwtauth.FromContext(r.Context())
		switch {
		case errors.Is(err, jwtauth.ErrNoTokenFound):
			errors.WriteJSON(w, errors.NewAPIError(errors.APIErrMissingToken, "Missing access token", nil))
			return
		case err != nil || token == nil:
			errors.WriteJSON(w, errors.NewAPIError(errors.APIErrUnauthorized, "Invalid access token", err))
			return
		}

		if isAdmin, _ := claims["admin"].(bool); !isAdmin {
			errors.WriteJSON(w, errors.NewAPIError(errors.APIErrForbidden, "Not an admin token", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sendNoticeRequest struct {
	Body string `json:"body"`
}

type noticesResponse struct {
	Notices []Notice `json:"notices"`
}

// Routes mounts the admin endpoints under Prefix. The caller applies
// Authenticate.
func Routes(r chi.Router, lookup Lookup) {
	r.Post(Prefix+"/clear-cache", func(w http.ResponseWriter, r *http.Request) {
		s, err := lookup(r)
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}
		if err := s.ClearCaches(r.Context()); err != nil {
			errors.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	r.Get(Prefix+"/memory-usage", func(w http.ResponseWriter, r *http.Request) {
		s, err := lookup(r)
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}
		report, err := s.MemoryReport(r.Context())
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(report))
	})

	r.Get(Prefix+"/notices", func(w http.ResponseWriter, r *http.Request) {
		s, err := lookup(r)
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}
		notices, err := s.Notices(r.Context())
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusOK, noticesResponse{Notices: notices})
	})

	r.Post(Prefix+"/notices", func(w http.ResponseWriter, r *http.Request) {
		s, err := lookup(r)
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}

		var req sendNoticeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errors.WriteJSON(w, errors.NewAPIError(errors.APIErrBadRequest, "Invalid request body", err))
			return
		}
		n, err := s.SendMessage(r.Context(), req.Body)
		if err != nil {
			errors.WriteJSON(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, n)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
