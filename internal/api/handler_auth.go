package api

import (
	"fmt"
	"net/http"
)

// HandleAuthCallback returns a handler for GET /x-authorization/callback,
// the loopback target of the authorization code flow. The state
// parameter pairs the redirect with the pending flow; unknown or
// replayed states are rejected so a stray redirect cannot complete
// someone else's exchange.
func HandleAuthCallback(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.AuthState == nil {
			WriteError(w, http.StatusNotFound, "authorization is not enabled")
			return
		}
		params := r.URL.Query()
		state := params.Get("state")
		code := params.Get("code")
		failure := params.Get("error")
		if failure != "" {
			if desc := params.Get("error_description"); desc != "" {
				failure += ": " + desc
			}
		}
		if state == "" || (code == "" && failure == "") {
			WriteError(w, http.StatusBadRequest, "callback requires state and either code or error")
			return
		}
		if !cfg.AuthState.CompleteFlow(state, code, failure) {
			WriteError(w, http.StatusBadRequest, "no pending authorization request matches state")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "Authorization complete. You can close this page.")
	}
}

// HandleJWKS returns a handler for GET /x-authorization/jwks, the
// node's public signing keys for private_key_jwt client authentication.
func HandleJWKS(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Key == nil {
			WriteError(w, http.StatusNotFound, "no signing key configured")
			return
		}
		WriteJSON(w, http.StatusOK, cfg.Key.JWKS())
	}
}
