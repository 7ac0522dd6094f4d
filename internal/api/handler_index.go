package api

import (
	"net/http"
)

// HandleIndex returns a handler serving the conventional NMOS index
// array of child paths.
func HandleIndex(children []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, children)
	}
}

// HandleHealthz returns a handler for GET /healthz.
func HandleHealthz(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Model.RLock()
		down := cfg.Model.ShuttingDown()
		cfg.Model.RUnlock()
		if down {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleRegistrationStatus returns a handler for
// GET /x-nmos/registration-status, the introspection view of the
// registration state machine.
func HandleRegistrationStatus(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cfg.Registration.Status())
	}
}
