package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/nmos-go/nmosnode/internal/nmos"
)

// HandleEventSources returns a handler for GET
// /x-nmos/events/{version}/sources, listing the sources that emit
// state events.
func HandleEventSources(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, eventsVersions); !ok {
			return
		}
		ids := make([]string, 0, 8)
		cfg.Model.RLock()
		cfg.Model.Events.EachOfType(nmos.TypeSource, func(res *nmos.Resource) bool {
			if !res.IsErased() {
				ids = append(ids, res.ID+"/")
			}
			return true
		})
		cfg.Model.RUnlock()
		sort.Strings(ids)
		WriteJSON(w, http.StatusOK, ids)
	}
}

// HandleEventSourceIndex returns a handler for GET
// /x-nmos/events/{version}/sources/{id}.
func HandleEventSourceIndex(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, eventsVersions); !ok {
			return
		}
		if _, ok := eventSourceField(cfg, w, r, "id"); !ok {
			return
		}
		WriteJSON(w, http.StatusOK, []string{"state/", "type/"})
	}
}

// HandleEventSourceField returns a handler for the per-source state and
// type documents of the events API.
func HandleEventSourceField(cfg Config, key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, eventsVersions); !ok {
			return
		}
		value, ok := eventSourceField(cfg, w, r, key)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, value)
	}
}

func eventSourceField(cfg Config, w http.ResponseWriter, r *http.Request, key string) (any, bool) {
	id := chi.URLParam(r, "id")
	cfg.Model.RLock()
	res, found := cfg.Model.Events.Find(id, nmos.TypeSource)
	var value any
	if found && !res.IsErased() {
		value = res.Data[key]
	} else {
		found = false
	}
	cfg.Model.RUnlock()
	if !found {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("no event source %s", id))
		return nil, false
	}
	return value, true
}
