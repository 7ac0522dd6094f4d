package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nmos-go/nmosnode/internal/nmos"
)

// HandleNodeSelf returns a handler for GET /x-nmos/node/{version}/self.
func HandleNodeSelf(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, ok := requireVersion(w, r, nodeVersions)
		if !ok {
			return
		}
		var self nmos.Resource
		found := false
		cfg.Model.RLock()
		cfg.Model.Node.EachOfType(nmos.TypeNode, func(res *nmos.Resource) bool {
			if res.IsErased() {
				return true
			}
			self, found = *res, true
			return false
		})
		cfg.Model.RUnlock()
		if !found {
			WriteError(w, http.StatusInternalServerError, "node self resource is missing")
			return
		}
		// The node's own document renders at every minor version served.
		writeResource(w, "node", &self, version, version)
	}
}

// HandleNodeCollection returns a handler for the Node API list
// endpoints, e.g. GET /x-nmos/node/{version}/senders. Resources above
// the requested version are left out rather than refused; the Node API
// has no downgrade parameter.
func HandleNodeCollection(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, ok := requireVersion(w, r, nodeVersions)
		if !ok {
			return
		}
		items := make([]map[string]any, 0, 8)
		cfg.Model.RLock()
		cfg.Model.Node.EachOfType(t, func(res *nmos.Resource) bool {
			if !res.IsErased() && nmos.PermittedDowngrade(t, res.Version, version, version) {
				items = append(items, nmos.DowngradeData(*res, version))
			}
			return true
		})
		cfg.Model.RUnlock()
		WriteJSON(w, http.StatusOK, items)
	}
}

// HandleNodeResource returns a handler for the Node API single-resource
// endpoints, e.g. GET /x-nmos/node/{version}/senders/{id}.
func HandleNodeResource(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, ok := requireVersion(w, r, nodeVersions)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		cfg.Model.RLock()
		res, found := cfg.Model.Node.Find(id, t)
		var snapshot nmos.Resource
		if found && !res.IsErased() {
			snapshot = *res
		} else {
			found = false
		}
		cfg.Model.RUnlock()
		if !found {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("no %s %s", t, id))
			return
		}
		writeResource(w, "node", &snapshot, version, version)
	}
}

// HandleReceiverTarget returns a handler for PUT
// /x-nmos/node/{version}/receivers/{id}/target, the legacy subscription
// route. A sender document stages and immediately activates the
// receiver; an empty object detaches it. Either way the body echoes
// back with 202 once the activation has completed.
func HandleReceiverTarget(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, nodeVersions); !ok {
			return
		}
		id := chi.URLParam(r, "id")
		sender, err := decodeOptionalObject(r)
		if err != nil {
			writeDecodeError(w, err)
			return
		}
		if _, err := cfg.Stager.SetReceiverTarget(r.Context(), id, sender, ""); err != nil {
			writeDomainError(w, err)
			return
		}
		if sender == nil {
			sender = map[string]any{}
		}
		WriteJSON(w, http.StatusAccepted, sender)
	}
}
