package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/query"
	"github.com/nmos-go/nmosnode/internal/subscription"
)

// HandleQueryCollection returns a handler for the Query API collection
// endpoints, e.g. GET /x-nmos/query/{version}/senders. Filter, RQL,
// downgrade and paging parameters all apply; the response carries the
// X-Paging headers and Link cursors for the neighbouring pages.
func HandleQueryCollection(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, ok := requireVersion(w, r, queryVersions)
		if !ok {
			return
		}
		q, err := query.Parse(version, "/"+t.Topic(), r.URL.Query(), cfg.Paging, cfg.Queries)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		cfg.Model.RLock()
		matched, resolved := query.ExecutePage(cfg.Model.Node, q)
		docs := make([]map[string]any, 0, len(matched))
		for _, res := range matched {
			docs = append(docs, nmos.DowngradeData(*res, version))
		}
		cfg.Model.RUnlock()
		writePage(w, r, docs, resolved, r.URL.Query())
	}
}

// HandleQueryResource returns a handler for the Query API
// single-resource endpoints, e.g. GET /x-nmos/query/{version}/senders/{id}.
func HandleQueryResource(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, ok := requireVersion(w, r, queryVersions)
		if !ok {
			return
		}
		var downgrade nmos.APIVersion
		if raw := r.URL.Query().Get("query.downgrade"); raw != "" {
			var err error
			if downgrade, err = nmos.ParseAPIVersion(raw); err != nil {
				WriteError(w, http.StatusBadRequest, fmt.Sprintf("query.downgrade: %v", err))
				return
			}
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
		writeResource(w, "query", &snapshot, version, downgrade)
	}
}

// HandleCreateSubscription returns a handler for POST
// /x-nmos/query/{version}/subscriptions. An equivalent existing
// subscription comes back unchanged with 200; otherwise the fresh
// resource with 201. Location points at the subscription either way.
func HandleCreateSubscription(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		version, ok := requireVersion(w, r, queryVersions)
		if !ok {
			return
		}
		var body struct {
			ResourcePath    string         `json:"resource_path"`
			Params          map[string]any `json:"params"`
			Persist         bool           `json:"persist"`
			Secure          *bool          `json:"secure"`
			MaxUpdateRateMs int            `json:"max_update_rate_ms"`
			Authorization   *bool          `json:"authorization"`
		}
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeError(w, err)
			return
		}
		secure := r.TLS != nil
		if body.Secure != nil {
			secure = *body.Secure
		}
		authorization := cfg.Validator != nil
		if body.Authorization != nil {
			authorization = *body.Authorization
		}
		req := subscription.CreateRequest{
			Version:         version,
			ResourcePath:    body.ResourcePath,
			Params:          body.Params,
			Persist:         body.Persist,
			Secure:          secure,
			Authorization:   authorization,
			MaxUpdateRateMs: body.MaxUpdateRateMs,
			WSHrefBase:      requestScheme(r) + "://" + r.Host + "/x-nmos/query/" + version.String(),
		}
		cfg.Model.Lock()
		sub, created, err := subscription.Create(cfg.Model, req)
		var doc map[string]any
		if err == nil {
			doc = nmos.CloneData(sub.Data)
			if created {
				cfg.Model.Notify()
			}
		}
		cfg.Model.Unlock()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		w.Header().Set("Location", "/x-nmos/query/"+version.String()+"/subscriptions/"+sub.ID)
		WriteJSON(w, status, doc)
	}
}

// HandleDeleteSubscription returns a handler for DELETE
// /x-nmos/query/{version}/subscriptions/{id}. Only persistent
// subscriptions may be deleted; non-persistent ones expire with their
// WebSocket and answer 403.
func HandleDeleteSubscription(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, queryVersions); !ok {
			return
		}
		id := chi.URLParam(r, "id")
		cfg.Model.Lock()
		err := subscription.Delete(cfg.Model, id)
		if err == nil {
			cfg.Model.Notify()
		}
		cfg.Model.Unlock()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleSubscriptionWS returns a handler for GET
// /x-nmos/query/{version}/subscriptions/{id}/ws, the WebSocket the
// subscription's ws_href points at.
func HandleSubscriptionWS(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, queryVersions); !ok {
			return
		}
		if err := cfg.Sessions.ServeWS(w, r, chi.URLParam(r, "id")); err != nil {
			writeDomainError(w, err)
		}
	}
}
