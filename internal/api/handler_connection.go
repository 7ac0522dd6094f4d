package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/nmos-go/nmosnode/internal/activation"
	"github.com/nmos-go/nmosnode/internal/nmos"
)

// HandleConnectionList returns a handler for GET
// /x-nmos/connection/{version}/single/{senders|receivers}.
func HandleConnectionList(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, connectionVersions); !ok {
			return
		}
		ids := make([]string, 0, 8)
		cfg.Model.RLock()
		cfg.Model.Connection.EachOfType(t, func(res *nmos.Resource) bool {
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

// HandleConnectionResourceIndex returns a handler for the per-resource
// index, GET /x-nmos/connection/{version}/single/{senders|receivers}/{id}.
func HandleConnectionResourceIndex(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	children := []string{"active/", "constraints/", "staged/", "transporttype/"}
	if t == nmos.TypeConnectionSender {
		children = []string{"active/", "constraints/", "staged/", "transportfile/", "transporttype/"}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, connectionVersions); !ok {
			return
		}
		if _, ok := connectionField(cfg, w, r, t, "id"); !ok {
			return
		}
		WriteJSON(w, http.StatusOK, children)
	}
}

// HandleConnectionConstraints returns a handler for GET
// .../single/{senders|receivers}/{id}/constraints.
func HandleConnectionConstraints(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, connectionVersions); !ok {
			return
		}
		value, ok := connectionField(cfg, w, r, t, "endpoint_constraints")
		if !ok {
			return
		}
		if value == nil {
			value = []any{}
		}
		WriteJSON(w, http.StatusOK, value)
	}
}

// HandleStagedView returns a handler for GET
// .../single/{senders|receivers}/{id}/staged. The staged view waits out
// an in-flight immediate activation so clients never observe the
// intermediate pending state.
func HandleStagedView(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, connectionVersions); !ok {
			return
		}
		view, err := cfg.Stager.StagedView(r.Context(), t, chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

// HandlePatchStaged returns a handler for PATCH
// .../single/{senders|receivers}/{id}/staged. Plain staging and
// completed immediate activations answer 200 with the staged view;
// armed scheduled activations answer 202.
func HandlePatchStaged(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, connectionVersions); !ok {
			return
		}
		var patch map[string]any
		if err := DecodeBody(r, &patch); err != nil {
			writeDecodeError(w, err)
			return
		}
		view, outcome, err := cfg.Stager.PatchStaged(r.Context(), t, chi.URLParam(r, "id"), patch)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		status := http.StatusOK
		if outcome == activation.OutcomeScheduled {
			status = http.StatusAccepted
		}
		WriteJSON(w, status, view)
	}
}

// HandleConnectionActive returns a handler for GET
// .../single/{senders|receivers}/{id}/active.
func HandleConnectionActive(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, connectionVersions); !ok {
			return
		}
		value, ok := connectionField(cfg, w, r, t, "endpoint_active")
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, value)
	}
}

// HandleTransportType returns a handler for GET
// .../single/{senders|receivers}/{id}/transporttype.
func HandleTransportType(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, connectionVersions); !ok {
			return
		}
		value, ok := connectionField(cfg, w, r, t, "transporttype")
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, value)
	}
}

// HandleTransportFile returns a handler for GET
// .../single/senders/{id}/transportfile. The file is served raw under
// its own media type; a sender that has never been activated with
// master_enable has none and answers 404.
func HandleTransportFile(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, connectionVersions); !ok {
			return
		}
		value, ok := connectionField(cfg, w, r, nmos.TypeConnectionSender, "endpoint_transportfile")
		if !ok {
			return
		}
		file, _ := value.(map[string]any)
		data, _ := file["data"].(string)
		mime, _ := file["type"].(string)
		if data == "" {
			WriteError(w, http.StatusNotFound, "sender has no transport file")
			return
		}
		if mime == "" {
			mime = "application/sdp"
		}
		w.Header().Set("Content-Type", mime)
		fmt.Fprint(w, data)
	}
}

// HandleBulkStaged returns a handler for POST
// /x-nmos/connection/{version}/bulk/{senders|receivers}. Entries apply
// in order and each reports its own status; the response is 200 even
// when individual entries failed.
func HandleBulkStaged(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, connectionVersions); !ok {
			return
		}
		var body []struct {
			ID     string         `json:"id"`
			Params map[string]any `json:"params"`
		}
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeError(w, err)
			return
		}
		entries := make([]activation.BulkEntry, 0, len(body))
		for _, e := range body {
			entries = append(entries, activation.BulkEntry{ID: e.ID, Params: e.Params})
		}
		results := cfg.Stager.PatchBulk(r.Context(), t, entries)
		out := make([]map[string]any, 0, len(results))
		for _, res := range results {
			entry := map[string]any{"id": res.ID, "code": http.StatusOK}
			if res.Err != nil {
				entry["code"] = domainStatus(res.Err)
				entry["error"] = res.Err.Error()
			}
			out = append(out, entry)
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

// connectionField reads one top-level field of a connection resource,
// answering 404 itself when the resource is gone.
func connectionField(cfg Config, w http.ResponseWriter, r *http.Request, t nmos.ResourceType, key string) (any, bool) {
	id := chi.URLParam(r, "id")
	cfg.Model.RLock()
	res, found := cfg.Model.Connection.Find(id, t)
	var value any
	if found && !res.IsErased() {
		value = res.Data[key]
	} else {
		found = false
	}
	cfg.Model.RUnlock()
	if !found {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("no %s %s", t, id))
		return nil, false
	}
	return value, true
}
