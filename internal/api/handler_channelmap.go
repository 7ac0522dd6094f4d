package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/nmos-go/nmosnode/internal/activation"
	"github.com/nmos-go/nmosnode/internal/nmos"
)

// HandleChannelMapIO returns a handler for GET
// /x-nmos/channelmapping/{version}/io, the combined static description
// of every input and output.
func HandleChannelMapIO(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, channelmapVersions); !ok {
			return
		}
		inputs := map[string]any{}
		outputs := map[string]any{}
		cfg.Model.RLock()
		cfg.Model.ChannelMapping.EachOfType(nmos.TypeChannelMappingInput, func(res *nmos.Resource) bool {
			if !res.IsErased() {
				inputs[res.ID] = ioDoc(res.Data)
			}
			return true
		})
		cfg.Model.ChannelMapping.EachOfType(nmos.TypeChannelMappingOutput, func(res *nmos.Resource) bool {
			if !res.IsErased() {
				outputs[res.ID] = ioDoc(res.Data)
			}
			return true
		})
		cfg.Model.RUnlock()
		WriteJSON(w, http.StatusOK, map[string]any{"inputs": inputs, "outputs": outputs})
	}
}

// HandleChannelMapList returns a handler for GET
// /x-nmos/channelmapping/{version}/{inputs|outputs}.
func HandleChannelMapList(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, channelmapVersions); !ok {
			return
		}
		ids := make([]string, 0, 8)
		cfg.Model.RLock()
		cfg.Model.ChannelMapping.EachOfType(t, func(res *nmos.Resource) bool {
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

// HandleChannelMapEntry returns a handler for GET
// /x-nmos/channelmapping/{version}/{inputs|outputs}/{id}.
func HandleChannelMapEntry(cfg Config, t nmos.ResourceType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, channelmapVersions); !ok {
			return
		}
		id := chi.URLParam(r, "id")
		cfg.Model.RLock()
		res, found := cfg.Model.ChannelMapping.Find(id, t)
		var doc map[string]any
		if found && !res.IsErased() {
			doc = ioDoc(res.Data)
		} else {
			found = false
		}
		cfg.Model.RUnlock()
		if !found {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("no %s %s", t, id))
			return
		}
		WriteJSON(w, http.StatusOK, doc)
	}
}

// HandleMapActive returns a handler for GET
// /x-nmos/channelmapping/{version}/map/active, the global routing map
// stamped with the most recently applied activation.
func HandleMapActive(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, channelmapVersions); !ok {
			return
		}
		WriteJSON(w, http.StatusOK, activation.ActiveMap(cfg.Model))
	}
}

// HandleMapActivations returns a handler for GET
// /x-nmos/channelmapping/{version}/map/activations, the armed scheduled
// activations keyed by id. Completed activations show up in map/active.
func HandleMapActivations(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, channelmapVersions); !ok {
			return
		}
		out := map[string]any{}
		for _, a := range cfg.MapStager.List() {
			out[a.ID] = mapActivationDoc(a, false)
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

// HandlePostMapActivation returns a handler for POST
// /x-nmos/channelmapping/{version}/map/activations. Completed immediate
// activations answer 200, armed scheduled ones 202.
func HandlePostMapActivation(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, channelmapVersions); !ok {
			return
		}
		var body struct {
			Mode          string                    `json:"mode"`
			RequestedTime *string                   `json:"requested_time"`
			Action        map[string]map[string]any `json:"action"`
		}
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeError(w, err)
			return
		}
		req := &activation.MapActivation{Mode: body.Mode, Actions: body.Action}
		if body.RequestedTime != nil {
			req.RequestedTime = *body.RequestedTime
		}
		result, outcome, err := cfg.MapStager.Stage(r.Context(), req)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		status := http.StatusOK
		if outcome == activation.OutcomeScheduled {
			status = http.StatusAccepted
		}
		WriteJSON(w, status, mapActivationDoc(result, true))
	}
}

// HandleMapActivation returns a handler for GET
// /x-nmos/channelmapping/{version}/map/activations/{id}.
func HandleMapActivation(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, channelmapVersions); !ok {
			return
		}
		id := chi.URLParam(r, "id")
		a, found := cfg.MapStager.Get(id)
		if !found {
			WriteError(w, http.StatusNotFound, fmt.Sprintf("no activation %s", id))
			return
		}
		WriteJSON(w, http.StatusOK, mapActivationDoc(a, true))
	}
}

// HandleDeleteMapActivation returns a handler for DELETE
// /x-nmos/channelmapping/{version}/map/activations/{id}, which cancels
// a scheduled activation before it fires.
func HandleDeleteMapActivation(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireVersion(w, r, channelmapVersions); !ok {
			return
		}
		if err := cfg.MapStager.Delete(chi.URLParam(r, "id")); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ioDoc shapes a channel-mapping resource for the IO views, leaving the
// connection management state out.
func ioDoc(data map[string]any) map[string]any {
	doc := make(map[string]any, len(data))
	for k, v := range data {
		switch k {
		case "id", "version", "endpoint_staged", "endpoint_active":
		default:
			doc[k] = v
		}
	}
	return doc
}

func mapActivationDoc(a *activation.MapActivation, withID bool) map[string]any {
	doc := map[string]any{
		"mode":            a.Mode,
		"requested_time":  nullable(a.RequestedTime),
		"activation_time": nullable(a.ActivationTime),
		"action":          a.Actions,
	}
	if withID {
		doc["id"] = a.ID
	}
	return doc
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
