package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/net/http/httpguts"

	"github.com/nmos-go/nmosnode/internal/activation"
	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/query"
	"github.com/nmos-go/nmosnode/internal/store"
	"github.com/nmos-go/nmosnode/internal/subscription"
)

// Error is the flat error body every NMOS API answers with on failure.
// Code repeats the HTTP status so intermediaries that swallow it leave
// the client something to log.
type Error struct {
	Code  int    `json:"code"`
	Text  string `json:"error"`
	Debug any    `json:"debug"`
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteError writes an NMOS error body with a matching status code.
func WriteError(w http.ResponseWriter, status int, text string) {
	WriteJSON(w, status, Error{Code: status, Text: text})
}

// domainStatus maps a domain error onto its HTTP status: missing
// resources 404, rejected parameters 400, armed scheduled activations
// 423, refused lifecycle operations 403, anything unclassified 500.
func domainStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, query.ErrBadParameter), errors.Is(err, activation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, activation.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, subscription.ErrNotAllowed):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		WriteError(w, http.StatusInternalServerError, "internal error")
		return
	}
	WriteError(w, domainStatus(err), err.Error())
}

// writeResource renders one resource at the requested API version.
// Documents at or below the version are field-stripped down to it; a
// higher-versioned document without a permitting downgrade parameter
// answers 409 with its canonical location.
func writeResource(w http.ResponseWriter, apiName string, r *nmos.Resource, version, downgrade nmos.APIVersion) {
	if !nmos.PermittedDowngrade(r.Type, r.Version, version, downgrade) {
		loc := fmt.Sprintf("/x-nmos/%s/%s/%s/%s", apiName, r.Version, r.Type.Topic(), r.ID)
		w.Header().Set("Location", loc)
		WriteError(w, http.StatusConflict,
			fmt.Sprintf("%s %s is only available from API version %s", r.Type, r.ID, r.Version))
		return
	}
	WriteJSON(w, http.StatusOK, nmos.DowngradeData(*r, version))
}

// writePage renders a query page with its paging headers. Link cursors
// carry client-supplied filter parameters, so values are checked before
// they are composed into the header section.
func writePage(w http.ResponseWriter, r *http.Request, items []map[string]any, resolved query.ResolvedPaging, raw url.Values) {
	base := requestScheme(r) + "://" + r.Host + r.URL.Path
	w.Header().Set("X-Paging-Limit", strconv.Itoa(resolved.Limit))
	w.Header().Set("X-Paging-Since", resolved.Since.String())
	w.Header().Set("X-Paging-Until", resolved.Until.String())
	for _, link := range resolved.Links(base, raw) {
		if httpguts.ValidHeaderFieldValue(link) {
			w.Header().Add("Link", link)
		}
	}
	WriteJSON(w, http.StatusOK, items)
}
