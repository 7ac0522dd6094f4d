package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/nmos-go/nmosnode/internal/nmos"
)

type requestBodyTooLargeError struct {
	Limit int64
}

func (e *requestBodyTooLargeError) Error() string {
	return fmt.Sprintf("request body too large (max %d bytes)", e.Limit)
}

// DecodeBody decodes a single JSON value into v, rejecting unknown
// fields and trailing data.
func DecodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &requestBodyTooLargeError{Limit: maxErr.Limit}
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &requestBodyTooLargeError{Limit: maxErr.Limit}
		}
		return fmt.Errorf("invalid request body: must contain a single JSON value")
	}
	return nil
}

// decodeOptionalObject decodes a JSON object body, mapping an empty or
// absent body and the empty object to nil.
func decodeOptionalObject(r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, &requestBodyTooLargeError{Limit: maxErr.Limit}
		}
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if len(obj) == 0 {
		return nil, nil
	}
	return obj, nil
}

// writeDecodeError maps a body decoding failure to 400, or 413 when the
// body blew the configured cap.
func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *requestBodyTooLargeError
	if errors.As(err, &tooLarge) {
		WriteError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	WriteError(w, http.StatusBadRequest, err.Error())
}

// requireVersion parses the {version} path segment against the versions
// an API serves. Unknown versions answer 404 and report false.
func requireVersion(w http.ResponseWriter, r *http.Request, served []nmos.APIVersion) (nmos.APIVersion, bool) {
	raw := chi.URLParam(r, "version")
	v, err := nmos.ParseAPIVersion(raw)
	if err != nil || !slices.Contains(served, v) {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("API version %q is not available", raw))
		return nmos.APIVersion{}, false
	}
	return v, true
}

func versionIndex(versions []nmos.APIVersion) []string {
	out := make([]string, 0, len(versions))
	for _, v := range versions {
		out = append(out, v.String()+"/")
	}
	return out
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
