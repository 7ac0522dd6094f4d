package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nmos-go/nmosnode/internal/nmos"
)

// Error is a failed registry request. Status is the HTTP status the
// registry answered with, zero when the request never produced a response.
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Rejected reports whether the registry understood and refused the request.
// Retrying a rejected request cannot succeed; the caller drops the work
// instead of rotating registries.
func (e *Error) Rejected() bool { return e.Status >= 400 && e.Status < 500 }

func rejected(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Rejected()
}

// Client speaks the registration API of one registry at one negotiated
// version. Request deadlines come from the caller's context.
type Client struct {
	base      string
	version   nmos.APIVersion
	http      *http.Client
	authorize func(*http.Request) error
}

// NewClient builds a client for the API base ("http://host:port"). The
// authorize hook, when non-nil, attaches credentials to every request.
func NewClient(base string, version nmos.APIVersion, httpc *http.Client, authorize func(*http.Request) error) *Client {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &Client{
		base:      base + "/x-nmos/registration/" + version.String(),
		version:   version,
		http:      httpc,
		authorize: authorize,
	}
}

// Base returns the versioned API base the client requests against.
func (c *Client) Base() string { return c.base }

// Version returns the API version resources are shaped to on this registry.
func (c *Client) Version() nmos.APIVersion { return c.version }

// RegisterResource POSTs one resource representation. created is true for
// a 201 and false for a 200, which means the registry already held the
// resource.
func (c *Client) RegisterResource(ctx context.Context, t nmos.ResourceType, data map[string]any) (created bool, err error) {
	body := map[string]any{"type": string(t), "data": data}
	status, err := c.do(ctx, http.MethodPost, "/resource", body)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusCreated:
		return true, nil
	case http.StatusOK:
		return false, nil
	default:
		return false, &Error{Op: "register " + t.Topic(), Status: status}
	}
}

// DeleteResource removes one resource from the registry. found is false
// when the registry answered 404, which callers treat as already deleted.
func (c *Client) DeleteResource(ctx context.Context, t nmos.ResourceType, id string) (found bool, err error) {
	status, err := c.do(ctx, http.MethodDelete, "/resource/"+t.Topic()+"/"+id, nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &Error{Op: "delete " + t.Topic(), Status: status}
	}
}

// Heartbeat refreshes the node's health timer. found is false when the
// registry answered 404: the node has been garbage-collected and must
// re-register.
func (c *Client) Heartbeat(ctx context.Context, nodeID string) (found bool, err error) {
	status, err := c.do(ctx, http.MethodPost, "/health/nodes/"+nodeID, nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, &Error{Op: "heartbeat", Status: status}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, error) {
	op := method + " " + path
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, &Error{Op: op, Err: err}
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, &Error{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authorize != nil {
		if err := c.authorize(req); err != nil {
			return 0, &Error{Op: op, Err: err}
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}
