package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/nmos-go/nmosnode/internal/nmos"
)

// ErrBadParameter marks malformed query parameters; the API surfaces it
// as 400.
var ErrBadParameter = errors.New("bad query parameter")

// Query is one parsed filter: the requested API version and resource path,
// the basic-query document, an optional RQL tree, downgrade visibility and
// the paging window.
type Query struct {
	Version   nmos.APIVersion
	Path      string
	Basic     map[string]any
	Flags     MatchFlags
	RQL       *Node
	Downgrade nmos.APIVersion
	Paging    Paging

	// Raw keeps the original parameters for rebuilding Link cursors.
	Raw url.Values
}

// Parse builds a Query from URL parameters. resourcePath is "" for
// store-wide subscriptions or "/<topic>" for a collection request. Paging
// and query parameters are reserved; everything else becomes a basic query.
func Parse(version nmos.APIVersion, resourcePath string, params url.Values, limits Limits, cache *Cache) (*Query, error) {
	q := &Query{
		Version: version,
		Path:    resourcePath,
		Raw:     params,
		Paging: Paging{
			Limit: limits.Default,
			Order: OrderUpdate,
		},
	}
	basic := map[string]string{}
	for key, values := range params {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		switch key {
		case "paging.since":
			ts, err := nmos.ParseTAI(value)
			if err != nil {
				return nil, fmt.Errorf("%w: paging.since: %v", ErrBadParameter, err)
			}
			q.Paging.Since, q.Paging.SinceSpecified = ts, true
		case "paging.until":
			ts, err := nmos.ParseTAI(value)
			if err != nil {
				return nil, fmt.Errorf("%w: paging.until: %v", ErrBadParameter, err)
			}
			q.Paging.Until, q.Paging.UntilSpecified = ts, true
		case "paging.limit":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: paging.limit: %q", ErrBadParameter, value)
			}
			q.Paging.Limit = n
		case "paging.order":
			switch Order(value) {
			case OrderUpdate, OrderCreate:
				q.Paging.Order = Order(value)
			default:
				return nil, fmt.Errorf("%w: paging.order: %q", ErrBadParameter, value)
			}
		case "query.downgrade", "paging.downgrade":
			v, err := nmos.ParseAPIVersion(value)
			if err != nil {
				return nil, fmt.Errorf("%w: downgrade: %v", ErrBadParameter, err)
			}
			if v.Major != version.Major {
				return nil, fmt.Errorf("%w: downgrade may not cross major versions", ErrBadParameter)
			}
			q.Downgrade = v
		case "query.rql":
			node, err := cache.Parse(value)
			if err != nil {
				return nil, err
			}
			q.RQL = node
		case "query.match_type":
			q.Flags = parseMatchFlags(value)
		default:
			if strings.HasPrefix(key, "paging.") || strings.HasPrefix(key, "query.") {
				return nil, fmt.Errorf("%w: unknown parameter %q", ErrBadParameter, key)
			}
			basic[key] = value
		}
	}
	if q.Paging.Limit < 1 {
		q.Paging.Limit = 1
	}
	if q.Paging.Limit > limits.Max {
		q.Paging.Limit = limits.Max
	}
	q.Basic = unflatten(basic)
	return q, nil
}

// FromParams builds a Query from a subscription's persisted params
// document. Scalar values are rendered to their wire form so they match the
// way URL parameters do.
func FromParams(version nmos.APIVersion, resourcePath string, params map[string]any, cache *Cache) (*Query, error) {
	values := url.Values{}
	for key, v := range params {
		switch val := v.(type) {
		case string:
			values.Set(key, val)
		default:
			raw, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("%w: param %q", ErrBadParameter, key)
			}
			values.Set(key, string(raw))
		}
	}
	// Subscriptions never page; their window is the live event stream.
	return Parse(version, resourcePath, values, Limits{Default: 1, Max: 1}, cache)
}

// Match reports whether a live or erased resource is visible to this query.
func (q *Query) Match(r *nmos.Resource) bool {
	if r.Data == nil {
		return false
	}
	if !q.matchPathAndVersion(r.Type, r.Version) {
		return false
	}
	return q.MatchData(r.Data)
}

// MatchData applies the basic and RQL filters to a resource document
// snapshot, for callers that already checked type and version visibility.
func (q *Query) MatchData(data map[string]any) bool {
	if data == nil {
		return false
	}
	if len(q.Basic) > 0 && !matchDocument(any(data), any(q.Basic), q.Flags) {
		return false
	}
	if q.RQL != nil && !q.RQL.Eval(data) {
		return false
	}
	return true
}

// MatchType reports whether the query's resource path covers a topic.
func (q *Query) MatchType(t nmos.ResourceType) bool {
	return q.Path == "" || q.Path == "/"+t.Topic()
}

func (q *Query) matchPathAndVersion(t nmos.ResourceType, v nmos.APIVersion) bool {
	if !q.MatchType(t) {
		return false
	}
	return nmos.PermittedDowngrade(t, v, q.Version, q.Downgrade)
}

// MatchSnapshot is Match for event snapshots, where type and version come
// from the mutated resource rather than a live store entry.
func (q *Query) MatchSnapshot(t nmos.ResourceType, v nmos.APIVersion, data map[string]any) bool {
	if data == nil {
		return false
	}
	if !q.matchPathAndVersion(t, v) {
		return false
	}
	return q.MatchData(data)
}
