package query

import (
	"fmt"
	"net/url"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/store"
)

// Order selects the cursor index for paging.
type Order string

const (
	OrderUpdate Order = "update"
	OrderCreate Order = "create"
)

// Paging carries the requested cursor window.
type Paging struct {
	Since          nmos.TAI
	Until          nmos.TAI
	SinceSpecified bool
	UntilSpecified bool
	Limit          int
	Order          Order
}

// Limits clamp paging.limit; Default applies when the parameter is absent.
type Limits struct {
	Default int
	Max     int
}

// ResolvedPaging is the window actually served, echoed in X-Paging-* headers
// and used to derive the Link header cursors. When a full page leaves older
// matches behind, Since advances to the oldest returned timestamp; when a
// since-side page leaves newer matches behind, Until retreats to the newest
// returned one.
type ResolvedPaging struct {
	Since nmos.TAI
	Until nmos.TAI
	Limit int
}

// ExecutePage filters the container through q and returns one page, most
// recently updated (or created) first. Callers hold the model lock.
func ExecutePage(rs *store.Resources, q *Query) ([]*nmos.Resource, ResolvedPaging) {
	p := q.Paging
	until := rs.MostRecentUpdate()
	if p.UntilSpecified && p.Until.Before(until) {
		until = p.Until
	}
	since := p.Since
	if until.Before(since) {
		until = since
	}

	// With only a lower bound given, the page fills from the since side.
	fromSince := p.SinceSpecified && !p.UntilSpecified

	var items []*nmos.Resource
	visit := func(r *nmos.Resource) bool {
		if q.Match(r) {
			items = append(items, r)
		}
		return len(items) < p.Limit
	}
	rangeFn := rs.RangeUpdated
	key := func(r *nmos.Resource) nmos.TAI { return r.Updated }
	if p.Order == OrderCreate {
		rangeFn = rs.RangeCreated
		key = func(r *nmos.Resource) nmos.TAI { return r.Created }
	}
	rangeFn(since, until, fromSince, visit)

	resolved := ResolvedPaging{Since: since, Until: until, Limit: p.Limit}
	if len(items) == p.Limit && p.Limit > 0 {
		if fromSince {
			resolved.Until = key(items[len(items)-1])
		} else {
			resolved.Since = key(items[len(items)-1])
		}
	}
	if fromSince {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}
	return items, resolved
}

// Links renders the RFC 5988 Link header values for a page. base is the
// request URL without its query string; raw carries the original query
// parameters so filters survive into the cursors. first rewinds to the
// epoch, last drops both cursors, next resumes below the oldest returned
// entry and prev walks back from it.
func (rp ResolvedPaging) Links(base string, raw url.Values) []string {
	build := func(rel string, mutate func(url.Values)) string {
		vals := url.Values{}
		for k, vs := range raw {
			if k == "paging.since" || k == "paging.until" {
				continue
			}
			vals[k] = append([]string(nil), vs...)
		}
		vals.Set("paging.limit", fmt.Sprintf("%d", rp.Limit))
		mutate(vals)
		return fmt.Sprintf("<%s?%s>; rel=\"%s\"", base, vals.Encode(), rel)
	}
	return []string{
		build("first", func(v url.Values) { v.Set("paging.since", "0:0") }),
		build("prev", func(v url.Values) { v.Set("paging.until", rp.Since.String()) }),
		build("next", func(v url.Values) { v.Set("paging.since", rp.Since.String()) }),
		build("last", func(url.Values) {}),
	}
}
