package subscription

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/query"
	"github.com/nmos-go/nmosnode/internal/store"
)

// Hash is a 128-bit identity for a subscription's significant parameters.
// Two equivalent subscription requests produce the same Hash, so a repeated
// POST /subscriptions returns the existing resource.
type Hash [16]byte

// Hex returns the lowercase hex encoding of the hash.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

// ParamsHash computes the Hash over the fields that define equivalence:
// resource path, filter params, persistence, throttle rate and the
// transport security and authorization flags. Go's encoding/json sorts map
// keys at every nesting level, so the encoding is canonical without manual
// sorting.
func ParamsHash(resourcePath string, params map[string]any, persist, secure, authorization bool, maxUpdateRateMs int) Hash {
	doc := map[string]any{
		"resource_path":      resourcePath,
		"params":             params,
		"persist":            persist,
		"secure":             secure,
		"authorization":      authorization,
		"max_update_rate_ms": maxUpdateRateMs,
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", doc))
	}
	h128 := xxh3.Hash128(canonical)
	var h Hash
	binary.LittleEndian.PutUint64(h[:8], h128.Lo)
	binary.LittleEndian.PutUint64(h[8:], h128.Hi)
	return h
}

// CreateRequest carries a validated POST /subscriptions body.
type CreateRequest struct {
	Version         nmos.APIVersion
	ResourcePath    string
	Params          map[string]any
	Persist         bool
	Secure          bool
	Authorization   bool
	MaxUpdateRateMs int

	// WSHrefBase is "<scheme>://<host>:<port>/x-nmos/query/<ver>"; the
	// subscription's ws_href is derived from it.
	WSHrefBase string
}

// Create inserts a new subscription resource, or returns the existing
// equivalent one. The boolean reports whether a resource was created.
// Callers hold the model write lock and notify afterwards.
func Create(m *store.Model, req CreateRequest) (*nmos.Resource, bool, error) {
	if req.ResourcePath != "" {
		if _, err := nmos.TypeFromTopic(req.ResourcePath[1:]); err != nil {
			return nil, false, fmt.Errorf("%w: resource_path %q", query.ErrBadParameter, req.ResourcePath)
		}
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	// Reject malformed params up front so matching never fails later.
	if _, err := query.FromParams(req.Version, req.ResourcePath, req.Params, nil); err != nil {
		return nil, false, err
	}

	// The authorization flag only exists from v1.3.
	if req.Version.Cmp(nmos.V1_3) < 0 {
		req.Authorization = false
	}
	hash := ParamsHash(req.ResourcePath, req.Params, req.Persist, req.Secure, req.Authorization, req.MaxUpdateRateMs)
	if existing := findByHash(m.Node, req.Version, hash); existing != nil {
		return existing, false, nil
	}

	id := uuid.NewString()
	data := map[string]any{
		"id":                 id,
		"ws_href":            req.WSHrefBase + "/subscriptions/" + id + "/ws",
		"max_update_rate_ms": float64(req.MaxUpdateRateMs),
		"params":             req.Params,
		"persist":            req.Persist,
		"secure":             req.Secure,
		"resource_path":      req.ResourcePath,
	}
	if req.Version.Cmp(nmos.V1_3) >= 0 {
		data["authorization"] = req.Authorization
	}
	r, err := nmos.NewResource(nmos.TypeSubscription, req.Version, data)
	if err != nil {
		return nil, false, err
	}
	if req.Persist {
		r.Health = nmos.HealthForever
	}
	if err := m.Node.Insert(r); err != nil {
		return nil, false, err
	}
	created, _ := m.Node.Get(id)
	return created, true, nil
}

// Delete erases a persistent subscription and all of its grains. Deleting a
// non-persistent subscription is refused; those expire on their own.
func Delete(m *store.Model, id string) error {
	sub, ok := m.Node.Find(id, nmos.TypeSubscription)
	if !ok || sub.Version.IsZero() {
		return fmt.Errorf("%w: subscription %s", store.ErrNotFound, id)
	}
	if persist, _ := sub.Data["persist"].(bool); !persist {
		return fmt.Errorf("%w: subscription %s is not persistent", ErrNotAllowed, id)
	}
	return m.Node.Erase(id, true)
}

// ErrNotAllowed marks operations refused by subscription lifecycle rules.
var ErrNotAllowed = fmt.Errorf("operation not allowed")

func findByHash(rs *store.Resources, version nmos.APIVersion, hash Hash) *nmos.Resource {
	var found *nmos.Resource
	rs.EachOfType(nmos.TypeSubscription, func(r *nmos.Resource) bool {
		if r.Version != version {
			return true
		}
		if subscriptionHash(r.Data) == hash {
			found = r
			return false
		}
		return true
	})
	return found
}

func subscriptionHash(data map[string]any) Hash {
	params, _ := data["params"].(map[string]any)
	persist, _ := data["persist"].(bool)
	secure, _ := data["secure"].(bool)
	authz, _ := data["authorization"].(bool)
	rate, _ := data["max_update_rate_ms"].(float64)
	return ParamsHash(nmos.DataString(data, "resource_path"), params, persist, secure, authz, int(rate))
}

// subscriptionQuery parses the stored filter of a subscription resource.
func subscriptionQuery(sub *nmos.Resource, cache *query.Cache) (*query.Query, error) {
	params, _ := sub.Data["params"].(map[string]any)
	return query.FromParams(sub.Version, nmos.DataString(sub.Data, "resource_path"), params, cache)
}
