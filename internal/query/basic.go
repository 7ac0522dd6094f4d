package query

import (
	"encoding/json"
	"strings"
)

// MatchFlags control basic-query string comparison, from query.match_type.
type MatchFlags struct {
	Substr bool
	ICase  bool
}

func parseMatchFlags(s string) MatchFlags {
	var f MatchFlags
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "substr":
			f.Substr = true
		case "icase":
			f.ICase = true
		}
	}
	return f
}

// unflatten builds a nested query document from dotted parameter keys, e.g.
// {"subscription.active": "true"} becomes {"subscription": {"active": "true"}}.
// Leaves stay strings; typing happens at comparison time.
func unflatten(params map[string]string) map[string]any {
	doc := map[string]any{}
	for key, value := range params {
		parts := strings.Split(key, ".")
		cur := doc
		bad := false
		for _, part := range parts[:len(parts)-1] {
			next, ok := cur[part]
			if !ok {
				m := map[string]any{}
				cur[part] = m
				cur = m
				continue
			}
			m, ok := next.(map[string]any)
			if !ok {
				bad = true
				break
			}
			cur = m
		}
		if !bad {
			cur[parts[len(parts)-1]] = value
		}
	}
	return doc
}

// matchDocument reports whether data structurally satisfies the query
// document: every query object key must match recursively, arrays in the
// data match when any element does, and string leaves honour the flags.
// Non-string data leaves match against the query string's JSON form.
func matchDocument(data, q any, flags MatchFlags) bool {
	if qm, ok := q.(map[string]any); ok {
		dm, ok := data.(map[string]any)
		if !ok {
			if arr, isArr := data.([]any); isArr {
				for _, elem := range arr {
					if matchDocument(elem, q, flags) {
						return true
					}
				}
			}
			return false
		}
		for k, sub := range qm {
			dv, ok := dm[k]
			if !ok || !matchDocument(dv, sub, flags) {
				return false
			}
		}
		return true
	}

	if arr, ok := data.([]any); ok {
		for _, elem := range arr {
			if matchDocument(elem, q, flags) {
				return true
			}
		}
		return false
	}

	qs, ok := q.(string)
	if !ok {
		return false
	}
	if ds, ok := data.(string); ok {
		return matchString(ds, qs, flags)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false
	}
	return string(raw) == qs
}

func matchString(data, q string, flags MatchFlags) bool {
	if flags.ICase {
		data = strings.ToLower(data)
		q = strings.ToLower(q)
	}
	if flags.Substr {
		return strings.Contains(data, q)
	}
	return data == q
}
