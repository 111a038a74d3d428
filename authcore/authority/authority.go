// Package authority extracts the authority set from a verified token's
// claims: realm roles, client roles, and a provider-specific roles
// claim, canonicalised to ROLE_<UPPER> with a ROLE_USER fallback when
// the collected set would otherwise be empty.
package authority

import "strings"

const (
	rolePrefix   = "ROLE_"
	fallbackRole = "ROLE_USER"
)

// Resolve collects authorities from claims in a fixed order:
// realm_access.roles, resource_access.<clientID>.roles, then a top-level
// roles claim. clientID may be empty when the token carries no
// resource_access section for this client.
func Resolve(claims map[string]interface{}, clientID string) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(role string) {
		canon := canonicalize(role)
		if canon == "" {
			return
		}
		if _, dup := seen[canon]; dup {
			return
		}
		seen[canon] = struct{}{}
		out = append(out, canon)
	}

	for _, r := range stringList(nested(claims, "realm_access", "roles")) {
		if s, ok := r.(string); ok {
			add(s)
		}
	}
	if clientID != "" {
		for _, r := range stringList(nested(claims, "resource_access", clientID, "roles")) {
			if s, ok := r.(string); ok {
				add(s)
			}
		}
	}
	for _, r := range stringList(claims["roles"]) {
		if s, ok := r.(string); ok {
			add(s)
		}
	}

	if len(out) == 0 {
		return []string{fallbackRole}
	}
	return out
}

// Normalize canonicalises a plain role list (e.g. loaded from a
// credential store rather than token claims) under the same
// ROLE_<UPPER> rule Resolve applies, de-duplicated, with the ROLE_USER
// fallback when the result would otherwise be empty.
func Normalize(roles []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range roles {
		canon := canonicalize(r)
		if canon == "" {
			continue
		}
		if _, dup := seen[canon]; dup {
			continue
		}
		seen[canon] = struct{}{}
		out = append(out, canon)
	}
	if len(out) == 0 {
		return []string{fallbackRole}
	}
	return out
}

func canonicalize(role string) string {
	trimmed := strings.TrimSpace(role)
	if trimmed == "" {
		return ""
	}
	trimmed = strings.TrimPrefix(strings.ToUpper(trimmed), rolePrefix)
	if trimmed == "" {
		return ""
	}
	return rolePrefix + trimmed
}

func stringList(raw interface{}) []interface{} {
	list, _ := raw.([]interface{})
	return list
}

// nested walks a chain of map keys, returning the terminal value or nil if
// any hop along the path is absent or not a map.
func nested(m map[string]interface{}, path ...string) interface{} {
	var cur interface{} = m
	for _, key := range path {
		asMap, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = asMap[key]
		if !ok {
			return nil
		}
	}
	return cur
}
