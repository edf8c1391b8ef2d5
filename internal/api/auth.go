package api

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"os"
	"sort"
	"strings"
)

// Scopes: "operator", "metrics", "node:<id>", "requester:<id>", and the
// wildcards "node:*" and "requester:*".
type principal struct {
	id     string
	scopes map[string]struct{}
}

func (p principal) hasScope(scope string) bool {
	_, ok := p.scopes[scope]
	return ok
}

func (p principal) canActAsNode(nodeID string) bool {
	return p.hasScope("node:*") || p.hasScope("node:"+nodeID)
}

func (p principal) canActAsRequester(requester string) bool {
	return p.hasScope("requester:*") || p.hasScope("requester:"+requester)
}

// requesterIdentity is the single requester a token is bound to, if any.
func (p principal) requesterIdentity() string {
	var ids []string
	for s := range p.scopes {
		if id, ok := strings.CutPrefix(s, "requester:"); ok && id != "*" {
			ids = append(ids, id)
		}
	}
	if len(ids) != 1 {
		return ""
	}
	return ids[0]
}

type authorizer struct {
	enabled bool
	tokens  map[string]principal
}

// newAuthorizerFromEnv reads IAS_API_TOKENS ("token:scope|scope,...") and the
// optional role tables IAS_API_ROLES ("role=scope|scope") and
// IAS_API_TOKEN_ROLES ("token=role|role"). No tokens disables auth.
func newAuthorizerFromEnv() *authorizer {
	roleScopes := defaultRoleScopes()
	for role, scopes := range parseRoleScopes(strings.TrimSpace(os.Getenv("IAS_API_ROLES"))) {
		roleScopes[role] = scopes
	}
	tokenRoles := parseTokenRoles(strings.TrimSpace(os.Getenv("IAS_API_TOKEN_ROLES")))
	raw := strings.TrimSpace(os.Getenv("IAS_API_TOKENS"))
	if raw == "" {
		return &authorizer{enabled: false, tokens: map[string]principal{}}
	}
	tokens := make(map[string]principal)
	for _, entry := range strings.Split(raw, ",") {
		token, scopeRaw, ok := strings.Cut(strings.TrimSpace(entry), ":")
		token, scopeRaw = strings.TrimSpace(token), strings.TrimSpace(scopeRaw)
		if !ok || token == "" || scopeRaw == "" {
			continue
		}
		scopes := splitSet(scopeRaw)
		for _, role := range tokenRoles[token] {
			scopes["role:"+role] = struct{}{}
			for scope := range roleScopes[role] {
				scopes[scope] = struct{}{}
			}
		}
		if len(scopes) == 0 {
			continue
		}
		tokens[token] = principal{id: tokenID(token), scopes: scopes}
	}
	if len(tokens) == 0 {
		return &authorizer{enabled: false, tokens: map[string]principal{}}
	}
	return &authorizer{enabled: true, tokens: tokens}
}

// anonymous stands in for every caller while auth is disabled.
var anonymous = principal{id: "anonymous", scopes: map[string]struct{}{
	"operator": {}, "metrics": {}, "node:*": {}, "requester:*": {},
}}

// authenticate resolves the bearer token without checking scopes.
func (a *authorizer) authenticate(r *http.Request) (principal, int, string) {
	if !a.enabled {
		return anonymous, http.StatusOK, ""
	}
	token := bearerToken(r)
	if token == "" {
		return principal{}, http.StatusUnauthorized, "missing bearer token"
	}
	p, ok := a.tokens[token]
	if !ok {
		return principal{}, http.StatusUnauthorized, "invalid token"
	}
	return p, http.StatusOK, ""
}

func (a *authorizer) authorize(r *http.Request, requiredAny ...string) (principal, int, string) {
	p, status, msg := a.authenticate(r)
	if status != http.StatusOK || len(requiredAny) == 0 {
		return p, status, msg
	}
	for _, scope := range requiredAny {
		if p.hasScope(scope) {
			return p, http.StatusOK, ""
		}
	}
	return p, http.StatusForbidden, fmt.Sprintf("missing required scope (one of: %s)", strings.Join(requiredAny, ","))
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return strings.TrimSpace(r.Header.Get("X-IAS-Token"))
}

func tokenID(token string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return fmt.Sprintf("tok-%08x", h.Sum32())
}

func splitSet(raw string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range strings.Split(raw, "|") {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func parseRoleScopes(raw string) map[string]map[string]struct{} {
	out := map[string]map[string]struct{}{}
	for _, e := range strings.Split(raw, ",") {
		role, scopeRaw, ok := strings.Cut(strings.TrimSpace(e), "=")
		role = strings.TrimSpace(role)
		if !ok || role == "" {
			continue
		}
		if scopes := splitSet(scopeRaw); len(scopes) > 0 {
			out[role] = scopes
		}
	}
	return out
}

func parseTokenRoles(raw string) map[string][]string {
	out := map[string][]string{}
	for _, e := range strings.Split(raw, ",") {
		token, roleRaw, ok := strings.Cut(strings.TrimSpace(e), "=")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			continue
		}
		roles := make([]string, 0, 4)
		for r := range splitSet(roleRaw) {
			roles = append(roles, r)
		}
		sort.Strings(roles)
		if len(roles) > 0 {
			out[token] = roles
		}
	}
	return out
}

func defaultRoleScopes() map[string]map[string]struct{} {
	return map[string]map[string]struct{}{
		"admin": splitSet("operator|metrics|node:*|requester:*"),
		"ops":   splitSet("operator|metrics"),
		"fleet": splitSet("node:*"),
	}
}
