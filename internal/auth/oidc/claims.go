package oidc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Claims is a decoded claim set from the UserInfo response or the ID token
// payload. Numbers decode as json.Number.
type Claims map[string]any

// Lookup returns the claim called name. A name containing "." that is not a
// literal key is walked as a path through nested objects, so
// "realm_access.roles" finds Keycloak realm roles.
func (c Claims) Lookup(name string) (any, bool) {
	if c == nil || name == "" {
		return nil, false
	}
	if v, ok := c[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}

	var cur any = map[string]any(c)
	for _, part := range strings.Split(name, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the claim as a string. Numbers are formatted; any other
// type yields "".
func (c Claims) String(name string) string {
	v, _ := c.Lookup(name)
	return claimString(v)
}

// LookupClaim searches sources in order and returns the first non-null hit.
// The login flow passes UserInfo before the ID token, so a null UserInfo
// claim falls through to the token.
func LookupClaim(name string, sources ...Claims) (any, bool) {
	for _, src := range sources {
		if v, ok := src.Lookup(name); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// LookupString is LookupClaim for string-valued claims. Empty strings are
// skipped so a later source can supply the value.
func LookupString(name string, sources ...Claims) string {
	for _, src := range sources {
		if s := src.String(name); s != "" {
			return s
		}
	}
	return ""
}

func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64, int, int64:
		return fmt.Sprint(t)
	}
	return ""
}

// ParseIDTokenClaims decodes the payload of a compact JWT without checking
// its signature. Anything malformed yields empty, non-nil Claims.
func ParseIDTokenClaims(token string) Claims {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return Claims{}
	}
	claims, err := decodeClaims(payload)
	if err != nil {
		return Claims{}
	}
	return claims
}

func decodeClaims(data []byte) (Claims, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var claims Claims
	if err := dec.Decode(&claims); err != nil {
		return nil, err
	}
	if claims == nil {
		claims = Claims{}
	}
	return claims, nil
}
