package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// stringClaim returns the first non-empty string value among keys.
func stringClaim(claims map[string]any, keys ...string) string {
	v, _ := stringClaimSource(claims, keys...)
	return v
}

// stringClaimSource returns the first non-empty string value among keys
// together with the key that supplied it.
func stringClaimSource(claims map[string]any, keys ...string) (string, string) {
	for _, key := range keys {
		if s, ok := claims[key].(string); ok && s != "" {
			return s, key
		}
	}
	return "", ""
}

// boolClaim returns the first true boolean value among keys.
func boolClaim(claims map[string]any, keys ...string) bool {
	for _, key := range keys {
		if b, ok := claims[key].(bool); ok && b {
			return true
		}
	}
	return false
}

// stringsClaim coerces a claim value into a string slice. JSON arrays
// decode as []any, so each element is checked individually.
func stringsClaim(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// overlaps reports whether any of groups appears in required.
func overlaps(groups, required []string) bool {
	for _, g := range groups {
		for _, r := range required {
			if g == r {
				return true
			}
		}
	}
	return false
}

// decodeUnverified extracts the claims of a JWT without checking its
// signature. Only for tokens obtained directly from the IdP over TLS.
func decodeUnverified(tokenString string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}

// tokenHeader peeks at the JOSE header to classify a token before any
// verification happens.
func tokenHeader(tokenString string) (alg, kid string, err error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return "", "", err
	}
	alg, _ = token.Header["alg"].(string)
	kid, _ = token.Header["kid"].(string)
	return alg, kid, nil
}
