package token

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/golang-jwt/jwt/v5"

	"github.com/djlord-it/tokenward/internal/domain"
)

// reservedClaims are set by the authority and may not appear in
// application claims.
var reservedClaims = map[string]struct{}{
	"sub": {}, "iat": {}, "exp": {}, "jti": {},
	"iss": {}, "aud": {}, "nbf": {}, "typ": {},
}

// IsReserved reports whether key is a claim the authority owns.
func IsReserved(key string) bool {
	_, ok := reservedClaims[key]
	return ok
}

func validateClaims(claims map[string]any) error {
	var bad []string
	for k := range claims {
		if k == "" {
			bad = append(bad, `""`)
			continue
		}
		if IsReserved(k) {
			bad = append(bad, k)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("%w: reserved keys %v", domain.ErrInvalidClaims, bad)
	}
	return nil
}

// applicationClaims returns a copy of mc without reserved keys.
func applicationClaims(mc jwt.MapClaims) map[string]any {
	out := make(map[string]any, len(mc))
	for k, v := range mc {
		if !IsReserved(k) {
			out[k] = v
		}
	}
	return out
}

// normalizeClaims returns claims as a verifier decodes them: numbers become
// float64, slices []any and structs map[string]any. Values that do not
// encode to JSON are rejected.
func normalizeClaims(claims map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if len(claims) == 0 {
		return out, nil
	}
	data, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: claims not encodable: %v", domain.ErrInvalidClaims, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: claims not decodable: %v", domain.ErrInvalidClaims, err)
	}
	return out, nil
}
