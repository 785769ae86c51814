package token

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const useOnce = "once"

// SessionToken is a verified (or freshly issued) session token.
type SessionToken struct {
	SubjectID string
	TokenID   string
	KeyID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	SingleUse bool
	// Claims holds only primitives: string, bool, int64 and float64. Integral
	// numbers that fit in int64 are always int64, on Issue and on Verify.
	Claims map[string]any
	Raw    string
}

// payload is the JWT body. Application claims live under "claims" so they can
// never shadow a registered claim.
type payload struct {
	jwt.RegisteredClaims
	Claims map[string]any `json:"claims,omitempty"`
	Use    string         `json:"use,omitempty"`
}

// normalizeClaims copies claims, converting every numeric type to int64 or
// float64 and rejecting anything that is not a primitive.
func normalizeClaims(claims map[string]any) (map[string]any, error) {
	if len(claims) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(claims))
	for name, v := range claims {
		if name == "" {
			return nil, fmt.Errorf("claim name is empty")
		}
		n, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("claim %q: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, int64:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("number is not finite")
		}
		if x == math.Trunc(x) && x >= math.MinInt64 && x < math.MaxInt64 {
			return int64(x), nil
		}
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("integer overflows int64")
		}
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("integer overflows int64")
		}
		return int64(x), nil
	case float32:
		return normalizeValue(float64(x))
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", x.String())
		}
		return normalizeValue(f)
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}
