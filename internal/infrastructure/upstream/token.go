package upstream

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DecodeUserID extracts the `id` claim from a bearer token without verifying
// the signature. The upstream only needs the id to match the token owner, so
// no key material is required here. Returns "" for anything undecodable.
func DecodeUserID(token string) string {
	if token == "" {
		return ""
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err == nil {
		if id, ok := claims["id"].(string); ok {
			return id
		}
	}

	// 兜底：手工解 payload（上游 token 偶尔缺 padding 或带非标准头）
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := decodeSegment(parts[1])
	if err != nil {
		return ""
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return body.ID
}

// decodeSegment handles both raw and padded base64url segments.
func decodeSegment(seg string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(seg); err == nil {
		return b, nil
	}
	if pad := len(seg) % 4; pad != 0 {
		seg += strings.Repeat("=", 4-pad)
	}
	return base64.URLEncoding.DecodeString(seg)
}
