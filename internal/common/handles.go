package common

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeHandle returns a canonical base64 row handle of the form:
//
//	"users|id=5,tenant=3"
//
// table may be schema-qualified. Handles double as stable row identity keys
// and as edit handles handed to clients.
func EncodeHandle(table string, pkCols []string, pkVals []any) string {
	kvPairs := make([]string, 0, len(pkCols))
	for i := range pkCols {
		var v any
		if i < len(pkVals) {
			v = pkVals[i]
		}
		kvPairs = append(kvPairs, fmt.Sprintf("%s=%v", pkCols[i], deref(v)))
	}
	raw := fmt.Sprintf("%s|%s", table, strings.Join(kvPairs, ","))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeHandle parses a handle produced by EncodeHandle. Key values come back
// as strings; the database casts them on comparison.
func DecodeHandle(h string) (table string, pk map[string]any, err error) {
	b, err := base64.RawURLEncoding.DecodeString(h)
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64: %w", err)
	}

	parts := strings.SplitN(string(b), "|", 2)
	if len(parts) != 2 || parts[0] == "" {
		return "", nil, fmt.Errorf("malformed handle")
	}
	table = parts[0]

	pk = make(map[string]any)
	for _, kv := range strings.Split(parts[1], ",") {
		if kv == "" {
			continue
		}
		pair := strings.SplitN(kv, "=", 2)
		if len(pair) != 2 {
			continue
		}
		pk[strings.TrimSpace(pair[0])] = strings.TrimSpace(pair[1])
	}
	return table, pk, nil
}

func deref(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	default:
		return t
	}
}
