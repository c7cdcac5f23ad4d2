package auth

import "encoding/json"

func mustJSON(v map[string]string) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":"internal error"}`)
	}
	return b
}
