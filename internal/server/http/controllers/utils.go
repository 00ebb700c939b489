package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// parseUint32 parses an optional query parameter. Empty means zero.
func parseUint32(s string) (uint32, bool) {
	if s == "" {
		return 0, true
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// parseInt32List parses "1,2,3".
func parseInt32List(s string) ([]int32, bool) {
	if s == "" {
		return nil, true
	}
	var out []int32
	start := 0
	for i := 0; i <= len(s); i++ {
		if i < len(s) && s[i] != ',' {
			continue
		}
		n, err := strconv.ParseInt(s[start:i], 10, 32)
		if err != nil {
			return nil, false
		}
		out = append(out, int32(n))
		start = i + 1
	}
	return out, true
}
