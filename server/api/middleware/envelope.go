package middleware

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorEnvelope builds the JSON error body shared by middleware and handlers:
// {"error":{"code","message","request_id","timestamp"[,"details"]}}.
func ErrorEnvelope(r *http.Request, code, message string, details any) map[string]any {
	body := map[string]any{
		"code":       code,
		"message":    message,
		"request_id": RequestIDFrom(r.Context()),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if details != nil {
		body["details"] = details
	}
	return map[string]any{"error": body}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope(r, code, message, nil))
}
