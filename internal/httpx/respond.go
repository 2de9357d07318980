package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"chat-relay/internal/apperr"

	"go.uber.org/zap"
)

// JSON writes v with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes err as {"message": ...} using the apperr classification.
// Server errors are logged, client errors are not.
func Error(w http.ResponseWriter, log *zap.Logger, err error) {
	status := apperr.Status(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	}
	JSON(w, status, map[string]string{"message": apperr.Message(err)})
}

// MaxJSONBody caps JSON request bodies.
const MaxJSONBody = 1 << 20

// Decode reads a JSON body of at most MaxJSONBody bytes into v. Malformed or
// oversized bodies are an invalid argument.
func Decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return apperr.InvalidArgument("Request body too large")
		}
		return apperr.InvalidArgument("Invalid request body")
	}
	return nil
}
