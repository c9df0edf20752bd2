package api

import (
	"encoding/json"
	"net/http"

	fwerrors "github.com/MaxSonchik/DevOS/pkg/errors"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to its HTTP status.
// statusFor 将错误类别映射为 HTTP 状态码。
func statusFor(err error) int {
	switch fwerrors.Kind(err) {
	case fwerrors.KindValidation:
		return http.StatusBadRequest
	case fwerrors.KindBackend:
		return http.StatusBadGateway
	case fwerrors.KindFormat:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorf("[API] %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: fwerrors.Kind(err)})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fwerrors.NewValidationError("invalid request body: %v", err)
	}
	return nil
}
