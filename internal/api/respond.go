package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pipeord/pipeord/internal/paths"
	"github.com/pipeord/pipeord/internal/status"
)

// envelope is the uniform response shape: {ok, data} on success and
// {ok, error, message} on failure.
type envelope struct {
	OK      bool   `json:"ok"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// apiError carries an HTTP status with a short machine code and a
// human-readable message.
type apiError struct {
	code    int
	kind    string
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(message string) *apiError {
	return &apiError{code: http.StatusBadRequest, kind: "bad_request", message: message}
}

func notFound(message string) *apiError {
	return &apiError{code: http.StatusNotFound, kind: "not_found", message: message}
}

func forbidden(message string) *apiError {
	return &apiError{code: http.StatusForbidden, kind: "forbidden", message: message}
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{OK: true, Data: data})
}

// writeError maps domain errors onto HTTP codes. Unknown errors become 500
// with their message passed through.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	kind := "internal"

	var ae *apiError
	switch {
	case errors.As(err, &ae):
		code, kind = ae.code, ae.kind
	case errors.Is(err, status.ErrJobNotFound):
		code, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, paths.ErrAbsolutePath), errors.Is(err, paths.ErrPathTraversal):
		code, kind = http.StatusForbidden, "forbidden"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(envelope{OK: false, Error: kind, Message: err.Error()})
}
