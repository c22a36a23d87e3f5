package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/crewflow/pkg/schema"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorBody is the envelope every failed request returns.
type errorBody struct {
	Error *schema.Error `json:"error"`
}

// writeError maps err to an HTTP status and writes it as an errorBody.
func writeError(w http.ResponseWriter, err error) {
	var sErr *schema.Error
	if !errors.As(err, &sErr) {
		sErr = schema.NewError("INTERNAL", err.Error())
	}
	writeJSON(w, statusFor(sErr.Code), errorBody{Error: sErr})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeNotFound, schema.ErrCodeGateNotFound:
		return http.StatusNotFound
	case schema.ErrCodeAlreadyExists, schema.ErrCodeInvalidTransition,
		schema.ErrCodeOutOfOrderStep, schema.ErrCodeDuplicateGate, schema.ErrCodeCancelled:
		return http.StatusConflict
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNoSnapshot, schema.ErrCodeNoSuccessfulStep, schema.ErrCodeExhausted,
		schema.ErrCodeExpression, schema.ErrCodeInterpolation, schema.ErrCodeApprovalDenied,
		schema.ErrCodeTimeout:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeAgentInvocationFailed, schema.ErrCodeCircuitOpen:
		return http.StatusBadGateway
	case schema.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
// An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid request body: %v", err).WithCause(err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "query parameter %q must be an integer", key)
	}
	return n, nil
}
