package rpc

import (
	"encoding/json"
	"errors"
	"net/http"

	"register/internal/core"
)

// CodeHeader carries the error class on every failed response.
const CodeHeader = "x-register-code"

// SignerHeader names the signer of a downloaded signature.
const SignerHeader = "x-register-signer"

// Status is the error body of a failed call and the payload of a stream's
// final error frame.
type Status struct {
	Code    core.Code `json:"code"`
	Message string    `json:"message"`
}

func statusFor(code core.Code) int {
	switch code {
	case core.CodeOK:
		return http.StatusOK
	case core.CodeInvalidArgument:
		return http.StatusBadRequest
	case core.CodeNotFound:
		return http.StatusNotFound
	case core.CodeAborted:
		return http.StatusConflict
	case core.CodeUnauthenticated:
		return http.StatusUnauthorized
	case core.CodeCanceled:
		return 499
	case core.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var errUnauthenticated = errors.New("missing or unknown apikey")

func statusOf(err error) Status {
	code := core.CodeOf(err)
	if errors.Is(err, errUnauthenticated) {
		code = core.CodeUnauthenticated
	}
	return Status{Code: code, Message: err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	st := statusOf(err)
	w.Header().Set(CodeHeader, string(st.Code))
	writeJSON(w, statusFor(st.Code), st)
}
