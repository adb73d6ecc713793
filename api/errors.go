package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/jmcleod/ironcert/certmgr"
)

// maxSmallBodySize bounds JSON bodies without embedded bundles;
// maxBundleBodySize bounds those that may carry PEM or PKCS #12 data.
const (
	maxSmallBodySize  = 64 << 10
	maxBundleBodySize = 4 << 20
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError hides err from the client and logs it instead.
func writeInternalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

// decodeJSON decodes a size-limited JSON body into T, writing the error
// response itself when decoding fails.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// mapError translates certificate manager errors into HTTP responses.
func mapError(w http.ResponseWriter, err error) {
	var (
		inputErr  *certmgr.InputError
		inUseErr  *certmgr.InUseError
		importErr *certmgr.ImportError
		cryptoErr *certmgr.CryptoError
	)
	switch {
	case errors.As(err, &inputErr):
		status := http.StatusUnprocessableEntity
		if errors.Is(err, certmgr.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, ErrorResponse{Error: "invalid request", Problems: inputErr.Messages()})
	case errors.As(err, &inUseErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Consumers: inUseErr.Consumers})
	case errors.As(err, &importErr):
		writeError(w, http.StatusBadRequest, importErr.Message)
	case errors.Is(err, certmgr.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &cryptoErr):
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: cryptoErr.Op + " failed", Problems: cryptoErr.Messages})
	case errors.Is(err, certmgr.ErrPersist):
		writeInternalError(w, "failed to save configuration", err)
	default:
		writeInternalError(w, "internal error", err)
	}
}

// decodeOptionalJSON is decodeJSON for bodies that may be empty, in which
// case the zero T is returned.
func decodeOptionalJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil && !errors.Is(err, io.EOF) {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}
