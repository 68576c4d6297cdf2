package errors

import (
	"encoding/json"
	"net/http"

	"github.com/mediaforge/forge-api/log"
)

// Job failures travel as websocket error envelopes; these helpers cover the
// plain HTTP surfaces (healthcheck, upgrade path, panics caught by the
// request logger).
func writeHttpError(w http.ResponseWriter, msg string, status int, err error) {
	var errorDetail string
	if err != nil {
		errorDetail = err.Error()
	}

	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg, "error_detail": errorDetail}); err != nil {
		log.LogNoRequestID("error writing HTTP error", "http_error_msg", msg, "error", err)
	}
}

func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) {
	writeHttpError(w, msg, http.StatusBadRequest, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) {
	writeHttpError(w, msg, http.StatusInternalServerError, err)
}
