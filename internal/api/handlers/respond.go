// Package handlers implements the Form-Bridge HTTP endpoints: authenticated
// ingestion, the tenant-scoped submission query API, and the health probes.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/formbridge/formbridge/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response encode failed")
	}
}

// writeError emits the shared error envelope
// {"error":{"kind":"...","message":"..."}}.
func writeError(w http.ResponseWriter, status int, kind models.ErrorKind, message string) {
	writeJSON(w, status, models.ErrorBody{
		Error: models.ErrorDetail{Kind: string(kind), Message: message},
	})
}
