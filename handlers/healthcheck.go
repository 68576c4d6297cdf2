package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/mediaforge/forge-api/config"
	"github.com/mediaforge/forge-api/log"
	"github.com/mediaforge/forge-api/pipeline"
)

type HealthcheckResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	Stats   pipeline.Stats `json:"stats"`
}

// Returns an HTTP 200 with queue and worker counts while the service is
// running. Used by orchestration to decide whether the node takes traffic.
func (d *ForgeAPIHandlersCollection) Healthcheck() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		responseObject := HealthcheckResponse{
			Status:  "healthy",
			Version: config.Version,
			Stats:   d.Engine.Stats(),
		}

		b, err := json.Marshal(responseObject)
		if err != nil {
			log.LogNoRequestID("Failed to marshal healthcheck status: " + err.Error())
			b = []byte(`{"status": "marshalling status failed"}`)
		}

		w.Header().Set("Content-Type", "application/json")
		if _, err := io.Writer.Write(w, b); err != nil {
			log.LogNoRequestID("Failed to write HTTP response for " + req.URL.Path)
		}
	}
}
