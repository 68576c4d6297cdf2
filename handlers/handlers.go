package handlers

import (
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/mediaforge/forge-api/config"
	"github.com/mediaforge/forge-api/log"
	"github.com/mediaforge/forge-api/pipeline"
	"github.com/mediaforge/forge-api/requests"
)

type ForgeAPIHandlersCollection struct {
	Cli    *config.Cli
	Engine *pipeline.Coordinator
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are CLIs and workers, not browsers; origin checks add nothing.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (d *ForgeAPIHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		io.WriteString(w, "OK")
	}
}

// WebSocket upgrades the request and runs the session for the lifetime of the
// connection. The handler returns only when the client is gone; httprouter
// dedicates the goroutine to the session.
func (d *ForgeAPIHandlersCollection) WebSocket() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		sessionID := requests.GetSessionID(req)
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			// Upgrade has already written the HTTP error response.
			log.LogNoRequestID("websocket upgrade failed", "session_id", sessionID, "err", err)
			return
		}
		newSession(d.Cli, d.Engine, conn, sessionID).run()
	}
}
